package bulk

import (
	"time"

	"github.com/travigo/redongo/pkg/message"
	"go.mongodb.org/mongo-driver/bson"
)

// Delivery is the queue handle behind a record. rmq.Delivery satisfies it.
type Delivery interface {
	Ack() error
	Reject() error
}

type Record struct {
	Operation message.Operation
	Document  bson.M

	// Exactly one of Delivery and SpoolID is set
	Delivery Delivery
	SpoolID  int64

	EnqueuedAt time.Time
	ReceivedAt time.Time

	// Writes tried so far, across retries, parks and spool round trips
	Attempts int
}

func (r *Record) Spooled() bool {
	return r.SpoolID != 0
}
