package bulk

import (
	"errors"
	"fmt"
	"time"

	"github.com/travigo/redongo/pkg/message"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
)

var ErrMissingID = errors.New("add operation requires an _id")

// entry is either a single save or every add sharing one _id
type entry struct {
	id      any
	records []*Record
}

func (e *entry) aggregate() bool {
	return e.id != nil
}

// Bulk accumulates the records of one application between flushes
type Bulk struct {
	Application string

	entries    []*entry
	aggregates map[string]*entry
	count      int
	openedAt   time.Time
}

func New(application string) *Bulk {
	return &Bulk{
		Application: application,
		aggregates:  map[string]*entry{},
	}
}

func (b *Bulk) Add(record *Record, now time.Time) error {
	switch record.Operation {
	case message.OperationSave, "":
		b.entries = append(b.entries, &entry{records: []*Record{record}})
	case message.OperationAdd:
		id, ok := record.Document["_id"]
		if !ok || id == nil {
			return ErrMissingID
		}

		key := idKey(id)
		aggregate, exists := b.aggregates[key]
		if !exists {
			aggregate = &entry{id: id}
			b.aggregates[key] = aggregate
			b.entries = append(b.entries, aggregate)
		}
		aggregate.records = append(aggregate.records, record)
	default:
		return fmt.Errorf("%w %q", message.ErrUnknownOperation, record.Operation)
	}

	if b.count == 0 {
		b.openedAt = now
	}
	b.count++

	return nil
}

func (b *Bulk) Len() int {
	return b.count
}

func (b *Bulk) OpenedAt() time.Time {
	return b.openedAt
}

// Due reports whether the bulk is full or its oldest record has waited
// for expiration
func (b *Bulk) Due(now time.Time, size int, expiration time.Duration) bool {
	if b.count == 0 {
		return false
	}
	if b.count >= size {
		return true
	}

	return now.Sub(b.openedAt) >= expiration
}

// Records returns every record, grouped by write model
func (b *Bulk) Records() []*Record {
	records := make([]*Record, 0, b.count)
	for _, e := range b.entries {
		records = append(records, e.records...)
	}

	return records
}

// Merge appends the records of newer after those already held, keeping the
// older opening time
func (b *Bulk) Merge(newer *Bulk) {
	if newer == nil {
		return
	}

	openedAt := b.openedAt
	empty := b.count == 0

	for _, record := range newer.Records() {
		// Records were accepted once already so they cannot fail again
		_ = b.Add(record, newer.openedAt)
	}

	if !empty {
		b.openedAt = openedAt
	}
}

// WriteModels converts the bulk into Mongo write models. owners[i] holds the
// records that produced models[i].
func (b *Bulk) WriteModels() (models []mongo.WriteModel, owners [][]*Record) {
	models = make([]mongo.WriteModel, 0, len(b.entries))
	owners = make([][]*Record, 0, len(b.entries))

	for _, e := range b.entries {
		if !e.aggregate() {
			record := e.records[0]
			// A stable _id keeps retried inserts idempotent
			if _, ok := record.Document["_id"]; !ok {
				record.Document["_id"] = primitive.NewObjectID()
			}

			models = append(models, mongo.NewInsertOneModel().SetDocument(record.Document))
		} else {
			models = append(models, mongo.NewUpdateOneModel().
				SetFilter(bson.M{"_id": e.id}).
				SetUpdate(Combine(e.id, e.records)).
				SetUpsert(true))
		}

		owners = append(owners, e.records)
	}

	return models, owners
}

func idKey(id any) string {
	return fmt.Sprintf("%T:%v", id, id)
}
