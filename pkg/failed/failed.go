// Package failed manages records the server rejected. They sit on the rmq
// rejected list of the queue until requeued or purged.
package failed

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/adjust/rmq/v5"
	"github.com/rs/zerolog/log"
	"github.com/travigo/redongo/pkg/consumer"
)

type Manager struct {
	connection rmq.Connection
	queue      rmq.Queue
	inspector  *consumer.QueueInspector
}

func NewManager(connection rmq.Connection, queueName string) (*Manager, error) {
	queue, err := connection.OpenQueue(queueName)
	if err != nil {
		return nil, fmt.Errorf("open queue %s: %w", queueName, err)
	}

	return &Manager{
		connection: connection,
		queue:      queue,
		inspector:  consumer.NewQueueInspector(connection, queueName),
	}, nil
}

func (m *Manager) Count() (int64, error) {
	counts, err := m.inspector.Counts()
	if err != nil {
		return 0, err
	}

	return counts.Rejected, nil
}

// Requeue moves up to max rejected records back to the ready list. A max
// of zero or less requeues everything.
func (m *Manager) Requeue(max int64) (int64, error) {
	if max <= 0 {
		max = math.MaxInt64
	}

	returned, err := m.queue.ReturnRejected(max)
	if err != nil {
		return returned, fmt.Errorf("requeue rejected records: %w", err)
	}

	log.Info().Int64("records", returned).Msg("Requeued failed records")

	return returned, nil
}

func (m *Manager) Purge() (int64, error) {
	purged, err := m.queue.PurgeRejected()
	if err != nil {
		return purged, fmt.Errorf("purge rejected records: %w", err)
	}

	log.Info().Int64("records", purged).Msg("Purged failed records")

	return purged, nil
}

// ReturnUnacked hands deliveries held by dead server connections back to
// the ready list, e.g. after a crash
func (m *Manager) ReturnUnacked() (int64, error) {
	cleaner := rmq.NewCleaner(m.connection)

	returned, err := cleaner.Clean()
	if err != nil {
		return returned, fmt.Errorf("return unacked deliveries: %w", err)
	}

	if returned != 0 {
		log.Info().Int64("records", returned).Msg("Returned unacked deliveries")
	}

	return returned, nil
}

// RunCleaner returns the deliveries of dead connections every interval
// until ctx is cancelled
func (m *Manager) RunCleaner(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if _, err := m.ReturnUnacked(); err != nil {
			log.Error().Err(err).Msg("Failed to clean queue connections")
		}
	}
}
