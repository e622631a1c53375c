package consumer

import (
	"fmt"

	"github.com/adjust/rmq/v5"
)

type QueueCounts struct {
	Ready     int64 `json:"ready" csv:"ready"`
	Rejected  int64 `json:"rejected" csv:"rejected"`
	Unacked   int64 `json:"unacked" csv:"unacked"`
	Consumers int64 `json:"consumers" csv:"consumers"`
}

// QueueInspector reads queue statistics from the rmq bookkeeping in Redis
type QueueInspector struct {
	Connection rmq.Connection
	QueueName  string
}

func NewQueueInspector(connection rmq.Connection, queueName string) *QueueInspector {
	return &QueueInspector{Connection: connection, QueueName: queueName}
}

func (i *QueueInspector) Counts() (QueueCounts, error) {
	stats, err := i.Connection.CollectStats([]string{i.QueueName})
	if err != nil {
		return QueueCounts{}, fmt.Errorf("collect queue stats: %w", err)
	}

	queueStats, ok := stats.QueueStats[i.QueueName]
	if !ok {
		return QueueCounts{}, nil
	}

	return QueueCounts{
		Ready:     queueStats.ReadyCount,
		Rejected:  queueStats.RejectedCount,
		Unacked:   queueStats.UnackedCount(),
		Consumers: queueStats.ConsumerCount(),
	}, nil
}

// HTML renders rmq's own overview page for every open queue
func (i *QueueInspector) HTML(layout string, refresh string) (string, error) {
	queues, err := i.Connection.GetOpenQueues()
	if err != nil {
		return "", fmt.Errorf("list open queues: %w", err)
	}

	stats, err := i.Connection.CollectStats(queues)
	if err != nil {
		return "", fmt.Errorf("collect queue stats: %w", err)
	}

	return stats.GetHtml(layout, refresh), nil
}
