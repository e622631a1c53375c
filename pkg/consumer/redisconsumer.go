package consumer

import (
	"errors"
	"fmt"
	"time"

	"github.com/adjust/rmq/v5"
	"github.com/rs/zerolog/log"
)

type RedisConsumer struct {
	Connection rmq.Connection
	QueueName  string
	Tag        string

	NumberConsumers int
	BatchSize       int
	PrefetchLimit   int
	PollDuration    time.Duration

	Timeout time.Duration

	Consumer rmq.BatchConsumer

	queue rmq.Queue
}

func (c *RedisConsumer) Setup() error {
	if c.Connection == nil {
		return errors.New("no queue connection")
	}
	if c.Consumer == nil {
		return errors.New("no batch consumer")
	}

	return c.startConsumers()
}

func (c *RedisConsumer) startConsumers() error {
	// Run the background consumers
	log.Info().Str("queue", c.QueueName).Int("consumers", c.NumberConsumers).Msg("Starting consumers")

	queue, err := c.Connection.OpenQueue(c.QueueName)
	if err != nil {
		return fmt.Errorf("open queue %s: %w", c.QueueName, err)
	}

	prefetchLimit := c.PrefetchLimit
	if prefetchLimit < c.NumberConsumers*c.BatchSize {
		prefetchLimit = c.NumberConsumers * c.BatchSize
	}
	pollDuration := c.PollDuration
	if pollDuration <= 0 {
		pollDuration = 1 * time.Second
	}

	if err := queue.StartConsuming(int64(prefetchLimit), pollDuration); err != nil {
		return fmt.Errorf("start consuming %s: %w", c.QueueName, err)
	}
	c.queue = queue

	for i := 0; i < c.NumberConsumers; i++ {
		if err := c.startQueueConsumer(queue, i); err != nil {
			<-queue.StopConsuming()
			return err
		}
	}

	return nil
}

func (c *RedisConsumer) startQueueConsumer(queue rmq.Queue, id int) error {
	tag := fmt.Sprintf("%s-%d", c.Tag, id)
	log.Debug().Str("queue", c.QueueName).Str("consumer", tag).Msg("Starting queue consumer")

	if _, err := queue.AddBatchConsumer(tag, int64(c.BatchSize), c.Timeout, c.Consumer); err != nil {
		return fmt.Errorf("add consumer %s: %w", tag, err)
	}

	return nil
}

// Stop returns a channel closed once every running Consume call has returned
func (c *RedisConsumer) Stop() <-chan struct{} {
	if c.queue == nil {
		finished := make(chan struct{})
		close(finished)
		return finished
	}

	return c.queue.StopConsuming()
}
