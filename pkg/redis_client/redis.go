package redis_client

import (
	"context"
	"errors"

	"github.com/adjust/rmq/v5"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/travigo/redongo/pkg/config"
)

var Client *redis.Client
var QueueConnection rmq.Connection

func Connect(cfg config.Redis, tag string) error {
	options := &redis.Options{
		Addr: cfg.Address,
		DB:   cfg.Database,
	}
	if cfg.Password != "" {
		options.Password = cfg.Password
	}

	Client = redis.NewClient(options)

	statusCmd := Client.Ping(context.Background())
	err := statusCmd.Err()
	if err != nil {
		return err
	}

	errChan := make(chan error, 10)
	go logQueueErrors(errChan)

	QueueConnection, err = rmq.OpenConnectionWithRedisClient(tag, Client, errChan)
	if err != nil {
		return err
	}

	return nil
}

func Close() error {
	if Client == nil {
		return nil
	}

	return Client.Close()
}

// rmq reports heartbeat and consume failures asynchronously
func logQueueErrors(errChan <-chan error) {
	for err := range errChan {
		var heartbeatErr *rmq.HeartbeatError
		if errors.As(err, &heartbeatErr) {
			log.Warn().Err(err).Int("count", heartbeatErr.Count).Msg("Queue heartbeat failed")
			continue
		}

		log.Error().Err(err).Msg("Queue error")
	}
}
