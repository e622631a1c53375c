package elastic_client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esutil"
	"github.com/rs/zerolog/log"
	"github.com/travigo/redongo/pkg/config"
	"github.com/travigo/redongo/pkg/server"
)

// FlushAuditor indexes every flush outcome so failures can be traced per
// application over time
type FlushAuditor struct {
	Client *elasticsearch.Client

	bulkIndexer esutil.BulkIndexer
}

// Connect returns nil without error when no address is configured
func Connect(cfg config.Elasticsearch) (*FlushAuditor, error) {
	if cfg.Address == "" {
		log.Info().Msg("Skipping Elasticsearch setup")
		return nil, nil
	}

	retryBackoff := backoff.NewExponentialBackOff()

	es, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: []string{cfg.Address},
		Username:  cfg.Username,
		Password:  cfg.Password,
		Transport: http.DefaultTransport.(*http.Transport).Clone(),

		RetryOnStatus: []int{502, 503, 504, 429},

		RetryBackoff: func(i int) time.Duration {
			if i == 1 {
				retryBackoff.Reset()
			}
			return retryBackoff.NextBackOff()
		},
		MaxRetries: 5,
	})
	if err != nil {
		return nil, err
	}

	res, err := es.Info()
	if err != nil {
		return nil, err
	}
	res.Body.Close()

	bulkIndexer, err := esutil.NewBulkIndexer(esutil.BulkIndexerConfig{
		Client:        es,
		NumWorkers:    1,
		FlushInterval: 15 * time.Second,
		OnError: func(ctx context.Context, err error) {
			log.Error().Err(err).Msg("Elasticsearch bulk indexer error")
		},
	})
	if err != nil {
		return nil, err
	}

	log.Info().Str("address", cfg.Address).Msg("Elasticsearch flush auditing enabled")

	return &FlushAuditor{Client: es, bulkIndexer: bulkIndexer}, nil
}

func IndexName(timestamp time.Time) string {
	yearNumber, weekNumber := timestamp.ISOWeek()
	return fmt.Sprintf("redongo-flush-events-%d-%d", yearNumber, weekNumber)
}

func (a *FlushAuditor) RecordFlush(event server.FlushEvent) {
	document, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Msg("Failed to encode flush event")
		return
	}

	a.IndexRequest(IndexName(event.Timestamp), bytes.NewReader(document))
}

func (a *FlushAuditor) IndexRequest(indexName string, document io.ReadSeeker) {
	err := a.bulkIndexer.Add(
		context.Background(),
		esutil.BulkIndexerItem{
			Index:  indexName,
			Action: "index",
			Body:   document,
			OnFailure: func(ctx context.Context, item esutil.BulkIndexerItem, res esutil.BulkIndexerResponseItem, err error) {
				if err != nil {
					log.Error().Err(err).Str("indexName", indexName).Msg("Failed to index document")
				} else {
					log.Error().Str("type", res.Error.Type).Str("reason", res.Error.Reason).Msg("Failed to index document")
				}
			},
		},
	)
	if err != nil {
		log.Error().Err(err).Str("indexName", indexName).Msg("Failed to queue document for indexing")
	}
}

// Close waits for queued events to be indexed
func (a *FlushAuditor) Close(ctx context.Context) error {
	return a.bulkIndexer.Close(ctx)
}
