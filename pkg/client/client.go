package client

import (
	"fmt"

	"github.com/adjust/rmq/v5"
	"github.com/travigo/redongo/pkg/message"
)

// Client publishes documents for the server to write
type Client struct {
	queue      rmq.Queue
	serializer string
}

func New(queue rmq.Queue) *Client {
	return &Client{queue: queue, serializer: message.DefaultSerializer}
}

// WithSerializer returns a copy of the client that encodes documents with
// the named serializer
func (c *Client) WithSerializer(name string) (*Client, error) {
	serializer, err := message.Lookup(name)
	if err != nil {
		return nil, err
	}

	return &Client{queue: c.queue, serializer: serializer.Name()}, nil
}

// SaveToMongo queues documents to be inserted as they are
func (c *Client) SaveToMongo(application string, documents ...any) error {
	return c.publish(application, message.OperationSave, documents)
}

// AddToMongo queues documents whose numeric fields are added to the stored
// document with the same _id
func (c *Client) AddToMongo(application string, documents ...any) error {
	return c.publish(application, message.OperationAdd, documents)
}

func (c *Client) publish(application string, operation message.Operation, documents []any) error {
	if len(documents) == 0 {
		return nil
	}

	payloads := make([]string, 0, len(documents))
	for i, document := range documents {
		envelope, err := message.NewEnvelope(application, c.serializer, operation, document)
		if err != nil {
			return fmt.Errorf("document %d: %w", i, err)
		}

		encoded, err := message.Encode(envelope)
		if err != nil {
			return fmt.Errorf("document %d: %w", i, err)
		}

		payloads = append(payloads, string(encoded))
	}

	if err := c.queue.Publish(payloads...); err != nil {
		return fmt.Errorf("publish %d documents: %w", len(payloads), err)
	}

	return nil
}
