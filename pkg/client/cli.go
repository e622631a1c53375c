package client

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/travigo/redongo/pkg/config"
	"github.com/travigo/redongo/pkg/message"
	"github.com/travigo/redongo/pkg/redis_client"
	"github.com/urfave/cli/v2"
)

const sendBatchSize = 500

func RegisterCLI() *cli.Command {
	return &cli.Command{
		Name:      "send",
		Usage:     "Publish JSON documents read from stdin, one per line",
		ArgsUsage: "<application>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "op",
				Value: string(message.OperationSave),
				Usage: "operation applied to every document: save or add",
			},
			&cli.StringFlag{
				Name:  "serializer",
				Value: message.DefaultSerializer,
				Usage: "payload encoding: " + strings.Join(message.Names(), ", "),
			},
		},
		Action: func(c *cli.Context) error {
			application := c.Args().First()
			if application == "" {
				return errors.New("an application name is required")
			}

			operation := message.Operation(c.String("op"))
			if !operation.Valid() {
				return fmt.Errorf("%w: %s", message.ErrUnknownOperation, operation)
			}

			cfg, err := config.FromCLI(c)
			if err != nil {
				return err
			}
			if err := redis_client.Connect(cfg.Redis, cfg.ConnectionTag); err != nil {
				return err
			}
			defer redis_client.Close()

			queue, err := redis_client.QueueConnection.OpenQueue(cfg.Queue)
			if err != nil {
				return err
			}

			producer, err := New(queue).WithSerializer(c.String("serializer"))
			if err != nil {
				return err
			}

			sent, err := Send(producer, application, operation, os.Stdin)
			log.Info().Str("application", application).Int("documents", sent).Msg("Sent documents")

			return err
		},
	}
}

// Send publishes every JSON line of reader, in batches, and returns how many
// documents were queued
func Send(producer *Client, application string, operation message.Operation, reader io.Reader) (int, error) {
	publish := producer.SaveToMongo
	if operation == message.OperationAdd {
		publish = producer.AddToMongo
	}

	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)

	sent := 0
	line := 0
	batch := make([]any, 0, sendBatchSize)

	flush := func() error {
		if err := publish(application, batch...); err != nil {
			return err
		}
		sent += len(batch)
		batch = batch[:0]
		return nil
	}

	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}

		document, err := message.JSONSerializer{}.Unmarshal([]byte(text))
		if err != nil {
			return sent, fmt.Errorf("line %d: %w", line, err)
		}

		batch = append(batch, document)
		if len(batch) >= sendBatchSize {
			if err := flush(); err != nil {
				return sent, err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return sent, err
	}

	if len(batch) > 0 {
		if err := flush(); err != nil {
			return sent, err
		}
	}

	return sent, nil
}
