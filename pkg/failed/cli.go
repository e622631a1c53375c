package failed

import (
	"fmt"
	"strconv"

	"github.com/travigo/redongo/pkg/config"
	"github.com/travigo/redongo/pkg/consumer"
	"github.com/travigo/redongo/pkg/redis_client"
	"github.com/travigo/redongo/pkg/util"
	"github.com/urfave/cli/v2"
)

func connect(c *cli.Context) (*Manager, *config.Config, error) {
	cfg, err := config.FromCLI(c)
	if err != nil {
		return nil, nil, err
	}

	if err := redis_client.Connect(cfg.Redis, cfg.ConnectionTag); err != nil {
		return nil, nil, err
	}

	manager, err := NewManager(redis_client.QueueConnection, cfg.Queue)
	if err != nil {
		return nil, nil, err
	}

	return manager, cfg, nil
}

func RegisterCLI() *cli.Command {
	return &cli.Command{
		Name:  "failed",
		Usage: "Inspect and recover records the server rejected",
		After: func(c *cli.Context) error {
			return redis_client.Close()
		},
		Subcommands: []*cli.Command{
			{
				Name:  "count",
				Usage: "print the number of failed records",
				Action: func(c *cli.Context) error {
					manager, _, err := connect(c)
					if err != nil {
						return err
					}

					count, err := manager.Count()
					if err != nil {
						return err
					}

					fmt.Println(count)
					return nil
				},
			},
			{
				Name:  "requeue",
				Usage: "move failed records back to the queue",
				Flags: []cli.Flag{
					&cli.Int64Flag{
						Name:  "max",
						Usage: "requeue at most this many records, 0 for all",
					},
				},
				Action: func(c *cli.Context) error {
					manager, _, err := connect(c)
					if err != nil {
						return err
					}

					returned, err := manager.Requeue(c.Int64("max"))
					fmt.Printf("Requeued %d records\n", returned)

					return err
				},
			},
			{
				Name:  "purge",
				Usage: "delete every failed record",
				Action: func(c *cli.Context) error {
					manager, _, err := connect(c)
					if err != nil {
						return err
					}

					purged, err := manager.Purge()
					fmt.Printf("Purged %d records\n", purged)

					return err
				},
			},
		},
	}
}

func RegisterQueueCLI() *cli.Command {
	return &cli.Command{
		Name:  "queue",
		Usage: "Inspect the record queue",
		After: func(c *cli.Context) error {
			return redis_client.Close()
		},
		Subcommands: []*cli.Command{
			{
				Name:  "stats",
				Usage: "print ready, rejected and unacked counts",
				Action: func(c *cli.Context) error {
					_, cfg, err := connect(c)
					if err != nil {
						return err
					}

					counts, err := consumer.NewQueueInspector(redis_client.QueueConnection, cfg.Queue).Counts()
					if err != nil {
						return err
					}

					fmt.Println(util.RenderTable(
						[]string{"Queue", "Ready", "Rejected", "Unacked", "Consumers"},
						[][]string{{
							cfg.Queue,
							strconv.FormatInt(counts.Ready, 10),
							strconv.FormatInt(counts.Rejected, 10),
							strconv.FormatInt(counts.Unacked, 10),
							strconv.FormatInt(counts.Consumers, 10),
						}},
						1, 2, 3, 4,
					))
					return nil
				},
			},
			{
				Name:  "return-unacked",
				Usage: "return deliveries held by dead server connections to the queue",
				Action: func(c *cli.Context) error {
					manager, _, err := connect(c)
					if err != nil {
						return err
					}

					returned, err := manager.ReturnUnacked()
					fmt.Printf("Returned %d deliveries\n", returned)

					return err
				},
			},
		},
	}
}
