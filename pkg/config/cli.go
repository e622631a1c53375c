package config

import (
	"github.com/urfave/cli/v2"
)

// Flags are the global flags shared by every redongo command
func Flags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Usage:   "path to a YAML config file",
			EnvVars: []string{"REDONGO_CONFIG"},
		},
		&cli.StringFlag{
			Name:  "redis-address",
			Usage: "Redis host:port holding the queue and the application registry",
		},
		&cli.StringFlag{
			Name:  "queue",
			Usage: "name of the rmq queue",
		},
		&cli.StringFlag{
			Name:  "spool-directory",
			Usage: "directory of the disk overflow spool",
		},
		&cli.StringFlag{
			Name:  "listen",
			Usage: "listen target for the admin API",
		},
		&cli.IntFlag{
			Name:  "consumers",
			Usage: "number of queue consumers",
		},
		&cli.IntFlag{
			Name:  "flush-workers",
			Usage: "number of bulks flushed in parallel",
		},
		&cli.IntFlag{
			Name:  "max-buffered",
			Usage: "records held in memory before parked bulks spill to the spool",
		},
		&cli.DurationFlag{
			Name:  "check-interval",
			Usage: "how often bulks are checked for expiry",
		},
		&cli.DurationFlag{
			Name:  "cleaner-interval",
			Usage: "how often deliveries of dead queue connections are returned",
		},
	}
}

// FromCLI loads the config file and environment, then applies any flags
// set on the command line
func FromCLI(c *cli.Context) (*Config, error) {
	cfg, err := Load(c.String("config"))
	if err != nil {
		return nil, err
	}

	if c.IsSet("redis-address") {
		cfg.Redis.Address = c.String("redis-address")
	}
	if c.IsSet("queue") {
		cfg.Queue = c.String("queue")
	}
	if c.IsSet("spool-directory") {
		cfg.SpoolDirectory = c.String("spool-directory")
	}
	if c.IsSet("listen") {
		cfg.Listen = c.String("listen")
	}
	if c.IsSet("consumers") {
		cfg.Consumers = c.Int("consumers")
	}
	if c.IsSet("flush-workers") {
		cfg.FlushWorkers = c.Int("flush-workers")
	}
	if c.IsSet("max-buffered") {
		cfg.MaxBuffered = c.Int("max-buffered")
	}
	if c.IsSet("check-interval") {
		cfg.CheckInterval = c.Duration("check-interval")
	}
	if c.IsSet("cleaner-interval") {
		cfg.CleanerInterval = c.Duration("cleaner-interval")
	}

	return cfg, cfg.Validate()
}
