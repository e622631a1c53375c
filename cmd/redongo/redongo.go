package main

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/travigo/redongo/pkg/client"
	"github.com/travigo/redongo/pkg/config"
	"github.com/travigo/redongo/pkg/failed"
	"github.com/travigo/redongo/pkg/registry"
	"github.com/travigo/redongo/pkg/spool"
	"github.com/urfave/cli/v2"
)

func main() {
	if os.Getenv("REDONGO_LOG_FORMAT") != "JSON" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	}

	if os.Getenv("REDONGO_DEBUG") == "YES" {
		log.Logger = log.Logger.Level(zerolog.DebugLevel)
	} else {
		log.Logger = log.Logger.Level(zerolog.InfoLevel)
	}

	app := &cli.App{
		Name:        "redongo",
		Description: "Batches records from a Redis queue into MongoDB bulk writes",
		Flags:       config.Flags(),

		Commands: []*cli.Command{
			serverCLI(),
			registry.RegisterCLI(),
			failed.RegisterCLI(),
			failed.RegisterQueueCLI(),
			spool.RegisterCLI(),
			client.RegisterCLI(),
		},
	}

	err := app.Run(os.Args)
	if err != nil {
		log.Fatal().Err(err).Send()
	}
}
