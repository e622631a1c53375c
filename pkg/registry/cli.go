package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/gocarina/gocsv"
	"github.com/liip/sheriff"
	"github.com/travigo/redongo/pkg/config"
	"github.com/travigo/redongo/pkg/redis_client"
	"github.com/travigo/redongo/pkg/util"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"
)

type applicationRow struct {
	Name           string `csv:"name"`
	Host           string `csv:"host"`
	Database       string `csv:"database"`
	Collection     string `csv:"collection"`
	BulkSize       int    `csv:"bulk_size"`
	BulkExpiration string `csv:"bulk_expiration"`
	Filter         string `csv:"filter"`
}

func newApplicationRow(application *Application) applicationRow {
	host := application.MongoHost
	if application.MongoURI != "" {
		host = "(uri)"
	} else if application.MongoPort != 0 {
		host += ":" + strconv.Itoa(application.MongoPort)
	}

	return applicationRow{
		Name:           application.Name,
		Host:           host,
		Database:       application.MongoDatabase,
		Collection:     application.MongoCollection,
		BulkSize:       application.BulkSize,
		BulkExpiration: application.BulkExpiration.String(),
		Filter:         application.Filter,
	}
}

func applicationFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "mongo-uri", Usage: "full MongoDB connection URI"},
		&cli.StringFlag{Name: "mongo-host", Usage: "MongoDB host, used when no URI is given"},
		&cli.IntFlag{Name: "mongo-port", Usage: "MongoDB port (default 27017)"},
		&cli.StringFlag{Name: "mongo-user"},
		&cli.StringFlag{Name: "mongo-password"},
		&cli.StringFlag{Name: "database", Usage: "target database"},
		&cli.StringFlag{Name: "collection", Usage: "target collection"},
		&cli.IntFlag{Name: "bulk-size", Usage: "records per bulk write"},
		&cli.StringFlag{Name: "bulk-expiration", Usage: "maximum age of a bulk, e.g. 30s or PT30S"},
		&cli.StringFlag{Name: "filter", Usage: "expression over doc deciding which records are written"},
	}
}

func applicationFromFlags(c *cli.Context, name string) (*Application, error) {
	application := &Application{
		Name:            name,
		MongoURI:        c.String("mongo-uri"),
		MongoHost:       c.String("mongo-host"),
		MongoPort:       c.Int("mongo-port"),
		MongoUser:       c.String("mongo-user"),
		MongoPassword:   c.String("mongo-password"),
		MongoDatabase:   c.String("database"),
		MongoCollection: c.String("collection"),
		BulkSize:        c.Int("bulk-size"),
		Filter:          c.String("filter"),
	}

	if expiration := c.String("bulk-expiration"); expiration != "" {
		duration, err := ParseDuration(expiration)
		if err != nil {
			return nil, fmt.Errorf("bulk-expiration: %w", err)
		}
		application.BulkExpiration = duration
	}

	return application, nil
}

func connect(c *cli.Context) (*Registry, error) {
	cfg, err := config.FromCLI(c)
	if err != nil {
		return nil, err
	}

	if err := redis_client.Connect(cfg.Redis, cfg.ConnectionTag); err != nil {
		return nil, err
	}

	return New(redis_client.Client), nil
}

func requireName(c *cli.Context) (string, error) {
	name := c.Args().First()
	if name == "" {
		return "", errors.New("an application name is required")
	}

	return name, nil
}

func RegisterCLI() *cli.Command {
	return &cli.Command{
		Name:  "app",
		Usage: "Manage the registered applications",
		After: func(c *cli.Context) error {
			return redis_client.Close()
		},
		Subcommands: []*cli.Command{
			{
				Name:      "register",
				Usage:     "register or replace an application",
				ArgsUsage: "<name>",
				Flags:     applicationFlags(),
				Action: func(c *cli.Context) error {
					name, err := requireName(c)
					if err != nil {
						return err
					}

					application, err := applicationFromFlags(c, name)
					if err != nil {
						return err
					}
					if application.BulkSize == 0 {
						application.BulkSize = DefaultBulkSize
					}
					if application.BulkExpiration == 0 {
						application.BulkExpiration = DefaultBulkExpiration
					}

					registry, err := connect(c)
					if err != nil {
						return err
					}

					return registry.Register(c.Context, application)
				},
			},
			{
				Name:      "load",
				Usage:     "register every application defined in a directory of YAML files",
				ArgsUsage: "<directory>",
				Action: func(c *cli.Context) error {
					directory := c.Args().First()
					if directory == "" {
						return errors.New("a definitions directory is required")
					}

					registry, err := connect(c)
					if err != nil {
						return err
					}

					registered, err := registry.LoadDefinitions(c.Context, directory)
					fmt.Printf("Registered %d applications\n", registered)

					return err
				},
			},
			{
				Name:  "list",
				Usage: "list the registered applications",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "format",
						Value: "table",
						Usage: "output format: table, csv or json",
					},
				},
				Action: func(c *cli.Context) error {
					registry, err := connect(c)
					if err != nil {
						return err
					}

					applications, err := registry.List(c.Context)
					if err != nil {
						return err
					}

					output, err := formatApplications(applications, c.String("format"))
					if err != nil {
						return err
					}

					fmt.Println(output)
					return nil
				},
			},
			{
				Name:      "show",
				Usage:     "print one application as YAML",
				ArgsUsage: "<name>",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "reveal",
						Usage: "include the MongoDB credentials",
					},
				},
				Action: func(c *cli.Context) error {
					name, err := requireName(c)
					if err != nil {
						return err
					}

					registry, err := connect(c)
					if err != nil {
						return err
					}

					application, err := registry.Get(c.Context, name)
					if err != nil {
						return err
					}

					if !c.Bool("reveal") {
						application.Redact()
					}

					return yaml.NewEncoder(os.Stdout).Encode(application)
				},
			},
			{
				Name:      "update",
				Usage:     "change the given settings of an application",
				ArgsUsage: "<name>",
				Flags:     applicationFlags(),
				Action: func(c *cli.Context) error {
					name, err := requireName(c)
					if err != nil {
						return err
					}

					patch, err := applicationFromFlags(c, name)
					if err != nil {
						return err
					}

					registry, err := connect(c)
					if err != nil {
						return err
					}

					_, err = registry.Update(c.Context, name, patch)
					return err
				},
			},
			{
				Name:      "remove",
				Usage:     "remove an application",
				ArgsUsage: "<name>",
				Action: func(c *cli.Context) error {
					name, err := requireName(c)
					if err != nil {
						return err
					}

					registry, err := connect(c)
					if err != nil {
						return err
					}

					return registry.Remove(c.Context, name)
				},
			},
		},
	}
}

func formatApplications(applications []*Application, format string) (string, error) {
	rows := make([]applicationRow, 0, len(applications))
	for _, application := range applications {
		rows = append(rows, newApplicationRow(application))
	}

	switch format {
	case "table", "":
		tableRows := make([][]string, 0, len(rows))
		for _, row := range rows {
			tableRows = append(tableRows, []string{
				row.Name, row.Host, row.Database, row.Collection,
				strconv.Itoa(row.BulkSize), row.BulkExpiration, row.Filter,
			})
		}

		return util.RenderTable(
			[]string{"Name", "Host", "Database", "Collection", "Bulk size", "Expiration", "Filter"},
			tableRows, 4,
		), nil
	case "csv":
		return gocsv.MarshalString(&rows)
	case "json":
		reduced, err := sheriff.Marshal(&sheriff.Options{Groups: []string{"public"}}, applications)
		if err != nil {
			return "", err
		}

		encoded, err := json.MarshalIndent(reduced, "", "  ")
		return string(encoded), err
	default:
		return "", fmt.Errorf("unknown format %q", format)
	}
}
