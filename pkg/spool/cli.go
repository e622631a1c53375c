package spool

import (
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/kr/pretty"
	"github.com/travigo/redongo/pkg/config"
	"github.com/travigo/redongo/pkg/util"
	"github.com/urfave/cli/v2"
)

func open(c *cli.Context) (*Spool, error) {
	cfg, err := config.FromCLI(c)
	if err != nil {
		return nil, err
	}

	spool, err := Open(cfg.SpoolDirectory)
	if errors.Is(err, ErrLocked) {
		return nil, fmt.Errorf("%w, read the spool counts from the server's /stats instead", err)
	}

	return spool, err
}

func RegisterCLI() *cli.Command {
	return &cli.Command{
		Name:  "spool",
		Usage: "Inspect the disk overflow spool of a stopped server",
		Subcommands: []*cli.Command{
			{
				Name:  "stats",
				Usage: "print pending and failed record counts per application",
				Action: func(c *cli.Context) error {
					spool, err := open(c)
					if err != nil {
						return err
					}
					defer spool.Close()

					counts, err := spool.CountByApplication(c.Context)
					if err != nil {
						return err
					}

					applications := make([]string, 0, len(counts))
					for application := range counts {
						applications = append(applications, application)
					}
					sort.Strings(applications)

					rows := make([][]string, 0, len(applications))
					for _, application := range applications {
						rows = append(rows, []string{
							application,
							strconv.Itoa(counts[application].Pending),
							strconv.Itoa(counts[application].Failed),
						})
					}

					fmt.Println(util.RenderTable([]string{"Application", "Pending", "Failed"}, rows, 1, 2))
					return nil
				},
			},
			{
				Name:      "inspect",
				Usage:     "print the oldest spooled records of an application",
				ArgsUsage: "<application>",
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  "limit",
						Value: 10,
						Usage: "number of records to print",
					},
				},
				Action: func(c *cli.Context) error {
					application := c.Args().First()
					if application == "" {
						return errors.New("an application name is required")
					}

					spool, err := open(c)
					if err != nil {
						return err
					}
					defer spool.Close()

					entries, err := spool.Inspect(c.Context, application, c.Int("limit"))
					if err != nil {
						return err
					}

					for _, entry := range entries {
						pretty.Println(entry)
					}
					return nil
				},
			},
		},
	}
}
