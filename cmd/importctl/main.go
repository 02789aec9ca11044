package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newCommand(openApp).Run(ctx, os.Args); err != nil {
		log.Fatal(err)
	}
}

func newCommand(open appOpener) *cli.Command {
	envFlag := func() cli.Flag {
		return &cli.StringFlag{
			Name:  "env",
			Usage: "environment file to load",
			Value: ".env",
		}
	}
	siteFlag := func() cli.Flag {
		return &cli.IntFlag{
			Name:     "site",
			Usage:    "site id",
			Required: true,
		}
	}

	return &cli.Command{
		Name:  "importctl",
		Usage: "inspect and manage analytics imports",
		Commands: []*cli.Command{
			{
				Name:  "list",
				Usage: "list every import with its progress",
				Flags: []cli.Flag{
					envFlag(),
					&cli.BoolFlag{
						Name:  "check-killed",
						Usage: "probe workers and report running imports without one as killed",
					},
					&cli.BoolFlag{
						Name:  "json",
						Usage: "print JSON instead of a table",
					},
				},
				Action: withApp(open, listAction),
			},
			{
				Name:   "show",
				Usage:  "show the stored status of one import",
				Flags:  []cli.Flag{envFlag(), siteFlag()},
				Action: withApp(open, showAction),
			},
			{
				Name:   "resume",
				Usage:  "resume a stopped import",
				Flags:  []cli.Flag{envFlag(), siteFlag()},
				Action: withApp(open, resumeAction),
			},
			{
				Name:  "reimport",
				Usage: "queue a date range to import again",
				Flags: []cli.Flag{
					envFlag(),
					siteFlag(),
					&cli.StringFlag{
						Name:     "start",
						Usage:    "first day (YYYY-MM-DD)",
						Required: true,
					},
					&cli.StringFlag{
						Name:     "end",
						Usage:    "last day (YYYY-MM-DD)",
						Required: true,
					},
				},
				Action: withApp(open, reimportAction),
			},
			{
				Name:  "end-date",
				Usage: "change the last day to import; empty keeps importing new days",
				Flags: []cli.Flag{
					envFlag(),
					siteFlag(),
					&cli.StringFlag{
						Name:  "end",
						Usage: "last day (YYYY-MM-DD)",
					},
				},
				Action: withApp(open, endDateAction),
			},
			{
				Name:  "verbose",
				Usage: "toggle verbose worker logging for an import",
				Flags: []cli.Flag{
					envFlag(),
					siteFlag(),
					&cli.BoolFlag{
						Name:  "off",
						Usage: "disable instead of enable",
					},
				},
				Action: withApp(open, verboseAction),
			},
			{
				Name:   "delete",
				Usage:  "delete an import status and its logs",
				Flags:  []cli.Flag{envFlag(), siteFlag()},
				Action: withApp(open, deleteAction),
			},
			{
				Name:  "site",
				Usage: "site registry commands",
				Commands: []*cli.Command{
					{
						Name:  "add",
						Usage: "register or rename a site",
						Flags: []cli.Flag{
							envFlag(),
							siteFlag(),
							&cli.StringFlag{
								Name:     "name",
								Usage:    "site name",
								Required: true,
							},
							&cli.StringFlag{
								Name:  "created",
								Usage: "creation day (YYYY-MM-DD), defaults to today",
							},
						},
						Action: withApp(open, siteAddAction),
					},
				},
			},
		},
	}
}
