package main

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"

	"github.com/okra-platform/authzfilter/internal/commands"
)

var (
	// Build information. Populated at build-time via -ldflags flag.
	version = "dev"
	commit  = "HEAD"
	date    = "now"
)

func build() string {
	short := commit
	if len(commit) > 7 {
		short = commit[:7]
	}

	return fmt.Sprintf("%s (%s) %s", version, short, date)
}

func main() {
	ctrl := &commands.Controller{
		Flags: &commands.Flags{},
	}

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	app := &cli.Command{
		Name:    "authzfilter",
		Usage:   "Reverse proxy that asks an external authorization service before forwarding each request",
		Version: build(),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "log level (debug, info, warn, error, fatal, panic)",
				Sources: cli.EnvVars("AUTHZFILTER_LOG_LEVEL"),
				Value:   "info",
			},
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "path to the config file (default: ./authzfilter.yaml)",
				Sources:     cli.EnvVars("AUTHZFILTER_CONFIG"),
				Destination: &ctrl.Flags.ConfigPath,
			},
		},
		Before: func(ctx context.Context, c *cli.Command) (context.Context, error) {
			level, err := zerolog.ParseLevel(c.String("log-level"))
			if err != nil {
				return ctx, fmt.Errorf("failed to parse log level: %w", err)
			}

			log.Logger = log.Level(level)
			ctrl.Flags.LogLevel = level.String()
			ctrl.Logger = log.Logger

			return ctx, nil
		},
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "Run the proxy",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "listen",
						Usage: "override the proxy listen address",
					},
					&cli.StringFlag{
						Name:  "admin-listen",
						Usage: "override the admin listen address",
					},
					&cli.BoolFlag{
						Name:  "no-watch",
						Usage: "do not reload when the config file changes",
					},
				},
				Action: func(ctx context.Context, c *cli.Command) error {
					return ctrl.Serve(ctx, commands.ServeOptions{
						Listen:      c.String("listen"),
						AdminListen: c.String("admin-listen"),
						NoWatch:     c.Bool("no-watch"),
					})
				},
			},
			{
				Name:  "init",
				Usage: "Create a config file interactively",
				Action: func(ctx context.Context, c *cli.Command) error {
					return ctrl.Init(ctx)
				},
			},
			{
				Name:  "check",
				Usage: "Validate the config file and optionally probe the authorization service",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "print",
						Usage: "print the effective config with defaults applied",
					},
					&cli.BoolFlag{
						Name:  "probe",
						Usage: "send one authorization call for a synthetic request",
					},
					&cli.StringFlag{
						Name:  "method",
						Usage: "probe request method",
						Value: "GET",
					},
					&cli.StringFlag{
						Name:  "path",
						Usage: "probe request path",
						Value: "/",
					},
					&cli.StringFlag{
						Name:  "host",
						Usage: "probe request host",
						Value: "localhost",
					},
					&cli.StringSliceFlag{
						Name:  "header",
						Usage: `probe request header as "name: value" (repeatable)`,
					},
				},
				Action: func(ctx context.Context, c *cli.Command) error {
					return ctrl.Check(ctx, commands.CheckOptions{
						Print:   c.Bool("print"),
						Probe:   c.Bool("probe"),
						Method:  c.String("method"),
						Path:    c.String("path"),
						Host:    c.String("host"),
						Headers: c.StringSlice("header"),
					})
				},
			},
		},
	}

	ctx := context.Background()

	if err := app.Run(ctx, os.Args); err != nil {
		log.Fatal().Err(err).Msg("failed to run authzfilter")
	}
}
