package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"github.com/urfave/cli/v2"

	"github.com/iotic-labs/connector-engine/config"
)

const (
	ServiceName      = "connector-engine"
	ServiceNamespace = "iotic-labs"
)

var (
	version        = "0.0.0"
	commit         = "hash"
	commitDate     = time.Now().String()
	branch         = "branch"
	buildTimestamp = ""
)

// Run is the process entrypoint: "server" runs the engine, "monitor"
// opens the termui dashboard against a running instance's admin server.
func Run() error {
	app := &cli.App{
		Name:  ServiceName,
		Usage: "Digital twin ingest-and-publish engine",
		Commands: []*cli.Command{
			serverCmd(),
			monitorCmd(),
		},
	}

	return app.Run(os.Args)
}

func serverCmd() *cli.Command {
	return &cli.Command{
		Name:    "server",
		Aliases: []string{"s"},
		Usage:   "Run the model supervisor and admin server",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config-file",
				Usage: "Path to the configuration file",
			},
		},
		Action: func(c *cli.Context) error {
			fs := pflag.NewFlagSet("config", pflag.ContinueOnError)
			fs.String("config-file", c.String("config-file"), "path to a YAML configuration file")

			cfg, err := config.Load(fs)
			if err != nil {
				return err
			}
			app := NewApp(cfg, c.String("config-file"))

			if err := app.Start(c.Context); err != nil {
				return err
			}

			stop := make(chan os.Signal, 1)
			signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
			<-stop

			slog.Info("shutting down")
			return app.Stop(context.Background())
		},
	}
}
