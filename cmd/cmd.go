package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/webitel/syncfabric/config"
)

const (
	ServiceName = "syncfabric"
)

var (
	version = "0.0.0"
	commit  = "hash"
)

func Run() error {
	app := &cli.App{
		Name:  ServiceName,
		Usage: "Pluggable CRDT synchronization fabric",
		Commands: []*cli.Command{
			serverCmd(),
		},
	}

	return app.Run(os.Args)
}

func serverCmd() *cli.Command {
	return &cli.Command{
		Name:    "server",
		Aliases: []string{"s"},
		Usage:   "Run a syncfabric server, binding one wire to a RoomManager",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config_file",
				Usage: "Path to the configuration file",
			},
			&cli.StringFlag{
				Name:  "mesh_manifest",
				Usage: "Path to a mesh federation manifest",
			},
			&cli.IntFlag{
				Name:  "mesh_self_index",
				Usage: "This process's own entry index in mesh_manifest's servers list",
				Value: -1,
			},
		},
		Action: func(c *cli.Context) error {
			cfg, err := config.Load(c.String("config_file"))
			if err != nil {
				return err
			}
			if v := c.String("mesh_manifest"); v != "" {
				cfg.Mesh.ManifestPath = v
			}
			if c.IsSet("mesh_self_index") {
				cfg.Mesh.SelfIndex = c.Int("mesh_self_index")
			}
			app := NewApp(cfg)

			if err := app.Start(c.Context); err != nil {
				return err
			}

			stop := make(chan os.Signal, 1)
			signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
			<-stop

			slog.Info("syncfabric: shutting down")
			return app.Stop(context.Background())
		},
	}
}
