package main

import (
	"context"

	"github.com/urfave/cli/v3"

	"github.com/allisson/scheduler/cmd/app/commands"
	"github.com/allisson/scheduler/internal/app"
	"github.com/allisson/scheduler/internal/config"
)

// processFlags select the background processes of the server and worker commands.
func processFlags() []cli.Flag {
	return []cli.Flag{
		&cli.BoolFlag{
			Name:  "consumer",
			Value: true,
			Usage: "Consume appointment confirmation messages",
		},
		&cli.BoolFlag{
			Name:  "outbox",
			Value: true,
			Usage: "Publish pending outbox events",
		},
		&cli.BoolFlag{
			Name:  "jobs",
			Value: true,
			Usage: "Run the scheduled maintenance jobs",
		},
	}
}

func workerOptions(cmd *cli.Command) commands.WorkerOptions {
	return commands.WorkerOptions{
		Consumer: cmd.Bool("consumer"),
		Outbox:   cmd.Bool("outbox"),
		Jobs:     cmd.Bool("jobs"),
	}
}

func getSystemCommands(version string) []*cli.Command {
	return []*cli.Command{
		{
			Name:  "server",
			Usage: "Start the health and metrics servers together with the background processes",
			Flags: processFlags(),
			Action: func(ctx context.Context, cmd *cli.Command) error {
				return commands.RunServer(ctx, version, workerOptions(cmd))
			},
		},
		{
			Name:  "worker",
			Usage: "Start the background processes without HTTP servers",
			Flags: processFlags(),
			Action: func(ctx context.Context, cmd *cli.Command) error {
				return commands.RunWorkerProcess(ctx, version, workerOptions(cmd))
			},
		},
		{
			Name:  "migrate",
			Usage: "Run database migrations",
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:  "dir",
					Value: commands.DefaultMigrationsDir,
					Usage: "Directory holding the postgresql and mysql migrations",
				},
			},
			Action: func(ctx context.Context, cmd *cli.Command) error {
				cfg := config.Load()
				container := app.NewContainer(cfg)
				defer func() { _ = container.Shutdown(ctx) }()

				return commands.RunMigrations(
					container.Logger(),
					cfg.DBDriver,
					cfg.DBConnectionString,
					cmd.String("dir"),
				)
			},
		},
	}
}
