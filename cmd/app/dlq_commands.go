package main

import (
	"context"

	"github.com/urfave/cli/v3"

	"github.com/allisson/scheduler/cmd/app/commands"
	"github.com/allisson/scheduler/internal/app"
	"github.com/allisson/scheduler/internal/config"
)

func getDLQCommands() []*cli.Command {
	return []*cli.Command{
		{
			Name:  "list-dlq",
			Usage: "List messages in the dead-letter store",
			Flags: []cli.Flag{
				&cli.IntFlag{
					Name:    "offset",
					Aliases: []string{"o"},
					Value:   0,
					Usage:   "Number of messages to skip",
				},
				&cli.IntFlag{
					Name:    "limit",
					Aliases: []string{"l"},
					Value:   20,
					Usage:   "Maximum number of messages to list",
				},
				&cli.StringFlag{
					Name:    "format",
					Aliases: []string{"f"},
					Value:   "text",
					Usage:   "Output format: 'text' or 'json'",
				},
			},
			Action: func(ctx context.Context, cmd *cli.Command) error {
				cfg := config.Load()
				container := app.NewContainer(cfg)
				defer func() { _ = container.Shutdown(ctx) }()

				dlqHandler, err := container.DLQHandler()
				if err != nil {
					return err
				}

				return commands.RunListDLQ(
					ctx,
					dlqHandler,
					container.Logger(),
					commands.DefaultIO().Writer,
					int(cmd.Int("offset")),
					int(cmd.Int("limit")),
					cmd.String("format"),
				)
			},
		},
		{
			Name:  "reprocess-dlq",
			Usage: "Reprocess dead-letter messages through the confirmation pipeline",
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:    "id",
					Aliases: []string{"i"},
					Usage:   "Reprocess only this message ID (UUID); omit to reprocess the whole store",
				},
				&cli.StringFlag{
					Name:    "format",
					Aliases: []string{"f"},
					Value:   "text",
					Usage:   "Output format: 'text' or 'json'",
				},
			},
			Action: func(ctx context.Context, cmd *cli.Command) error {
				cfg := config.Load()
				container := app.NewContainer(cfg)
				defer func() { _ = container.Shutdown(ctx) }()

				dlqHandler, err := container.DLQHandler()
				if err != nil {
					return err
				}

				return commands.RunReprocessDLQ(
					ctx,
					dlqHandler,
					container.Logger(),
					commands.DefaultIO().Writer,
					cmd.String("id"),
					cmd.String("format"),
				)
			},
		},
	}
}
