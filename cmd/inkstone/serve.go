package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/inkstone-app/inkstone"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the engine in the foreground",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve()
	},
}

func serve() error {
	level := slog.LevelInfo
	if os.Getenv("INKSTONE_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := inkstone.New(
		inkstone.WithLogger(logger),
		inkstone.WithVersion(version),
	)
	if err != nil {
		return err
	}
	return app.Run(ctx)
}
