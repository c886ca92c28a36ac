/*
File: cmd/deliveryservice/main.go
Description: Main entrypoint for the delivery service. The serve command
runs the API and the WebSocket server; the other commands are operator
tools working against the same configuration.
*/
package main

import (
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/Nicat85/BuynityProject-sub001/cmd"
	"github.com/Nicat85/BuynityProject-sub001/deliveryservice/config"
)

func main() {
	logger := newLogger()

	root := &cobra.Command{
		Use:           "deliveryservice",
		Short:         "Real-time delivery of chat messages and notifications",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newServeCommand(logger),
		newPublishNotificationCommand(logger),
		newThreadMembersCommand(logger),
		newListenCommand(logger),
	)

	if err := root.Execute(); err != nil {
		logger.Error().Err(err).Msg("Command failed")
		os.Exit(1)
	}
}

// newLogger builds the JSON logger; LOG_LEVEL selects the level.
func newLogger() zerolog.Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	level, err := zerolog.ParseLevel(strings.ToLower(os.Getenv("LOG_LEVEL")))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	return zerolog.New(os.Stdout).Level(level).With().
		Timestamp().
		Str("service", "delivery-service").
		Logger()
}

func loadConfig(logger zerolog.Logger) (*config.AppConfig, error) {
	return cmd.Load(logger)
}
