/*
File: cmd/fakes.go
Description: Local-mode dependency construction. Local mode serves the
device directory from the config file and swaps the Pub/Sub wake notifier
for an in-memory fake so the binary runs with no cloud credentials.
*/
package cmd

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/jmolds/bill-phone-sub000/internal/platform/directory"
	"github.com/jmolds/bill-phone-sub000/internal/test/fakes"
	"github.com/jmolds/bill-phone-sub000/pkg/relay"
	"github.com/jmolds/bill-phone-sub000/relayservice/config"
)

// NewLocalDependencies builds the relay's external dependencies for the
// local run mode.
func NewLocalDependencies(cfg *config.AppConfig, logger zerolog.Logger) (*relay.Dependencies, error) {
	dir, err := directory.NewStaticDirectory(cfg.Directory.Devices)
	if err != nil {
		return nil, fmt.Errorf("failed to create static directory: %w", err)
	}
	logger.Info().Int("devices", len(cfg.Directory.Devices)).Msg("Local mode: serving device directory from config.")

	deps := &relay.Dependencies{Directory: dir}
	if cfg.Wake.Enabled {
		deps.Wake = fakes.NewWakeNotifier(logger)
		logger.Info().Msg("Local mode: wake notifications are logged, not published.")
	}
	return deps, nil
}
