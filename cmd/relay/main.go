/*
File: cmd/relay/main.go
Description: Production entrypoint. Loads configuration, builds either the
faked local dependencies or the real GCP-backed ones, and runs the ops
service and WebSocket connection manager under the shared app lifecycle.
*/
package main

import (
	"context"
	"fmt"
	"net/http"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/pubsub/v2"
	"github.com/benbjohnson/clock"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/jmolds/bill-phone-sub000/cmd"
	"github.com/jmolds/bill-phone-sub000/internal/admission"
	"github.com/jmolds/bill-phone-sub000/internal/api"
	"github.com/jmolds/bill-phone-sub000/internal/app"
	"github.com/jmolds/bill-phone-sub000/internal/metrics"
	"github.com/jmolds/bill-phone-sub000/internal/middleware"
	"github.com/jmolds/bill-phone-sub000/internal/platform/directory"
	psub "github.com/jmolds/bill-phone-sub000/internal/platform/pubsub"
	"github.com/jmolds/bill-phone-sub000/internal/platform/push"
	"github.com/jmolds/bill-phone-sub000/internal/realtime"
	"github.com/jmolds/bill-phone-sub000/internal/registry"
	"github.com/jmolds/bill-phone-sub000/internal/session"
	"github.com/jmolds/bill-phone-sub000/internal/switchboard"
	"github.com/jmolds/bill-phone-sub000/pkg/relay"
	"github.com/jmolds/bill-phone-sub000/relayservice"
	"github.com/jmolds/bill-phone-sub000/relayservice/config"
)

func main() {
	// 1. Setup structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	logger := log.With().Str("service", "call-relay").Logger()

	// 2. Load and finalize config
	yamlCfg, err := cmd.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to load configuration")
	}
	cfg, err := config.NewConfigFromYaml(yamlCfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to map configuration")
	}
	cfg, err = config.UpdateConfigWithEnvOverrides(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Configuration is invalid")
	}

	// 3. Create external dependencies
	ctx := context.Background()
	deps, err := newDependencies(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize dependencies")
	}
	defer func() {
		if closeErr := deps.Directory.Close(); closeErr != nil {
			logger.Warn().Err(closeErr).Msg("Failed to close device directory")
		}
	}()

	// 4. Create authentication middleware
	authMiddleware, err := newAuthMiddleware(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize authentication middleware")
	}

	// 5. Assemble the relay core
	clk := clock.New()
	recorder := metrics.NewRecorder()
	reg := registry.New(clk, logger)
	sessions := session.NewTable(clk, logger)

	service, err := switchboard.New(reg, sessions, deps, recorder, clk, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create switchboard service")
	}
	monitor, err := switchboard.NewMonitor(reg, service, cfg.Heartbeat.Timeout, cfg.Heartbeat.SweepInterval, clk, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create health monitor")
	}
	limiter, err := admission.NewLimiter(admission.Config{
		Window:           cfg.Admission.Window,
		Ceiling:          cfg.Admission.Ceiling,
		TrustedCeiling:   cfg.Admission.TrustedCeiling,
		TrustedPlatforms: cfg.Admission.TrustedPlatforms,
	}, clk, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create admission limiter")
	}

	// 6. Create the two main services
	apiHandler := api.NewAPI(reg, sessions, logger.With().Str("component", "ApiService").Logger())
	opsService, err := relayservice.New(cfg, apiHandler, monitor, recorder, authMiddleware, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create ops service")
	}
	connManager, err := realtime.NewConnectionManager(
		cfg.WebSocketPort,
		authMiddleware,
		limiter,
		service,
		recorder,
		realtime.Options{
			MaxPayloadBytes: cfg.MaxPayloadBytes,
			SendBuffer:      cfg.SendBuffer,
			AllowedOrigins:  cfg.AllowedOrigins,
		},
		logger.With().Str("component", "ConnManager").Logger(),
	)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create Connection Manager")
	}

	// 7. Run the application
	app.Run(ctx, logger, opsService, connManager)
}

// newAuthMiddleware creates the JWT-validating middleware, or a no-op in
// local run mode.
func newAuthMiddleware(ctx context.Context, cfg *config.AppConfig, logger zerolog.Logger) (func(http.Handler) http.Handler, error) {
	if cfg.RunMode == config.RunModeLocal {
		logger.Warn().Msg("Running in 'local' mode. Identity assertions are disabled.")
		return middleware.NoopAuth(""), nil
	}
	jwksURL := cfg.IdentityServiceURL + "/.well-known/jwks.json"
	return middleware.NewJWKSAuthMiddleware(ctx, jwksURL, logger)
}

// newDependencies builds the service dependency container.
func newDependencies(ctx context.Context, cfg *config.AppConfig, logger zerolog.Logger) (*relay.Dependencies, error) {
	if cfg.RunMode == config.RunModeLocal {
		logger.Warn().Msg("Running in 'local' mode. All external dependencies will be faked.")
		return cmd.NewLocalDependencies(cfg, logger)
	}
	return newProdDependencies(ctx, cfg, logger)
}

// newProdDependencies creates real, production-ready dependencies.
func newProdDependencies(ctx context.Context, cfg *config.AppConfig, logger zerolog.Logger) (*relay.Dependencies, error) {
	dir, err := newDirectory(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	deps := &relay.Dependencies{Directory: dir}
	if cfg.Wake.Enabled {
		wake, err := newWakeNotifier(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		deps.Wake = wake
	}
	return deps, nil
}

// newDirectory creates the configured device directory, optionally wrapped
// in a Redis read-through cache.
func newDirectory(ctx context.Context, cfg *config.AppConfig, logger zerolog.Logger) (relay.Directory, error) {
	var dir relay.Directory
	var err error

	switch cfg.Directory.Type {
	case "static":
		dir, err = directory.NewStaticDirectory(cfg.Directory.Devices)
	case "firestore":
		var fsClient *firestore.Client
		fsClient, err = firestore.NewClient(ctx, cfg.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to firestore: %w", err)
		}
		dir, err = directory.NewFirestoreDirectory(fsClient, cfg.Directory.Collection, logger)
	default:
		return nil, fmt.Errorf("invalid directory type: %s", cfg.Directory.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create device directory: %w", err)
	}

	if cfg.Directory.CacheType != "redis" {
		return dir, nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr: cfg.Directory.RedisAddr,
	})
	// Test the connection
	if err = rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Directory.RedisAddr, err)
	}
	logger.Info().Str("addr", cfg.Directory.RedisAddr).Msg("Connected to Redis directory cache")
	return directory.NewRedisCachedDirectory(rdb, dir, cfg.Directory.CacheTTL, logger)
}

// newWakeNotifier creates the Pub/Sub wake notifier for offline devices.
func newWakeNotifier(ctx context.Context, cfg *config.AppConfig, logger zerolog.Logger) (relay.WakeNotifier, error) {
	psClient, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to pubsub: %w", err)
	}
	producer, err := psub.NewProducer(psClient.Publisher(cfg.Wake.TopicID))
	if err != nil {
		return nil, fmt.Errorf("failed to create wake producer: %w", err)
	}
	return push.NewPubSubNotifier(producer, logger)
}
