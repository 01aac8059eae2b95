// --- File: relayservice/config/relay_service_config.go ---
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/jmolds/bill-phone-sub000/pkg/relay"
)

// Run modes. Local mode fakes all external dependencies.
const (
	RunModeLocal = "local"
	RunModeProd  = "prod"
)

// Defaults applied by Stage 2 when the YAML leaves a knob unset.
const (
	defaultAdmissionWindow = time.Minute
	defaultCeiling         = 10
	defaultHeartbeatTO     = 45 * time.Second
	defaultSweepInterval   = 10 * time.Second
	defaultMaxPayload      = 64 * 1024
	defaultSendBuffer      = 32
	defaultCacheTTL        = 5 * time.Minute
)

// AdmissionConfig tunes the connection-rate limiter.
type AdmissionConfig struct {
	Window           time.Duration
	Ceiling          int
	TrustedCeiling   int
	TrustedPlatforms []string
}

// HeartbeatConfig tunes the liveness monitor.
type HeartbeatConfig struct {
	Timeout       time.Duration
	SweepInterval time.Duration
}

// DirectoryConfig selects and tunes the device directory.
type DirectoryConfig struct {
	Type       string // "static" or "firestore"
	Collection string
	CacheType  string // "none" or "redis"
	RedisAddr  string
	CacheTTL   time.Duration
	Devices    []relay.DeviceProfile
}

// WakeConfig tunes the offline-device wake notifier.
type WakeConfig struct {
	Enabled bool
	TopicID string
}

// AppConfig is the canonical, validated configuration object used throughout
// the application. It is created by NewConfigFromYaml (Stage 1) and
// finalized by UpdateConfigWithEnvOverrides (Stage 2).
type AppConfig struct {
	ProjectID          string
	RunMode            string
	APIPort            string
	WebSocketPort      string
	IdentityServiceURL string
	AllowedOrigins     []string
	MaxPayloadBytes    int
	SendBuffer         int
	Admission          AdmissionConfig
	Heartbeat          HeartbeatConfig
	Directory          DirectoryConfig
	Wake               WakeConfig
}

// UpdateConfigWithEnvOverrides takes the base configuration and completes it
// by applying environment variables, defaults, and final validation.
func UpdateConfigWithEnvOverrides(cfg *AppConfig, logger zerolog.Logger) (*AppConfig, error) {
	logger.Debug().Msg("Applying environment variable overrides...")

	override := func(key string, target *string) {
		if val := os.Getenv(key); val != "" {
			logger.Debug().Str("key", key).Str("source", "env").Msg("Overriding config value")
			*target = val
		}
	}
	override("GCP_PROJECT_ID", &cfg.ProjectID)
	override("RUN_MODE", &cfg.RunMode)
	override("API_PORT", &cfg.APIPort)
	override("WEBSOCKET_PORT", &cfg.WebSocketPort)
	override("IDENTITY_SERVICE_URL", &cfg.IdentityServiceURL)
	override("REDIS_ADDR", &cfg.Directory.RedisAddr)

	applyDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *AppConfig) {
	if cfg.RunMode == "" {
		cfg.RunMode = RunModeLocal
	}
	if cfg.Admission.Window <= 0 {
		cfg.Admission.Window = defaultAdmissionWindow
	}
	if cfg.Admission.Ceiling <= 0 {
		cfg.Admission.Ceiling = defaultCeiling
	}
	if cfg.Admission.TrustedCeiling < cfg.Admission.Ceiling {
		cfg.Admission.TrustedCeiling = cfg.Admission.Ceiling
	}
	if cfg.Heartbeat.Timeout <= 0 {
		cfg.Heartbeat.Timeout = defaultHeartbeatTO
	}
	if cfg.Heartbeat.SweepInterval <= 0 {
		cfg.Heartbeat.SweepInterval = defaultSweepInterval
	}
	if cfg.MaxPayloadBytes <= 0 {
		cfg.MaxPayloadBytes = defaultMaxPayload
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = defaultSendBuffer
	}
	if cfg.Directory.Type == "" {
		cfg.Directory.Type = "static"
	}
	if cfg.Directory.CacheType == "" {
		cfg.Directory.CacheType = "none"
	}
	if cfg.Directory.CacheTTL <= 0 {
		cfg.Directory.CacheTTL = defaultCacheTTL
	}
}

func validate(cfg *AppConfig) error {
	if cfg.APIPort == "" {
		return fmt.Errorf("api_port is required")
	}
	if cfg.WebSocketPort == "" {
		return fmt.Errorf("websocket_port is required")
	}
	switch cfg.RunMode {
	case RunModeLocal:
		// Local mode needs no external services.
	case RunModeProd:
		if cfg.IdentityServiceURL == "" {
			return fmt.Errorf("identity_service_url is required in prod run mode")
		}
		if cfg.Directory.Type == "firestore" && cfg.ProjectID == "" {
			return fmt.Errorf("project_id is required for the firestore directory")
		}
		if cfg.Wake.Enabled && cfg.Wake.TopicID == "" {
			return fmt.Errorf("wake.topic_id is required when wake notifications are enabled")
		}
		if cfg.Wake.Enabled && cfg.ProjectID == "" {
			return fmt.Errorf("project_id is required when wake notifications are enabled")
		}
	default:
		return fmt.Errorf("unknown run_mode %q", cfg.RunMode)
	}
	switch cfg.Directory.Type {
	case "static":
		if len(cfg.Directory.Devices) == 0 {
			return fmt.Errorf("the static directory requires at least one configured device")
		}
	case "firestore":
		if cfg.Directory.Collection == "" {
			return fmt.Errorf("directory.collection is required for the firestore directory")
		}
	default:
		return fmt.Errorf("unknown directory type %q", cfg.Directory.Type)
	}
	if cfg.Directory.CacheType == "redis" && cfg.Directory.RedisAddr == "" {
		return fmt.Errorf("directory.cache.redis.addr is required for the redis cache")
	}
	return nil
}
