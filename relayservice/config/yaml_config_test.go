// --- File: relayservice/config/yaml_config_test.go ---
package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmolds/bill-phone-sub000/pkg/relay"
	"github.com/jmolds/bill-phone-sub000/relayservice/config"
)

func TestNewConfigFromYaml(t *testing.T) {
	t.Run("Success - maps all fields correctly from YAML struct", func(t *testing.T) {
		yamlCfg := &config.YamlConfig{
			ProjectID:          "yaml-project",
			RunMode:            "prod",
			APIPort:            "8082",
			WebSocketPort:      "8081",
			IdentityServiceURL: "http://yaml-id.com",
			Cors: config.YamlCorsConfig{
				AllowedOrigins: []string{"http://yaml-origin.com"},
			},
			MaxPayloadBytes: 32768,
			SendBuffer:      16,
			Admission: config.YamlAdmissionConfig{
				WindowMs:         30000,
				Ceiling:          5,
				TrustedCeiling:   20,
				TrustedPlatforms: []string{"kiosk"},
			},
			Heartbeat: config.YamlHeartbeatConfig{
				TimeoutMs:       45000,
				SweepIntervalMs: 10000,
			},
			Directory: config.YamlDirectoryConfig{
				Type:       "firestore",
				Collection: "yaml-devices",
				Cache: config.YamlDirectoryCacheConfig{
					Type:  "redis",
					TTLMs: 60000,
					Redis: config.YamlRedisConfig{Addr: "yaml-redis:6379"},
				},
			},
			Wake: config.YamlWakeConfig{
				Enabled: true,
				TopicID: "yaml-wake-topic",
			},
		}

		cfg, err := config.NewConfigFromYaml(yamlCfg)

		require.NoError(t, err)
		require.NotNil(t, cfg)

		assert.Equal(t, "yaml-project", cfg.ProjectID)
		assert.Equal(t, "prod", cfg.RunMode)
		assert.Equal(t, "8082", cfg.APIPort)
		assert.Equal(t, "8081", cfg.WebSocketPort)
		assert.Equal(t, "http://yaml-id.com", cfg.IdentityServiceURL)
		assert.Equal(t, []string{"http://yaml-origin.com"}, cfg.AllowedOrigins)
		assert.Equal(t, 32768, cfg.MaxPayloadBytes)
		assert.Equal(t, 16, cfg.SendBuffer)
		assert.Equal(t, 30*time.Second, cfg.Admission.Window)
		assert.Equal(t, 5, cfg.Admission.Ceiling)
		assert.Equal(t, 20, cfg.Admission.TrustedCeiling)
		assert.Equal(t, []string{"kiosk"}, cfg.Admission.TrustedPlatforms)
		assert.Equal(t, 45*time.Second, cfg.Heartbeat.Timeout)
		assert.Equal(t, 10*time.Second, cfg.Heartbeat.SweepInterval)
		assert.Equal(t, "firestore", cfg.Directory.Type)
		assert.Equal(t, "yaml-devices", cfg.Directory.Collection)
		assert.Equal(t, "redis", cfg.Directory.CacheType)
		assert.Equal(t, "yaml-redis:6379", cfg.Directory.RedisAddr)
		assert.Equal(t, time.Minute, cfg.Directory.CacheTTL)
		assert.True(t, cfg.Wake.Enabled)
		assert.Equal(t, "yaml-wake-topic", cfg.Wake.TopicID)
	})

	t.Run("Success - maps the static device list", func(t *testing.T) {
		yamlCfg := &config.YamlConfig{
			Directory: config.YamlDirectoryConfig{
				Type: "static",
				Devices: []config.YamlDeviceConfig{
					{ID: "kiosk-1", DisplayName: "Lobby Kiosk", Platform: "kiosk", Trusted: true},
					{ID: "caller-1", DisplayName: "Web Caller", Platform: "web"},
				},
			},
		}

		cfg, err := config.NewConfigFromYaml(yamlCfg)

		require.NoError(t, err)
		require.Len(t, cfg.Directory.Devices, 2)
		assert.Equal(t, relay.DeviceProfile{
			ID: "kiosk-1", DisplayName: "Lobby Kiosk", Platform: "kiosk", Trusted: true,
		}, cfg.Directory.Devices[0])
		assert.Equal(t, relay.DeviceID("caller-1"), cfg.Directory.Devices[1].ID)
	})

	t.Run("Failure - device entry with empty id", func(t *testing.T) {
		yamlCfg := &config.YamlConfig{
			Directory: config.YamlDirectoryConfig{
				Type:    "static",
				Devices: []config.YamlDeviceConfig{{DisplayName: "nameless"}},
			},
		}

		_, err := config.NewConfigFromYaml(yamlCfg)
		assert.Error(t, err)
	})
}
