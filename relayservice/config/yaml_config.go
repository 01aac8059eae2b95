// Package config holds the relay service's two-stage configuration: raw
// YAML structs (Stage 1) mapped into the canonical AppConfig, then
// environment overrides and validation (Stage 2).
package config

import (
	"fmt"
	"time"

	"github.com/jmolds/bill-phone-sub000/pkg/relay"
)

// --- YAML-Specific Structs ---

type YamlRedisConfig struct {
	Addr string `yaml:"addr"`
}

type YamlCorsConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type YamlAdmissionConfig struct {
	WindowMs         int      `yaml:"window_ms"`
	Ceiling          int      `yaml:"ceiling"`
	TrustedCeiling   int      `yaml:"trusted_ceiling"`
	TrustedPlatforms []string `yaml:"trusted_platforms"`
}

type YamlHeartbeatConfig struct {
	TimeoutMs       int `yaml:"timeout_ms"`
	SweepIntervalMs int `yaml:"sweep_interval_ms"`
}

type YamlDirectoryCacheConfig struct {
	Type  string          `yaml:"type"` // "none" or "redis"
	Redis YamlRedisConfig `yaml:"redis"`
	TTLMs int             `yaml:"ttl_ms"`
}

// YamlDeviceConfig is one entry of the static device list.
type YamlDeviceConfig struct {
	ID          string `yaml:"id"`
	DisplayName string `yaml:"display_name"`
	Platform    string `yaml:"platform"`
	Trusted     bool   `yaml:"trusted"`
}

type YamlDirectoryConfig struct {
	Type       string                   `yaml:"type"` // "static" or "firestore"
	Collection string                   `yaml:"collection"`
	Cache      YamlDirectoryCacheConfig `yaml:"cache"`
	Devices    []YamlDeviceConfig       `yaml:"devices"`
}

type YamlWakeConfig struct {
	Enabled bool   `yaml:"enabled"`
	TopicID string `yaml:"topic_id"`
}

// YamlConfig defines the structure for unmarshaling the config.yaml file.
type YamlConfig struct {
	ProjectID          string              `yaml:"project_id"`
	RunMode            string              `yaml:"run_mode"`
	APIPort            string              `yaml:"api_port"`
	WebSocketPort      string              `yaml:"websocket_port"`
	IdentityServiceURL string              `yaml:"identity_service_url"`
	Cors               YamlCorsConfig      `yaml:"cors"`
	MaxPayloadBytes    int                 `yaml:"max_payload_bytes"`
	SendBuffer         int                 `yaml:"send_buffer"`
	Admission          YamlAdmissionConfig `yaml:"admission"`
	Heartbeat          YamlHeartbeatConfig `yaml:"heartbeat"`
	Directory          YamlDirectoryConfig `yaml:"directory"`
	Wake               YamlWakeConfig      `yaml:"wake"`
}

// --- Stage 1 Function ---

// NewConfigFromYaml converts the raw unmarshaled data into a clean, base
// AppConfig struct. Environment overrides and validation happen in Stage 2.
func NewConfigFromYaml(yamlCfg *YamlConfig) (*AppConfig, error) {
	devices := make([]relay.DeviceProfile, 0, len(yamlCfg.Directory.Devices))
	for _, d := range yamlCfg.Directory.Devices {
		if d.ID == "" {
			return nil, fmt.Errorf("directory device entry with empty id")
		}
		devices = append(devices, relay.DeviceProfile{
			ID:          relay.DeviceID(d.ID),
			DisplayName: d.DisplayName,
			Platform:    d.Platform,
			Trusted:     d.Trusted,
		})
	}

	cfg := &AppConfig{
		ProjectID:          yamlCfg.ProjectID,
		RunMode:            yamlCfg.RunMode,
		APIPort:            yamlCfg.APIPort,
		WebSocketPort:      yamlCfg.WebSocketPort,
		IdentityServiceURL: yamlCfg.IdentityServiceURL,
		AllowedOrigins:     yamlCfg.Cors.AllowedOrigins,
		MaxPayloadBytes:    yamlCfg.MaxPayloadBytes,
		SendBuffer:         yamlCfg.SendBuffer,
		Admission: AdmissionConfig{
			Window:           time.Duration(yamlCfg.Admission.WindowMs) * time.Millisecond,
			Ceiling:          yamlCfg.Admission.Ceiling,
			TrustedCeiling:   yamlCfg.Admission.TrustedCeiling,
			TrustedPlatforms: yamlCfg.Admission.TrustedPlatforms,
		},
		Heartbeat: HeartbeatConfig{
			Timeout:       time.Duration(yamlCfg.Heartbeat.TimeoutMs) * time.Millisecond,
			SweepInterval: time.Duration(yamlCfg.Heartbeat.SweepIntervalMs) * time.Millisecond,
		},
		Directory: DirectoryConfig{
			Type:       yamlCfg.Directory.Type,
			Collection: yamlCfg.Directory.Collection,
			CacheType:  yamlCfg.Directory.Cache.Type,
			RedisAddr:  yamlCfg.Directory.Cache.Redis.Addr,
			CacheTTL:   time.Duration(yamlCfg.Directory.Cache.TTLMs) * time.Millisecond,
			Devices:    devices,
		},
		Wake: WakeConfig{
			Enabled: yamlCfg.Wake.Enabled,
			TopicID: yamlCfg.Wake.TopicID,
		},
	}
	return cfg, nil
}
