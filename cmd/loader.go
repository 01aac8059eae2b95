// Package cmd holds the shared entrypoint helpers: configuration loading
// and local-mode dependency construction.
package cmd

import (
	_ "embed" // Required for go:embed
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/jmolds/bill-phone-sub000/relayservice/config"
)

//go:embed relay/config.yaml
var configFile []byte

// Load parses the service configuration: the file named by RELAY_CONFIG if
// set, otherwise the embedded default. Stage 2 (env overrides, validation)
// runs in main after logging is up.
func Load() (*config.YamlConfig, error) {
	data := configFile
	if path := os.Getenv("RELAY_CONFIG"); path != "" {
		fileData, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		data = fileData
	}

	var yamlCfg config.YamlConfig
	if err := yaml.Unmarshal(data, &yamlCfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal yaml config: %w", err)
	}
	return &yamlCfg, nil
}
