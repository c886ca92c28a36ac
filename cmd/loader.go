// Package cmd holds the pieces shared by the service binaries: the embedded
// configuration and the local-mode fakes.
package cmd

import (
	_ "embed" // Required for go:embed
	"fmt"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/Nicat85/BuynityProject-sub001/deliveryservice/config"
)

//go:embed config.yaml
var configFile []byte

// Load parses the embedded configuration file and applies environment
// overrides.
func Load(logger zerolog.Logger) (*config.AppConfig, error) {
	return LoadFrom(configFile, logger)
}

// LoadFrom runs all configuration stages on raw YAML.
func LoadFrom(raw []byte, logger zerolog.Logger) (*config.AppConfig, error) {
	// Stage 0: Unmarshal
	var yamlCfg config.YamlConfig
	if err := yaml.Unmarshal(raw, &yamlCfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal yaml config: %w", err)
	}

	// Stage 1: YAML to base struct
	baseCfg, err := config.NewConfigFromYaml(&yamlCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to build base configuration from YAML: %w", err)
	}

	// Stage 2: Env overrides and validation
	cfg, err := config.UpdateConfigWithEnvOverrides(baseCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to finalize configuration: %w", err)
	}
	return cfg, nil
}
