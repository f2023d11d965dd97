// Package config loads Kestrel configuration from defaults, an optional YAML
// file and KESTREL_ environment variables, in that order of precedence.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/opensource-finance/kestrel/internal/domain"
)

const (
	// EnvPrefix prefixes every environment override.
	EnvPrefix = "KESTREL_"

	// EnvConfigPath names the YAML file when Load gets no path.
	EnvConfigPath = "KESTREL_CONFIG"

	// envNesting separates nested keys: KESTREL_SERVER__PORT is server.port.
	envNesting = "__"
)

// Load builds the configuration. The tier (KESTREL_TIER or the file's tier
// key) picks the default set before the file and environment are applied.
func Load(path string) (*domain.Config, error) {
	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}

	var fileConf *koanf.Koanf
	if path != "" {
		fileConf = koanf.New(".")
		if err := fileConf.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	tier := domain.Tier(strings.ToLower(os.Getenv(EnvPrefix + "TIER")))
	if tier == "" && fileConf != nil {
		tier = domain.Tier(strings.ToLower(fileConf.String("tier")))
	}

	defaults := domain.DefaultConfig()
	if tier == domain.TierPro {
		defaults = domain.ProConfig()
	}

	k := koanf.New(".")
	if err := k.Load(structs.Provider(defaults, "koanf"), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	if fileConf != nil {
		if err := k.Merge(fileConf); err != nil {
			return nil, fmt.Errorf("merging config file: %w", err)
		}
	}

	if err := k.Load(env.ProviderWithValue(EnvPrefix, ".", envValue), nil); err != nil {
		return nil, fmt.Errorf("loading environment variables: %w", err)
	}

	var cfg domain.Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// envValue drops empty variables so they never blank out a default.
func envValue(key, value string) (string, any) {
	if value == "" || key == EnvConfigPath {
		return "", nil
	}
	return envKey(key), value
}

// envKey maps KESTREL_EVENT_BUS__KAFKA_BROKERS to event_bus.kafka_brokers.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.ReplaceAll(s, envNesting, ".")
}
