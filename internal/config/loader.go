// SPDX-License-Identifier: MIT

package config

import (
	"fmt"
)

// Loader handles configuration loading with precedence
type Loader struct {
	configPath string
	version    string
}

// NewLoader creates a new configuration loader. An empty configPath means
// ENV-only configuration.
func NewLoader(configPath, version string) *Loader {
	return &Loader{
		configPath: configPath,
		version:    version,
	}
}

// Load loads configuration with precedence: ENV > File > Defaults.
// The result is not validated; callers run Validate before using it.
func (l *Loader) Load() (Config, error) {
	cfg := defaults()

	if l.configPath != "" {
		fileCfg, err := loadFile(l.configPath)
		if err != nil {
			return cfg, fmt.Errorf("load config file: %w", err)
		}
		mergeFileConfig(&cfg, fileCfg)
	}

	applyEnv(&cfg)

	// Version comes from the binary, never from file or environment.
	cfg.Version = l.version

	return cfg, nil
}
