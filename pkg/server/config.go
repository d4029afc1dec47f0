package server

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// FileConfig is the optional YAML config file. Every field overrides the
// corresponding flag or default when set; log settings are consumed by
// the command, not the server.
type FileConfig struct {
	ListenAddr   string `yaml:"listen_addr,omitempty"`
	BridgeAddr   string `yaml:"bridge_addr,omitempty"`
	MetricsAddr  string `yaml:"metrics_addr,omitempty"`
	DBPath       string `yaml:"db_path,omitempty"`
	HistoryLimit int    `yaml:"history_limit,omitempty"`

	LogLevel  string `yaml:"log_level,omitempty"`
	LogFormat string `yaml:"log_format,omitempty"`
}

// LoadConfigFile reads and parses a YAML config file.
func LoadConfigFile(path string) (FileConfig, error) {
	var fc FileConfig
	data, err := os.ReadFile(path) //nolint:gosec // path from user-provided CLI config
	if err != nil {
		return fc, fmt.Errorf("server: read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fc, fmt.Errorf("server: parse config: %w", err)
	}
	return fc, nil
}

// Apply overlays the file values onto cfg, leaving unset fields alone.
func (fc FileConfig) Apply(cfg *Config) {
	if fc.ListenAddr != "" {
		cfg.ListenAddr = fc.ListenAddr
	}
	if fc.BridgeAddr != "" {
		cfg.BridgeAddr = fc.BridgeAddr
	}
	if fc.MetricsAddr != "" {
		cfg.MetricsAddr = fc.MetricsAddr
	}
	if fc.DBPath != "" {
		cfg.DBPath = fc.DBPath
	}
	if fc.HistoryLimit > 0 {
		cfg.HistoryLimit = fc.HistoryLimit
	}
}
