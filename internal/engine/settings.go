package engine

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Settings are the engine's tunables, read from config/settings.yaml.
type Settings struct {
	ListenPort        int   `yaml:"listen_port"`
	Seed              bool  `yaml:"seed"`
	NoDHT             bool  `yaml:"no_dht"`
	DisableTrackers   bool  `yaml:"disable_trackers"`
	DisableIPv6       bool  `yaml:"disable_ipv6"`
	UploadRateLimit   int64 `yaml:"upload_rate_limit"`   // bytes/s, 0 = unlimited
	DownloadRateLimit int64 `yaml:"download_rate_limit"` // bytes/s, 0 = unlimited
}

// DefaultSettings returns the settings used when no file is present.
func DefaultSettings() *Settings {
	return &Settings{
		ListenPort: 42069,
		Seed:       true,
	}
}

// LoadSettings reads settings from path. A missing file yields defaults.
func LoadSettings(path string) (*Settings, error) {
	s := DefaultSettings()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read settings: %w", err)
	}

	if err := yaml.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("parse settings: %w", err)
	}
	if s.ListenPort < 0 || s.ListenPort > 65535 {
		return nil, fmt.Errorf("parse settings: listen_port %d out of range", s.ListenPort)
	}
	if s.UploadRateLimit < 0 || s.DownloadRateLimit < 0 {
		return nil, fmt.Errorf("parse settings: rate limits must not be negative")
	}
	return s, nil
}
