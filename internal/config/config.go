// Package config loads the server configuration from an optional YAML
// file. Zero values fall back to defaults; flags in main override the
// file.
package config

import (
	"fmt"
	"os"
	"time"

	"go.yaml.in/yaml/v3"
)

// Duration accepts "30s"/"5m" strings in YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

type Config struct {
	Addr  string `yaml:"addr"`
	DB    string `yaml:"db"`
	Redis string `yaml:"redis"` // optional; empty runs the in-process queue
	Debug bool   `yaml:"debug"`

	Dispatcher Dispatcher `yaml:"dispatcher"`
	Pool       Pool       `yaml:"pool"`
	Reaper     Reaper     `yaml:"reaper"`
}

type Dispatcher struct {
	Interval Duration `yaml:"interval"`
	Batch    int      `yaml:"batch"`
}

type Pool struct {
	Size               int      `yaml:"size"`
	Poll               Duration `yaml:"poll"`
	Batch              int      `yaml:"batch"`
	WorkerTimeout      Duration `yaml:"worker_timeout"`
	TenantRate         float64  `yaml:"tenant_rate"`
	TenantBurst        int      `yaml:"tenant_burst"`
	DefaultTimeoutSec  int      `yaml:"default_timeout_sec"`
	DefaultMaxAttempts int      `yaml:"default_max_attempts"`
}

type Reaper struct {
	Interval      Duration `yaml:"interval"`
	WorkerTimeout Duration `yaml:"worker_timeout"`
	PendingGrace  Duration `yaml:"pending_grace"`
	Batch         int      `yaml:"batch"`
}

func Default() Config {
	return Config{
		Addr: ":8080",
		DB:   "tempo.db",
		Dispatcher: Dispatcher{
			Interval: Duration(time.Second),
			Batch:    100,
		},
		Pool: Pool{
			Size:          8,
			Poll:          Duration(250 * time.Millisecond),
			WorkerTimeout: Duration(time.Minute),
		},
		Reaper: Reaper{
			Interval:      Duration(30 * time.Second),
			WorkerTimeout: Duration(time.Minute),
			PendingGrace:  Duration(5 * time.Minute),
		},
	}
}

// Load reads the YAML file at path over the defaults. An empty path
// returns the defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}
