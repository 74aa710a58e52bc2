// Package config loads daemon configuration from a YAML file, with
// flag overrides layered on top. Field shapes are grounded on the
// teacher's managerConfiguration struct in manager.go (redis
// address/password/db/prefix, autoshard/shard-count knobs); the
// YAML-plus-flags loading pattern and zerolog console writer default
// follow main.go's flag.String/zlog setup, generalized from
// flag-only to a file-backed config since a fleet daemon carries
// materially more knobs than a Discord gateway shard process.
package config

import (
	"flag"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Redis holds connection settings for the shared Redis instance.
type Redis struct {
	Address   string `yaml:"address"`
	Password  string `yaml:"password"`
	Database  int    `yaml:"database"`
	Namespace string `yaml:"namespace"`
}

// Timeouts mirrors the defaults table in §6, all overridable.
type Timeouts struct {
	HeartbeatPeriod     time.Duration `yaml:"heartbeatPeriod"`
	UnavailableTimeout  time.Duration `yaml:"unavailableTimeout"`
	DeadTimeout         time.Duration `yaml:"deadTimeout"`
	SnapshotTTL         time.Duration `yaml:"snapshotTtl"`
	RequestTimeout      time.Duration `yaml:"requestTimeout"`
	RegisteringTimeout  time.Duration `yaml:"registeringTimeout"`
	SlotRequestCooldown time.Duration `yaml:"slotRequestCooldown"`
}

func (t Timeouts) withDefaults() Timeouts {
	if t.HeartbeatPeriod <= 0 {
		t.HeartbeatPeriod = 1 * time.Second
	}
	if t.UnavailableTimeout <= 0 {
		t.UnavailableTimeout = 5 * time.Second
	}
	if t.DeadTimeout <= 0 {
		t.DeadTimeout = 30 * time.Second
	}
	if t.SnapshotTTL <= 0 {
		t.SnapshotTTL = 60 * time.Second
	}
	if t.RequestTimeout <= 0 {
		t.RequestTimeout = 5 * time.Second
	}
	if t.RegisteringTimeout <= 0 {
		t.RegisteringTimeout = 30 * time.Second
	}
	if t.SlotRequestCooldown <= 0 {
		t.SlotRequestCooldown = 5 * time.Second
	}
	return t
}

// Identity configures how this process registers itself.
type Identity struct {
	Kind    string `yaml:"kind"` // "GAME" or "PROXY"
	Role    string `yaml:"role"`
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
	Version string `yaml:"version"`

	MaxCapacity int `yaml:"maxCapacity"`
}

// Config is the full daemon configuration.
type Config struct {
	Redis    Redis    `yaml:"redis"`
	Timeouts Timeouts `yaml:"timeouts"`
	Identity Identity `yaml:"identity"`
}

// Load reads path as YAML and applies timeout defaults. A missing
// file is not an error — callers get an all-defaults Config, matching
// the teacher's tolerance for missing REDIS_PASSWORD falling back to
// an empty password rather than failing startup.
func Load(path string) (Config, error) {
	var cfg Config

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.Timeouts = cfg.Timeouts.withDefaults()
			return cfg, nil
		}
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.Timeouts = cfg.Timeouts.withDefaults()
	return cfg, nil
}

// Flags holds the subset of Config that main() commonly wants to
// override from the command line without editing the YAML file,
// mirroring the teacher's top-level flag.String/-shards/-clusters
// pattern in main.go.
type Flags struct {
	ConfigPath *string
	Address    *string
	Port       *int
	Role       *string
}

// BindFlags registers the override flags on fs and returns a handle
// used to apply them after parsing.
func BindFlags(fs *flag.FlagSet) *Flags {
	return &Flags{
		ConfigPath: fs.String("config", "fulcrumd.yaml", "path to the daemon's YAML config file"),
		Address:    fs.String("address", "", "override identity.address"),
		Port:       fs.Int("port", 0, "override identity.port (0 = use config)"),
		Role:       fs.String("role", "", "override identity.role"),
	}
}

// Apply layers parsed flag values onto cfg, skipping unset flags.
func (f *Flags) Apply(cfg Config) Config {
	if f.Address != nil && *f.Address != "" {
		cfg.Identity.Address = *f.Address
	}
	if f.Port != nil && *f.Port != 0 {
		cfg.Identity.Port = *f.Port
	}
	if f.Role != nil && *f.Role != "" {
		cfg.Identity.Role = *f.Role
	}
	return cfg
}
