package schedule

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Config drives the daemon loop. It is loaded from a TOML file so
// deployments can tune intervals without rebuilding.
type Config struct {
	// Org units synced on every tick, in order.
	OrgUnits []string `toml:"org_units"`

	// Wall-clock time between sync passes.
	Interval time.Duration `toml:"interval"`

	// Upper bound for a single pass across all org units.
	PassTimeout time.Duration `toml:"pass_timeout"`

	// Run one pass immediately on startup instead of waiting a full
	// interval.
	SyncOnStart bool `toml:"sync_on_start"`
}

// DefaultConfig returns settings suited to a field device on an
// intermittent link.
func DefaultConfig() Config {
	return Config{
		Interval:    5 * time.Minute,
		PassTimeout: 2 * time.Minute,
		SyncOnStart: true,
	}
}

// LoadConfig reads a TOML config file over the defaults. An empty path
// returns the defaults unchanged.
func LoadConfig(path string) (Config, error) {
	config := DefaultConfig()
	if path == "" {
		return config, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return Config{}, fmt.Errorf("config file does not exist: %s", path)
	}
	if _, err := toml.DecodeFile(path, &config); err != nil {
		return Config{}, fmt.Errorf("parse config file: %w", err)
	}
	if err := config.Validate(); err != nil {
		return Config{}, err
	}
	return config, nil
}

// Validate checks the loaded settings.
func (c Config) Validate() error {
	if len(c.OrgUnits) == 0 {
		return fmt.Errorf("at least one org unit must be configured")
	}
	if c.Interval <= 0 {
		return fmt.Errorf("interval must be positive, got %v", c.Interval)
	}
	if c.PassTimeout <= 0 {
		return fmt.Errorf("pass timeout must be positive, got %v", c.PassTimeout)
	}
	return nil
}
