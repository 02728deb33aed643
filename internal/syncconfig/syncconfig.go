// Package syncconfig manages the files under ~/.config/dataflow: the
// global config and the credentials file. Environment variables override
// both, so scripted and containerised runs need no files at all.
package syncconfig

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ServerConfig holds the remote server settings.
type ServerConfig struct {
	URL string `json:"url"`
}

// SyncConfig holds sync behaviour settings.
type SyncConfig struct {
	DefaultOrgUnit string `json:"default_org_unit,omitempty"`
	ClaimTimeout   string `json:"claim_timeout,omitempty"` // duration string, default "15m"
	Workers        *int   `json:"workers,omitempty"`       // nil = default 4
}

// Config is the global config stored at ~/.config/dataflow/config.json.
type Config struct {
	Server ServerConfig `json:"server"`
	Sync   SyncConfig   `json:"sync"`

	// DataDir overrides where the local store lives. Empty means the
	// config dir itself.
	DataDir string `json:"data_dir,omitempty"`
}

// AuthCredentials stores authentication state at ~/.config/dataflow/auth.json.
type AuthCredentials struct {
	APIToken  string `json:"api_token"`
	ServerURL string `json:"server_url"`
	DeviceID  string `json:"device_id"`
}

const defaultServerURL = "http://localhost:8080"

// ConfigDir returns ~/.config/dataflow, creating it if necessary.
// DATAFLOW_CONFIG_DIR overrides the location.
func ConfigDir() (string, error) {
	if v := os.Getenv("DATAFLOW_CONFIG_DIR"); v != "" {
		if err := os.MkdirAll(v, 0755); err != nil {
			return "", fmt.Errorf("create config dir: %w", err)
		}
		return v, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	dir := filepath.Join(home, ".config", "dataflow")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create config dir: %w", err)
	}
	return dir, nil
}

// DataDir returns the directory holding the local store.
// Priority: DATAFLOW_DATA_DIR env > config.json data_dir > config dir.
func DataDir() (string, error) {
	if v := os.Getenv("DATAFLOW_DATA_DIR"); v != "" {
		return v, nil
	}
	cfg, err := LoadConfig()
	if err == nil && cfg.DataDir != "" {
		return cfg.DataDir, nil
	}
	return ConfigDir()
}

// LoadConfig reads the global config from ~/.config/dataflow/config.json.
// A missing file is not an error; defaults apply.
func LoadConfig() (*Config, error) {
	dir, err := ConfigDir()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(dir, "config.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, err
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// SaveConfig writes the global config to ~/.config/dataflow/config.json.
func SaveConfig(cfg *Config) error {
	dir, err := ConfigDir()
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "config.json"), data, 0644)
}

// LoadAuth reads credentials from ~/.config/dataflow/auth.json. A missing
// file returns (nil, nil).
func LoadAuth() (*AuthCredentials, error) {
	dir, err := ConfigDir()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(dir, "auth.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var creds AuthCredentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, err
	}
	return &creds, nil
}

// SaveAuth writes credentials to ~/.config/dataflow/auth.json (0600 perms).
func SaveAuth(creds *AuthCredentials) error {
	dir, err := ConfigDir()
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "auth.json"), data, 0600)
}

// ClearAuth removes the auth.json file.
func ClearAuth() error {
	dir, err := ConfigDir()
	if err != nil {
		return err
	}
	err = os.Remove(filepath.Join(dir, "auth.json"))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// GetServerURL returns the remote server URL.
// Priority: DATAFLOW_SERVER_URL env > auth.json > config.json > default.
func GetServerURL() string {
	if v := os.Getenv("DATAFLOW_SERVER_URL"); v != "" {
		return v
	}
	if creds, err := LoadAuth(); err == nil && creds != nil && creds.ServerURL != "" {
		return creds.ServerURL
	}
	cfg, err := LoadConfig()
	if err == nil && cfg.Server.URL != "" {
		return cfg.Server.URL
	}
	return defaultServerURL
}

// GetAPIToken returns the API token.
// Priority: DATAFLOW_API_TOKEN env > auth.json.
func GetAPIToken() string {
	if v := os.Getenv("DATAFLOW_API_TOKEN"); v != "" {
		return v
	}
	creds, err := LoadAuth()
	if err == nil && creds != nil {
		return creds.APIToken
	}
	return ""
}

// IsAuthenticated returns true if an API token is available.
func IsAuthenticated() bool {
	return GetAPIToken() != ""
}

// GetDefaultOrgUnit returns the org unit used when a command names none.
// Priority: DATAFLOW_ORG_UNIT env > config.json.
func GetDefaultOrgUnit() string {
	if v := os.Getenv("DATAFLOW_ORG_UNIT"); v != "" {
		return v
	}
	cfg, err := LoadConfig()
	if err == nil {
		return cfg.Sync.DefaultOrgUnit
	}
	return ""
}

// GetClaimTimeout returns how old an in-flight claim must be before a new
// run may take it over.
// Priority: DATAFLOW_CLAIM_TIMEOUT env > config.json sync.claim_timeout > 15m.
func GetClaimTimeout() time.Duration {
	if v := os.Getenv("DATAFLOW_CLAIM_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	cfg, err := LoadConfig()
	if err == nil && cfg.Sync.ClaimTimeout != "" {
		if d, err := time.ParseDuration(cfg.Sync.ClaimTimeout); err == nil && d > 0 {
			return d
		}
	}
	return 15 * time.Minute
}

// GetWorkers returns the push concurrency bound.
// Priority: config.json sync.workers > 4.
func GetWorkers() int {
	cfg, err := LoadConfig()
	if err == nil && cfg.Sync.Workers != nil && *cfg.Sync.Workers > 0 {
		return *cfg.Sync.Workers
	}
	return 4
}

// GetDeviceID returns the device ID from auth.json, generating and
// persisting one on first use.
func GetDeviceID() (string, error) {
	creds, err := LoadAuth()
	if err != nil {
		return "", err
	}
	if creds != nil && creds.DeviceID != "" {
		return creds.DeviceID, nil
	}
	id, err := GenerateDeviceID()
	if err != nil {
		return "", err
	}
	if creds == nil {
		creds = &AuthCredentials{}
	}
	creds.DeviceID = id
	if err := SaveAuth(creds); err != nil {
		return "", err
	}
	return id, nil
}

// GenerateDeviceID creates a new random device ID (16 bytes hex).
func GenerateDeviceID() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// parseBoolEnv returns nil if env not set, pointer to bool if set.
func parseBoolEnv(envKey string) *bool {
	v := os.Getenv(envKey)
	if v == "" {
		return nil
	}
	v = strings.ToLower(v)
	if v == "1" || v == "true" {
		b := true
		return &b
	}
	if v == "0" || v == "false" {
		b := false
		return &b
	}
	return nil
}

// GetPullEnabled returns whether sync runs include the pull phase.
// Priority: DATAFLOW_SYNC_PULL env > true.
func GetPullEnabled() bool {
	if v := parseBoolEnv("DATAFLOW_SYNC_PULL"); v != nil {
		return *v
	}
	return true
}
