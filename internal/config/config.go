package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	tcerrors "github.com/systmms/trustchain/internal/errors"
	"github.com/systmms/trustchain/internal/logging"
	"github.com/systmms/trustchain/internal/registry"
	"gopkg.in/yaml.v3"
)

// Config holds the runtime configuration
type Config struct {
	Path           string
	Logger         *logging.Logger
	NonInteractive bool
	Definition     *Definition
}

// Definition represents the trustchain.yaml structure
type Definition struct {
	Version  int                   `yaml:"version"`
	StateDir string                `yaml:"state_dir,omitempty"`
	Actor    string                `yaml:"actor,omitempty"`
	KeyStore KeyStoreConfig        `yaml:"keystore"`
	Slots    map[string]SlotConfig `yaml:"slots"`
}

// KeyStoreConfig holds key store backend configuration
type KeyStoreConfig struct {
	Type      string                 `yaml:"type"` // soft, vault
	TimeoutMs int                    `yaml:"timeout_ms,omitempty"`
	Config    map[string]interface{} `yaml:",inline"`
}

// SlotConfig holds per-slot rotation policy and key parameters
type SlotConfig struct {
	MaxAgeDays int    `yaml:"max_age_days"`
	Algorithm  string `yaml:"algorithm,omitempty"`
	Bits       int    `yaml:"bits,omitempty"`
}

// DefaultTimeout is applied to key store and backup calls when the config
// does not set timeout_ms.
const DefaultTimeout = 30 * time.Second

// Timeout returns the configured key store timeout
func (k KeyStoreConfig) Timeout() time.Duration {
	if k.TimeoutMs <= 0 {
		return DefaultTimeout
	}
	return time.Duration(k.TimeoutMs) * time.Millisecond
}

// Load reads and parses the trustchain.yaml file
func (c *Config) Load() error {
	data, err := os.ReadFile(c.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return tcerrors.UserError{
				Message:    fmt.Sprintf("Config file not found: %s", c.Path),
				Suggestion: "Run 'trustchain init' to create one, or pass --config <path>",
			}
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return tcerrors.ConfigError{
			Message:    fmt.Sprintf("Invalid YAML in %s: %v", c.Path, err),
			Suggestion: "Check for indentation errors and missing quotes",
		}
	}

	if err := def.Validate(); err != nil {
		return err
	}
	def.applyDefaults()

	c.Definition = &def
	return nil
}

// Validate checks the definition for structural errors
func (d *Definition) Validate() error {
	if d.Version != 1 {
		return tcerrors.ConfigError{
			Field:      "version",
			Value:      d.Version,
			Message:    "unsupported config version",
			Suggestion: "Set 'version: 1'",
		}
	}

	switch d.KeyStore.Type {
	case "", "soft", "vault":
	default:
		return tcerrors.ConfigError{
			Field:      "keystore.type",
			Value:      d.KeyStore.Type,
			Message:    "unknown key store type",
			Suggestion: "Supported types: soft, vault",
		}
	}

	for name, slot := range d.Slots {
		if _, err := registry.ParseSlot(name); err != nil {
			return tcerrors.ConfigError{
				Field:      "slots." + name,
				Message:    "unknown slot name",
				Suggestion: "Valid slots: root, platform, kek, db",
			}
		}
		if slot.MaxAgeDays < 0 {
			return tcerrors.ConfigError{
				Field:   fmt.Sprintf("slots.%s.max_age_days", name),
				Value:   slot.MaxAgeDays,
				Message: "max_age_days must not be negative",
			}
		}
		if slot.Algorithm != "" && d.KeyStore.Type == "soft" && slot.Algorithm != "ed25519" {
			return tcerrors.ConfigError{
				Field:      fmt.Sprintf("slots.%s.algorithm", name),
				Value:      slot.Algorithm,
				Message:    "the soft key store only supports ed25519",
				Suggestion: "Remove the algorithm override or switch keystore.type to vault",
			}
		}
	}

	return nil
}

// Slot policy defaults, per slot. Higher slots rotate less often.
var defaultMaxAgeDays = map[registry.Slot]int{
	registry.SlotRoot:     1825,
	registry.SlotPlatform: 730,
	registry.SlotKEK:      365,
	registry.SlotDB:       90,
}

func (d *Definition) applyDefaults() {
	if d.KeyStore.Type == "" {
		d.KeyStore.Type = "soft"
	}
	if d.StateDir == "" {
		d.StateDir = DefaultStateDir()
	}
	if d.Actor == "" {
		d.Actor = os.Getenv("USER")
	}
	if d.Slots == nil {
		d.Slots = make(map[string]SlotConfig)
	}
	for _, slot := range registry.Slots() {
		sc := d.Slots[string(slot)]
		if sc.MaxAgeDays == 0 {
			sc.MaxAgeDays = defaultMaxAgeDays[slot]
		}
		if sc.Algorithm == "" {
			sc.Algorithm = "ed25519"
		}
		if sc.Bits == 0 {
			sc.Bits = 256
		}
		d.Slots[string(slot)] = sc
	}
}

// SlotFor returns the effective configuration for a slot. Defaults are
// applied at load time, so the entry always exists after Load.
func (d *Definition) SlotFor(slot registry.Slot) SlotConfig {
	return d.Slots[string(slot)]
}

// DefaultStateDir returns the default state directory
func DefaultStateDir() string {
	// Check for test environment variable first
	if testDir := os.Getenv("TRUSTCHAIN_STATE_DIR"); testDir != "" {
		return testDir
	}

	// Try to use XDG_DATA_HOME first
	if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
		return filepath.Join(xdgData, "trustchain")
	}

	// Fall back to ~/.local/share
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "share", "trustchain")
	}

	// Last resort: use temp directory
	return filepath.Join(os.TempDir(), "trustchain")
}
