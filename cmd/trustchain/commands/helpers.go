package commands

import (
	"fmt"
	"time"

	"github.com/systmms/trustchain/internal/backup"
	"github.com/systmms/trustchain/internal/config"
	"github.com/systmms/trustchain/internal/incident"
	"github.com/systmms/trustchain/internal/keystore"
	"github.com/systmms/trustchain/internal/ledger"
	"github.com/systmms/trustchain/internal/logging"
	"github.com/systmms/trustchain/internal/registry"
	"github.com/systmms/trustchain/internal/rotation"
)

// components bundles everything a command needs once the config is loaded.
type components struct {
	def         *config.Definition
	registry    *registry.Registry
	keystore    keystore.KeyStore
	backups     *backup.Manager
	audit       *ledger.AuditLog
	revocations *ledger.RevocationList
	incidents   *incident.Manager
	reports     *rotation.ReportWriter
	engine      *rotation.Engine
}

// buildComponents loads the config file and wires the lifecycle stores and
// the rotation engine on top of it.
func buildComponents(cfg *config.Config) (*components, error) {
	if err := cfg.Load(); err != nil {
		return nil, err
	}
	def := cfg.Definition

	cfg.Logger.Debug("state dir %s, key store %s", def.StateDir, def.KeyStore.Type)
	if token, ok := def.KeyStore.Config["token"].(string); ok && token != "" {
		cfg.Logger.Debug("vault token loaded from config: %v", logging.Secret(token))
	}

	ks, err := keystore.New(def.KeyStore, def.StateDir)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize key store: %w", err)
	}

	c := &components{
		def:         def,
		registry:    registry.New(def.StateDir),
		keystore:    ks,
		backups:     backup.NewManager(def.StateDir, ks),
		audit:       ledger.OpenAuditLog(def.StateDir),
		revocations: ledger.OpenRevocationList(def.StateDir),
		incidents:   incident.NewManager(def.StateDir),
		reports:     rotation.NewReportWriter(def.StateDir),
	}
	c.engine = rotation.NewEngine(def, c.registry, c.keystore, c.backups,
		c.audit, c.revocations, c.incidents, c.reports, cfg.Logger)
	return c, nil
}

// parseSlotArg converts a positional slot argument.
func parseSlotArg(arg string) (registry.Slot, error) {
	slot, err := registry.ParseSlot(arg)
	if err != nil {
		return "", fmt.Errorf("%w", err)
	}
	return slot, nil
}

// formatAge renders a key age for table output.
func formatAge(days int) string {
	if days == 0 {
		return "<1d"
	}
	return fmt.Sprintf("%dd", days)
}

// formatTimestamp renders a UTC timestamp for table output.
func formatTimestamp(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format("2006-01-02 15:04:05")
}

// shortID trims a key id for table output.
func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	if id == "" {
		return "-"
	}
	return id
}
