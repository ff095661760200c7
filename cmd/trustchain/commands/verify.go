package commands

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/systmms/trustchain/internal/config"
	"github.com/systmms/trustchain/internal/ledger"
)

// NewVerifyCommand creates the verify command, the replay-based
// consistency check between the registry and the two ledgers.
func NewVerifyCommand(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Cross-check the registry against the audit log",
		Long: `Re-derive the key registry by replaying the audit log, then compare
the result against the registry on disk and the revocation list. Any
divergence means one of the stores was modified outside the lifecycle
pipeline, or an interrupted operation needs manual cleanup.

Exits non-zero when the stores disagree.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := buildComponents(cfg)
			if err != nil {
				return err
			}

			audit, err := c.audit.List(ledger.Filter{})
			if err != nil {
				return err
			}
			revocations, err := c.revocations.List(ledger.Filter{})
			if err != nil {
				return err
			}

			divergences, err := c.registry.Verify(audit, revocations)
			if err != nil {
				return err
			}

			if len(divergences) == 0 {
				fmt.Println("registry is consistent with the audit log and revocation list")
				return nil
			}

			for _, d := range divergences {
				cfg.Logger.Error("%s", d)
			}
			return fmt.Errorf("registry diverges from the ledgers in %d place(s)", len(divergences))
		},
	}

	return cmd
}
