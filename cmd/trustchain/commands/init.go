package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/systmms/trustchain/internal/config"
	"github.com/systmms/trustchain/internal/registry"
)

// NewInitCommand creates the init command, the provisioning entry point
// that bootstraps the trust chain.
func NewInitCommand(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Bootstrap the trust chain",
		Long: `Provision the initial key for every empty slot, in certification
order: root first, then platform (certified by root), kek (certified by
platform), and db (certified by kek). Slots that already hold an active
key are left untouched, so init is safe to re-run.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := buildComponents(cfg)
			if err != nil {
				return err
			}

			created, err := c.engine.Bootstrap(context.Background())
			if err != nil {
				return err
			}

			if len(created) == 0 {
				fmt.Println("all slots already hold active keys; nothing to do")
				return nil
			}
			for _, slot := range registry.Slots() {
				if keyID, ok := created[slot]; ok {
					fmt.Printf("bootstrapped %s with key %s\n", slot, keyID)
				}
			}
			return nil
		},
	}

	return cmd
}
