package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/systmms/trustchain/internal/config"
)

// NewEmergencyCommand creates the emergency rotation command.
func NewEmergencyCommand(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "emergency <slot> <reason>",
		Short: "Immediately revoke and replace a slot's key",
		Long: `Emergency-rotate a slot: the current key is revoked BEFORE its
replacement is confirmed, because removing trust in a compromised key
takes priority over continuity. Between revocation and activation the
slot has zero active keys; this is an expected, alarmed state.

Every emergency rotation produces a high-severity audit entry and an
incident report. If replacement generation fails, the slot is left
without an active key and the incident stays open for the operator;
the revoked key is never re-trusted.

Valid reasons: compromise, emergency.`,
		Example: `  # The db key is suspected compromised
  trustchain emergency db compromise`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			slot, err := parseSlotArg(args[0])
			if err != nil {
				return err
			}
			reason := args[1]

			c, err := buildComponents(cfg)
			if err != nil {
				return err
			}

			newID, err := c.engine.EmergencyRotate(context.Background(), slot, reason)
			if err != nil {
				return err
			}

			fmt.Printf("slot %s emergency-rotated, now holds key %s\n", slot, newID)
			fmt.Println("an incident report was filed; review it with 'trustchain incidents'")
			return nil
		},
	}

	return cmd
}
