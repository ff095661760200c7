package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/systmms/trustchain/internal/config"
)

// NewRotateCommand creates the rotate command.
func NewRotateCommand(cfg *config.Config) *cobra.Command {
	var ifDue bool

	cmd := &cobra.Command{
		Use:   "rotate <slot>",
		Short: "Rotate the signing key of a slot",
		Long: `Replace the active key of a slot with a freshly generated one,
certified by the current parent key, in strict order:

  1. back up the outgoing key's metadata and public material
  2. mint the replacement under the existing trust chain
  3. atomically swap the registry entry
  4. revoke the outgoing key
  5. append the completion record to the audit log

On any failure before the swap the outgoing key remains active and
usable. A slot that has never held a key is bootstrapped instead,
provided its parent slot is occupied.`,
		Example: `  # Rotate the database key
  trustchain rotate db

  # Rotate only if the rotation policy says it is due
  trustchain rotate kek --if-due`,
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"root", "platform", "kek", "db"},
		RunE: func(cmd *cobra.Command, args []string) error {
			slot, err := parseSlotArg(args[0])
			if err != nil {
				return err
			}

			c, err := buildComponents(cfg)
			if err != nil {
				return err
			}

			if ifDue {
				due, err := c.engine.Evaluate(slot)
				if err != nil {
					return err
				}
				if !due.Due {
					fmt.Printf("rotation not needed: slot %s key %s is %s old (threshold %dd)\n",
						slot, shortID(due.KeyID), formatAge(due.AgeDays), due.MaxAgeDays)
					return nil
				}
			}

			newID, err := c.engine.Rotate(context.Background(), slot)
			if err != nil {
				return err
			}

			fmt.Printf("slot %s now holds key %s\n", slot, newID)
			return nil
		},
	}

	cmd.Flags().BoolVar(&ifDue, "if-due", false, "Only rotate when the policy threshold is reached")

	return cmd
}
