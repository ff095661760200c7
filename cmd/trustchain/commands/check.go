package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/systmms/trustchain/internal/config"
)

// NewCheckCommand creates the check command, the read-only dry-run entry
// point of the rotation policy engine.
func NewCheckCommand(cfg *config.Config) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Report which key slots are due for rotation",
		Long: `Evaluate every slot of the trust chain against its rotation policy
and report which keys are due for replacement. Never mutates state.

A slot with no active key at all is reported as due: a missing key is a
worse state than an old one.`,
		Example: `  # Evaluate all slots
  trustchain check

  # Machine-readable output
  trustchain check --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := buildComponents(cfg)
			if err != nil {
				return err
			}

			dues, err := c.engine.CheckAll()
			if err != nil {
				return err
			}

			if format == "json" {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(dues)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
			defer w.Flush()

			fmt.Fprintln(w, "SLOT\tKEY\tAGE\tMAX AGE\tDUE")
			fmt.Fprintln(w, "----\t---\t---\t-------\t---")
			for _, d := range dues {
				state := "no"
				switch {
				case d.Missing:
					state = "yes (no active key)"
				case d.Due:
					state = "yes"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%dd\t%s\n",
					d.Slot, shortID(d.KeyID), formatAge(d.AgeDays), d.MaxAgeDays, state)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&format, "format", "table", "Output format: table, json")

	return cmd
}
