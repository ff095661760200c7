package commands

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/systmms/trustchain/internal/config"
	"github.com/systmms/trustchain/internal/ledger"
)

// NewIncidentsCommand creates the incidents command family.
func NewIncidentsCommand(cfg *config.Config) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "incidents",
		Short: "List emergency rotation incidents",
		Long: `List incident reports produced by emergency rotations. By default
only open incidents are shown; an open incident with no replacement key
means the slot is sitting without an active key and needs immediate
attention.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := buildComponents(cfg)
			if err != nil {
				return err
			}

			reports, err := c.incidents.List()
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
			defer w.Flush()

			fmt.Fprintln(w, "ID\tTIMESTAMP\tSLOT\tSEVERITY\tREASON\tOLD KEY\tNEW KEY\tSTATUS")
			shown := 0
			for _, r := range reports {
				if !all && r.Status != "open" {
					continue
				}
				newKey := shortID(r.NewKeyID)
				if r.SlotUnoccupied() {
					newKey = "NONE (slot unoccupied)"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
					r.ID, formatTimestamp(r.Timestamp), r.Slot, r.Severity,
					r.Reason, shortID(r.OldKeyID), newKey, r.Status)
				shown++
			}
			if shown == 0 {
				fmt.Fprintln(w, "(no incidents)")
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "Include resolved incidents")

	cmd.AddCommand(newIncidentsResolveCommand(cfg))

	return cmd
}

func newIncidentsResolveCommand(cfg *config.Config) *cobra.Command {
	var notes string

	cmd := &cobra.Command{
		Use:   "resolve <incident-id>",
		Short: "Mark an incident as resolved",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := buildComponents(cfg)
			if err != nil {
				return err
			}

			report, err := c.incidents.Resolve(args[0], notes)
			if err != nil {
				return err
			}

			if err := c.audit.Append(&ledger.AuditEntry{
				Actor:        c.def.Actor,
				Action:       ledger.ActionIncidentResolved,
				Slot:         report.Slot,
				SubjectKeyID: report.OldKeyID,
				Details:      map[string]string{"incident": report.ID},
			}); err != nil {
				return err
			}

			fmt.Printf("incident %s resolved\n", report.ID)
			return nil
		},
	}

	cmd.Flags().StringVar(&notes, "notes", "", "Resolution notes")

	return cmd
}
