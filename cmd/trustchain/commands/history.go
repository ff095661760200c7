package commands

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/systmms/trustchain/internal/config"
	"github.com/systmms/trustchain/internal/ledger"
)

// NewHistoryCommand creates the history command over the audit log and
// revocation list.
func NewHistoryCommand(cfg *config.Config) *cobra.Command {
	var (
		slot        string
		action      string
		keyID       string
		limit       int
		revocations bool
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show the audit trail or the revocation list",
		Long: `Print audit log entries (default) or revocation list entries
(--revocations), oldest first. Both ledgers are append-only and totally
ordered by sequence number; nothing shown here can be edited or deleted.`,
		Example: `  # Last 20 audit entries for the db slot
  trustchain history --slot db --limit 20

  # All revoked keys
  trustchain history --revocations`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := buildComponents(cfg)
			if err != nil {
				return err
			}

			filter := ledger.Filter{
				Slot:         slot,
				Action:       action,
				SubjectKeyID: keyID,
				Limit:        limit,
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
			defer w.Flush()

			if revocations {
				entries, err := c.revocations.List(filter)
				if err != nil {
					return err
				}
				fmt.Fprintln(w, "SEQ\tREVOKED AT\tSLOT\tKEY\tREASON")
				for _, e := range entries {
					fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n",
						e.Seq, formatTimestamp(e.RevokedAt), e.Slot, shortID(e.KeyID), e.Reason)
				}
				return nil
			}

			entries, err := c.audit.List(filter)
			if err != nil {
				return err
			}
			fmt.Fprintln(w, "SEQ\tTIMESTAMP\tSEVERITY\tACTION\tSLOT\tKEY\tACTOR")
			for _, e := range entries {
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
					e.Seq, formatTimestamp(e.Timestamp), e.Severity, e.Action,
					e.Slot, shortID(e.SubjectKeyID), e.Actor)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&slot, "slot", "", "Filter by slot")
	cmd.Flags().StringVar(&action, "action", "", "Filter by audit action")
	cmd.Flags().StringVar(&keyID, "key", "", "Filter by subject key id")
	cmd.Flags().IntVar(&limit, "limit", 0, "Show only the most recent N entries")
	cmd.Flags().BoolVar(&revocations, "revocations", false, "Show the revocation list instead of the audit log")

	return cmd
}
