package commands

import (
	"encoding/json"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/sift/pkg/stores"
)

func newEventsCommand() *cobra.Command {
	var (
		filter stores.EventFilter
		since  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "events",
		Short: "List journaled engine events",
		Long: `List the events journaled by "sift run" and "sift poll", oldest first.`,
		Example: `  # Everything that happened to one entity
  sift events --correlation 3f0c...

  # Classifications in the last hour
  sift events --type message:classified --since 1h`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := newApp(ctx, appParts{store: true})
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			if since > 0 {
				filter.Since = time.Now().Add(-since)
			}

			recs, err := a.store.ListEvents(ctx, filter)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				evs := make([]any, 0, len(recs))
				for _, r := range recs {
					evs = append(evs, r.Event)
				}
				return printJSON(out, evs)
			}

			rows := make([][]string, 0, len(recs))
			for _, r := range recs {
				data := ""
				if len(r.Event.Data) > 0 {
					b, _ := json.Marshal(r.Event.Data)
					data = string(b)
				}
				rows = append(rows, []string{
					r.Event.Timestamp.Format(time.RFC3339),
					r.Event.Type,
					r.Event.Domain,
					r.Event.CorrelationID,
					data,
				})
			}
			return printTable(out, []string{"TIME", "TYPE", "DOMAIN", "CORRELATION", "DATA"}, rows)
		},
	}

	cmd.Flags().StringVarP(&filter.Type, "type", "t", "", "event type")
	cmd.Flags().StringVarP(&filter.DomainID, "domain", "d", "", "domain id")
	cmd.Flags().StringVar(&filter.CorrelationID, "correlation", "", "correlation id")
	cmd.Flags().IntVarP(&filter.Limit, "limit", "n", 100, "maximum number of events")
	cmd.Flags().IntVar(&filter.Offset, "offset", 0, "number of events to skip")
	cmd.Flags().DurationVar(&since, "since", 0, "only events newer than this")

	return cmd
}
