package commands

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/spf13/cobra"

	"github.com/openfroyo/sift/pkg/events"
	"github.com/openfroyo/sift/pkg/stores"
)

type pollSummary struct {
	Processed    int            `json:"processed"`
	Classified   map[string]int `json:"classified"`
	Unclassified int            `json:"unclassified"`
	Actions      int            `json:"actions"`
	Errors       int            `json:"errors"`
}

func newPollCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "poll",
		Short: "Run a single poll cycle",
		Long: `Start the engine, run one poll cycle over every configured domain and stop.
Events are journaled to the store.`,
		Example: `  sift poll -c sift.yaml
  sift poll -c sift.yaml --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := newApp(ctx, appParts{engine: true})
			if err != nil {
				return err
			}
			defer a.Close(context.WithoutCancel(ctx))

			var (
				mu      sync.Mutex
				summary = pollSummary{Classified: map[string]int{}}
			)
			sub := a.bus.Subscribe(events.Wildcard, func(ev events.Event) {
				mu.Lock()
				defer mu.Unlock()
				switch ev.Type {
				case events.TypeMessageProcessed:
					summary.Processed++
				case events.TypeMessageClassified:
					if typ, ok := ev.Data["type"].(string); ok {
						summary.Classified[typ]++
					}
				case events.TypeMessageUnclassified:
					summary.Unclassified++
				case events.TypeMessageActionExecuted:
					summary.Actions++
				case events.TypeMessageError, events.TypeEngineError:
					summary.Errors++
				}
			})
			defer sub.Unsubscribe()

			journal := stores.NewJournal(a.store, a.bus, 0, a.logger.Zerolog())

			// Start runs the first cycle synchronously.
			if err := a.engine.Start(ctx); err != nil {
				_ = journal.Close(context.WithoutCancel(ctx))
				return err
			}
			if err := a.engine.Stop(context.WithoutCancel(ctx)); err != nil {
				return err
			}
			if err := journal.Close(context.WithoutCancel(ctx)); err != nil {
				return err
			}

			mu.Lock()
			defer mu.Unlock()
			out := cmd.OutOrStdout()
			if jsonOutput {
				return printJSON(out, summary)
			}

			fmt.Fprintf(out, "processed: %d\n", summary.Processed)
			for _, typ := range slices.Sorted(maps.Keys(summary.Classified)) {
				fmt.Fprintf(out, "classified %s: %d\n", typ, summary.Classified[typ])
			}
			fmt.Fprintf(out, "unclassified: %d\n", summary.Unclassified)
			fmt.Fprintf(out, "actions executed: %d\n", summary.Actions)
			fmt.Fprintf(out, "errors: %d\n", summary.Errors)
			return nil
		},
	}

	return cmd
}
