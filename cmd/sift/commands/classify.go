package commands

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/openfroyo/sift/pkg/engine"
	"github.com/openfroyo/sift/pkg/plugin"
	"github.com/openfroyo/sift/pkg/stores"
)

const adhocDomain = "adhoc"

type verdict struct {
	Classifier     string                       `json:"classifier"`
	Classification *plugin.ClassificationOutput `json:"classification"`
}

type classifyResult struct {
	Domain        string                       `json:"domain"`
	CorrelationID string                       `json:"correlation_id"`
	Winner        *plugin.ClassificationOutput `json:"winner"`
	Classifier    string                       `json:"classifier,omitempty"`
	Verdicts      []verdict                    `json:"verdicts"`
	Actions       []plugin.ActionResult        `json:"actions,omitempty"`
}

func newClassifyCommand() *cobra.Command {
	var (
		domainID string
		entityID string
		metadata map[string]string
		dispatch bool
	)

	cmd := &cobra.Command{
		Use:   "classify <text|->",
		Short: "Classify an ad-hoc entity",
		Long: `Run the classifiers of a domain on an entity built from the command line
and print every classifier's verdict and the resolved winner.

Without --domain the first configured domain is used, or an ad-hoc domain
holding every loaded plugin when none is configured. Actions only run with
--dispatch.`,
		Example: `  # Classify a string
  sift classify "Claim your FREE MONEY now"

  # Classify stdin with sender metadata against a domain
  cat mail.txt | sift classify - --domain inbox --meta sender=boss@example.com

  # Also run the bound actions
  sift classify "urgent: server down" --dispatch`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			content := args[0]
			if content == "-" {
				data, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("failed to read stdin: %w", err)
				}
				content = string(data)
			}

			a, err := newApp(ctx, appParts{engine: true})
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			if domainID == "" {
				if len(a.cfg.Domains) > 0 {
					domainID = a.cfg.Domains[0].ID
				} else {
					domainID = adhocDomain
					classifiers, acts := a.plugins.Select(nil)
					err := a.engine.RegisterDomain(ctx, plugin.Domain{
						ID:          adhocDomain,
						Name:        "ad-hoc",
						Provider:    stores.NewEntityProvider(a.store, adhocDomain),
						Classifiers: classifiers,
						Actions:     acts,
					})
					if err != nil {
						return err
					}
				}
			}

			entity := plugin.Entity{ID: entityID, Content: content}
			if len(metadata) > 0 {
				entity.Metadata = make(map[string]any, len(metadata))
				for k, v := range metadata {
					entity.Metadata[k] = v
				}
			}

			var outcome *engine.Outcome
			if dispatch {
				outcome, err = a.engine.ProcessEntity(ctx, domainID, entity)
			} else {
				outcome, err = a.engine.Classify(ctx, domainID, entity)
			}
			if err != nil {
				return err
			}
			if outcome.Err != nil {
				return outcome.Err
			}

			d, _ := a.engine.Domain(domainID)
			res := classifyResult{
				Domain:        domainID,
				CorrelationID: outcome.CorrelationID,
				Winner:        outcome.Classification,
				Classifier:    outcome.ClassifierID,
				Actions:       outcome.Results,
			}
			for i, v := range outcome.Verdicts {
				res.Verdicts = append(res.Verdicts, verdict{Classifier: d.Classifiers[i].ID(), Classification: v})
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				return printJSON(out, res)
			}
			return printClassifyResult(out, res)
		},
	}

	cmd.Flags().StringVarP(&domainID, "domain", "d", "", "domain whose plugins classify the entity")
	cmd.Flags().StringVar(&entityID, "id", "cli", "entity id")
	cmd.Flags().StringToStringVarP(&metadata, "meta", "m", nil, "entity metadata (key=value)")
	cmd.Flags().BoolVar(&dispatch, "dispatch", false, "run the actions bound to the winner")

	return cmd
}

func printClassifyResult(w io.Writer, res classifyResult) error {
	rows := make([][]string, 0, len(res.Verdicts))
	for _, v := range res.Verdicts {
		typ, conf := "-", "-"
		if v.Classification != nil {
			typ = v.Classification.Type
			conf = formatConfidence(*v.Classification)
		}
		rows = append(rows, []string{v.Classifier, typ, conf})
	}
	if err := printTable(w, []string{"CLASSIFIER", "TYPE", "CONFIDENCE"}, rows); err != nil {
		return err
	}

	fmt.Fprintln(w)
	if res.Winner == nil {
		fmt.Fprintln(w, "result: unclassified")
	} else {
		fmt.Fprintf(w, "result: %s (%s) from %s\n", res.Winner.Type, formatConfidence(*res.Winner), res.Classifier)
		if len(res.Winner.Tags) > 0 {
			fmt.Fprintf(w, "tags: %s\n", strings.Join(res.Winner.Tags, ", "))
		}
	}

	for _, r := range res.Actions {
		status := "ok"
		if !r.Success {
			status = "failed: " + r.Error
		}
		fmt.Fprintf(w, "action %s: %s\n", r.PluginID, status)
	}
	return nil
}

func formatConfidence(c plugin.ClassificationOutput) string {
	s := strconv.FormatFloat(c.EffectiveConfidence(), 'f', 2, 64)
	if c.Confidence == nil {
		s += " (rule)"
	}
	return s
}
