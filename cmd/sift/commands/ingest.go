package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/openfroyo/sift/pkg/plugin"
)

func newIngestCommand() *cobra.Command {
	var (
		domainID string
		file     string
		entityID string
		content  string
		metadata map[string]string
	)

	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Add entities to a domain's inbox",
		Long: `Insert entities into the SQLite inbox that backs domains with an "inbox"
source. Entities are read as a stream of JSON objects from --file ("-" for
stdin), or built from --content. Re-ingesting an id that is already present
is a no-op.

Each JSON object has the shape:
  {"id": "...", "content": "...", "metadata": {...}}`,
		Example: `  # Ingest a single entity
  sift ingest --domain inbox --content "Claim your free money" --meta sender=x@spam.test

  # Ingest newline-delimited JSON
  sift ingest --domain inbox --file mails.jsonl`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			if (file == "") == (content == "") {
				return fmt.Errorf("exactly one of --file or --content is required")
			}

			var entities []plugin.Entity
			if content != "" {
				e := plugin.Entity{ID: entityID, Content: content}
				if e.ID == "" {
					e.ID = uuid.New().String()
				}
				if len(metadata) > 0 {
					e.Metadata = make(map[string]any, len(metadata))
					for k, v := range metadata {
						e.Metadata[k] = v
					}
				}
				entities = append(entities, e)
			} else {
				var r io.Reader = cmd.InOrStdin()
				if file != "-" {
					f, err := os.Open(file)
					if err != nil {
						return fmt.Errorf("failed to open %s: %w", file, err)
					}
					defer f.Close()
					r = f
				}
				var err error
				entities, err = decodeEntities(r)
				if err != nil {
					return err
				}
			}

			a, err := newApp(ctx, appParts{store: true})
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			inserted, skipped := 0, 0
			for _, e := range entities {
				_, ok, err := a.store.IngestEntity(ctx, domainID, e)
				if err != nil {
					return err
				}
				if ok {
					inserted++
				} else {
					skipped++
				}
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				return printJSON(out, map[string]int{"inserted": inserted, "skipped": skipped})
			}
			fmt.Fprintf(out, "ingested %d entities into %s (%d already present)\n", inserted, domainID, skipped)
			return nil
		},
	}

	cmd.Flags().StringVarP(&domainID, "domain", "d", "", "target domain (required)")
	cmd.Flags().StringVarP(&file, "file", "f", "", "JSON entity stream, - for stdin")
	cmd.Flags().StringVar(&content, "content", "", "content of a single entity")
	cmd.Flags().StringVar(&entityID, "id", "", "id of the single entity (default: random)")
	cmd.Flags().StringToStringVarP(&metadata, "meta", "m", nil, "metadata of the single entity (key=value)")
	_ = cmd.MarkFlagRequired("domain")

	return cmd
}

// decodeEntities reads concatenated or newline-delimited JSON entities.
func decodeEntities(r io.Reader) ([]plugin.Entity, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()

	var out []plugin.Entity
	for {
		var e plugin.Entity
		err := dec.Decode(&e)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to decode entity %d: %w", len(out)+1, err)
		}
		if e.ID == "" {
			return nil, fmt.Errorf("entity %d has no id", len(out)+1)
		}
		out = append(out, e)
	}
}
