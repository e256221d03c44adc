package cli

import (
	"encoding/json"
	"fmt"

	"github.com/bptarpley/corpora/core/persistence"
	"github.com/spf13/cobra"
)

func newEntityCommand(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "entity",
		Short: "Save, show and delete entities.",
	}

	var skipIndex, skipLink bool
	save := &cobra.Command{
		Use:   "save <type> <file|->",
		Short: "Create or update an entity from a JSON object. An \"id\" key updates that entity.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := e.readInput(args[1])
			if err != nil {
				return err
			}
			var input map[string]any
			if err := json.Unmarshal(data, &input); err != nil {
				return fmt.Errorf("invalid entity input: %w", err)
			}
			return e.withCorpus(cmd.Context(), func(a *app, c *corpus) error {
				entity, err := c.store.Build(args[0], input)
				if err != nil {
					return err
				}
				if err := c.store.Save(cmd.Context(), entity, persistence.SaveOptions{SkipIndex: skipIndex, SkipLink: skipLink}); err != nil {
					return err
				}
				fmt.Fprintf(e.stdout, "%s\t%s\n", entity.ID, entity.Label)
				return nil
			})
		},
	}
	save.Flags().BoolVar(&skipIndex, "skip-index", false, "Do not update the search index.")
	save.Flags().BoolVar(&skipLink, "skip-link", false, "Do not update the graph.")
	cmd.AddCommand(save)

	var format string
	get := &cobra.Command{
		Use:   "get <type> <id>",
		Short: "Show an entity, or render one of its templates.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return e.withCorpus(cmd.Context(), func(a *app, c *corpus) error {
				entity, err := c.store.Get(cmd.Context(), args[0], args[1])
				if err != nil {
					return err
				}
				if format != "" {
					out, err := c.store.Render(cmd.Context(), entity, format)
					if err != nil {
						return err
					}
					fmt.Fprintln(e.stdout, out)
					return nil
				}
				return e.printJSON(entityJSON(entity))
			})
		},
	}
	get.Flags().StringVar(&format, "format", "", "Template to render instead of printing JSON.")
	cmd.AddCommand(get)

	cmd.AddCommand(&cobra.Command{
		Use:   "delete <type> <id>",
		Short: "Delete an entity.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return e.withCorpus(cmd.Context(), func(a *app, c *corpus) error {
				entity, err := c.store.Get(cmd.Context(), args[0], args[1])
				if err != nil {
					return err
				}
				return c.store.Delete(cmd.Context(), entity, persistence.DeleteOptions{})
			})
		},
	})
	return cmd
}

func entityJSON(entity *persistence.Entity) map[string]any {
	out := map[string]any{
		"id":           entity.ID,
		"corpus_id":    entity.CorpusID,
		"content_type": entity.ContentType,
		"label":        entity.Label,
		"uri":          entity.URI,
		"last_updated": entity.LastUpdated,
	}
	if entity.Path != "" {
		out["path"] = entity.Path
	}
	if len(entity.Provenance) > 0 {
		out["provenance"] = entity.Provenance
	}
	if entity.Values != nil {
		for _, name := range entity.Values.Keys() {
			out[name] = entity.Values.Get(name)
		}
	}
	return out
}
