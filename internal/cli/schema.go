package cli

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/bptarpley/corpora/core/schema"
	"github.com/spf13/cobra"
)

func newSchemaCommand(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Define, list and delete content types.",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "apply <file|->",
		Short: "Create or update content types from a JSON definition or array of definitions.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := e.readInput(args[0])
			if err != nil {
				return err
			}
			defs, err := decodeDefinitions(data)
			if err != nil {
				return err
			}
			return e.withCorpus(cmd.Context(), func(a *app, c *corpus) error {
				if len(defs) > 1 {
					descriptors, err := c.registry.Import(cmd.Context(), defs)
					if err != nil {
						return err
					}
					for _, d := range descriptors {
						fmt.Fprintf(e.stdout, "%s\t%s\n", d.TypeName, d.Collection)
					}
					return nil
				}
				d, changes, err := c.registry.DefineOrUpdateType(cmd.Context(), defs[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(e.stdout, "%s\t%s\treindex=%t relabel=%t resave=%t\n",
					d.TypeName, d.Collection, changes.Reindex, changes.Relabel, changes.Resave)
				return nil
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List the content types of the corpus.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return e.withCorpus(cmd.Context(), func(a *app, c *corpus) error {
				return e.printJSON(c.registry.Types())
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "delete <type>",
		Short: "Delete a content type with its table, index and graph nodes.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return e.withCorpus(cmd.Context(), func(a *app, c *corpus) error {
				return c.registry.DeleteType(cmd.Context(), args[0])
			})
		},
	})
	return cmd
}

// decodeDefinitions accepts a single definition object or an array of them.
func decodeDefinitions(data []byte) ([]*schema.ContentTypeDefinition, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var defs []*schema.ContentTypeDefinition
		if err := json.Unmarshal(trimmed, &defs); err != nil {
			return nil, fmt.Errorf("invalid content type definitions: %w", err)
		}
		if len(defs) == 0 {
			return nil, fmt.Errorf("no content type definitions given")
		}
		return defs, nil
	}
	def, err := schema.UnmarshalDefinition(trimmed)
	if err != nil {
		return nil, fmt.Errorf("invalid content type definition: %w", err)
	}
	return []*schema.ContentTypeDefinition{def}, nil
}
