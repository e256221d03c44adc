package cli

import (
	"github.com/bptarpley/corpora/search"
	"github.com/spf13/cobra"
)

func newSearchCommand(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "search <type> [query-string]",
		Short: "Search a content type with request-style parameters, e.g. 'q=whale&s_year=desc&page-size=20'.",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw := ""
			if len(args) == 2 {
				raw = args[1]
			}
			spec, err := search.ParseQueryString(raw)
			if err != nil {
				return err
			}
			return e.withCorpus(cmd.Context(), func(a *app, c *corpus) error {
				result, err := c.searcher.Search(cmd.Context(), args[0], spec)
				if err != nil {
					return err
				}
				return e.printJSON(result)
			})
		},
	}
}
