package cli

import (
	"context"
	"fmt"

	"github.com/bptarpley/corpora/contentview"
	"github.com/spf13/cast"
	"github.com/spf13/cobra"
)

const (
	viewQueue       = "contentviews"
	jobViewPopulate = "contentview.populate"
	jobViewRefresh  = "contentview.refresh"
)

func newViewCommand(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "view",
		Short: "Manage content views, materialized id sets defined by a graph path and a search filter.",
	}

	var target, path, filter string
	create := &cobra.Command{
		Use:   "create <name>",
		Short: "Define a content view.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return e.withCorpus(cmd.Context(), func(a *app, c *corpus) error {
				v, err := c.views.Create(cmd.Context(), args[0], target, path, filter)
				if err != nil {
					return err
				}
				return e.printJSON(v)
			})
		},
	}
	create.Flags().StringVar(&target, "target", "", "Content type the view selects.")
	create.Flags().StringVar(&path, "path", "", "Graph path, e.g. '(Book)<--(Person[p1])'.")
	create.Flags().StringVar(&filter, "filter", "", "Search parameters the members must match.")
	_ = create.MarkFlagRequired("target")
	cmd.AddCommand(create)

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List the content views of the corpus.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return e.withCorpus(cmd.Context(), func(a *app, c *corpus) error {
				views, err := c.views.List(cmd.Context())
				if err != nil {
					return err
				}
				out := make([]viewListing, len(views))
				for i, v := range views {
					stale, err := c.views.IsStale(cmd.Context(), v.ID)
					if err != nil {
						return err
					}
					out[i] = viewListing{ContentView: v, Stale: stale}
				}
				return e.printJSON(out)
			})
		},
	})

	cmd.AddCommand(newViewRunCommand(e, "populate", "Compute the members of a view.", jobViewPopulate))
	cmd.AddCommand(newViewRunCommand(e, "refresh", "Clear and recompute the members of a view.", jobViewRefresh))

	cmd.AddCommand(&cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a view with its members and graph node.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return e.withCorpus(cmd.Context(), func(a *app, c *corpus) error {
				return c.views.Delete(cmd.Context(), args[0])
			})
		},
	})
	return cmd
}

// newViewRunCommand runs a populate or refresh now, or queues it for a worker.
// viewListing is a view as printed by "view list".
type viewListing struct {
	*contentview.ContentView
	Stale bool `json:"stale"`
}

func newViewRunCommand(e *env, use, short, jobType string) *cobra.Command {
	var async bool
	cmd := &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return e.withCorpus(cmd.Context(), func(a *app, c *corpus) error {
				if async {
					id, err := a.queue.Enqueue(cmd.Context(), viewQueue, jobType, map[string]any{
						"corpus_id": e.corpusID,
						"view_id":   args[0],
					})
					if err != nil {
						return err
					}
					fmt.Fprintln(e.stdout, id)
					return nil
				}
				report, err := runViewJob(cmd.Context(), c.views, jobType, map[string]any{"view_id": args[0]})
				if err != nil {
					return err
				}
				fmt.Fprintln(e.stdout, report)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&async, "async", false, "Queue the run for a worker instead of running it now.")
	return cmd
}

func runViewJob(ctx context.Context, views *contentview.Materializer, jobType string, payload map[string]any) (string, error) {
	id := cast.ToString(payload["view_id"])
	var err error
	switch jobType {
	case jobViewPopulate:
		err = views.Populate(ctx, id)
	case jobViewRefresh:
		err = views.Refresh(ctx, id)
	default:
		return "", fmt.Errorf("unknown content view job %q", jobType)
	}
	if err != nil {
		return "", err
	}
	v, err := views.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s: %s, %d members", v.Slug, v.Status, v.Count), nil
}
