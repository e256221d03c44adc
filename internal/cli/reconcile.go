package cli

import (
	"fmt"

	"github.com/bptarpley/corpora/core/persistence"
	"github.com/spf13/cobra"
)

func newReconcileCommand(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Repair the search index, the graph and dependent entities.",
	}
	passes := []struct {
		use     string
		short   string
		jobType string
		typed   bool
	}{
		{"deletions", "Remove references to deleted entities and their files.", persistence.JobReconcileDeletions, false},
		{"reindex", "Rewrite the search documents of a content type.", persistence.JobReconcileReindex, true},
		{"relabel", "Recompute labels of a content type and update the entities that reference it.", persistence.JobReconcileRelabel, true},
		{"relink", "Rewrite the graph nodes and edges of a content type.", persistence.JobReconcileRelink, true},
		{"resave", "Save every entity of a content type again.", persistence.JobReconcileResave, true},
		{"stats", "Recompute field statistics of a content type.", persistence.JobReconcileFieldStats, true},
	}
	for _, p := range passes {
		cmd.AddCommand(newReconcilePassCommand(e, p.use, p.short, p.jobType, p.typed))
	}
	return cmd
}

func newReconcilePassCommand(e *env, use, short, jobType string, typed bool) *cobra.Command {
	var async bool
	var validate cobra.PositionalArgs = cobra.NoArgs
	if typed {
		use += " <type>"
		validate = cobra.ExactArgs(1)
	}
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  validate,
		RunE: func(cmd *cobra.Command, args []string) error {
			payload := map[string]any{"corpus_id": e.corpusID}
			if typed {
				payload["content_type"] = args[0]
			}
			return e.withCorpus(cmd.Context(), func(a *app, c *corpus) error {
				if async {
					id, err := a.queue.Enqueue(cmd.Context(), persistence.JobQueueReconcile, jobType, payload)
					if err != nil {
						return err
					}
					fmt.Fprintln(e.stdout, id)
					return nil
				}
				report, err := c.reconciler.HandleJob(cmd.Context(), jobType, payload)
				if err != nil {
					return err
				}
				fmt.Fprintln(e.stdout, report)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&async, "async", false, "Queue the pass for a worker instead of running it now.")
	return cmd
}
