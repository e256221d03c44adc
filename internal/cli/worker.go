package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bptarpley/corpora/core/persistence"
	"github.com/bptarpley/corpora/jobs"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cast"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func newWorkerCommand(e *env) *cobra.Command {
	var workers int
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run queued reconciliation and content view jobs for every corpus.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, e.config, e.logger)
			if err != nil {
				return err
			}
			defer a.Close(context.WithoutCancel(ctx))

			if workers <= 0 {
				workers = e.config.Jobs.Workers
			}
			d := jobs.NewDispatcher(a.queue, jobs.DispatcherOptions{
				Workers:     workers,
				PollTimeout: e.config.Jobs.PollTimeout,
			}, e.logger.Named("dispatcher"))
			registerHandlers(d, a)

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return d.Run(gctx, persistence.JobQueueReconcile, viewQueue)
			})
			if e.config.Metrics.Addr != "" {
				srv := &http.Server{Addr: e.config.Metrics.Addr, Handler: metricsHandler()}
				g.Go(func() error {
					e.logger.Info("Serving metrics", zap.String("addr", srv.Addr))
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						return fmt.Errorf("metrics server: %w", err)
					}
					return nil
				})
				g.Go(func() error {
					<-gctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					return srv.Shutdown(shutdownCtx)
				})
			}
			return g.Wait()
		},
	}
	cmd.Flags().IntVar(&workers, "workers", 0, "Concurrent jobs; defaults to jobs.workers.")
	return cmd
}

func metricsHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// registerHandlers routes every job type to the components of the corpus named in
// the job payload.
func registerHandlers(d *jobs.Dispatcher, a *app) {
	d.Register(func(ctx context.Context, jobType string, payload map[string]any) (string, error) {
		c, err := corpusOf(ctx, a, payload)
		if err != nil {
			return "", err
		}
		return c.reconciler.HandleJob(ctx, jobType, payload)
	},
		persistence.JobReconcileDeletions,
		persistence.JobReconcileReindex,
		persistence.JobReconcileRelabel,
		persistence.JobReconcileRelink,
		persistence.JobReconcileResave,
		persistence.JobReconcileFieldStats,
	)
	d.Register(func(ctx context.Context, jobType string, payload map[string]any) (string, error) {
		c, err := corpusOf(ctx, a, payload)
		if err != nil {
			return "", err
		}
		return runViewJob(ctx, c.views, jobType, payload)
	}, jobViewPopulate, jobViewRefresh)
}

func corpusOf(ctx context.Context, a *app, payload map[string]any) (*corpus, error) {
	corpusID := cast.ToString(payload["corpus_id"])
	if corpusID == "" {
		return nil, fmt.Errorf("job payload has no corpus_id")
	}
	return a.corpus(ctx, corpusID)
}
