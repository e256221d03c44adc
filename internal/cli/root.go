// Package cli implements the corpora command line.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/bptarpley/corpora/config"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// env is the state shared by every command of one invocation.
type env struct {
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer

	configFile string
	corpusID   string

	config *config.Config
	logger *zap.Logger
}

// NewRootCommand builds the corpora command tree.
func NewRootCommand(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	e := &env{stdin: stdin, stdout: stdout, stderr: stderr}
	rc := &cobra.Command{
		Use:   "corpora",
		Short: "Manage schema-driven content corpora across the primary store, search and graph.",
		Long: `corpora manages content types and entities of a corpus.

Entities live in SQLite and are mirrored into a search engine and a Neo4j graph.
Configuration is read from corpora.yaml and CORPORA_* environment variables.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(e.configFile)
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg.Log, e.stderr)
			if err != nil {
				return err
			}
			e.config = cfg
			e.logger = logger
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if e.logger != nil {
				_ = e.logger.Sync()
			}
		},
	}
	rc.PersistentFlags().StringVarP(&e.configFile, "config", "c", "", "Configuration file to read from.")
	rc.PersistentFlags().StringVar(&e.corpusID, "corpus", os.Getenv("CORPORA_CORPUS"), "Corpus to operate on.")

	rc.AddCommand(newSchemaCommand(e))
	rc.AddCommand(newEntityCommand(e))
	rc.AddCommand(newSearchCommand(e))
	rc.AddCommand(newViewCommand(e))
	rc.AddCommand(newReconcileCommand(e))
	rc.AddCommand(newWorkerCommand(e))

	rc.SetIn(stdin)
	rc.SetOut(stdout)
	rc.SetErr(stderr)
	return rc
}

// withCorpus opens the process connections, resolves the selected corpus and runs fn.
func (e *env) withCorpus(ctx context.Context, fn func(*app, *corpus) error) error {
	if e.corpusID == "" {
		return fmt.Errorf("a corpus is required: pass --corpus or set CORPORA_CORPUS")
	}
	a, err := newApp(ctx, e.config, e.logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(context.WithoutCancel(ctx)); err != nil {
			e.logger.Warn("Failed to close connections", zap.Error(err))
		}
	}()
	c, err := a.corpus(ctx, e.corpusID)
	if err != nil {
		return err
	}
	return fn(a, c)
}

func (e *env) printJSON(v any) error {
	enc := json.NewEncoder(e.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// readInput reads a command argument that names a file, or stdin for "-".
func (e *env) readInput(name string) ([]byte, error) {
	if name == "-" {
		return io.ReadAll(e.stdin)
	}
	data, err := os.ReadFile(name)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", name, err)
	}
	return data, nil
}
