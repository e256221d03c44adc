package cli

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/bptarpley/corpora/cache"
	"github.com/bptarpley/corpora/config"
	"github.com/bptarpley/corpora/contentview"
	"github.com/bptarpley/corpora/core/persistence"
	"github.com/bptarpley/corpora/graph"
	"github.com/bptarpley/corpora/jobs"
	"github.com/bptarpley/corpora/search"
	"github.com/bptarpley/corpora/sqlite"
	"github.com/hashicorp/go-multierror"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var _ persistence.Graph = (*graph.Linker)(nil)

// app holds the shared connections of one process. Corpus-scoped components are
// created on first use and cached.
type app struct {
	config     *config.Config
	logger     *zap.Logger
	db         *sql.DB
	interactor *sqlite.SQLiteInteractor
	hub        *persistence.EventHub
	indexer    *search.Indexer
	engine     *search.Client
	linker     *graph.Linker
	redis      *redis.Client
	cursors    *search.CursorStore
	queue      *jobs.RedisQueue

	mu      sync.Mutex
	corpora map[string]*corpus
}

// corpus bundles the components serving one corpus.
type corpus struct {
	registry   *persistence.Registry
	store      *persistence.EntityStore
	views      *contentview.Materializer
	searcher   *search.Searcher
	reconciler *persistence.Reconciler
}

func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (_ *app, err error) {
	a := &app{config: cfg, logger: logger, corpora: make(map[string]*corpus)}
	defer func() {
		if err != nil {
			a.Close(context.WithoutCancel(ctx))
		}
	}()

	a.db, err = sqlite.Open(cfg.Database.Path)
	if err != nil {
		return nil, err
	}
	options := sqlite.DefaultInteractorOptions()
	options.CollectionPrefix = cfg.Database.TablePrefix
	a.interactor = sqlite.NewSQLiteInteractor(a.db, logger.Named("sqlite"), options, nil)

	a.hub, err = persistence.NewEventHub()
	if err != nil {
		return nil, fmt.Errorf("failed to create event hub: %w", err)
	}

	a.engine = search.NewClient(search.ClientConfig{
		URL:      cfg.Search.URL,
		Username: cfg.Search.Username,
		Password: cfg.Search.Password,
		RetryMax: cfg.Search.RetryMax,
		Timeout:  cfg.Search.Timeout,
	}, logger.Named("search"))
	a.indexer = search.NewIndexer(a.engine, logger.Named("search"))

	runner, err := graph.NewNeo4jRunner(ctx, graph.Neo4jConfig{
		URI:      cfg.Graph.URI,
		Username: cfg.Graph.Username,
		Password: cfg.Graph.Password,
		Database: cfg.Graph.Database,
	}, logger.Named("graph"))
	if err != nil {
		return nil, err
	}
	a.linker = graph.NewLinker(runner, graph.LinkerOptions{
		MaxRetries:    cfg.Graph.MaxRetries,
		LinkBatchSize: cfg.Graph.BatchSize,
	}, logger.Named("graph"))

	a.redis = redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := a.redis.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Redis.Addr, err)
	}
	tokens := cache.NewRedisCacheWithClient(a.redis, cache.Config{
		DefaultTTL: cfg.Query.CursorTTL,
		Prefix:     cfg.Redis.Prefix,
	})
	a.cursors = search.NewCursorStore(tokens, cfg.Query.CursorTTL)
	a.queue = jobs.NewRedisQueue(a.redis, jobs.QueueConfig{
		Prefix:    cfg.Jobs.Prefix,
		ResultTTL: cfg.Jobs.ResultTTL,
	}, logger.Named("jobs"))

	return a, nil
}

// corpus returns the components of corpusID, creating them on first use.
func (a *app) corpus(ctx context.Context, corpusID string) (*corpus, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if c, ok := a.corpora[corpusID]; ok {
		return c, nil
	}

	logger := a.logger.With(zap.String("corpus_id", corpusID))
	registry, err := persistence.NewRegistry(ctx, corpusID, a.interactor, persistence.RegistryOptions{
		Index:  a.indexer,
		Graph:  a.linker,
		Jobs:   a.queue,
		Events: a.hub,
		Logger: logger,
	})
	if err != nil {
		return nil, err
	}

	compiler := search.NewCompiler(registry, logger)
	searcher := search.NewSearcher(compiler, a.engine, a.cursors, search.SearcherConfig{
		DeepPagingThreshold: a.config.Query.DeepPagingThreshold,
		DefaultPageSize:     a.config.Query.DefaultPageSize,
		MaxPageSize:         a.config.Query.MaxPageSize,
	}, logger)

	viewStore, err := contentview.NewStore(ctx, a.interactor, logger)
	if err != nil {
		return nil, err
	}
	views := contentview.NewMaterializer(corpusID, contentview.Options{
		Store:       viewStore,
		Descriptors: registry,
		Graph:       a.linker,
		Search:      searcher,
		Index:       a.indexer,
		Events:      a.hub,
		Clock:       registry,
		Capacity:    int(a.config.ContentViews.Capacity),
		BatchSize:   a.config.ContentViews.BatchSize,
		Logger:      logger,
	})
	views.Subscribe(a.hub)

	store := persistence.NewEntityStore(registry, persistence.StoreOptions{
		Index:     a.indexer,
		Graph:     a.linker,
		Jobs:      a.queue,
		Views:     views,
		Events:    a.hub,
		FilesRoot: a.config.Files.Root,
		Logger:    logger,
	})

	c := &corpus{
		registry:   registry,
		store:      store,
		views:      views,
		searcher:   searcher,
		reconciler: persistence.NewReconciler(store, persistence.ReconcilerOptions{Logger: logger}),
	}
	a.corpora[corpusID] = c
	return c, nil
}

// Close releases every connection that was opened.
func (a *app) Close(ctx context.Context) error {
	var result *multierror.Error
	if a.linker != nil {
		if err := a.linker.Close(ctx); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
