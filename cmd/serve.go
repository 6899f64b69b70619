package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kartoza/kartoza-pgql/internal/apps"
	"github.com/kartoza/kartoza-pgql/internal/cache"
	"github.com/kartoza/kartoza-pgql/internal/config"
	"github.com/kartoza/kartoza-pgql/internal/hasura"
	"github.com/kartoza/kartoza-pgql/internal/llm"
	"github.com/kartoza/kartoza-pgql/internal/metrics"
	"github.com/kartoza/kartoza-pgql/internal/pipeline"
	"github.com/kartoza/kartoza-pgql/internal/schema"
	"github.com/kartoza/kartoza-pgql/internal/security"
	"github.com/kartoza/kartoza-pgql/internal/server"
)

const (
	stateTable     = "pgql_state"
	flushTimeout   = 10 * time.Second
	startupTimeout = 15 * time.Second
)

var listenAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the query server",
	Long: `Run the HTTP query server.

Applications ask questions on /v1/query with their X-App-Api-Key. The
dashboard API under /api manages applications and needs the dashboard key
(set with: kartoza-pgql config set-secret dashboard_api_key <value>).`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if listenAddr != "" {
			cfg.Server.ListenAddr = listenAddr
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runServer(ctx, cfg, logger)
	},
}

func init() {
	serveCmd.Flags().StringVar(&listenAddr, "listen", "", "listen address (default from config, :8765)")
}

// components holds everything the server needs plus what must be closed
type components struct {
	server  *server.Server
	store   *apps.Store
	closers []io.Closer
}

func (c *components) Close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i].Close()
	}
}

func runServer(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	if cfg.Server.DashboardAPIKey == "" {
		cfg.Server.DashboardAPIKey = uuid.NewString()
		fmt.Fprintf(os.Stderr, "No dashboard key configured; using %s for this run\n", cfg.Server.DashboardAPIKey)
	}

	startCtx, cancel := context.WithTimeout(ctx, startupTimeout)
	c, err := buildComponents(startCtx, cfg, logger)
	cancel()
	if err != nil {
		return err
	}
	defer c.Close()

	logger.Info("starting server",
		zap.String("addr", cfg.Server.ListenAddr),
		zap.String("gateway", cfg.Gateway.Endpoint),
		zap.String("llm_provider", cfg.LLM.Provider),
		zap.String("store", cfg.Store.Backend),
		zap.String("cache", cfg.Cache.Backend),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.server.ListenAndServe(gctx, cfg.Server.ListenAddr)
	})
	g.Go(func() error {
		return c.store.Run(gctx, cfg.FlushInterval())
	})
	runErr := g.Wait()

	flushCtx, cancelFlush := context.WithTimeout(context.Background(), flushTimeout)
	defer cancelFlush()
	if err := c.store.Flush(flushCtx); err != nil {
		logger.Error("final store flush failed", zap.Error(err))
		if runErr == nil {
			runErr = err
		}
	}
	logger.Info("server stopped")
	return runErr
}

func buildComponents(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*components, error) {
	c := &components{}
	fail := func(err error) (*components, error) {
		c.Close()
		return nil, err
	}

	introspection, err := buildCache(ctx, cfg)
	if err != nil {
		return fail(err)
	}
	if closer, ok := introspection.(io.Closer); ok {
		c.closers = append(c.closers, closer)
	}

	gateway := hasura.New(hasura.Options{
		Endpoint:    cfg.Gateway.Endpoint,
		AdminSecret: cfg.Gateway.AdminSecret,
		Timeout:     cfg.GatewayTimeout(),
		Cache:       introspection,
		MetadataTTL: cfg.CacheTTL(),
		Logger:      logger.Named("hasura"),
	})
	extractor := schema.NewExtractor(gateway,
		schema.WithMetadata(gateway),
		schema.WithMaxColumns(cfg.Schema.MaxColumns),
		schema.WithLogger(logger.Named("schema")),
	)
	schemas := schema.NewService(extractor, introspection, gateway.Endpoint(), cfg.CacheTTL(), logger.Named("schema"))

	registry := metrics.NewRegistry()
	collectors, err := metrics.NewCollectors(registry)
	if err != nil {
		return fail(fmt.Errorf("register metrics: %w", err))
	}
	recorder := metrics.NewRecorder(metrics.WithCollectors(collectors))

	store, err := openStore(ctx, cfg, logger, c)
	if err != nil {
		return fail(err)
	}
	c.store = store

	opts := pipeline.Options{
		Gateway:  gateway,
		Schema:   schemas,
		Metrics:  recorder,
		MaxDepth: cfg.Schema.MaxQueryDepth,
		Logger:   logger.Named("pipeline"),
	}
	if cfg.LLM.APIKey != "" {
		chat, err := llm.NewChatClient(ctx, llm.OptionsFromConfig(cfg, logger.Named("llm")))
		if err != nil {
			return fail(fmt.Errorf("llm client: %w", err))
		}
		opts.Generator = llm.NewGenerator(chat, logger.Named("generator"))
		opts.Synthesizer = llm.NewSynthesizer(chat, logger.Named("synthesizer"))
	} else {
		logger.Warn("no LLM API key configured; every question uses the rule-based planner")
	}

	if gateway.Configured() {
		if tables, err := schema.LoadTrackedTables(ctx, gateway); err != nil {
			logger.Warn("could not load tracked tables", zap.Error(err))
		} else {
			store.UpdateSchemaCache(ctx, tables)
		}
	} else {
		logger.Warn("no gateway endpoint configured; questions will be rejected")
	}

	c.server = server.New(server.Options{
		Store:        store,
		Pipeline:     pipeline.New(opts),
		Gateway:      gateway,
		Limiter:      security.NewRateLimiter(cfg.RateLimit.Rate, cfg.RateLimitPer()),
		Cache:        introspection,
		Metrics:      recorder,
		Registry:     registry,
		DashboardKey: cfg.Server.DashboardAPIKey,
		JWTSecret:    cfg.Server.JWTSecret,
		TokenTTL:     cfg.TokenTTL(),
		Version:      appVersion,
		Logger:       logger.Named("server"),
	})
	return c, nil
}

func buildCache(ctx context.Context, cfg *config.Config) (cache.Cache, error) {
	switch cfg.Cache.Backend {
	case "", "memory":
		return cache.NewMemoryCache(cfg.CacheTTL(), cfg.Cache.MaxSize), nil
	case "redis":
		rc := cache.DefaultRedisConfig()
		if cfg.Cache.RedisAddr != "" {
			rc.Addr = cfg.Cache.RedisAddr
		}
		rc.DB = cfg.Cache.RedisDB
		rc.Password = os.Getenv("PGQL_REDIS_PASSWORD")
		rc.TTL = cfg.CacheTTL()
		return cache.NewRedisCache(ctx, rc)
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Cache.Backend)
	}
}

func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger, c *components) (*apps.Store, error) {
	var persister apps.Persister
	switch cfg.Store.Backend {
	case "", "file":
		path := cfg.Store.Path
		if path == "" {
			var err error
			if path, err = config.AppsPath(); err != nil {
				return nil, err
			}
		}
		persister = apps.NewFilePersister(path)
	case "postgres":
		pg, err := apps.NewPostgresPersister(ctx, cfg.Store.PGService, cfg.Store.DSN, stateTable)
		if err != nil {
			return nil, fmt.Errorf("application store: %w", err)
		}
		c.closers = append(c.closers, pg)
		persister = pg
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}

	opts := []apps.Option{apps.WithLogger(logger.Named("apps"))}
	if secret := os.Getenv(apps.EncryptionKeyEnv); secret != "" {
		cipher, err := apps.NewKeyCipher(secret)
		if err != nil {
			return nil, err
		}
		opts = append(opts, apps.WithCipher(cipher))
	}

	store, err := apps.Open(ctx, persister, opts...)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("application store did not load in time: %w", err)
		}
		return nil, fmt.Errorf("application store: %w", err)
	}
	return store, nil
}
