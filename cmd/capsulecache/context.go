package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/cesargomez89/capsulecache/internal/cache"
	"github.com/cesargomez89/capsulecache/internal/config"
	"github.com/cesargomez89/capsulecache/internal/constants"
	"github.com/cesargomez89/capsulecache/internal/httpclient"
	"github.com/cesargomez89/capsulecache/internal/logger"
	"github.com/cesargomez89/capsulecache/internal/metrics"
	"github.com/cesargomez89/capsulecache/internal/progress"
	"github.com/cesargomez89/capsulecache/internal/queue"
	"github.com/cesargomez89/capsulecache/internal/remote"
	"github.com/cesargomez89/capsulecache/internal/retry"
	"github.com/cesargomez89/capsulecache/internal/storage"
	"github.com/cesargomez89/capsulecache/internal/store"
	"github.com/cesargomez89/capsulecache/internal/transfer"
)

type commandContext struct {
	configFlag   *string
	logLevelFlag *string

	configOnce sync.Once
	config     *config.Config
	logger     *logger.Logger
	configErr  error

	runtimeOnce sync.Once
	runtime     *runtime
	runtimeErr  error
}

func newCommandContext(configFlag, logLevelFlag *string) *commandContext {
	return &commandContext{
		configFlag:   configFlag,
		logLevelFlag: logLevelFlag,
	}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		cfg, err := config.Load(path)
		if err != nil {
			c.configErr = err
			return
		}
		if c.logLevelFlag != nil && *c.logLevelFlag != "" {
			cfg.Logging.Level = *c.logLevelFlag
		}
		if err := cfg.Validate(); err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
		c.logger = logger.New(logger.Config{
			Level:    cfg.Logging.Level,
			Format:   cfg.Logging.Format,
			File:     cfg.Logging.File,
			Compress: cfg.Logging.Compress,
		})
	})
	return c.config, c.configErr
}

// ensureRuntime opens the database and builds the components every
// subcommand shares. It is built once per process.
func (c *commandContext) ensureRuntime(ctx context.Context) (*runtime, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	c.runtimeOnce.Do(func() {
		c.runtime, c.runtimeErr = buildRuntime(ctx, cfg, c.logger)
	})
	return c.runtime, c.runtimeErr
}

func (c *commandContext) close() error {
	if c.runtime == nil {
		return nil
	}
	return c.runtime.Close()
}

// runtime is the wired application.
type runtime struct {
	cfg      *config.Config
	log      *logger.Logger
	db       *store.DB
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	progress *progress.Store
	engine   *transfer.Engine
	cache    *cache.Manager
	queue    *queue.Queue
}

func buildRuntime(ctx context.Context, cfg *config.Config, log *logger.Logger) (*runtime, error) {
	if err := storage.EnsureParent(cfg.Database.Path); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	if err := storage.EnsureDir(cfg.Cache.Dir); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	db, err := store.NewSQLiteDB(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to init DB: %w", err)
	}

	source, err := newSource(ctx, cfg, log)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	rt := &runtime{
		cfg:      cfg,
		log:      log,
		db:       db,
		registry: metrics.NewRegistry(),
		progress: progress.NewStore(constants.DefaultProgressTTL),
	}
	rt.metrics = metrics.New(rt.registry)

	policy := retry.Default(cfg.Queue.MaxRetries)
	rt.engine = transfer.NewEngine(source, policy, log,
		transfer.WithChunkSize(int(cfg.Transfer.ChunkSize)),
	)

	rt.cache = cache.NewManager(db, cache.Config{
		Dir:            cfg.Cache.Dir,
		MaxSize:        int64(cfg.Cache.MaxSize),
		CandidateLimit: cfg.Cache.CandidateLimit,
		AutoPurge:      cfg.Cache.AutoPurge,
	}, log,
		cache.WithSettings(store.NewSettingsRepo(db)),
		cache.WithMetrics(rt.metrics),
	)

	rt.queue = queue.New(db, rt.engine, queue.Config{
		CacheDir:     cfg.Cache.Dir,
		PathTemplate: cfg.Cache.PathTemplate,
		Concurrency:  cfg.Queue.Concurrency,
		PollInterval: cfg.Queue.PollInterval,
		PollLimit:    cfg.Queue.PollLimit,
		MaxRetries:   cfg.Queue.MaxRetries,
	}, log,
		queue.WithPurger(rt.cache),
		queue.WithMetrics(rt.metrics),
		queue.WithProgress(rt.progress),
		queue.WithPolicy(policy),
	)

	return rt, nil
}

// newSource routes http(s) URLs through the shared client and s3 URLs
// through the AWS SDK. S3 is optional: a broken AWS setup only disables it.
func newSource(ctx context.Context, cfg *config.Config, log *logger.Logger) (*remote.Mux, error) {
	client, err := httpclient.New(httpclient.Options{
		ProxyURL: cfg.Transfer.Proxy,
		Timeout:  cfg.Transfer.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build HTTP client: %w", err)
	}

	mux := remote.NewMux()
	mux.Handle(remote.NewHTTPSource(client), "http", "https")

	s3src, err := remote.NewS3SourceFromConfig(ctx, remote.S3Config{
		Region:          cfg.S3.Region,
		Endpoint:        cfg.S3.Endpoint,
		AccessKeyID:     cfg.S3.AccessKeyID,
		SecretAccessKey: cfg.S3.SecretAccessKey,
		ForcePathStyle:  cfg.S3.ForcePathStyle,
	})
	if err != nil {
		log.Warn("S3 source disabled", "error", err)
	} else {
		mux.Handle(s3src, "s3")
	}
	return mux, nil
}

func (r *runtime) Close() error {
	var errs []error
	r.queue.Stop()
	if err := r.db.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
