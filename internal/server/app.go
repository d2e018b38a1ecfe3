// Package server builds the application graph and runs the HTTP service.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/threadscan/internal/api"
	"github.com/JakeFAU/threadscan/internal/classifier/remote"
	"github.com/JakeFAU/threadscan/internal/clock/system"
	"github.com/JakeFAU/threadscan/internal/config"
	"github.com/JakeFAU/threadscan/internal/crawler"
	"github.com/JakeFAU/threadscan/internal/dispatcher"
	collyfetcher "github.com/JakeFAU/threadscan/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/threadscan/internal/fetcher/headless"
	"github.com/JakeFAU/threadscan/internal/hash/sha256"
	"github.com/JakeFAU/threadscan/internal/id/uuid"
	"github.com/JakeFAU/threadscan/internal/metrics"
	memorypublisher "github.com/JakeFAU/threadscan/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/threadscan/internal/publisher/pubsub"
	queuememory "github.com/JakeFAU/threadscan/internal/queue/memory"
	"github.com/JakeFAU/threadscan/internal/report"
	"github.com/JakeFAU/threadscan/internal/scheduler"
	gcsstorage "github.com/JakeFAU/threadscan/internal/storage/gcs"
	localstorage "github.com/JakeFAU/threadscan/internal/storage/local"
	memorystorage "github.com/JakeFAU/threadscan/internal/storage/memory"
	pgstore "github.com/JakeFAU/threadscan/internal/storage/postgres"
	sqlitestore "github.com/JakeFAU/threadscan/internal/storage/sqlite"
	"github.com/JakeFAU/threadscan/internal/sweep"
	"github.com/JakeFAU/threadscan/internal/task"
	"github.com/JakeFAU/threadscan/internal/telemetry"
	"github.com/JakeFAU/threadscan/internal/worker"
)

const (
	snapshotHashLength = 16
	shutdownTimeout    = 10 * time.Second
)

// migrator is implemented by record stores that own a schema.
type migrator interface {
	Migrate(ctx context.Context) error
}

// App holds the wired components and the resources that need closing.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	records   crawler.RecordStore
	tasks     *memorystorage.TaskStore
	queue     *queuememory.Queue
	pipeline  *worker.Pipeline
	sweeper   *sweep.Sweeper
	reports   *report.Service
	taskSvc   *task.Service
	dispatch  *dispatcher.Dispatcher
	scheduler *scheduler.Scheduler
	apiServer *api.Server
	publisher crawler.Publisher

	closeOnce sync.Once
	closers   []namedCloser
}

type namedCloser struct {
	name  string
	close func(context.Context) error
}

// Build wires every component from cfg. Call Close when done, even when only
// a single component (the pipeline, the sweeper) is used.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	app := &App{cfg: cfg, logger: logger}
	if err := app.build(ctx); err != nil {
		if closeErr := app.Close(ctx); closeErr != nil {
			logger.Warn("cleanup after failed build", zap.Error(closeErr))
		}
		return nil, err
	}
	return app, nil
}

func (a *App) build(ctx context.Context) error {
	cfg := a.cfg
	a.logger.Info("building application",
		zap.String("store", cfg.Store.Driver),
		zap.String("fetcher", cfg.Crawler.Fetcher),
		zap.Int("concurrency", cfg.Tasks.Concurrency),
	)

	if cfg.Telemetry.TracingEnabled {
		tp, err := telemetry.InitTracerProvider(ctx, telemetry.Config{ServiceName: cfg.Telemetry.ServiceName})
		if err != nil {
			return fmt.Errorf("tracer init: %w", err)
		}
		a.addCloser("tracer", tp.Shutdown)
	}

	records, err := a.setupRecordStore(ctx)
	if err != nil {
		return err
	}
	a.records = records

	blobs, err := a.setupBlobStore(ctx)
	if err != nil {
		return err
	}
	browser, err := a.setupBrowser()
	if err != nil {
		return err
	}
	engine := crawler.NewEngine(crawler.EngineConfig{
		BaseURL:          cfg.Crawler.BaseURL,
		ReadySelector:    cfg.Crawler.ReadySelector,
		NavTimeout:       cfg.NavTimeout(),
		SelectorTimeout:  cfg.SelectorTimeout(),
		SnapshotsEnabled: cfg.Crawler.SnapshotsEnabled,
		SnapshotPrefix:   cfg.Crawler.SnapshotPrefix,
	}, browser, blobs, sha256.New(snapshotHashLength), a.logger.Named("crawler"))

	classifier, err := remote.New(remote.Config{
		Endpoint: cfg.Classifier.Endpoint,
		Timeout:  time.Duration(cfg.Classifier.TimeoutSeconds) * time.Second,
		APIKey:   cfg.Classifier.APIKey,
	})
	if err != nil {
		return fmt.Errorf("classifier init: %w", err)
	}
	a.sweeper = sweep.New(records, classifier, a.logger.Named("sweep"))
	a.pipeline = worker.NewPipeline(engine, records, a.sweeper, a.logger.Named("pipeline"))

	a.reports, err = report.NewService(records)
	if err != nil {
		return fmt.Errorf("report init: %w", err)
	}

	if a.publisher, err = a.setupPublisher(ctx); err != nil {
		return err
	}

	clock := system.New()
	a.tasks = memorystorage.NewTaskStore(clock.Func())
	a.queue = queuememory.NewQueue(cfg.Tasks.QueueDepth)
	workers := make([]*worker.Worker, 0, cfg.Tasks.Concurrency)
	for i := 0; i < cfg.Tasks.Concurrency; i++ {
		workers = append(workers, worker.New(
			a.queue,
			a.tasks,
			a.pipeline,
			a.publisher,
			clock,
			worker.Config{Topic: cfg.PubSub.TopicName},
			a.logger.Named("worker").With(zap.Int("worker", i)),
		))
	}
	a.dispatch = dispatcher.New(a.queue, workers, a.logger.Named("dispatcher"))
	a.taskSvc = task.NewService(
		a.tasks,
		a.dispatch,
		uuid.New(),
		clock,
		a.reports,
		task.Config{AdmissionTimeout: cfg.AdmissionTimeout()},
		a.logger.Named("tasks"),
	)

	a.scheduler = scheduler.New(a.logger.Named("scheduler"))
	if err := a.scheduler.EvictTasks(cfg.Tasks.EvictSchedule, cfg.TaskTTL(), a.taskSvc); err != nil {
		return err
	}
	if cfg.Sweep.Schedule != "" {
		if err := a.scheduler.Sweep(cfg.Sweep.Schedule, a.sweeper); err != nil {
			return err
		}
	}

	a.apiServer = api.NewServer(a.taskSvc, a.reports, records, api.Config{
		RequestTimeout: time.Duration(cfg.Server.RequestTimeoutSeconds) * time.Second,
	}, a.logger.Named("api"))
	return nil
}

func (a *App) setupRecordStore(ctx context.Context) (crawler.RecordStore, error) {
	var records crawler.RecordStore
	switch a.cfg.Store.Driver {
	case "postgres":
		store, err := pgstore.New(ctx, pgstore.Config{
			DSN:             a.cfg.Store.DSN,
			MaxConns:        a.cfg.Store.MaxConns,
			MinConns:        a.cfg.Store.MinConns,
			MaxConnLifetime: time.Duration(a.cfg.Store.MaxConnLifetimeMinutes) * time.Minute,
		})
		if err != nil {
			return nil, fmt.Errorf("postgres store init: %w", err)
		}
		a.addCloser("postgres", func(context.Context) error {
			store.Close()
			return nil
		})
		records = store
	case "sqlite":
		store, err := sqlitestore.Open(ctx, a.cfg.Store.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("sqlite store init: %w", err)
		}
		a.addCloser("sqlite", func(context.Context) error { return store.Close() })
		records = store
	default:
		records = memorystorage.NewRecordStore()
	}
	a.logger.Info("record store ready", zap.String("driver", a.cfg.Store.Driver))

	if a.cfg.Store.AutoMigrate {
		if err := migrate(ctx, records); err != nil {
			return nil, err
		}
	}
	return records, nil
}

func (a *App) setupBlobStore(ctx context.Context) (crawler.BlobStore, error) {
	if a.cfg.Storage.GCSBucket == "" {
		if dir := a.cfg.Storage.LocalDir; dir != "" {
			blobs, err := localstorage.New(dir)
			if err != nil {
				return nil, fmt.Errorf("local blob store init: %w", err)
			}
			a.logger.Info("using local snapshot storage", zap.String("dir", dir))
			return blobs, nil
		}
		a.logger.Info("using in-memory snapshot storage")
		return memorystorage.NewBlobStore(), nil
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("gcs client init: %w", err)
	}
	a.addCloser("gcs", func(context.Context) error { return client.Close() })
	blobs, err := gcsstorage.New(ctx, client, gcsstorage.Config{
		Bucket:       a.cfg.Storage.GCSBucket,
		Prefix:       a.cfg.Storage.Prefix,
		CacheControl: a.cfg.Storage.CacheControl,
	})
	if err != nil {
		return nil, fmt.Errorf("gcs blob store init: %w", err)
	}
	a.logger.Info("using GCS snapshot storage", zap.String("bucket", a.cfg.Storage.GCSBucket))
	return blobs, nil
}

func (a *App) setupBrowser() (crawler.Browser, error) {
	proxy := a.cfg.Headless.Proxy
	if a.cfg.Crawler.Fetcher == "static" {
		b, err := collyfetcher.New(collyfetcher.Config{
			UserAgent:   a.cfg.Crawler.UserAgent,
			ProxyServer: proxy.Server,
		})
		if err != nil {
			return nil, fmt.Errorf("static fetcher init: %w", err)
		}
		a.logger.Info("using static fetcher")
		return b, nil
	}
	b, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
		MaxParallel:      a.cfg.Headless.MaxParallel,
		ExecPath:         a.cfg.Headless.ExecPath,
		UserAgent:        a.cfg.Crawler.UserAgent,
		ProxyServer:      proxy.Server,
		ProxyUsername:    proxy.Username,
		ProxyPassword:    proxy.Password,
		NoSandbox:        a.cfg.Headless.NoSandbox,
		IgnoreCertErrors: a.cfg.Headless.IgnoreCertErrors,
	}, a.logger.Named("chromedp"))
	if err != nil {
		a.logger.Warn("headless fetcher init failed; crawls will fail", zap.Error(err))
		return headlessfetcher.NewNoop(), nil
	}
	a.addCloser("chromedp", func(context.Context) error {
		b.Close()
		return nil
	})
	a.logger.Info("using headless fetcher", zap.Int("max_parallel", a.cfg.Headless.MaxParallel))
	return b, nil
}

func (a *App) setupPublisher(ctx context.Context) (crawler.Publisher, error) {
	if a.cfg.PubSub.TopicName == "" {
		a.logger.Info("no Pub/Sub topic configured, task events stay in memory")
		return memorypublisher.New(), nil
	}
	client, err := pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init: %w", err)
	}
	pub := gcppublisher.New(client)
	a.addCloser("pubsub", func(context.Context) error { return pub.Close() })
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicName),
	)
	return pub, nil
}

func (a *App) addCloser(name string, fn func(context.Context) error) {
	a.closers = append(a.closers, namedCloser{name: name, close: fn})
}

func migrate(ctx context.Context, records crawler.RecordStore) error {
	m, ok := records.(migrator)
	if !ok {
		return nil
	}
	if err := m.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate record store: %w", err)
	}
	return nil
}

// Migrate creates the record tables when the store owns a schema.
func (a *App) Migrate(ctx context.Context) error {
	return migrate(ctx, a.records)
}

// Scan runs one username through the crawl, persist and sweep pipeline
// synchronously, outside the task queue.
func (a *App) Scan(ctx context.Context, username string) worker.Outcome {
	name, err := task.NormalizeUsername(username)
	if err != nil {
		return worker.Outcome{State: crawler.TaskStateError, Err: err}
	}
	return a.pipeline.Run(ctx, name)
}

// Sweep classifies every stored record that has no label yet.
func (a *App) Sweep(ctx context.Context) (crawler.SweepReport, error) {
	return a.sweeper.Sweep(ctx)
}

// UserStats aggregates the stored records of username.
func (a *App) UserStats(ctx context.Context, username string) (report.UserStats, error) {
	name, err := task.NormalizeUsername(username)
	if err != nil {
		return report.UserStats{}, err
	}
	return a.reports.UserStats(ctx, name)
}

// Handler returns the API handler.
func (a *App) Handler() http.Handler { return a.apiServer.Handler() }

// Run listens on the configured port and serves until ctx is done.
func (a *App) Run(ctx context.Context) error {
	addr := net.JoinHostPort("", strconv.Itoa(a.cfg.Server.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return a.Serve(ctx, ln)
}

// Serve starts the workers and the scheduler, serves HTTP on ln, and shuts
// everything down when ctx is done. Running tasks finish before it returns.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	ctx, stop := context.WithCancel(ctx)
	defer stop()

	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		a.dispatch.Run(ctx)
	}()
	a.scheduler.Start()

	srv := &http.Server{
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			stop()
		}
		close(serveErr)
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	a.scheduler.Stop()
	a.queue.Close()
	<-dispatchDone

	if err := a.Close(shutdownCtx); err != nil {
		a.logger.Warn("close resources", zap.Error(err))
	}
	if err, ok := <-serveErr; ok && err != nil {
		return fmt.Errorf("http serve: %w", err)
	}
	return nil
}

// Close releases external resources in reverse order of creation.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	a.closeOnce.Do(func() {
		for i := len(a.closers) - 1; i >= 0; i-- {
			c := a.closers[i]
			if err := c.close(ctx); err != nil {
				errs = append(errs, fmt.Errorf("close %s: %w", c.name, err))
			}
		}
		if err := a.logger.Sync(); err != nil {
			a.logger.Debug("logger sync failed", zap.Error(err))
		}
	})
	return errors.Join(errs...)
}
