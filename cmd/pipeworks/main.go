// Command pipeworks launches one of the three pipeworks processes: the
// bucket content store, the hub scheduler, or a worker. Mode selection,
// config-file discovery, and flag parsing are intentionally minimal; a
// pipeline-definition language and its CLI belong to the caller, not here.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nevindra/pipeworks/bucket"
	"github.com/nevindra/pipeworks/cleaner"
	"github.com/nevindra/pipeworks/core"
	"github.com/nevindra/pipeworks/hub"
	"github.com/nevindra/pipeworks/hub/store"
	"github.com/nevindra/pipeworks/hub/store/postgres"
	"github.com/nevindra/pipeworks/hub/store/sqlite"
	"github.com/nevindra/pipeworks/internal/config"
	"github.com/nevindra/pipeworks/observability"
	"github.com/nevindra/pipeworks/worker"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: pipeworks <bucket|hub|worker> [config.toml]")
		os.Exit(2)
	}
	mode := os.Args[1]

	var cfgPath string
	if len(os.Args) > 2 {
		cfgPath = os.Args[2]
	} else {
		cfgPath = os.Getenv("PIPEWORKS_CONFIG")
	}
	cfg := config.Load(cfgPath)

	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	var inst *observability.Instruments
	tracer := core.Tracer(core.NoopTracer{})
	if cfg.OTEL.Enabled {
		var err error
		var shutdown func(context.Context) error
		inst, shutdown, err = observability.Init(ctx, cfg.OTEL.ServiceName+"-"+mode)
		if err != nil {
			logger.Error("observability init failed, continuing without it", "error", err)
			inst = nil
		} else {
			tracer = observability.NewTracer()
			defer func() {
				sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = shutdown(sctx)
			}()
		}
	}

	var err error
	switch mode {
	case "bucket":
		err = runBucket(ctx, cfg, logger, tracer, inst)
	case "hub":
		err = runHub(ctx, cfg, logger, tracer, inst)
	case "worker":
		err = runWorker(ctx, cfg, logger, tracer, inst)
	default:
		fmt.Fprintf(os.Stderr, "unknown mode %q: want bucket, hub, or worker\n", mode)
		os.Exit(2)
	}
	if err != nil {
		logger.Error("pipeworks: exited with error", "mode", mode, "error", err)
		os.Exit(1)
	}
}

func runBucket(ctx context.Context, cfg config.Config, logger *slog.Logger, tracer core.Tracer, inst *observability.Instruments) error {
	var st bucket.Store
	if cfg.Bucket.RedisAddr != "" {
		host, port, err := splitAddr(cfg.Bucket.RedisAddr)
		if err != nil {
			return fmt.Errorf("bucket: redis_addr: %w", err)
		}
		st = bucket.NewRedisStore(bucket.RedisConfig{Host: host, Port: port, Password: cfg.Bucket.RedisPassword, DB: cfg.Bucket.RedisDB})
	} else {
		maxBytes := cfg.Bucket.MaxMemoryMB * 1024 * 1024
		if maxBytes <= 0 {
			maxBytes = bucket.DefaultMaxMemoryBytes
		}
		memStore, err := bucket.NewMemStore(cfg.Bucket.DataDir, maxBytes, logger)
		if err != nil {
			return fmt.Errorf("bucket: open store: %w", err)
		}
		st = memStore
	}

	srv := bucket.NewServer(st, logger, tracer)
	if inst != nil {
		srv.WithMetrics(inst)
	}

	clean := cleaner.New([]string{cfg.Bucket.DataDir}, cleaner.WithLogger(logger))
	go clean.Run(ctx)

	return srv.ListenAndServe(ctx, cfg.Bucket.Host, cfg.Bucket.Port)
}

func runHub(ctx context.Context, cfg config.Config, logger *slog.Logger, tracer core.Tracer, inst *observability.Instruments) error {
	st, err := openHubStore(ctx, cfg.Hub)
	if err != nil {
		return err
	}

	var bucketClient *bucket.Client
	if cfg.Hub.BucketAddr != "" {
		host, port, err := splitAddr(cfg.Hub.BucketAddr)
		if err != nil {
			return fmt.Errorf("hub: bucket_addr: %w", err)
		}
		bucketClient = bucket.NewClient(host, port)
	}

	srv := hub.NewServer(st, bucketClient, logger, tracer)
	if inst != nil {
		srv.WithMetrics(inst)
	}

	reaperInterval := time.Duration(cfg.Hub.ReaperIntervalSecs) * time.Second
	if reaperInterval <= 0 {
		reaperInterval = time.Minute
	}
	go srv.RunLeaseReaper(ctx, reaperInterval)

	return srv.ListenAndServe(ctx, cfg.Hub.Host, cfg.Hub.Port)
}

func openHubStore(ctx context.Context, hc config.HubConfig) (store.Store, error) {
	switch hc.StoreBackend {
	case "postgres":
		pool, err := pgxpool.New(ctx, hc.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("hub: connect postgres: %w", err)
		}
		st := postgres.New(pool)
		if err := st.Init(ctx); err != nil {
			return nil, fmt.Errorf("hub: init postgres schema: %w", err)
		}
		return st, nil
	case "sqlite", "":
		st := sqlite.New(hc.SQLitePath)
		if err := st.Init(ctx); err != nil {
			return nil, fmt.Errorf("hub: init sqlite schema: %w", err)
		}
		return st, nil
	case "memory":
		return store.NewMemStore(), nil
	default:
		return nil, fmt.Errorf("hub: unknown store_backend %q", hc.StoreBackend)
	}
}

func runWorker(ctx context.Context, cfg config.Config, logger *slog.Logger, tracer core.Tracer, inst *observability.Instruments) error {
	hubHost, hubPort, err := splitAddr(cfg.Worker.HubAddr)
	if err != nil {
		return fmt.Errorf("worker: hub_addr: %w", err)
	}
	bucketHost, bucketPort, err := splitAddr(cfg.Worker.BucketAddr)
	if err != nil {
		return fmt.Errorf("worker: bucket_addr: %w", err)
	}

	hubClient := hub.NewClient(hubHost, hubPort)
	bucketClient := bucket.NewClient(bucketHost, bucketPort)

	drainer := worker.NewDrainer(bucketClient, hubClient, logger)

	var runner worker.StepRunner
	if cfg.Worker.Subprocess.Bin != "" {
		runner = &worker.SubprocessRunner{
			Bin:            cfg.Worker.Subprocess.Bin,
			HubAddr:        cfg.Worker.HubAddr,
			BucketAddr:     cfg.Worker.BucketAddr,
			EnvPassthrough: cfg.Worker.Subprocess.EnvPassthrough,
		}
	} else {
		return fmt.Errorf("worker: no step runner configured (set worker.subprocess.bin, or embed pipeworks as a library and call worker.New directly)")
	}

	w, err := worker.New(worker.Config{
		Scopes:          cfg.Worker.Scopes,
		Reverse:         cfg.Worker.Reverse,
		BatchSize:       cfg.Worker.BatchSize,
		Concurrency:     cfg.Worker.Concurrency,
		JobTimeout:      time.Duration(cfg.Worker.JobTimeoutSecs) * time.Second,
		LeaseDuration:   time.Duration(cfg.Worker.LeaseDurationSecs) * time.Second,
		PendingDelay:    time.Duration(cfg.Worker.PendingDelaySecs) * time.Second,
		PollInterval:    time.Duration(cfg.Worker.PollIntervalSecs) * time.Second,
		RestartInterval: time.Duration(cfg.Worker.RestartIntervalMin) * time.Minute,
		QueuePath:       cfg.Worker.QueuePath,
	}, hubClient, runner, drainer, logger, tracer)
	if err != nil {
		return fmt.Errorf("worker: construct: %w", err)
	}
	if inst != nil {
		w.WithMetrics(inst)
	}

	return w.Run(ctx)
}

func splitAddr(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("invalid port %q: %w", portStr, err)
	}
	return host, port, nil
}
