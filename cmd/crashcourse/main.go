package main

import (
	"context"
	"net/http"
	"os"

	"github.com/go-redis/redis/v8"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"github.com/crash-course/backend/pkg/api"
	"github.com/crash-course/backend/pkg/audience"
	"github.com/crash-course/backend/pkg/config"
	"github.com/crash-course/backend/pkg/httputil"
	"github.com/crash-course/backend/pkg/observability"
	"github.com/crash-course/backend/pkg/ratelimit"
	"github.com/crash-course/backend/pkg/session"
	"github.com/crash-course/backend/pkg/store"
)

func main() {
	startup := logrus.New()
	startup.SetLevel(logrus.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		startup.WithError(err).Fatal("Failed to load configuration")
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)

	loc, err := cfg.Location()
	if err != nil {
		startup.WithError(err).Fatal("Failed to resolve timezone")
	}

	registry, err := store.OpenRegistry(cfg.Store.RegistryDriver, cfg.Store.RegistryDSN)
	if err != nil {
		startup.WithError(err).Fatal("Failed to open registry")
	}
	defer registry.Close()

	parts, err := store.NewPartitions(cfg.Store.DataDir, cfg.Store.PartitionMaxOpen, cfg.Store.PartitionIdleTTL)
	if err != nil {
		startup.WithError(err).Fatal("Failed to initialize partitions")
	}
	defer parts.Close()

	var metrics *observability.Metrics
	if cfg.Observability.MetricsEnabled {
		metrics = observability.NewMetrics(prometheus.NewRegistry())
		metrics.RegisterOpenPartitions(func() float64 { return float64(parts.OpenCount()) })
		parts.OnOpen = metrics.PartitionOpens.Inc
	}

	tags, err := config.LoadLimitsFile(cfg.Limits.File)
	if err != nil {
		startup.WithError(err).Fatal("Failed to load rate limits")
	}

	var limiter ratelimit.Admitter
	var localLimiter *ratelimit.Limiter
	if cfg.Limits.RedisURL != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Limits.RedisURL,
			Password: cfg.Limits.RedisPassword,
			DB:       cfg.Limits.RedisDB,
		})
		windows := make(map[string]ratelimit.WindowConfig, len(tags))
		for tag, tc := range tags {
			windows[tag] = ratelimit.WindowFromTag(tc)
		}
		rl := ratelimit.NewRedisLimiter(client, windows, func(err error) {
			logger.WithError(err).Warn("rate limit backend unavailable, admitting")
		})
		if err := rl.Ping(context.Background()); err != nil {
			startup.WithError(err).Fatal("Failed to reach Redis")
		}
		limiter = rl
		logger.Info("Using distributed rate limiting")
	} else {
		localLimiter = ratelimit.New(tags, cfg.Limits.MaxBuckets, cfg.Limits.BucketTTL)
		limiter = localLimiter
	}

	tracker := session.New(parts, cfg.Store.SessionWindow)
	engine := audience.New(parts, loc, cfg.Store.RealtimeWindow)

	server := api.NewServer(registry, parts, tracker, engine, limiter, logger, metrics, api.Options{
		Lookback:      cfg.Store.DefaultLookback,
		AllowedOrigin: cfg.Server.AllowedOrigin,
		MaxBodyBytes:  cfg.Server.MaxBodyBytes,
		Dev:           cfg.Dev,
	})

	shutdownTracing, err := observability.SetupTracing(context.Background(), observability.TracingConfig{
		Enabled:        cfg.Observability.OTelEnabled,
		Endpoint:       cfg.Observability.OTelEndpoint,
		ServiceName:    cfg.Observability.OTelServiceName,
		ServiceVersion: cfg.Observability.OTelServiceVersion,
		Insecure:       cfg.Observability.OTelInsecure,
	})
	if err != nil {
		startup.WithError(err).Fatal("Failed to set up tracing")
	}

	// Periodic cleanup of expired dashboard logins.
	scheduler := cron.New()
	_, err = scheduler.AddFunc("@hourly", func() {
		n, err := registry.DeleteExpiredDashSessions(context.Background(), cfg.Store.DashSessionMaxAge)
		if err != nil {
			logger.WithError(err).Warn("dashboard session cleanup failed")
			return
		}
		if n > 0 {
			logger.WithField("deleted", n).Info("cleaned up expired dashboard sessions")
		}
	})
	if err != nil {
		startup.WithError(err).Fatal("Failed to schedule session cleanup")
	}
	_, err = scheduler.AddFunc("@daily", func() {
		n, err := parts.Vacuum(context.Background())
		if err != nil {
			logger.WithError(err).Warn("partition maintenance failed")
		}
		if n > 0 {
			logger.WithField("vacuumed", n).Info("compacted open partitions")
		}
	})
	if err != nil {
		startup.WithError(err).Fatal("Failed to schedule partition maintenance")
	}
	scheduler.Start()

	var handler http.Handler = server
	if cfg.Observability.OTelEnabled {
		handler = otelhttp.NewHandler(handler, "crashcourse")
	}

	mainSrv := &http.Server{
		Addr:         cfg.Server.Host + ":" + cfg.Server.Port,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	healthMux := http.NewServeMux()
	healthMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := registry.Ping(r.Context()); err != nil {
			httputil.WriteInternal(w, cfg.Dev, err.Error())
			return
		}
		httputil.WriteSuccess(w, map[string]string{"status": "ok"})
	})
	if metrics != nil {
		healthMux.Handle("/metrics", metrics.Handler())
	}
	healthSrv := &http.Server{
		Addr:    cfg.Server.Host + ":" + cfg.Server.HealthPort,
		Handler: healthMux,
	}

	watchCtx, cancelWatch := context.WithCancel(context.Background())
	defer cancelWatch()

	group, groupCtx := errgroup.WithContext(watchCtx)
	group.Go(func() error {
		logger.WithField("addr", mainSrv.Addr).Info("Crash Course listening")
		if err := mainSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	group.Go(func() error {
		if err := healthSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	if cfg.Limits.File != "" && localLimiter != nil {
		group.Go(func() error {
			err := config.WatchLimitsFile(groupCtx, cfg.Limits.File, logger, localLimiter.SetTags)
			if err != nil && err != context.Canceled {
				return err
			}
			return nil
		})
	}

	manager := observability.NewShutdownManager(logger, cfg.Server.ShutdownTimeout, mainSrv, healthSrv)
	manager.Register(func(ctx context.Context) error {
		cancelWatch()
		cronCtx := scheduler.Stop()
		select {
		case <-cronCtx.Done():
		case <-ctx.Done():
		}
		return nil
	})
	manager.Register(shutdownTracing)
	manager.Register(func(context.Context) error {
		parts.Close()
		return registry.Close()
	})

	waitErr := make(chan error, 1)
	go func() { waitErr <- manager.Wait() }()

	select {
	case err := <-waitErr:
		if err != nil {
			startup.WithError(err).Error("Shutdown finished with errors")
			os.Exit(1)
		}
	case err := <-groupErr(group):
		if err != nil {
			startup.WithError(err).Fatal("Server failed")
		}
	}
}

// groupErr exposes group.Wait as a channel so it can race the signal
// driven shutdown.
func groupErr(group *errgroup.Group) <-chan error {
	ch := make(chan error, 1)
	go func() { ch <- group.Wait() }()
	return ch
}
