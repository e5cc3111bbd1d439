// Command collector is the meteodata collection daemon. It boots the enabled
// connector classes, serves the control socket and reports to the service
// manager, then runs until a signal or a control-plane shutdown.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	rediscache "github.com/meteologic/meteodata-collector/internal/adapter/cache/redis"
	"github.com/meteologic/meteodata-collector/internal/adapter/jobs/redpanda"
	"github.com/meteologic/meteodata-collector/internal/adapter/observability"
	registrypg "github.com/meteologic/meteodata-collector/internal/adapter/registry/postgres"
	"github.com/meteologic/meteodata-collector/internal/adapter/sink/cassandra"
	sinkpg "github.com/meteologic/meteodata-collector/internal/adapter/sink/postgres"
	"github.com/meteologic/meteodata-collector/internal/config"
	"github.com/meteologic/meteodata-collector/internal/connector"
	"github.com/meteologic/meteodata-collector/internal/control"
	"github.com/meteologic/meteodata-collector/internal/domain"
	"github.com/meteologic/meteodata-collector/internal/ingest"
	"github.com/meteologic/meteodata-collector/internal/supervisor"
	"github.com/meteologic/meteodata-collector/internal/watchdog"
)

// version is stamped by the build.
var version = "dev"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	flags, err := config.ParseFlags(args)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	if flags.Version {
		fmt.Println("meteodata-collector " + version)
		return 0
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	log := observability.SetupLogger(cfg)
	slog.SetDefault(log)
	observability.InitMetrics()

	wd := watchdog.New(log)

	creds, err := config.LoadCredentials(flags.ConfigFile)
	if err != nil {
		log.Error("credentials unreadable", slog.Any("error", err))
		wd.Fatal("credentials unreadable")
		return 255
	}
	applyThreads(creds.Threads)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := registrypg.NewPool(ctx, creds.PGDSN())
	if err != nil {
		log.Error("relational store unreachable", slog.Any("error", err))
		wd.Fatal("relational store unreachable")
		return 255
	}
	defer pool.Close()
	registry := registrypg.NewRegistry(pool)
	relational := sinkpg.NewSink(pool)

	session, err := cassandra.Connect(creds.Host, creds.User, creds.Password, cfg.CassandraKeyspace)
	if err != nil {
		log.Error("wide-column store unreachable", slog.Any("error", err))
		wd.Fatal("wide-column store unreachable")
		return 255
	}
	defer session.Close()
	wide := cassandra.NewSink(cassandra.SessionExecutor{Session: session})

	redisClient := rediscache.NewClient(cfg.RedisAddr)
	defer func() { _ = redisClient.Close() }()
	cache := rediscache.NewCache(redisClient)

	var publisher domain.JobPublisher
	if len(cfg.KafkaBrokers) > 0 {
		pub, err := redpanda.NewPublisher(cfg.KafkaBrokers)
		if err != nil {
			log.Error("job publisher unavailable", slog.Any("error", err))
			wd.Fatal("job publisher unavailable")
			return 255
		}
		defer func() { _ = pub.Close() }()
		publisher = pub
	} else {
		log.Info("no brokers configured, past-data jobs disabled")
	}

	pipeline := ingest.New(registry, wide, relational, publisher, log)
	deps := connector.Deps{Registry: registry, Cache: cache, Pipeline: pipeline, Log: log}

	sup, err := supervisor.New(ctx, deps, cfg, creds, supervisor.Options{Enabled: flags.EnabledClasses()})
	if err != nil {
		log.Error("connector construction failed", slog.Any("error", err))
		wd.Fatal("connector construction failed")
		return 255
	}

	ctrl := control.NewServer(cfg.ControlSocket, log,
		&control.GeneralHandler{Shutdown: sup.Shutdown},
		&control.ConnectorsHandler{Dir: sup},
	)
	if err := ctrl.Start(ctx); err != nil {
		log.Error("control socket unavailable", slog.Any("error", err))
		wd.Fatal("control socket unavailable")
		return 255
	}

	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		metricsSrv = serveMetrics(cfg.MetricsAddr, log)
	}

	if err := sup.StartAll(); err != nil {
		// Partial starts are survivable; the operator restarts the failed
		// connectors over the control socket once the cause is fixed.
		log.Error("some connectors failed to start", slog.Any("error", err))
	}

	go func() {
		if err := wd.Run(ctx); err != nil && !errors.Is(err, domain.ErrStopped) {
			log.Warn("watchdog loop ended", slog.Any("error", err))
		}
	}()
	wd.Ready()
	log.Info("collector started",
		slog.String("version", version),
		slog.Any("connectors", flags.EnabledClasses()),
		slog.Bool("foreground", flags.NoDaemon),
		slog.Bool("watchdog", wd.Enabled()))

	select {
	case <-ctx.Done():
		log.Info("signal received, shutting down")
	case <-sup.Done():
		log.Info("shutdown requested, shutting down")
	}
	wd.Stopping()

	code := 0
	if err := sup.Stop(); err != nil {
		log.Error("connector shutdown incomplete", slog.Any("error", err))
		code = 1
	}
	if err := ctrl.Stop(); err != nil {
		log.Warn("control socket shutdown failed", slog.Any("error", err))
	}
	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	log.Info("collector stopped")
	return code
}

// applyThreads caps the scheduler at the credentials-file worker-pool size.
// The deployments are shared hosts; the file's threads key bounds how much of
// the machine one collector takes.
func applyThreads(n int) {
	if n < 1 {
		n = 1
	}
	runtime.GOMAXPROCS(n)
}

// serveMetrics exposes the Prometheus endpoint. Failures are logged, never
// fatal; scraping is an operator convenience, not a collection dependency.
func serveMetrics(addr string, log *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.MetricsHandler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn("metrics listener failed", slog.Any("error", err))
		}
	}()
	return srv
}
