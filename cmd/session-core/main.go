/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// session-core runs the session and cache core: storage backend, crypto
// service, session manager, cross-instance invalidation, and the
// maintenance schedule.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"

	"github.com/sublingo/sublingo/internal/config"
	"github.com/sublingo/sublingo/internal/crypto"
	"github.com/sublingo/sublingo/internal/metrics"
	"github.com/sublingo/sublingo/internal/session"
	"github.com/sublingo/sublingo/internal/session/invalidation"
	"github.com/sublingo/sublingo/internal/storage"
	"github.com/sublingo/sublingo/internal/storage/fs"
	redisstore "github.com/sublingo/sublingo/internal/storage/redis"
	"github.com/sublingo/sublingo/pkg/logging"
)

const (
	readyTimeout    = 60 * time.Second
	shutdownTimeout = 30 * time.Second
)

type flags struct {
	healthAddr  string
	metricsAddr string
}

func parseFlags() *flags {
	f := &flags{}
	flag.StringVar(&f.healthAddr, "health-addr", ":8081", "health endpoint listen address")
	flag.StringVar(&f.metricsAddr, "metrics-addr", ":9090", "Prometheus metrics listen address")
	flag.Parse()

	envFallback(&f.healthAddr, ":8081", "HEALTH_ADDR")
	envFallback(&f.metricsAddr, ":9090", "METRICS_ADDR")
	return f
}

// envFallback overrides dst with the env value when the flag was left at
// its default.
func envFallback(dst *string, defaultVal, envKey string) {
	if *dst == defaultVal {
		if v := os.Getenv(envKey); v != "" {
			*dst = v
		}
	}
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	f := parseFlags()

	// --- Logger ---
	log, syncLog, err := logging.NewLogger()
	if err != nil {
		return fmt.Errorf("creating logger: %w", err)
	}
	defer syncLog()

	// --- Config ---
	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}

	// --- Signal context ---
	ctx, cancel := signal.NotifyContext(
		context.Background(), syscall.SIGINT, syscall.SIGTERM,
	)
	defer cancel()

	// --- Encryption key (fatal on any acquisition failure) ---
	key, err := crypto.LoadOrCreateKey(log, cfg.EncryptionKey, cfg.EncryptionKeyFile)
	if err != nil {
		return fmt.Errorf("acquiring encryption key: %w", err)
	}
	crypt, err := crypto.NewService(key)
	if err != nil {
		return err
	}

	// --- Cache limits ---
	limits := storage.DefaultLimits()
	if cfg.CacheLimitsFile != "" {
		if limits, err = storage.LoadLimits(cfg.CacheLimitsFile); err != nil {
			return fmt.Errorf("loading cache limits: %w", err)
		}
	}

	// --- Metrics ---
	coreMetrics := metrics.New()

	// --- Storage backend ---
	store, redisBackend, err := initStorage(ctx, cfg, limits, log)
	if err != nil {
		return err
	}
	defer store.Close()

	// --- Invalidation bus (Redis mode only) ---
	var bus *invalidation.Bus
	if redisBackend != nil {
		sub, err := redisstore.NewClient(busClientConfig(cfg))
		if err != nil {
			return err
		}
		defer sub.Close()

		prefixes := append([]string{redisBackend.Prefix()}, cfg.PrefixVariants...)
		bus = invalidation.New(redisBackend.Client(), sub, prefixes, coreMetrics, log)
		if err := bus.Start(ctx); err != nil {
			return err
		}
		defer bus.Close()
	}

	// --- Session manager ---
	opts := session.Options{
		ApplyStorageTTL: cfg.SessionRedisTTL,
		Preload:         cfg.SessionPreload || cfg.StorageType == config.StorageFilesystem,
		SnapshotEnabled: cfg.SnapshotEnabled,
		SnapshotPath:    cfg.SnapshotPath,
		MaxAPIKeys:      cfg.MaxAPIKeys,
	}
	if redisBackend != nil {
		opts.RotationStore = redisBackend
	}
	mgr, err := session.NewManager(store, crypt, bus, coreMetrics, opts, log)
	if err != nil {
		return err
	}
	mgr.Start(ctx)

	readyCtx, readyCancel := context.WithTimeout(ctx, readyTimeout)
	err = mgr.WaitUntilReady(readyCtx)
	readyCancel()
	if err != nil {
		return fmt.Errorf("session manager initialization: %w", err)
	}

	// --- Maintenance schedule ---
	sched := startSchedule(ctx, store, mgr, cfg.SnapshotEnabled, coreMetrics, log)
	defer sched.Stop()

	// --- Servers ---
	healthSrv := newHealthServer(f.healthAddr, store)
	metricsSrv := &http.Server{Addr: f.metricsAddr, Handler: promhttp.Handler()}
	startHTTPServer(log, "health", f.healthAddr, healthSrv)
	startHTTPServer(log, "metrics", f.metricsAddr, metricsSrv)

	log.Info("session-core ready",
		"storage", cfg.StorageType,
		"health", f.healthAddr,
		"metrics", f.metricsAddr,
		"snapshot", cfg.SnapshotEnabled,
	)

	// --- Wait for shutdown ---
	<-ctx.Done()
	log.Info("shutting down")

	shutCtx, shutCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutCancel()
	if err := mgr.Close(shutCtx); err != nil {
		log.Error(err, "session manager shutdown")
	}
	for _, s := range []struct {
		name string
		srv  *http.Server
	}{
		{"metrics", metricsSrv},
		{"health", healthSrv},
	} {
		if err := s.srv.Shutdown(shutCtx); err != nil {
			log.Error(err, "server shutdown error", "server", s.name)
		}
	}
	return nil
}

// initStorage builds the configured backend. The second return value is
// non-nil only in Redis mode, where the manager also needs the raw client
// and the rotation counter.
func initStorage(ctx context.Context, cfg *config.Config, limits storage.Limits, log logr.Logger) (storage.Adapter, *redisstore.Store, error) {
	switch cfg.StorageType {
	case config.StorageFilesystem:
		store := fs.New(cfg.DataDir, limits, log)
		if err := store.Initialize(ctx); err != nil {
			return nil, nil, fmt.Errorf("initializing filesystem storage: %w", err)
		}
		return store, nil, nil

	case config.StorageRedis:
		rcfg := redisConfig(cfg)
		store, err := redisstore.New(rcfg, limits, log)
		if err != nil {
			return nil, nil, fmt.Errorf("connecting to redis: %w", err)
		}
		if err := store.Initialize(ctx); err != nil {
			store.Close()
			return nil, nil, fmt.Errorf("initializing redis storage: %w", err)
		}
		return store, store, nil

	default:
		return nil, nil, fmt.Errorf("unknown storage type %q", cfg.StorageType)
	}
}

func redisConfig(cfg *config.Config) redisstore.Config {
	rcfg := redisstore.DefaultConfig()
	rcfg.Addr = cfg.RedisAddr
	rcfg.Password = cfg.RedisPassword
	rcfg.DB = cfg.RedisDB
	rcfg.SentinelEnabled = cfg.SentinelEnabled
	rcfg.SentinelAddrs = cfg.SentinelAddrs
	rcfg.SentinelMaster = cfg.SentinelMaster
	rcfg.PrefixVariants = cfg.PrefixVariants
	rcfg.MigrationEnabled = cfg.PrefixMigration
	if cfg.RedisKeyPrefix != "" {
		rcfg.KeyPrefix = cfg.RedisKeyPrefix
	}
	return rcfg
}

// busClientConfig is redisConfig without the prefix machinery; pub/sub
// channels are not keyspace keys.
func busClientConfig(cfg *config.Config) redisstore.Config {
	rcfg := redisConfig(cfg)
	rcfg.PrefixVariants = nil
	return rcfg
}

// startSchedule runs the periodic maintenance jobs: an hourly cleanup
// sweep over every cache type and, when enabled, a six-hourly session
// snapshot.
func startSchedule(ctx context.Context, store storage.Adapter, mgr *session.Manager, snapshot bool, m *metrics.CoreMetrics, log logr.Logger) *cron.Cron {
	sched := cron.New()

	sched.Schedule(cron.Every(time.Hour), cron.FuncJob(func() {
		for _, ct := range storage.AllTypes {
			res, err := store.Cleanup(ctx, ct)
			if err != nil {
				log.V(1).Info("cleanup failed", "cacheType", ct, "error", err.Error())
				continue
			}
			if res.Deleted > 0 {
				log.V(1).Info("cleanup sweep",
					"cacheType", ct, "deleted", res.Deleted, "bytesFreed", res.BytesFreed)
				m.RecordEvictions(string(ct), res.Deleted)
			}
		}
	}))

	if snapshot {
		sched.Schedule(cron.Every(6*time.Hour), cron.FuncJob(func() {
			if err := mgr.SaveSnapshot(ctx); err != nil {
				log.Error(err, "scheduled snapshot failed")
			}
		}))
	}

	sched.Start()
	return sched
}

func newHealthServer(addr string, store storage.Adapter) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		hctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := store.HealthCheck(hctx); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	// The server only starts after WaitUntilReady returns.
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	return &http.Server{Addr: addr, Handler: mux}
}

// startHTTPServer starts an HTTP server in a background goroutine.
func startHTTPServer(log logr.Logger, name, addr string, srv *http.Server) {
	go func() {
		log.Info("starting server", "server", name, "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error(err, "server error", "server", name)
		}
	}()
}
