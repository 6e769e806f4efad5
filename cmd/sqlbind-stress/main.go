// Command sqlbind-stress runs concurrent persist/find/update/erase
// transactions through a pooled database and reports pool statistics.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"

	"github.com/tomyedwab/sqlbind/config"
	"github.com/tomyedwab/sqlbind/database"
	"github.com/tomyedwab/sqlbind/metrics"
	"github.com/tomyedwab/sqlbind/sqlproxy/driver"
	"github.com/tomyedwab/sqlbind/sqlproxy/host"
)

type runOptions struct {
	workers    int
	iterations int
	payload    int
}

// parseArgs loads the config file named by --config, if any, and applies
// the flags that were set on top of it.
func parseArgs(args []string) (*config.Config, runOptions, error) {
	var opts runOptions
	flagSet := pflag.NewFlagSet("sqlbind-stress", pflag.ContinueOnError)
	configPath := flagSet.String("config", "", "Path to a YAML config file")
	driverFlag := flagSet.String("driver", "", "Database driver (sqlite3, postgres, sqlproxy)")
	dsnFlag := flagSet.String("dsn", "", "Data source name")
	maxFlag := flagSet.Int("max", 0, "Maximum pooled connections, 0 for unbounded")
	minFlag := flagSet.Int("min", 0, "Minimum pooled connections")
	pingFlag := flagSet.Bool("ping", true, "Ping idle connections before handing them out")
	acquireTimeout := flagSet.Duration("acquire-timeout", 0, "Give up waiting for a pooled connection after this long, 0 to wait forever")
	metricsAddr := flagSet.String("metrics-addr", "", "Serve Prometheus metrics on this address")
	flagSet.IntVarP(&opts.workers, "workers", "w", 8, "Number of concurrent workers")
	flagSet.IntVarP(&opts.iterations, "iterations", "n", 100, "Transactions per worker")
	flagSet.IntVar(&opts.payload, "payload", 64, "Largest blob payload in bytes")
	if err := flagSet.Parse(args); err != nil {
		return nil, opts, err
	}

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.LoadFile(*configPath)
		if err != nil {
			return nil, opts, err
		}
		cfg = loaded
	}
	if flagSet.Changed("driver") {
		cfg.Driver = *driverFlag
	}
	if flagSet.Changed("dsn") {
		cfg.DSN = *dsnFlag
	}
	if flagSet.Changed("max") {
		cfg.Pool.MaxConnections = *maxFlag
	}
	if flagSet.Changed("min") {
		cfg.Pool.MinConnections = *minFlag
	}
	if flagSet.Changed("ping") {
		cfg.Pool.Ping = *pingFlag
	}
	if flagSet.Changed("acquire-timeout") {
		cfg.Pool.AcquireTimeout = *acquireTimeout
	}
	if flagSet.Changed("metrics-addr") {
		cfg.MetricsAddr = *metricsAddr
	}
	if err := cfg.Validate(); err != nil {
		return nil, opts, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, opts, nil
}

func main() {
	cfg, opts, err := parseArgs(os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logWriter := cfg.LogWriter()
	defer logWriter.Close()
	logger := slog.New(slog.NewJSONHandler(logWriter, &slog.HandlerOptions{Level: cfg.Level()}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger, opts.workers, opts.iterations, opts.payload); err != nil {
		logger.Error("stress run failed", "error", err)
		logWriter.Close()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger, workers, iterations, payload int) error {
	driverName := cfg.Driver
	if driverName == "sqlproxy" {
		// The proxy forwards to an in-process host serving the DSN with
		// the sqlite3 driver.
		backing, err := sql.Open("sqlite3", cfg.DSN)
		if err != nil {
			return fmt.Errorf("opening proxy backing database: %w", err)
		}
		defer backing.Close()
		h := host.NewSQLHost(backing, "sqlite3", logger)
		driver.SetHostHandler(h.HandleRequest)
	}

	pool, err := database.NewPoolFactory(cfg.PoolFactoryConfig())
	if err != nil {
		return err
	}
	db, err := database.Open(ctx, database.Config{
		DriverName: driverName,
		DSN:        cfg.DSN,
		Factory:    pool,
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.Warn("error closing database", "error", err)
		}
	}()

	if err := createSchema(ctx, db, cfg.Driver); err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	if err := reg.Register(metrics.NewPoolCollector("sqlbind", pool)); err != nil {
		return err
	}
	outcomes, err := metrics.NewOutcomes("sqlbind", reg)
	if err != nil {
		return err
	}
	if cfg.MetricsAddr != "" {
		srv := &http.Server{
			Addr:    cfg.MetricsAddr,
			Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", "error", err)
			}
		}()
		defer srv.Close()
		logger.Info("serving metrics", "addr", cfg.MetricsAddr)
	}

	start := time.Now()
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for i := 0; i < iterations && ctx.Err() == nil; i++ {
				key := int64(worker)*1_000_000 + int64(i)
				runWidget(ctx, db, logger, outcomes, key, payload)
			}
		}(w)
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	for running := true; running; {
		select {
		case <-done:
			running = false
		case <-ticker.C:
			logStats(logger, pool)
		}
	}

	logger.Info("stress run finished",
		"elapsed", time.Since(start).String(),
		"committed", outcomes.Count("committed"),
		"duplicates", outcomes.Count("duplicate"),
		"deadlocks", outcomes.Count("deadlock"),
		"failed", outcomes.Count("failed"),
	)
	logStats(logger, pool)
	return nil
}

func createSchema(ctx context.Context, db *database.Database, driverName string) error {
	conn, err := db.Connection(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()
	if _, err := conn.Exec(ctx, widgetSchema(driverName)); err != nil {
		return fmt.Errorf("creating widget table: %w", err)
	}
	return nil
}

// runWidget retries one widget's transaction while it keeps losing
// deadlocks.
func runWidget(ctx context.Context, db *database.Database, logger *slog.Logger, outcomes *metrics.Outcomes, key int64, payload int) {
	for attempt := 0; attempt < 5; attempt++ {
		err := widgetTransaction(ctx, db, key, payload)
		switch {
		case err == nil:
			outcomes.Inc("committed")
			return
		case errors.Is(err, database.ErrAlreadyPersistent):
			outcomes.Inc("duplicate")
			return
		case errors.Is(err, database.ErrDeadlock):
			outcomes.Inc("deadlock")
			time.Sleep(time.Duration(attempt+1) * 10 * time.Millisecond)
		default:
			outcomes.Inc("failed")
			logger.Warn("widget transaction failed", "key", key, "error", err)
			return
		}
	}
	outcomes.Inc("failed")
}

func widgetTransaction(ctx context.Context, db *database.Database, key int64, payload int) error {
	tx, err := db.Begin(ctx)
	if err != nil {
		return err
	}
	if err := widgetWork(ctx, tx.Connection(), key, payload); err != nil {
		tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

func widgetWork(ctx context.Context, conn *database.Connection, key int64, payload int) error {
	objs, w, err := widgets(conn)
	if err != nil {
		return err
	}

	data := make([]byte, int(key%int64(payload+1)))
	for i := range data {
		data[i] = byte(key + int64(i))
	}

	w.id = key
	w.name = fmt.Sprintf("widget-%d", key)
	w.setData(data)
	if err := objs.Persist(ctx); err != nil {
		return err
	}

	w.key = key
	found, err := objs.Find(ctx)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("widget %d vanished after persist", key)
	}
	if w.dataLen != len(data) {
		return fmt.Errorf("widget %d: read back %d bytes, wrote %d", key, w.dataLen, len(data))
	}

	w.name += "-updated"
	if err := objs.Update(ctx); err != nil {
		return err
	}

	if key%2 == 0 {
		return objs.Erase(ctx)
	}
	return nil
}

func logStats(logger *slog.Logger, pool *database.PoolFactory) {
	s := pool.Stats()
	logger.Info("pool stats",
		"in_use", s.InUse,
		"idle", s.Idle,
		"waiters", s.Waiters,
		"max", s.MaxConnections,
		"min", s.MinConnections,
	)
}
