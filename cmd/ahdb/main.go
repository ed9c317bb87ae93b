// Command ahdb ingests auction-house snapshots of a region into per-shard
// market-value history files and exports them as a Lua data file.
//
//	ahdb [--config f] [--db_path d] [--export_path p] [--compress_db]
//	     [--export_mode full|latest] [--serve addr] <region>
//
// Without --serve it runs one cycle over every shard of the region, writes
// the export and exits. With --serve it exposes the HTTP API instead.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/atmx/market-history/internal/blizzard"
	"github.com/atmx/market-history/internal/cache"
	"github.com/atmx/market-history/internal/config"
	"github.com/atmx/market-history/internal/logger"
	"github.com/atmx/market-history/internal/marketvalue"
	"github.com/atmx/market-history/internal/metrics"
	"github.com/atmx/market-history/internal/publish"
	"github.com/atmx/market-history/internal/server"
	"github.com/atmx/market-history/internal/store"
	"github.com/atmx/market-history/internal/task"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	if err := run(); err != nil {
		log.WithError(err).Error("ahdb failed")
		os.Exit(1)
	}
}

func run() error {
	log := logger.GetLogger()

	configPath := flag.String("config", "", "Path to YAML configuration file")
	dbPath := flag.String("db_path", "", "Directory holding the shard store files")
	exportPath := flag.String("export_path", "", "Export file; {region} is replaced, .xlsx writes a spreadsheet")
	compressDB := flag.Bool("compress_db", false, "Store shard files gzip-compressed")
	exportMode := flag.String("export_mode", "", "Export mode: full or latest")
	serveAddr := flag.String("serve", "", "Serve the HTTP API on this address instead of running one cycle")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] <region>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if flag.NArg() > 1 {
		flag.Usage()
		return errors.New("expected a single region argument")
	}
	if flag.NArg() == 1 {
		cfg.Region = flag.Arg(0)
	}
	if *dbPath != "" {
		cfg.Store.Dir = *dbPath
	}
	if *exportPath != "" {
		cfg.Export.Path = *exportPath
	}
	if *compressDB {
		cfg.Store.Codec = store.CodecGzip.String()
	}
	if *exportMode != "" {
		cfg.Export.Mode = *exportMode
	}
	if *serveAddr != "" {
		cfg.Server.Addr = *serveAddr
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		return fmt.Errorf("configure logger: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	// --- Snapshot source ---
	var c cache.Cache = cache.NewMemory(nil)
	if cfg.Cache.RedisURL != "" {
		rc, err := cache.NewRedisFromURL(ctx, cfg.Cache.RedisURL, cfg.Cache.Prefix)
		if err != nil {
			return err
		}
		cleanup = append(cleanup, func() { rc.Close() })
		c = rc
		log.Info("Redis cache enabled")
	}
	source := blizzard.New(blizzard.Config{
		ClientID:          cfg.Source.ClientID,
		ClientSecret:      cfg.Source.ClientSecret,
		OAuthURL:          cfg.Source.OAuthURL,
		APIBaseURL:        cfg.Source.APIBaseURL,
		Locale:            cfg.Source.Locale,
		RequestsPerSecond: cfg.Source.RequestsPerSecond,
		Timeout:           cfg.Source.Timeout,
		Retries:           cfg.Source.Retries,
	}, c)

	// --- Mirror ---
	var mirror store.Mirror
	if cfg.Mirror.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.Mirror.DatabaseURL)
		if err != nil {
			return fmt.Errorf("database connection failed: %w", err)
		}
		cleanup = append(cleanup, pool.Close)
		if err := pool.Ping(ctx); err != nil {
			return fmt.Errorf("database ping failed: %w", err)
		}
		pm := store.NewPostgresMirror(pool)
		if err := pm.EnsureSchema(ctx); err != nil {
			return err
		}
		mirror = pm
		log.Info("PostgreSQL mirror enabled")
	}

	// --- Task manager ---
	codec, _ := cfg.Codec()
	mode, _ := cfg.ExportMode()
	opts, _ := cfg.ReducerOptions()
	reducer, err := marketvalue.NewReducer(opts)
	if err != nil {
		return err
	}
	mgr := task.NewManager(task.Options{
		DBDir:       cfg.Store.Dir,
		Codec:       codec,
		Retention:   cfg.Store.Retention,
		Concurrency: cfg.Concurrency,
		Reducer:     reducer,
	}, source, mirror)

	// --- Publisher ---
	var publisher server.Publisher
	if cfg.S3.Enabled {
		p, err := publish.NewS3Publisher(ctx, publish.S3Config{
			Bucket:          cfg.S3.Bucket,
			Region:          cfg.S3.Region,
			Prefix:          cfg.S3.Prefix,
			Endpoint:        cfg.S3.Endpoint,
			PathStyle:       cfg.S3.PathStyle,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
		})
		if err != nil {
			return err
		}
		publisher = p
	}

	log.WithFields(logger.Fields{
		"region": cfg.Region,
		"db_dir": cfg.Store.Dir,
		"codec":  codec.String(),
		"export": cfg.Export.Path,
		"mode":   mode,
	}).Info("starting ahdb")

	if cfg.Server.Addr != "" {
		svcCfg := server.Config{Regions: cfg.ServedRegions(), ExportPath: cfg.Export.Path, ExportMode: mode}
		return serve(ctx, cfg, mgr, publisher, svcCfg)
	}

	// --- One-shot cycle ---
	defer pushMetrics(cfg)
	start := time.Now()
	results, err := mgr.RunRegion(ctx, cfg.Region)
	if err != nil {
		return err
	}
	appended := 0
	for _, r := range results {
		appended += r.Appended
	}
	logger.LogDuration(log.WithComponent("main"), "region cycle", time.Since(start), logger.Fields{
		"region":   cfg.Region,
		"shards":   len(results),
		"appended": appended,
	})

	exportFile := cfg.ExportPath(cfg.Region)
	if _, err := mgr.Export(ctx, cfg.Region, exportFile, mode); err != nil {
		return err
	}
	if publisher != nil {
		if _, err := publisher.Publish(ctx, cfg.Region, exportFile); err != nil {
			return err
		}
	}
	return nil
}

func serve(ctx context.Context, cfg *config.Config, mgr *task.Manager, publisher server.Publisher, svcCfg server.Config) error {
	log := logger.GetLogger().WithComponent("main")

	hub := server.NewWSHub()
	go hub.Run()
	defer hub.Close()

	svc := server.NewService(mgr, publisher, hub, svcCfg)
	srv := &http.Server{
		Addr:        cfg.Server.Addr,
		Handler:     server.Router(svc, hub, cfg.Server.ReadTimeout),
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithFields(logger.Fields{"addr": cfg.Server.Addr}).Info("ahdb listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	log.Info("shutting down ahdb...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func pushMetrics(cfg *config.Config) {
	if cfg.Metrics.PushgatewayURL == "" {
		return
	}
	if err := metrics.Push(cfg.Metrics.PushgatewayURL, cfg.Metrics.Job, cfg.Region); err != nil {
		logger.GetLogger().WithComponent("main").WithError(err).Warn("metrics push failed")
	}
}
