package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/mevdschee/tqdbsync/admission"
	"github.com/mevdschee/tqdbsync/cache"
	"github.com/mevdschee/tqdbsync/config"
	"github.com/mevdschee/tqdbsync/configchange"
	"github.com/mevdschee/tqdbsync/conflict"
	"github.com/mevdschee/tqdbsync/dialect"
	_ "github.com/mevdschee/tqdbsync/dialect/mssql"
	_ "github.com/mevdschee/tqdbsync/dialect/mysql"
	_ "github.com/mevdschee/tqdbsync/dialect/postgres"
	_ "github.com/mevdschee/tqdbsync/dialect/sqlite"
	"github.com/mevdschee/tqdbsync/health"
	"github.com/mevdschee/tqdbsync/loader"
	"github.com/mevdschee/tqdbsync/logging"
	"github.com/mevdschee/tqdbsync/metrics"
	"github.com/mevdschee/tqdbsync/processor"
	"github.com/mevdschee/tqdbsync/reader"
	"github.com/mevdschee/tqdbsync/schema"
	"github.com/mevdschee/tqdbsync/server"
	"github.com/mevdschee/tqdbsync/writer"
)

// node holds everything a load needs; it is rebuilt partially on SIGHUP
type node struct {
	configPath string
	cfg        *config.Config
	dialect    dialect.Dialect
	db         *sql.DB
	tables     *cache.Cache[*schema.Table]
	conflicts  *conflict.Store
	caches     *cache.Registry
	admission  *admission.Manager
	monitor    *health.Monitor
	log        zerolog.Logger
}

func main() {
	configPath := flag.String("config", "config.ini", "Path to configuration file")
	sourceNode := flag.String("node", "", "Source node id used for connection admission")
	pool := flag.String("pool", "push", "Admission pool for loads")
	dryRun := flag.Bool("dry-run", false, "Forward batches to stdout instead of loading them")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid config:\n%v\n", err)
		os.Exit(1)
	}
	logging.Setup(cfg.Log.Level, cfg.Log.Format, nil)
	log := logging.New("main")

	if *dryRun {
		for _, name := range flag.Args() {
			if err := forward(context.Background(), name, cfg.Node.ID, os.Stdout); err != nil {
				log.Fatal().Err(err).Str("file", name).Msg("Forward failed")
			}
		}
		return
	}

	metrics.Init()

	db, d, err := dialect.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.Database.Driver).Msg("Failed to open database")
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)

	tables, err := cache.New[*schema.Table](cfg.Loader.MetadataCacheSize, cfg.Loader.MetadataCacheTTL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create metadata cache")
	}
	defer tables.Close()

	conflicts, err := conflict.NewStore(db, d, cfg.Node.TablePrefix, cfg.Node.Group, cfg.Loader.MetadataCacheTTL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create conflict settings cache")
	}
	defer conflicts.Close()

	n := &node{
		configPath: *configPath,
		cfg:        cfg,
		dialect:    d,
		db:         db,
		tables:     tables,
		conflicts:  conflicts,
		caches:     cache.NewRegistry(),
		admission:  admission.NewManager(poolConfigs(cfg.Pools)),
		monitor:    health.NewMonitor(map[string]health.Pinger{"target": db}, 2*time.Second),
		log:        log,
	}
	n.caches.Register("tables", tables)
	n.caches.Register(configchange.CacheConflicts, conflicts)
	n.admission.SetWhitelist(cfg.Whitelist)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if files := flag.Args(); len(files) > 0 {
		failed := false
		for _, name := range files {
			if err := n.load(ctx, name, *sourceNode, *pool); err != nil {
				log.Error().Err(err).Str("file", name).Msg("Load failed")
				failed = true
			}
		}
		if failed {
			os.Exit(1)
		}
		return
	}

	go n.monitor.StartHealthChecks(ctx, 10*time.Second)

	srv := server.New(n.admission, n.caches, n.monitor)
	go func() {
		if err := srv.Start(cfg.HTTP.Listen); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Admin server error")
		}
	}()

	log.Info().Str("node_id", cfg.Node.ID).Str("driver", d.Name()).
		Msg("TQDBSync started. Press Ctrl+C to stop. Send SIGHUP to reload config.")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for {
		sig := <-sigChan
		switch sig {
		case syscall.SIGHUP:
			log.Info().Msg("Received SIGHUP, reloading configuration...")
			if err := n.reload(); err != nil {
				log.Error().Err(err).Msg("Failed to reload config")
				continue
			}
			log.Info().Int("pools", len(n.cfg.Pools)).Msg("Configuration reloaded successfully")

		case syscall.SIGINT, syscall.SIGTERM:
			log.Info().Msg("Shutting down...")
			shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Error().Err(err).Msg("Admin server shutdown")
			}
			stop()
			return
		}
	}
}

// reload rereads the config file and applies what can change at runtime
func (n *node) reload() error {
	cfg, err := config.Load(n.configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	n.admission.SetPools(poolConfigs(cfg.Pools))
	n.admission.SetWhitelist(cfg.Whitelist)
	logging.Setup(cfg.Log.Level, cfg.Log.Format, nil)
	n.cfg = cfg
	return nil
}

// load applies one batch file under a soft reservation in pool
func (n *node) load(ctx context.Context, name, sourceNode, pool string) error {
	if sourceNode == "" {
		sourceNode = n.cfg.Node.ID
	}
	if !n.admission.ReserveConnection(sourceNode, pool, admission.Soft) {
		n.log.Warn().Str("file", name).Str("pool", pool).Str("node_id", sourceNode).Msg("Pool busy, skipping")
		return nil
	}
	defer n.admission.ReleaseConnection(sourceNode, pool)

	r, err := open(name)
	if err != nil {
		return err
	}

	w := writer.NewDatabaseWriter(n.db, n.dialect, settings(n.cfg.Loader),
		writer.WithMetadataCache(n.tables), writer.WithConflicts(n.conflicts))
	changes := configchange.New(n.cfg.Node.TablePrefix, configchange.Actions{
		SyncTriggers: func(ctx context.Context, ids []string) error {
			n.log.Info().Strs("triggers", ids).Msg("Trigger resync requested")
			return nil
		},
		SyncAllTriggers: func(ctx context.Context) error {
			n.log.Info().Msg("Full trigger resync requested")
			return nil
		},
		RestartJobs: func(ctx context.Context) error {
			n.log.Info().Msg("Job restart requested")
			return nil
		},
		RereadParameters: func(ctx context.Context) error {
			return n.reload()
		},
		Caches: n.caches,
	})

	l := loader.Open(r, w, loader.WithFilters(changes))
	defer l.Close()

	for {
		ok, err := l.HasNext(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if !n.admission.ReserveConnection(sourceNode, pool, admission.Soft) {
			return fmt.Errorf("reservation in pool %s lost", pool)
		}
		if err := l.Load(ctx); err != nil {
			return err
		}
	}
}

// forward copies the batches in name to out through the protocol writer
func forward(ctx context.Context, name, nodeID string, out io.Writer) error {
	r, err := open(name)
	if err != nil {
		return err
	}
	defer r.Close()

	p := processor.New(reader.New(r), writer.NewProtocolWriter(out, nodeID))
	_, err = p.Process(ctx)
	return err
}

func open(name string) (io.ReadCloser, error) {
	if name == "-" {
		return io.NopCloser(os.Stdin), nil
	}
	return os.Open(name)
}

func settings(c config.LoaderConfig) writer.Settings {
	return writer.Settings{
		FallbackToUpdate:        c.FallbackToUpdate,
		FallbackToInsert:        c.FallbackToInsert,
		AllowMissingDelete:      c.AllowMissingDelete,
		FallbackAnyInsertError:  c.FallbackAnyInsertError,
		UseOldDataForUpdate:     c.UseOldDataForUpdate,
		DontIncludeKeysInUpdate: c.DontIncludeKeysInUpdate,
		IgnoreMissingTables:     c.IgnoreMissingTables,
	}
}

func poolConfigs(pools map[string]config.PoolConfig) map[string]admission.PoolConfig {
	out := make(map[string]admission.PoolConfig, len(pools))
	for name, p := range pools {
		out[name] = admission.PoolConfig{MaxSize: p.MaxSize, ReservationTimeout: p.ReservationTimeout}
	}
	return out
}
