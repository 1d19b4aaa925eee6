// Command sluice runs the database-queue middleware: it connects a lead
// queue to every configured database, applies pending schema migrations
// where auto-migration is enabled, and keeps connections healthy until
// the process is told to stop.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/koustreak/Sluice/internal/config"
	"github.com/koustreak/Sluice/internal/dbqueue"
	"github.com/koustreak/Sluice/internal/engine"
	"github.com/koustreak/Sluice/internal/engine/db2"
	"github.com/koustreak/Sluice/internal/engine/mysql"
	"github.com/koustreak/Sluice/internal/engine/postgres"
	"github.com/koustreak/Sluice/internal/engine/sqlite"
	"github.com/koustreak/Sluice/internal/logger"
	"github.com/koustreak/Sluice/internal/migrations"
	"github.com/koustreak/Sluice/internal/pending"
)

func main() {
	configPath := flag.String("config", "sluice.yaml", "path to the configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("cannot load configuration: " + err.Error())
		os.Exit(1)
	}

	log := logger.New(&logger.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	logger.SetGlobal(log)

	if err := run(cfg, log); err != nil {
		log.ErrorWith("sluice exited with error", err, nil)
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *logger.Logger) error {
	registry := engine.NewRegistry()
	for _, e := range []engine.Engine{postgres.New(), mysql.New(), sqlite.New(), db2.New()} {
		if err := registry.Register(e); err != nil {
			return err
		}
	}

	pm := pending.NewManager()
	defer pm.Close()

	manager := dbqueue.NewManager(pm, log)
	ctx := context.Background()

	for _, db := range cfg.Databases {
		if err := startDatabase(ctx, cfg, db, registry, manager, log); err != nil {
			log.ErrorWith("database failed to start", err, map[string]any{"database": db.Name})
			_ = manager.Shutdown(ctx)
			return err
		}
	}

	// Periodic sweep of abandoned pending results.
	sweepStop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-sweepStop:
				return
			case <-ticker.C:
				if removed := pm.CleanupExpired(); removed > 0 {
					log.Debugf("expired %d pending results", removed)
				}
			}
		}
	}()

	log.Infof("sluice running with %d database(s)", len(cfg.Databases))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Info("shutdown requested")
	close(sweepStop)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return manager.Shutdown(shutdownCtx)
}

func startDatabase(ctx context.Context, cfg *config.Config, db config.Database,
	registry *engine.Registry, manager *dbqueue.Manager, log *logger.Logger) error {

	eng, err := registry.ByName(db.Engine)
	if err != nil {
		return err
	}

	connCfg := &engine.ConnectionConfig{
		Host:               db.Host,
		Port:               db.Port,
		Database:           db.Database,
		Username:           db.Username,
		Password:           db.Password,
		StatementCacheSize: db.StatementCacheSize,
	}

	lead, err := dbqueue.NewLead(ctx, db.Name, eng, connCfg, manager.Pending(), log, dbqueue.Options{
		QueueDepth:        db.QueueDepth,
		MaxChildQueues:    db.MaxChildQueues,
		QueryTimeout:      db.QueryTimeout,
		HeartbeatInterval: db.HeartbeatInterval,
		BootstrapQuery:    db.BootstrapQuery,
	})
	if err != nil {
		return err
	}

	if err := manager.Add(lead); err != nil {
		_ = lead.Shutdown(ctx)
		return err
	}

	if err := lead.RunBootstrap(ctx); err != nil {
		return err
	}

	if db.Migrations != "" {
		src, err := migrations.NewSource(ctx, db.Migrations, cfg.ObjectStore)
		if err != nil {
			return err
		}
		if err := lead.LoadMigrations(ctx, src); err != nil {
			return err
		}
		if lead.AutoMigrationEnabled(cfg) {
			applied, err := lead.ApplyPending(ctx)
			if err != nil {
				return err
			}
			if applied > 0 {
				log.Infof("%s: applied %d migration(s)", db.Name, applied)
			}
		}
	}

	lead.StartHeartbeat()
	return nil
}
