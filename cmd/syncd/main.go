// Command syncd runs the Tradebook offline-first sync daemon: the local
// entity cache, the pending-mutation queue, connectivity probing, the sync
// manager that drains the queue, and a localhost WebSocket status feed.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/mhartley/tradebook/internal/cache"
	"github.com/mhartley/tradebook/internal/config"
	"github.com/mhartley/tradebook/internal/connectivity"
	"github.com/mhartley/tradebook/internal/db"
	"github.com/mhartley/tradebook/internal/logging"
	"github.com/mhartley/tradebook/internal/orchestrator"
	"github.com/mhartley/tradebook/internal/queue"
	"github.com/mhartley/tradebook/internal/remote"
	"github.com/mhartley/tradebook/internal/syncer"
)

// Version is set at build time.
var Version = "0.1.0"

func main() {
	var configPath string

	root := &cobra.Command{
		Use:     "syncd",
		Short:   "Tradebook offline-first sync daemon",
		Version: Version,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return run(cfg)
		},
	}
	root.Flags().StringVarP(&configPath, "config", "c", "", "path to config file")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	initLogging(cfg)

	database, err := db.Open(cfg.DataDir)
	if err != nil {
		return err
	}
	defer database.Close()
	if err := database.InitSchema(); err != nil {
		return err
	}

	entityCache := cache.New(database)
	mutationQueue := queue.New(database)

	registry, err := remote.NewHTTPRegistry(cfg.BackendURL, nil)
	if err != nil {
		return err
	}

	monitor := connectivity.NewProbeMonitor(cfg.ProbeURL, cfg.ProbeInterval, nil)

	manager, err := syncer.New(syncer.Config{
		Registry:   registry,
		Cache:      entityCache,
		Queue:      mutationQueue,
		Monitor:    monitor,
		RetryDelay: cfg.RetryDelay,
	})
	if err != nil {
		return err
	}
	defer manager.Destroy()

	orch, err := orchestrator.New(orchestrator.Config{
		Registry: registry,
		Cache:    entityCache,
		Queue:    mutationQueue,
		Manager:  manager,
		Monitor:  monitor,
	})
	if err != nil {
		return err
	}
	defer orch.Close()

	hub := NewStatusHub(cfg.ListenAddr)
	unsubscribe := manager.Subscribe(hub.OnSyncState)
	defer unsubscribe()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	monitor.Start(ctx)
	defer monitor.Stop()

	// Startup read: populate the working set, from cache when offline
	if err := orch.RefreshAll(ctx); err != nil {
		logging.Warn("Initial load incomplete", map[string]interface{}{"error": err.Error()})
	}

	// Periodic cross-device refresh
	scheduler := cron.New()
	if _, err := scheduler.AddFunc(cfg.RefreshSchedule, func() {
		if err := orch.RefreshAll(ctx); err != nil {
			logging.Warn("Scheduled refresh failed", map[string]interface{}{"error": err.Error()})
		}
	}); err != nil {
		return fmt.Errorf("invalid refresh schedule %q: %w", cfg.RefreshSchedule, err)
	}
	scheduler.Start()
	defer scheduler.Stop()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", HandleStatusWS(hub, manager))
	mux.HandleFunc("/foreground", func(w http.ResponseWriter, r *http.Request) {
		// The UI shell posts here when the window regains focus
		if err := orch.Foregrounded(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	server := &http.Server{Addr: cfg.ListenAddr, Handler: mux}
	go func() {
		logging.Info("Status feed listening", map[string]interface{}{"addr": cfg.ListenAddr})
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error("Status server failed", err, nil)
		}
	}()

	<-ctx.Done()
	logging.Info("Shutting down", nil)
	return server.Close()
}

func initLogging(cfg *config.Config) {
	level := logging.LogLevel(strings.ToUpper(cfg.LogLevel))
	switch level {
	case logging.LevelDebug, logging.LevelInfo, logging.LevelWarn, logging.LevelError:
	default:
		level = logging.LevelInfo
	}

	if cfg.LogFile != "" {
		logging.Init(&lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    20, // megabytes
			MaxBackups: 3,
			MaxAge:     14, // days
		}, level)
		return
	}
	logging.Init(os.Stdout, level)
}
