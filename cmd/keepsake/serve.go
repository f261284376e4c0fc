package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/keepsake-dev/keepsake/internal/app"
	"github.com/keepsake-dev/keepsake/internal/event"
	"github.com/keepsake-dev/keepsake/internal/project"
	"github.com/keepsake-dev/keepsake/internal/server"
	"github.com/keepsake-dev/keepsake/internal/session"
	"github.com/keepsake-dev/keepsake/internal/store"
	_ "github.com/keepsake-dev/keepsake/internal/store/badgerstore"
	_ "github.com/keepsake-dev/keepsake/internal/store/gitstore"
	"github.com/keepsake-dev/keepsake/internal/watcher"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the capture daemon",
	Long: `Start the daemon: watch every registered project, capture edit
deltas, flush sessions as snapshots, and serve the HTTP API with the
WebSocket event feed.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("addr", "127.0.0.1:7690", "API listen address")
	serveCmd.Flags().Duration("debounce", watcher.DefaultDebounce, "quiet period before a changed file is read")
	serveCmd.Flags().Duration("inactivity", 30*time.Second, "flush a session after this long without edits")
	serveCmd.Flags().Int("max-deltas", 1000, "flush a session once it holds this many deltas")
	serveCmd.Flags().Duration("max-age", 10*time.Minute, "flush a session once it has been open this long")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	log := logger()

	registry, err := project.Open(filepath.Join(dataDir(), "registry.db"))
	if err != nil {
		return err
	}

	factory := store.NewFactory(dataDir())
	hub := event.NewHub(log)
	hub.Start()
	defer hub.Stop()

	mgr := watcher.NewManager(factory, hub, watcher.Config{
		Debounce: viper.GetDuration("debounce"),
		Policy: session.Policy{
			Inactivity: viper.GetDuration("inactivity"),
			MaxDeltas:  viper.GetInt("max-deltas"),
			MaxAge:     viper.GetDuration("max-age"),
		},
		Logger: log,
	})

	a := app.New(registry, factory, mgr, hub, log)

	// Every registered project comes back online at startup.
	if err := a.WatchAll(cmd.Context()); err != nil {
		return err
	}

	srv := server.New(a, hub, server.Config{
		Addr:   viper.GetString("addr"),
		Logger: log,
	})
	if err := srv.Start(); err != nil {
		_ = a.Close(context.Background())
		return err
	}

	log.Info("keepsake daemon started",
		"addr", srv.Addr(),
		"data_dir", dataDir())

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Stop(shutdownCtx); err != nil {
		log.Warn("api shutdown error", "error", err)
	}
	// Close flushes every open session before the stores go away.
	if err := a.Close(shutdownCtx); err != nil {
		log.Warn("shutdown flush error", "error", err)
	}

	log.Info("keepsake daemon stopped")
	return nil
}
