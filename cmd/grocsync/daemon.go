package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/adamsuskin/grocery-sub002/internal/conflict"
	"github.com/adamsuskin/grocery-sub002/internal/dashboard"
	"github.com/adamsuskin/grocery-sub002/internal/queue"
	"github.com/adamsuskin/grocery-sub002/internal/remote"
	"github.com/adamsuskin/grocery-sub002/internal/spool"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the queue daemon",
	Long: `Run the grocsync daemon in the foreground.

The daemon:
  1. Loads the persisted queue and recovers interrupted work
  2. Watches the spool directory for mutations from UI processes
  3. Dispatches mutations to the list server, retrying with backoff
  4. Serves the WebSocket dashboard (if enabled)

Stop with Ctrl-C; the queue is flushed before exit.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger := newDaemonLogger(cfg)

		st, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		client, err := remote.NewClient(remote.Config{
			BaseURL: cfg.Remote.URL,
			Token:   cfg.Remote.Token,
			Timeout: cfg.Remote.Timeout,
		})
		if err != nil {
			return err
		}

		mgr := queue.New(st, client, &queue.Config{
			MaxRetries:     cfg.Queue.MaxRetries,
			InitialBackoff: cfg.Queue.InitialBackoff,
			MaxBackoff:     cfg.Queue.MaxBackoff,
			MaxParallel:    cfg.Queue.MaxParallel,
			Logger:         logger,
		})

		var dash *dashboard.Server
		if cfg.Dashboard.Enabled {
			dash = dashboard.NewServer(&dashboard.Config{
				Port:   cfg.Dashboard.Port,
				Logger: logger,
			})
			if err := dash.Start(); err != nil {
				return err
			}
			defer dash.Stop()
			mgr.OnChange(dashboard.NewHandler(dash, logger).OnSnapshot)
		}

		mgr.OnResolutionNeeded(func(req *conflict.Request) {
			if req.Conflict != nil {
				logger.Printf("Manual resolution needed for %s; run 'grocsync resolve' after stopping the daemon", req.Conflict.Remote.ID)
				return
			}
			logger.Printf("Manual resolution needed; run 'grocsync resolve' after stopping the daemon")
		})

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := mgr.Start(ctx); err != nil {
			return err
		}
		defer mgr.Stop()

		watcher, err := spool.New(cfg.SpoolDir(), mgr, &spool.Config{Logger: logger})
		if err != nil {
			return err
		}
		if err := watcher.Start(); err != nil {
			return err
		}
		defer watcher.Stop()

		go probeConnectivity(ctx, client, mgr)

		logger.Printf("Daemon running (data dir: %s)", cfg.DataDir)
		<-ctx.Done()
		logger.Printf("Shutting down")
		return nil
	},
}

// probeConnectivity pings the authority periodically and feeds the result
// into the manager, so the queue resumes without waiting for backoff.
func probeConnectivity(ctx context.Context, client *remote.Client, mgr *queue.Manager) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := client.Ping(pingCtx)
			cancel()
			if setErr := mgr.SetOnline(ctx, err == nil); setErr != nil {
				return
			}
		}
	}
}

func init() {
	rootCmd.AddCommand(daemonCmd)
}
