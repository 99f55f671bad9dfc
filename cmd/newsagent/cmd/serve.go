package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/lotfb86/NewLetterAgent/internal/api"
	"github.com/lotfb86/NewLetterAgent/internal/orchestrator"
	"github.com/lotfb86/NewLetterAgent/internal/scheduler"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the agent as a long-lived service",
	Long: `Run the orchestrator as a service: reconcile interrupted runs, expose the
operator HTTP API, fire the weekly schedule, and keep the active run's lock
lease renewed while it waits for review.

Examples:
  # Serve on the configured address
  newsagent serve

  # Serve on a custom address
  newsagent serve --addr 0.0.0.0:9000`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveAddr, "addr", "",
		"listen address (overrides server.addr)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	a, err := buildApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.orch.Reconcile(ctx); err != nil {
		return fmt.Errorf("reconciling interrupted runs: %w", err)
	}

	addr := a.cfg.Server.Addr
	if serveAddr != "" {
		addr = serveAddr
	}

	server := &http.Server{
		Addr:              addr,
		Handler:           api.NewServer(a.orch, a.store, a.cfg.Server.AllowedOrigins, a.log).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	sched, err := scheduler.New(a.orch, a.cfg.Schedule, a.log)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.log.Info("http server listening", "addr", addr)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		err := sched.Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	// Lease renewal keeps a run suspended at draft_ready from being reclaimed
	// while the service is alive.
	g.Go(func() error {
		interval := a.cfg.Run.LeaseDuration / 3
		if interval < time.Minute {
			interval = time.Minute
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if err := a.orch.RenewActiveLease(ctx); err != nil {
					a.log.Warn("lease renewal failed", "error", err)
				}
			}
		}
	})

	if a.cfg.Heartbeat.Enabled {
		g.Go(func() error {
			ticker := time.NewTicker(a.cfg.Heartbeat.Interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					st, err := a.orch.Status(ctx)
					if err != nil {
						a.log.Warn("heartbeat status failed", "error", err)
						continue
					}
					next := sched.NextRun(time.Now())
					a.log.Info("heartbeat",
						"active_run", activeRunID(st),
						"dead_letters", st.DeadLetters,
						"next_scheduled", next)
					if st.ActiveRun != nil {
						detail := "heartbeat: next scheduled run " + next.Format(time.RFC3339)
						if err := a.notifier.PostStatus(ctx, st.ActiveRun.RunID, st.ActiveRun.Stage, detail); err != nil {
							a.log.Debug("heartbeat post failed", "error", err)
						}
					}
				}
			}
		})
	}

	g.Go(func() error {
		return watchConfig(ctx, a)
	})

	err = g.Wait()
	a.log.Info("service stopped")
	return err
}

// watchConfig logs when the config file changes so the operator knows a
// restart is needed to apply it. Run-shaping settings are read once at start;
// hot-swapping them mid-run would change lifecycle rules underneath a run.
func watchConfig(ctx context.Context, a *app) error {
	path := cfgFile
	if path == "" {
		path = ".newsagent.yaml"
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(path)); err != nil {
		a.log.Debug("config watch unavailable", "path", path, "error", err)
		<-ctx.Done()
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) == filepath.Clean(path) &&
				ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				a.log.Warn("config file changed; restart to apply", "path", ev.Name)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			a.log.Debug("config watch error", "error", err)
		}
	}
}

func activeRunID(st *orchestrator.Status) string {
	if st.ActiveRun == nil {
		return ""
	}
	return string(st.ActiveRun.RunID)
}
