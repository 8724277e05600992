package worker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/alanjhayes/skynet-rc1/cli/cmd"
	"github.com/alanjhayes/skynet-rc1/engine/infra/monitoring"
	"github.com/alanjhayes/skynet-rc1/engine/knowledge/ingest"
	"github.com/alanjhayes/skynet-rc1/engine/knowledge/uc"
	"github.com/alanjhayes/skynet-rc1/pkg/config"
	"github.com/alanjhayes/skynet-rc1/pkg/logger"
)

const shutdownTimeout = 30 * time.Second

// NewWorkerCommand creates the worker command
func NewWorkerCommand() *cobra.Command {
	command := &cobra.Command{
		Use:   "worker",
		Short: "Run the background ingestion queue and refit scheduler",
		Long: `Run ingestion workers until interrupted.

With --watch the worker ingests every file under the directory that matches
--pattern, then re-ingests files as they change. With a refit schedule the
worker refits every model key on that cron expression. Edits to the
configuration file apply retrieval and ingestion settings without a restart.
With --metrics-addr the worker serves Prometheus metrics on that address.`,
		Args: cobra.NoArgs,
		RunE: func(c *cobra.Command, args []string) error {
			return cmd.ExecuteCommand(c, runWorker, args)
		},
	}
	command.Flags().String("watch", "", "Directory to ingest and watch for changes")
	command.Flags().StringSlice("pattern", []string{"**/*"}, "Doublestar patterns of watched files")
	command.Flags().String("schedule", "", "Refit cron schedule (defaults to vectorizer.refit_schedule)")
	command.Flags().String("metrics-addr", "", "Address to serve Prometheus metrics on, e.g. :9090")
	return command
}

func runWorker(ctx context.Context, c *cobra.Command, rt *uc.Runtime, _ []string) (any, error) {
	log := logger.FromContext(ctx)
	cfg := config.FromContext(ctx)
	tenant, err := cmd.Tenant(c)
	if err != nil {
		return nil, err
	}
	metricsAddr, _ := c.Flags().GetString("metrics-addr")
	if metricsAddr != "" {
		stop, err := serveMetrics(ctx, metricsAddr)
		if err != nil {
			return nil, err
		}
		defer stop()
	}
	manager := watchConfig(ctx, rt)
	defer func() {
		if err := manager.Close(ctx); err != nil {
			log.Warn("Failed to close configuration sources", "error", err)
		}
	}()
	queue := ingest.NewQueue(rt.Pipeline, cfg.Ingestion.Workers, cfg.Ingestion.QueueSize)
	queue.Start(ctx)
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := queue.Stop(stopCtx); err != nil {
			log.Warn("Ingestion queue did not drain", "error", err, "pending", queue.Pending())
		}
	}()

	schedule, _ := c.Flags().GetString("schedule")
	if schedule == "" {
		schedule = cfg.Vectorizer.RefitSchedule
	}
	if schedule != "" {
		scheduler, err := ingest.NewScheduler(rt.Pipeline, schedule)
		if err != nil {
			return nil, err
		}
		if err := scheduler.Start(ctx); err != nil {
			return nil, err
		}
		defer scheduler.Stop()
	}

	dir, _ := c.Flags().GetString("watch")
	if dir == "" {
		log.Info("Worker started", "workers", cfg.Ingestion.Workers)
		<-ctx.Done()
		return nil, nil
	}
	patterns, _ := c.Flags().GetStringSlice("pattern")
	w := &watcher{queue: queue, fs: afero.NewOsFs(), root: dir, tenant: tenant, patterns: patterns}
	if err := w.submit(ctx, patterns); err != nil {
		return nil, err
	}
	if err := w.run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return nil, err
	}
	return nil, nil
}

// serveMetrics installs a Prometheus-backed meter provider and serves it on addr.
func serveMetrics(ctx context.Context, addr string) (func(), error) {
	log := logger.FromContext(ctx)
	svc, err := monitoring.NewService(ctx, &monitoring.Config{Enabled: true, Path: monitoring.DefaultPath})
	if err != nil {
		return nil, err
	}
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}
	svc.SetAsGlobal()
	serveCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := svc.Serve(serveCtx, lis); err != nil {
			log.Error("Metrics server stopped", "error", err)
		}
	}()
	return func() {
		cancel()
		<-done
		stopCtx, stop := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer stop()
		if err := svc.Shutdown(stopCtx); err != nil {
			log.Warn("Failed to flush metrics", "error", err)
		}
	}, nil
}

// watchConfig applies configuration file changes to the running services.
func watchConfig(ctx context.Context, rt *uc.Runtime) *config.Manager {
	log := logger.FromContext(ctx)
	manager := config.ManagerFromContext(ctx)
	manager.OnChange(func(next *config.Config) {
		if err := rt.Apply(ctx, next); err != nil {
			log.Warn("Configuration change rejected", "error", err)
		}
	})
	manager.Watch(ctx)
	return manager
}

type watcher struct {
	queue    *ingest.Queue
	fs       afero.Fs
	root     string
	tenant   string
	patterns []string
}

func (w *watcher) submit(ctx context.Context, patterns []string) error {
	reqs, err := ingest.FileSources(ctx, w.fs, w.root, w.tenant, patterns)
	if err != nil {
		return err
	}
	log := logger.FromContext(ctx)
	for _, req := range reqs {
		id, err := w.queue.Submit(ctx, req)
		if err != nil {
			return fmt.Errorf("queue %s: %w", req.Title, err)
		}
		log.Debug("Queued document", "id", id, "title", req.Title)
	}
	return nil
}

// matches reports whether the root relative path rel is selected by the patterns.
func (w *watcher) matches(rel string) bool {
	for _, p := range w.patterns {
		if ok, _ := doublestar.Match(strings.TrimPrefix(p, "./"), rel); ok {
			return true
		}
	}
	return false
}

func (w *watcher) run(ctx context.Context) error {
	log := logger.FromContext(ctx)
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer fw.Close()
	if err := w.addTree(fw, w.root); err != nil {
		return err
	}
	log.Info("Watching for document changes", "dir", w.root, "patterns", w.patterns)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			w.handle(ctx, fw, event)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			log.Error("Watch error", "error", err)
		}
	}
}

func (w *watcher) handle(ctx context.Context, fw *fsnotify.Watcher, event fsnotify.Event) {
	log := logger.FromContext(ctx)
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
		return
	}
	if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
		if err := w.addTree(fw, event.Name); err != nil {
			log.Warn("Failed to watch new directory", "dir", event.Name, "error", err)
		}
		return
	}
	rel, err := filepath.Rel(w.root, event.Name)
	if err != nil {
		return
	}
	rel = filepath.ToSlash(rel)
	if !w.matches(rel) {
		return
	}
	if err := w.submit(ctx, []string{rel}); err != nil {
		log.Error("Failed to queue changed document", "path", rel, "error", err)
	}
}

func (w *watcher) addTree(fw *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if err := fw.Add(path); err != nil {
				return fmt.Errorf("watch %s: %w", path, err)
			}
		}
		return nil
	})
}
