package main

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/seantiz/haul/internal/api"
	"github.com/seantiz/haul/internal/bridge"
	"github.com/seantiz/haul/internal/config"
	"github.com/seantiz/haul/internal/engine/httpengine"
	"github.com/seantiz/haul/internal/fsys"
	"github.com/seantiz/haul/internal/jobs"
	"github.com/seantiz/haul/internal/jobstore"
	"github.com/seantiz/haul/internal/registry"
	"github.com/seantiz/haul/internal/store"
)

const sweepInterval = time.Hour

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	root, err := filepath.Abs(cfg.SandboxDir)
	if err != nil {
		log.Fatalf("failed to resolve sandbox dir: %v", err)
	}

	logger.Info("haul: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"store_url", cfg.StoreURL,
		"sandbox", root,
		"engine", cfg.Engine,
		"min_free_space", humanize.IBytes(cfg.MinFreeSpace),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	kv, err := store.Open(ctx, cfg.StoreURL, cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to open store: %v", err)
	}
	defer kv.Close()

	js, err := jobstore.Open(ctx, kv, logger)
	if err != nil {
		log.Fatalf("failed to load jobs: %v", err)
	}

	osfs := fsys.OS{}
	if err := osfs.MkdirAll(root); err != nil {
		log.Fatalf("failed to create sandbox dir: %v", err)
	}
	sandbox := fsys.NewSandbox(osfs, root, cfg.MinFreeSpace, logger)

	eng := httpengine.New(logger, httpengine.Options{MaxConcurrent: cfg.MaxConcurrent})
	defer eng.Close()

	var active atomic.Bool
	b, err := bridge.New(cfg.Engine, eng, logger, bridge.Options{
		PollInterval: cfg.PollInterval,
		OnActivity: func(on bool) {
			active.Store(on)
			logger.Debug("network activity", "active", on)
		},
	})
	if err != nil {
		log.Fatalf("failed to create bridge: %v", err)
	}
	defer b.Close()

	reg := registry.New(b, sandbox, logger)
	defer reg.Close()

	mgr := jobs.New(reg, js, sandbox, eng, logger)
	defer mgr.Close()

	// The poll strategy has no activity hook; fall back to unfinished downloads.
	var activity func() bool
	if cfg.Engine == bridge.KindCallback {
		activity = active.Load
	}
	srv := api.NewServer(cfg.ListenAddr, mgr, sandbox, activity, logger)

	go func() {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n := mgr.SweepDownloads(cfg.TaskRetention); n > 0 {
					logger.Info("swept finished downloads", "count", n)
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	if err := srv.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
	}
}
