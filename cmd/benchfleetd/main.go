package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/benchfleet/benchfleet/internal/api"
	"github.com/benchfleet/benchfleet/internal/config"
	"github.com/benchfleet/benchfleet/internal/events"
	"github.com/benchfleet/benchfleet/internal/ledger"
	"github.com/benchfleet/benchfleet/internal/model"
	"github.com/benchfleet/benchfleet/internal/runner"
	"github.com/benchfleet/benchfleet/internal/runtime"
	"github.com/benchfleet/benchfleet/internal/scheduler"
	"github.com/benchfleet/benchfleet/internal/store"
)

func main() {
	cfg := config.Load()
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	logger.Info("benchfleetd: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"runtime", cfg.Runtime,
		"workers", cfg.Workers,
	)

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	var rt runtime.Runtime
	switch cfg.Runtime {
	case "fake":
		rt = runtime.NewFake()
	case "podman":
		rt = runtime.NewPodman(logger.With("component", "podman"), cfg.CgroupRoot)
	default:
		log.Fatalf("unknown runtime %q (want podman or fake)", cfg.Runtime)
	}

	led := ledger.New()
	broker := events.NewBroker()
	defer broker.Close()

	sched := scheduler.New(scheduler.Config{
		SweepInterval:      cfg.SweepInterval,
		HeartbeatThreshold: cfg.HeartbeatThreshold,
		CancelGrace:        cfg.CancelGrace,
	}, db, led, broker, scheduler.NewMetrics(prometheus.DefaultRegisterer), logger.With("component", "scheduler"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for i := 0; i < cfg.Workers; i++ {
		id := fmt.Sprintf("worker-%d", i)
		r := runner.New(runner.Config{
			ID:           id,
			Capacity:     model.Capacity{Cores: cfg.WorkerCores, MemoryBytes: cfg.WorkerMemoryBytes},
			Runtime:      rt,
			Logger:       logger.With("component", "runner", "worker_id", id),
			StdoutCap:    cfg.StdoutCapBytes,
			PokeInterval: cfg.PokeInterval,
		})
		r.OnResult(sched.HandleResult)
		r.OnTouch(func(taskID string) {
			if err := db.TouchTask(context.Background(), taskID); err != nil {
				logger.Warn("touch task", "task_id", taskID, "error", err)
			}
		})
		if err := sched.AddWorker(ctx, r); err != nil {
			log.Fatalf("failed to register worker %s: %v", id, err)
		}
		go heartbeatLoop(ctx, sched, id, cfg.HeartbeatInterval)
	}

	go sched.Run(ctx)

	srv := api.NewServer(cfg.ListenAddr, db, sched, led, broker, logger)
	if err := srv.Run(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

// heartbeatLoop keeps an embedded worker marked live. Out-of-process workers
// would report over the wire instead; here the loop is the wire.
func heartbeatLoop(ctx context.Context, sched *scheduler.Scheduler, workerID string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			sched.Heartbeat(workerID)
		case <-ctx.Done():
			return
		}
	}
}
