package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/VictoriaMetrics/metrics"

	"slimcache/internal/admin"
	"slimcache/internal/cache"
	"slimcache/internal/cuckoo"
	"slimcache/internal/klog"
	"slimcache/internal/logging"
	"slimcache/internal/process"
	"slimcache/internal/server"
	"slimcache/pkg/config"
)

// instance holds every component built from a configuration
type instance struct {
	cfg    *config.Config
	engine *cache.Engine
	klog   *klog.Logger
	proc   *process.Processor
	worker *server.Worker
	server *server.Server
	admin  *admin.Server

	klogSet *metrics.Set
}

// build creates the engine and the components around it. Nothing is started.
func build(cfg *config.Config, logger *logging.Logger) (*instance, error) {
	geo, err := cfg.Cuckoo.Geometry()
	if err != nil {
		return nil, err
	}
	policy, err := cuckoo.ParsePolicy(cfg.Cuckoo.Policy)
	if err != nil {
		return nil, err
	}

	table := cuckoo.DefaultConfig(geo.Capacity, geo.ItemSize)
	table.HashCount = cfg.Cuckoo.HashCount
	table.MaxDisplace = cfg.Cuckoo.MaxDisplace
	table.Policy = policy

	engine, err := cache.New(cache.Options{
		Table:      table,
		Tick:       cfg.TimeWheel.Tick,
		WheelSlots: cfg.TimeWheel.Slots,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build cache engine: %w", err)
	}

	inst := &instance{cfg: cfg, engine: engine, klogSet: metrics.NewSet()}

	if cfg.Klog.Enabled {
		bufSize, _ := config.ParseSize(cfg.Klog.BufferSize)
		inst.klog, err = klog.Open(cfg.Klog.File, klog.Config{
			Sample:        cfg.Klog.Sample,
			BufferSize:    int(bufSize),
			FlushInterval: cfg.Klog.FlushInterval,
		}, inst.klogSet)
		if err != nil {
			return nil, err
		}
	}

	configured, _ := logging.ParseLevel(cfg.Logging.Level)
	inst.proc = process.New(engine, process.Options{
		Version: version,
		Klog:    inst.klog,
		SetVerbosity: func(level int) {
			if logger == nil {
				return
			}
			if level > 0 {
				logger.SetLevel(logging.DEBUG)
			} else {
				logger.SetLevel(configured)
			}
		},
	})

	inst.worker = server.NewWorker(engine, inst.proc, server.WorkerConfig{
		QueueDepth:          cfg.Worker.QueueDepth,
		MaintenanceInterval: cfg.Worker.MaintenanceInterval,
	})

	readBuf, _ := config.ParseSize(cfg.Server.ReadBufferSize)
	maxRequest, _ := config.ParseSize(cfg.Server.MaxRequestSize)
	inst.server = server.New(server.Config{
		Address:        net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port)),
		MaxConnections: cfg.Server.MaxConnections,
		IdleTimeout:    cfg.Server.IdleTimeout,
		ReadBufferSize: int(readBuf),
		MaxRequestSize: int(maxRequest),
	}, inst.worker)

	if cfg.Admin.Enabled {
		inst.admin = admin.New(admin.Options{
			Address: net.JoinHostPort(cfg.Admin.Host, strconv.Itoa(cfg.Admin.Port)),
			Version: version,
			Source:  inst.worker,
			Conns:   inst.server,
			Metrics: inst.metricSets(),
		})
	}
	return inst, nil
}

func (inst *instance) metricSets() []*metrics.Set {
	return []*metrics.Set{
		inst.engine.Metrics(),
		inst.proc.Metrics(),
		inst.worker.Metrics(),
		inst.server.Metrics(),
		inst.klogSet,
	}
}

// run starts every component, waits for SIGINT or SIGTERM, then tears down
// in reverse order: admin, listener and connections, worker, command log.
func run(ctx context.Context, cfg *config.Config) error {
	logger, err := logging.Setup(cfg.Instance, cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer logger.Close()

	ctx = logging.WithCorrelationID(ctx, logging.NewCorrelationID())
	logging.Info(ctx, logging.ComponentMain, logging.ActionStart, "slimcache starting", logging.Fields{
		"instance": cfg.Instance,
		"version":  version,
	})

	inst, err := build(cfg, logger)
	if err != nil {
		logging.Fatal(ctx, logging.ComponentMain, logging.ActionStart, "Failed to build cache", err)
		return err
	}
	snap := inst.engine.Snapshot()
	logging.Info(ctx, logging.ComponentCache, logging.ActionStart, "Cache ready", logging.Fields{
		"capacity":       snap.Table.Capacity,
		"item_size":      snap.Slab.ItemSize,
		"reserved_bytes": snap.Slab.ReservedSize,
		"hash_count":     snap.Table.HashCount,
		"max_displace":   snap.Table.MaxDisplace,
		"policy":         snap.Table.Policy,
	})

	var wg sync.WaitGroup
	workerCtx, stopWorker := context.WithCancel(ctx)
	defer stopWorker()
	wg.Add(1)
	go func() {
		defer wg.Done()
		inst.worker.Run(workerCtx)
	}()

	var klogWG sync.WaitGroup
	klogCtx, stopKlog := context.WithCancel(ctx)
	defer stopKlog()
	if inst.klog != nil {
		klogWG.Add(1)
		go func() {
			defer klogWG.Done()
			inst.klog.Run(klogCtx)
		}()
	}

	if err := inst.server.Start(); err != nil {
		logging.Fatal(ctx, logging.ComponentMain, logging.ActionStart, "Failed to start server", err)
		return err
	}
	if inst.admin != nil {
		if err := inst.admin.Start(); err != nil {
			inst.server.Stop()
			logging.Fatal(ctx, logging.ComponentMain, logging.ActionStart, "Failed to start admin server", err)
			return err
		}
	}

	if cfg.PIDFile != "" {
		if err := writePIDFile(cfg.PIDFile); err != nil {
			logging.Warn(ctx, logging.ComponentMain, logging.ActionStart, "Failed to write pid file", logging.Fields{
				"path":  cfg.PIDFile,
				"error": err.Error(),
			})
		} else {
			defer os.Remove(cfg.PIDFile)
		}
	}

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-sigCtx.Done()

	logging.Info(ctx, logging.ComponentMain, logging.ActionStop, "Shutting down")
	stopTimer := logger.StartTimer(ctx, logging.ComponentMain, logging.ActionStop, "Shutdown complete")

	if inst.admin != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := inst.admin.Stop(shutdownCtx); err != nil {
			logging.Error(ctx, logging.ComponentMain, logging.ActionStop, "Admin shutdown failed", err)
		}
		cancel()
	}
	if err := inst.server.Stop(); err != nil {
		logging.Error(ctx, logging.ComponentMain, logging.ActionStop, "Server shutdown failed", err)
	}

	stopWorker()
	wg.Wait()

	stopKlog()
	klogWG.Wait()
	if err := inst.klog.Close(); err != nil {
		logging.Error(ctx, logging.ComponentMain, logging.ActionStop, "Command log close failed", err)
	}

	stopTimer()
	return nil
}

func writePIDFile(path string) error {
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0644)
}
