// Command dmutx_loadgen drives concurrent transactions against an in-memory
// pool and reports how admission behaved.
package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/sushant-115/dmutx/config"
	"github.com/sushant-115/dmutx/internal/engine"
	"github.com/sushant-115/dmutx/internal/health"
	"github.com/sushant-115/dmutx/pkg/logger"
	"github.com/sushant-115/dmutx/pkg/telemetry"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	workers := flag.Int("workers", 8, "number of concurrent writers")
	objects := flag.Int("objects", 16, "number of objects the writers share")
	duration := flag.Duration("duration", 10*time.Second, "how long to run")
	txRate := flag.Float64("rate", 500, "transactions per second across all workers, 0 for unlimited")
	maxWrite := flag.Uint64("max-write", 256<<10, "largest single write in bytes")
	noWait := flag.Bool("nowait", false, "assign with NoWait and back off through Tx.Wait")
	healthAddr := flag.String("health-addr", "", "gRPC health endpoint address, overrides the config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *healthAddr != "" {
		cfg.Health.Addr = *healthAddr
	}

	runID := uuid.New()
	cfg.Logger.Service = "dmutx-loadgen"
	zlogger, err := logger.New(cfg.Logger)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	zlogger = zlogger.With(zap.String("run", runID.String()))
	defer zlogger.Sync()

	tel, shutdownTelemetry, err := telemetry.New(cfg.Telemetry, zlogger)
	if err != nil {
		zlogger.Fatal("Failed to initialize telemetry", zap.Error(err))
	}
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			zlogger.Error("Failed to shutdown telemetry", zap.Error(err))
		}
	}()

	eng, err := engine.Open(cfg, zlogger, tel)
	if err != nil {
		zlogger.Fatal("Failed to open engine", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	eng.Start(ctx)
	if cfg.Health.Addr != "" {
		go func() {
			if err := health.ListenAndServe(ctx, cfg.Health, eng.Pool, zlogger); err != nil {
				zlogger.Error("Health endpoint failed", zap.Error(err))
			}
		}()
	}

	runCtx, cancel := context.WithTimeout(ctx, *duration)
	defer cancel()

	gen := newGenerator(eng, genConfig{
		Workers:  *workers,
		Objects:  *objects,
		Rate:     *txRate,
		MaxWrite: *maxWrite,
		NoWait:   *noWait,
	}, zlogger)
	start := time.Now()
	res, err := gen.Run(runCtx)
	if err != nil {
		zlogger.Error("Load run failed", zap.Error(err))
	}
	elapsed := time.Since(start)

	if err := eng.Close(context.Background()); err != nil {
		zlogger.Error("Failed to close engine", zap.Error(err))
	}
	zlogger.Info("Load run finished",
		zap.Duration("elapsed", elapsed),
		zap.Int64("committed", res.Committed),
		zap.Int64("aborted", res.Aborted),
		zap.Int64("retries", res.Retries),
		zap.Int64("overruns", res.Overruns),
		zap.Float64("txPerSec", float64(res.Committed)/elapsed.Seconds()),
		zap.Uint64("lastSynced", eng.Gens.LastSynced()),
	)
}
