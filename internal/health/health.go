// Package health publishes the pool's admission state through the standard
// gRPC health service, so load balancers and orchestrators can stop sending work to
// a suspended pool.
package health

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sushant-115/dmutx/core/storage_engine/pool"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// ServiceName is the health service name reporting pool admission.
const ServiceName = "dmutx.Pool"

// Config controls the health endpoint.
type Config struct {
	// Addr is the gRPC listen address. Empty disables the endpoint.
	Addr string `yaml:"addr"`
	// Interval is how often the pool state is polled.
	Interval time.Duration `yaml:"interval"`
}

func DefaultConfig() Config {
	return Config{Interval: time.Second}
}

// SpaceState is the part of the pool the checker watches.
type SpaceState interface {
	Suspended() bool
	FailureMode() pool.FailureMode
}

// Checker maps pool state to serving status.
type Checker struct {
	srv      *health.Server
	pool     SpaceState
	interval time.Duration
	logger   *zap.Logger

	mu   sync.Mutex
	last healthpb.HealthCheckResponse_ServingStatus
}

func NewChecker(p SpaceState, interval time.Duration, logger *zap.Logger) *Checker {
	if interval <= 0 {
		interval = DefaultConfig().Interval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Checker{
		srv:      health.NewServer(),
		pool:     p,
		interval: interval,
		logger:   logger.Named("health"),
		last:     healthpb.HealthCheckResponse_UNKNOWN,
	}
	c.Update()
	return c
}

// Register installs the health and reflection services on s.
func (c *Checker) Register(s *grpc.Server) {
	healthpb.RegisterHealthServer(s, c.srv)
	reflection.Register(s)
}

// Update polls the pool once and publishes the result. A suspended pool that
// makes callers wait is NOT_SERVING; with failmode continue it keeps serving
// so reads and frees can still fail fast.
func (c *Checker) Update() healthpb.HealthCheckResponse_ServingStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	status := healthpb.HealthCheckResponse_SERVING
	if c.pool.Suspended() && c.pool.FailureMode() == pool.FailWait {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	if status != c.last {
		c.logger.Info("pool serving status changed",
			zap.Stringer("from", c.last),
			zap.Stringer("to", status))
		c.last = status
	}
	c.srv.SetServingStatus(ServiceName, status)
	c.srv.SetServingStatus("", status)
	return status
}

// Run polls until ctx is done, then marks every service NOT_SERVING.
func (c *Checker) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			c.srv.Shutdown()
			return
		case <-ticker.C:
			c.Update()
		}
	}
}

// Serve runs a gRPC server with the health service on lis until ctx is done.
func Serve(ctx context.Context, lis net.Listener, c *Checker, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := grpc.NewServer()
	c.Register(s)
	go c.Run(ctx)
	go func() {
		<-ctx.Done()
		s.GracefulStop()
	}()

	logger.Info("gRPC health server starting", zap.String("address", lis.Addr().String()))
	if err := s.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("gRPC health server failed: %w", err)
	}
	return nil
}

// ListenAndServe listens on cfg.Addr and calls Serve.
func ListenAndServe(ctx context.Context, cfg Config, p SpaceState, logger *zap.Logger) error {
	lis, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen for gRPC on %s: %w", cfg.Addr, err)
	}
	return Serve(ctx, lis, NewChecker(p, cfg.Interval, logger), logger)
}
