package transaction

import (
	"context"
	"fmt"

	"github.com/sushant-115/dmutx/core/storage_engine/pool"
	"github.com/sushant-115/dmutx/core/txg"
	internaltelemetry "github.com/sushant-115/dmutx/internal/telemetry"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
)

// SpaceOracle is the pool-side view admission needs: allocation sizing,
// temporary reservations and the suspended state.
type SpaceOracle interface {
	AllocatedSize(logical uint64) uint64
	Reserve(txg uint64, r pool.Reservation) (*pool.Cookie, error)
	ClearReservation(c *pool.Cookie)
	Suspended() bool
	FailureMode() pool.FailureMode
}

// GenerationScheduler hands out cursors on the open generation and lets
// callers wait for generations to open or sync.
type GenerationScheduler interface {
	HoldOpen() *txg.Cursor
	WaitOpen(ctx context.Context, txg uint64) error
	WaitSynced(ctx context.Context, txg uint64) error
	LastSynced() uint64
	RegisterCallbacks(txg uint64, cbs []func(error))
}

// Limits are the shape and size constants the estimator works with.
type Limits struct {
	MinBlockShift        uint8  `yaml:"min_block_shift"`
	MaxBlockShift        uint8  `yaml:"max_block_shift"`
	MinIndirectShift     uint8  `yaml:"min_indirect_shift"`
	MaxIndirectShift     uint8  `yaml:"max_indirect_shift"`
	MaxAccess            uint64 `yaml:"max_access"`
	MaxDeleteBlocks      uint64 `yaml:"max_delete_blocks"`
	MicroDirMaxBlockSize uint64 `yaml:"micro_dir_max_block_size"`
	FatDirBlockShift     uint8  `yaml:"fat_dir_block_shift"`
	OldMaxBlockSize      uint64 `yaml:"old_max_block_size"`
}

func DefaultLimits() Limits {
	return Limits{
		MinBlockShift:        9,
		MaxBlockShift:        24,
		MinIndirectShift:     12,
		MaxIndirectShift:     17,
		MaxAccess:            64 << 20,
		MaxDeleteBlocks:      20480,
		MicroDirMaxBlockSize: 128 << 10,
		FatDirBlockShift:     14,
		OldMaxBlockSize:      128 << 10,
	}
}

// Validate rejects shapes the estimator cannot reason about.
func (l Limits) Validate() error {
	if l.MinBlockShift == 0 || l.MinBlockShift > l.MaxBlockShift {
		return fmt.Errorf("limits: block shift range [%d, %d] is invalid", l.MinBlockShift, l.MaxBlockShift)
	}
	if l.MinIndirectShift <= 7 || l.MinIndirectShift > l.MaxIndirectShift {
		return fmt.Errorf("limits: indirect shift range [%d, %d] is invalid", l.MinIndirectShift, l.MaxIndirectShift)
	}
	if l.MaxAccess == 0 {
		return fmt.Errorf("limits: max access must be positive")
	}
	return nil
}

// PoolContext carries everything the engine needs from the pool it admits
// transactions into. It is created when the pool opens and shared by every
// transaction against it.
type PoolContext struct {
	Space       SpaceOracle
	Generations GenerationScheduler
	Limits      Limits
	// ShadowAccounting makes every transaction track the bytes its holders
	// report dirtying so they can be checked against its estimate.
	ShadowAccounting bool

	logger  *zap.Logger
	metrics *internaltelemetry.AdmissionMetrics
	tracer  trace.Tracer
}

func NewPoolContext(space SpaceOracle, gens GenerationScheduler, limits Limits, logger *zap.Logger) (*PoolContext, error) {
	if space == nil || gens == nil {
		return nil, fmt.Errorf("pool context requires a space oracle and a generation scheduler")
	}
	if err := limits.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics, err := internaltelemetry.NewAdmissionMetrics(noop.NewMeterProvider().Meter(""))
	if err != nil {
		return nil, err
	}
	return &PoolContext{
		Space:       space,
		Generations: gens,
		Limits:      limits,
		logger:      logger.Named("dmu_tx"),
		metrics:     metrics,
		tracer:      nooptrace.NewTracerProvider().Tracer(""),
	}, nil
}

// WithTelemetry registers admission metrics on meter and traces assignment
// with tracer.
func (pc *PoolContext) WithTelemetry(meter metric.Meter, tracer trace.Tracer) error {
	metrics, err := internaltelemetry.NewAdmissionMetrics(meter)
	if err != nil {
		return fmt.Errorf("failed to create admission metrics: %w", err)
	}
	pc.metrics = metrics
	if tracer != nil {
		pc.tracer = tracer
	}
	return nil
}
