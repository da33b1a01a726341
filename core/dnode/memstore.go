package dnode

import (
	"context"
	"fmt"
	"sync"

	"github.com/tidwall/btree"
	"go.uber.org/zap"
)

// StoreConfig configures an in-memory object set.
type StoreConfig struct {
	RecordSize     uint64 `yaml:"record_size"`
	IndirectShift  uint8  `yaml:"indirect_shift"`
	BlockPointers  int    `yaml:"block_pointers"`
	MetaBlockSize  uint64 `yaml:"meta_block_size"`
	MetaLevels     int    `yaml:"meta_levels"`
	DirBlockSize   uint64 `yaml:"dir_block_size"`
	SpillBlockSize uint64 `yaml:"spill_block_size"`
	Copies         uint64 `yaml:"copies"`
	ReadOnly       bool   `yaml:"read_only"`
}

// DefaultStoreConfig mirrors the usual on-disk defaults.
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		RecordSize:     128 << 10,
		IndirectShift:  17,
		BlockPointers:  3,
		MetaBlockSize:  16 << 10,
		MetaLevels:     3,
		DirBlockSize:   16 << 10,
		SpillBlockSize: 512,
		Copies:         1,
	}
}

// Usage reports the bytes a simulated sync-time mutation actually consumed.
// Written is logical; Freed is allocated (physical) space.
type Usage struct {
	Written uint64
	Freed   uint64
}

func (u *Usage) add(o Usage) {
	u.Written += o.Written
	u.Freed += o.Freed
}

// MemObjectSet is an in-memory ObjectSet. Its mutation methods stand in for the
// sync phase and report actual space consumption.
type MemObjectSet struct {
	cfg    StoreConfig
	logger *zap.Logger

	mu       sync.RWMutex
	objects  *btree.Map[uint64, *MemObject]
	nextID   uint64
	prevSnap uint64
	identity uint64
}

func NewMemObjectSet(cfg StoreConfig, logger *zap.Logger) *MemObjectSet {
	def := DefaultStoreConfig()
	if cfg.RecordSize == 0 {
		cfg.RecordSize = def.RecordSize
	}
	if cfg.IndirectShift == 0 {
		cfg.IndirectShift = def.IndirectShift
	}
	if cfg.BlockPointers == 0 {
		cfg.BlockPointers = def.BlockPointers
	}
	if cfg.MetaBlockSize == 0 {
		cfg.MetaBlockSize = def.MetaBlockSize
	}
	if cfg.MetaLevels == 0 {
		cfg.MetaLevels = def.MetaLevels
	}
	if cfg.DirBlockSize == 0 {
		cfg.DirBlockSize = def.DirBlockSize
	}
	if cfg.SpillBlockSize == 0 {
		cfg.SpillBlockSize = def.SpillBlockSize
	}
	if cfg.Copies == 0 {
		cfg.Copies = def.Copies
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemObjectSet{
		cfg:     cfg,
		logger:  logger.Named("objset"),
		objects: btree.NewMap[uint64, *MemObject](0),
		nextID:  1,
	}
}

// Create allocates a new object of the given kind. A zero blockSize picks the
// kind's default.
func (s *MemObjectSet) Create(kind ObjectKind, blockSize uint64) *MemObject {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		if _, ok := s.objects.Get(s.nextID); !ok {
			break
		}
		s.nextID++
	}
	obj := s.newObjectLocked(s.nextID, kind, blockSize)
	s.nextID++
	return obj
}

// CreateWithID allocates an object under a caller-chosen id.
func (s *MemObjectSet) CreateWithID(id uint64, kind ObjectKind, blockSize uint64) (*MemObject, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.objects.Get(id); ok {
		return nil, fmt.Errorf("create object %d: %w", id, ErrExists)
	}
	return s.newObjectLocked(id, kind, blockSize), nil
}

func (s *MemObjectSet) newObjectLocked(id uint64, kind ObjectKind, blockSize uint64) *MemObject {
	if blockSize == 0 {
		blockSize = 512
		if kind == KindDirectory {
			blockSize = s.cfg.DirBlockSize
		}
	}
	obj := newMemObject(s, id, kind, blockSize)
	s.objects.Set(id, obj)
	s.logger.Debug("object created", zap.Uint64("object", id), zap.Stringer("kind", kind), zap.Uint64("blockSize", blockSize))
	return obj
}

// Object returns the live object with the given id.
func (s *MemObjectSet) Object(id uint64) (*MemObject, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects.Get(id)
	return obj, ok
}

// Delete marks an object deleted. It leaves the table once its last handle is released.
func (s *MemObjectSet) Delete(id uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects.Get(id)
	if !ok {
		return fmt.Errorf("delete object %d: %w", id, ErrNotFound)
	}
	obj.deleted = true
	if obj.refs == 0 {
		s.objects.Delete(id)
	}
	s.logger.Debug("object deleted", zap.Uint64("object", id), zap.Int("refs", obj.refs))
	return nil
}

// Len returns the number of objects in the table.
func (s *MemObjectSet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.objects.Len()
}

func (s *MemObjectSet) Hold(ctx context.Context, id uint64) (*Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects.Get(id)
	if !ok {
		return nil, fmt.Errorf("hold object %d: %w", id, ErrNotFound)
	}
	if obj.deleted {
		return nil, fmt.Errorf("hold object %d: %w", id, ErrDeleted)
	}
	obj.refs++
	return NewHandle(obj, func() { s.release(obj) }), nil
}

func (s *MemObjectSet) release(obj *MemObject) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj.refs--
	if obj.deleted && obj.refs == 0 {
		s.objects.Delete(obj.id)
	}
}

// Refs returns the number of outstanding handles on an object.
func (s *MemObjectSet) Refs(id uint64) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if obj, ok := s.objects.Get(id); ok {
		return obj.refs
	}
	return 0
}

func (s *MemObjectSet) ReadOnly() bool { return s.cfg.ReadOnly }

func (s *MemObjectSet) PrevSnapshotGeneration() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.prevSnap
}

// Snapshot records a snapshot taken in generation txg. Blocks born at or
// before txg stop being freeable.
func (s *MemObjectSet) Snapshot(txg uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if txg > s.prevSnap {
		s.prevSnap = txg
	}
	s.logger.Info("snapshot taken", zap.Uint64("txg", txg))
}

func (s *MemObjectSet) BlockFreeable(bp BlockPointer) bool {
	if bp.IsHole() {
		return false
	}
	return bp.Birth > s.PrevSnapshotGeneration()
}

func (s *MemObjectSet) RecordSize() uint64 { return s.cfg.RecordSize }

func (s *MemObjectSet) MetaShape() Shape {
	return Shape{
		DataBlockSize:  s.cfg.MetaBlockSize,
		DataBlockShift: HighBit(s.cfg.MetaBlockSize) - 1,
		IndirectShift:  s.cfg.IndirectShift,
		Levels:         s.cfg.MetaLevels,
		BlockPointers:  s.cfg.BlockPointers,
	}
}

// metaRewriteSize is what dirtying one object descriptor costs at sync: the
// meta data block plus one indirect per meta level above it.
func (s *MemObjectSet) metaRewriteSize() uint64 {
	ms := s.MetaShape()
	return ms.DataBlockSize + uint64(ms.Levels-1)<<ms.IndirectShift
}

func (s *MemObjectSet) allocate(logical, txg uint64) BlockPointer {
	s.mu.Lock()
	s.identity++
	id := s.identity
	s.mu.Unlock()
	return BlockPointer{
		Birth:         txg,
		LogicalSize:   logical,
		AllocatedSize: logical * s.cfg.Copies,
		Identity:      id,
	}
}
