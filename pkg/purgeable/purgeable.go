// Package purgeable implements memory objects whose physical pages the
// kernel may reclaim under pressure and which rebuild their content on the
// next access by replaying an ordered chain of modify functions.
package purgeable

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/softmem/purgeable/pkg/memdev"
	"github.com/softmem/purgeable/pkg/platform"
	"github.com/softmem/purgeable/pkg/uxpt"
)

// ErrInvalidObject is returned when an operation hits an object whose data
// mapping is gone (never created, or already closed).
var ErrInvalidObject = errors.New("purgeable object has no mapped content")

// PageTable is the per-page presence and refcount protocol an object pins
// its content through. uxpt.Table implements it over the kernel window and
// uxpt.Noop is the fallback when the kernel has no support.
type PageTable interface {
	// Get pins every page in [addr, addr+length) against reclaim.
	Get(addr uintptr, length int64) error
	// Put releases a pin taken by Get.
	Put(addr uintptr, length int64) error
	// IsPresent reports whether every page in the range is resident.
	IsPresent(addr uintptr, length int64) bool
	// Unmap releases the table's own resources.
	Unmap() error
}

var (
	_ PageTable = (*uxpt.Table)(nil)
	_ PageTable = uxpt.Noop{}
)

// Object binds a data mapping, a page table, a rebuild chain and a
// reader/writer lock. Content is only valid between a successful Begin*
// and its matching End*.
type Object struct {
	id   string
	size int64 // caller-visible content size

	region *memdev.Region
	table  PageTable
	chain  chain

	mu         sync.RWMutex
	buildCount atomic.Uint64

	logger *zap.Logger
}

// Option configures an Object during New.
type Option func(*Object)

// WithLogger sets the logger. The default is the process-global zap logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *Object) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithPageTable overrides the page table the object pins through. Used by
// tests to emulate purges; production objects pick the table from the
// platform probe.
func WithPageTable(table PageTable) Option {
	return func(o *Object) {
		o.table = table
	}
}

// New maps a data region of at least size bytes, covers it with a page
// table and applies fn as the first link of the rebuild chain. On return
// the content has been built exactly once.
func New(size int64, fn ModifyFunc, opts ...Option) (*Object, error) {
	if size <= 0 {
		return nil, fmt.Errorf("invalid content size %d", size)
	}

	if fn == nil {
		return nil, ErrNilModify
	}

	o := &Object{
		id:     uuid.NewString(),
		size:   size,
		logger: zap.L(),
	}

	for _, opt := range opts {
		opt(o)
	}

	region, err := memdev.MapData(size)
	if err != nil {
		return nil, fmt.Errorf("error mapping data region: %w", err)
	}
	o.region = region

	if o.table == nil {
		if platform.Supported() {
			table, tableErr := uxpt.Map(region.Addr(), region.Len(), o.logger)
			if tableErr != nil {
				o.unwind()

				return nil, tableErr
			}

			o.table = table
		} else {
			o.table = uxpt.Noop{}
		}
	}

	// A fresh anonymous mapping is zero-filled, so applying fn here is the
	// same as the first chain replay.
	if err := o.AppendModify(fn); err != nil {
		o.unwind()

		return nil, err
	}

	o.buildCount.Store(1)

	return o, nil
}

func (o *Object) unwind() {
	if o.table != nil {
		if err := o.table.Unmap(); err != nil {
			o.logger.Error("failed to unmap page table during unwind",
				zap.String("object_id", o.id), zap.Error(err))
		}
	}

	if err := o.region.Unmap(); err != nil {
		o.logger.Error("failed to unmap data region during unwind",
			zap.String("object_id", o.id), zap.Error(err))
	}

	o.region = nil
	o.table = nil
}

// Close releases the rebuild chain, the data mapping and the page table,
// in that order. Closing a nil or already-closed object is a no-op. The
// object is only invalidated when every release succeeded.
func (o *Object) Close() error {
	if o == nil || o.region == nil {
		return nil
	}

	o.chain = chain{}

	addr := o.region.Addr()
	wasPurgeable := o.region.Purgeable()

	dataErr := o.region.Unmap()
	if dataErr == nil && wasPurgeable {
		// The kernel clears UXPT presence when the data mapping goes away.
		if o.table.IsPresent(addr, o.size) {
			o.logger.Warn("uxpt still reports pages present after unmap",
				zap.String("object_id", o.id))
		}
	}

	tableErr := o.table.Unmap()

	if err := errors.Join(dataErr, tableErr); err != nil {
		o.logger.Error("failed to release purgeable object",
			zap.String("object_id", o.id), zap.Error(err))

		return err
	}

	o.region = nil
	o.table = nil

	return nil
}

// BeginRead pins the content, rebuilds it if it was purged (or never
// built) and acquires the read lock. On success the caller may read
// Content() until EndRead. On failure the caller must not call EndRead.
func (o *Object) BeginRead() error {
	if o == nil || o.region == nil {
		return ErrInvalidObject
	}

	addr := o.region.Addr()

	if err := o.table.Get(addr, o.size); err != nil {
		o.logger.Error("failed to pin content pages",
			zap.String("object_id", o.id), zap.Error(err))

		return err
	}

	for {
		o.mu.RLock()
		if !o.purged() {
			// The caller holds the read lock until EndRead.
			return nil
		}
		o.mu.RUnlock()

		if err := o.rebuild(); err != nil {
			o.unpin(addr)

			return err
		}
	}
}

// EndRead releases the read lock taken by a successful BeginRead, then
// unpins the content.
func (o *Object) EndRead() {
	o.mu.RUnlock()
	o.unpin(o.region.Addr())
}

// BeginWrite pins the content, acquires the write lock and rebuilds in
// place if the content was purged. On success the caller may read and
// mutate Content() until EndWrite; callers that want a mutation to survive
// later purges append an equivalent modify. On failure the caller must not
// call EndWrite.
func (o *Object) BeginWrite() error {
	if o == nil || o.region == nil {
		return ErrInvalidObject
	}

	addr := o.region.Addr()

	if err := o.table.Get(addr, o.size); err != nil {
		o.logger.Error("failed to pin content pages",
			zap.String("object_id", o.id), zap.Error(err))

		return err
	}

	o.mu.Lock()

	if o.purged() {
		if err := o.replayLocked(); err != nil {
			o.mu.Unlock()
			o.unpin(addr)

			return err
		}
	}

	// The caller holds the write lock until EndWrite; the pin taken above
	// is released there.
	return nil
}

// EndWrite releases the write lock taken by a successful BeginWrite, then
// unpins the content.
func (o *Object) EndWrite() {
	o.mu.Unlock()
	o.unpin(o.region.Addr())
}

// AppendModify applies fn to the live content and links it at the tail of
// the rebuild chain so later rebuilds reproduce the edit. When fn fails
// the chain is left unchanged. It takes no lock: callers serialize
// AppendModify against their own concurrent use of the object.
func (o *Object) AppendModify(fn ModifyFunc) error {
	if o == nil || o.region == nil {
		return ErrInvalidObject
	}

	if fn == nil {
		return ErrNilModify
	}

	if err := fn(o.content()); err != nil {
		return fmt.Errorf("modify failed: %w", err)
	}

	o.chain.append(fn)

	return nil
}

// Content returns the content buffer, or nil if the object is not mapped.
// The bytes are only valid between a successful Begin* and its End*.
func (o *Object) Content() []byte {
	if o == nil || o.region == nil {
		return nil
	}

	return o.content()
}

// Len returns the caller-visible content size, or 0 if the object is not
// mapped.
func (o *Object) Len() int64 {
	if o == nil || o.region == nil {
		return 0
	}

	return o.size
}

// BuildCount returns how many times the content has been built. Zero means
// it never materialized.
func (o *Object) BuildCount() uint64 {
	if o == nil {
		return 0
	}

	return o.buildCount.Load()
}

func (o *Object) String() string {
	if o == nil {
		return "purgeable(nil)"
	}

	return fmt.Sprintf("purgeable(%s size=%d builds=%d)", o.id, o.size, o.buildCount.Load())
}

func (o *Object) content() []byte {
	return o.region.Bytes()[:o.size]
}

// purged reports whether content must be rebuilt before use: it never
// materialized, or the kernel reclaimed at least one page since the last
// access window.
func (o *Object) purged() bool {
	return o.buildCount.Load() == 0 || !o.table.IsPresent(o.region.Addr(), o.size)
}

// rebuild re-checks the purged state under the write lock: a racing
// reader may have rebuilt first, and another purge may land between the
// caller dropping its read lock and this acquisition. Progress comes from
// the caller's retry loop, not from an atomic lock upgrade.
func (o *Object) rebuild() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.purged() {
		return nil
	}

	return o.replayLocked()
}

func (o *Object) replayLocked() error {
	buf := o.content()
	clear(buf)

	if err := o.chain.buildAll(buf); err != nil {
		o.logger.Error("content rebuild failed",
			zap.String("object_id", o.id),
			zap.Uint64("build_count", o.buildCount.Load()),
			zap.Error(err))

		// The buffer now holds a partial replay and its pages are resident
		// again, so presence alone would report the object as intact. Drop
		// the build count to keep it purged until a replay fully succeeds.
		o.buildCount.Store(0)

		return err
	}

	o.buildCount.Add(1)

	return nil
}

func (o *Object) unpin(addr uintptr) {
	if err := o.table.Put(addr, o.size); err != nil {
		o.logger.Error("failed to unpin content pages",
			zap.String("object_id", o.id), zap.Error(err))
	}
}
