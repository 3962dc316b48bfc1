// Package uxpt drives the user-extended page table: a kernel-exposed array
// of 64-bit entries, one per data page, carrying a userspace refcount and a
// kernel-maintained present bit. Nonzero refcounts pin pages against
// reclaim.
package uxpt

import (
	"fmt"
	"math"
	"runtime"
	"sync/atomic"
	"unsafe"

	"github.com/bits-and-blooms/bitset"
	"go.uber.org/zap"

	"github.com/softmem/purgeable/pkg/platform"
)

const (
	// presentBit is maintained by the kernel: set while the page is
	// resident, cleared when it is reclaimed.
	presentBit = uint64(1)

	// RefOne is one userspace reference. Refcounts live above the present
	// bit, so they move in units of two.
	RefOne = uint64(2)

	// reclaimSentinel is stored by the kernel while it reclaims a page.
	// Userspace must not touch the entry until the kernel moves on.
	reclaimSentinel = ^RefOne + 1 // two's-complement -RefOne
)

// ErrOutOfRange reports a range outside the table's covered data region.
// The failed operation had no side effects.
type ErrOutOfRange struct {
	Addr   uintptr
	Length int64
}

func (e ErrOutOfRange) Error() string {
	return fmt.Sprintf("range [0x%x, +%d) is outside the uxpt table", e.Addr, e.Length)
}

// ErrRefOverflow reports a refcount increment that would wrap the entry.
type ErrRefOverflow struct {
	Addr uintptr
}

func (e ErrRefOverflow) Error() string {
	return fmt.Sprintf("uxpt refcount overflow for page at 0x%x", e.Addr)
}

// Table covers one data region with a mapped window of UXPT entries.
type Table struct {
	dataAddr uintptr
	dataSize int64 // rounded to page size

	win     []byte
	entries []uint64
	// base is the number of the first data page whose entry sits at
	// entries[0].
	base uint64

	logger *zap.Logger
}

// Map maps the UXPT window covering [dataAddr, dataAddr+dataSize) and
// clears every entry in the range. dataAddr must be page-aligned. It fails
// when the platform probe found no kernel support.
func Map(dataAddr uintptr, dataSize int64, logger *zap.Logger) (*Table, error) {
	if logger == nil {
		logger = zap.L()
	}

	if !platform.Supported() {
		return nil, fmt.Errorf("kernel has no uxpt support")
	}

	pagesize := platform.PageSize()

	if dataSize <= 0 {
		return nil, fmt.Errorf("invalid data size %d", dataSize)
	}

	if dataAddr%uintptr(pagesize) != 0 {
		return nil, fmt.Errorf("data address 0x%x is not page-aligned", dataAddr)
	}

	rounded := platform.RoundUpPage(dataSize)

	firstNo := platform.UxptPageNo(dataAddr)
	lastNo := platform.UxptPageNo(dataAddr + uintptr(rounded) - 1)
	winLen := (lastNo - firstNo + 1) * pagesize

	win, err := platform.MapUxptWindow(firstNo*pagesize, winLen)
	if err != nil {
		return nil, fmt.Errorf("error mapping uxpt window: %w", err)
	}

	t := &Table{
		dataAddr: dataAddr,
		dataSize: rounded,
		win:      win,
		entries:  unsafe.Slice((*uint64)(unsafe.Pointer(&win[0])), winLen>>3),
		base:     platform.UxptEntryBase(dataAddr),
		logger:   logger,
	}

	if err := t.Clear(dataAddr, dataSize); err != nil {
		unmapErr := platform.Unmap(win)
		if unmapErr != nil {
			logger.Error("failed to unmap uxpt window after clear failure", zap.Error(unmapErr))
		}

		return nil, err
	}

	return t, nil
}

// newTable builds a table over caller-owned entries. Used by tests, which
// have no kernel window to map.
func newTable(dataAddr uintptr, dataSize int64, entries []uint64, logger *zap.Logger) *Table {
	if logger == nil {
		logger = zap.L()
	}

	return &Table{
		dataAddr: dataAddr,
		dataSize: platform.RoundUpPage(dataSize),
		entries:  entries,
		base:     platform.UxptEntryBase(dataAddr),
		logger:   logger,
	}
}

// Unmap releases the UXPT window. The table must not be used afterwards.
func (t *Table) Unmap() error {
	if t.win == nil {
		t.entries = nil

		return nil
	}

	if err := platform.Unmap(t.win); err != nil {
		return fmt.Errorf("error unmapping uxpt window: %w", err)
	}

	t.win = nil
	t.entries = nil

	return nil
}

// EntryCount returns the number of data pages the table covers.
func (t *Table) EntryCount() int {
	return int(t.dataSize / platform.PageSize())
}

// Get increments the refcount of every page in [addr, addr+length),
// rounded out to page bounds, pinning them against reclaim. When the
// kernel is reclaiming a page the increment yields and retries. On
// overflow the pages already pinned by this call are released again.
func (t *Table) Get(addr uintptr, length int64) error {
	first, last, err := t.entryRange(addr, length)
	if err != nil {
		return err
	}

	for i := first; i <= last; i++ {
		if err := t.refUp(i); err != nil {
			for j := first; j < i; j++ {
				t.refDown(j)
			}

			return err
		}
	}

	return nil
}

// Put decrements the refcount of every page in [addr, addr+length),
// rounded out to page bounds.
func (t *Table) Put(addr uintptr, length int64) error {
	first, last, err := t.entryRange(addr, length)
	if err != nil {
		return err
	}

	for i := first; i <= last; i++ {
		t.refDown(i)
	}

	return nil
}

// Clear stores zero into every entry in the range. A nonzero prior value
// means someone still held a reference and is logged.
func (t *Table) Clear(addr uintptr, length int64) error {
	first, last, err := t.entryRange(addr, length)
	if err != nil {
		return err
	}

	for i := first; i <= last; i++ {
		old := atomic.SwapUint64(&t.entries[i], 0)
		if old != 0 {
			t.logger.Warn("cleared nonzero uxpt entry",
				zap.Uintptr("page_addr", t.pageAddr(i)),
				zap.Uint64("old_value", old),
			)
		}
	}

	return nil
}

// IsPresent reports whether every page in [addr, addr+length), rounded out
// to page bounds, is resident.
func (t *Table) IsPresent(addr uintptr, length int64) bool {
	first, last, err := t.entryRange(addr, length)
	if err != nil {
		return false
	}

	for i := first; i <= last; i++ {
		if atomic.LoadUint64(&t.entries[i])&presentBit == 0 {
			return false
		}
	}

	return true
}

// Snapshot returns the present bit of every covered page, indexed from the
// first page of the data region.
func (t *Table) Snapshot() *bitset.BitSet {
	count := uint(t.EntryCount())
	snap := bitset.New(count)

	first := uint64(t.dataAddr)>>platform.PageShift() - t.base

	for i := uint(0); i < count; i++ {
		if atomic.LoadUint64(&t.entries[first+uint64(i)])&presentBit != 0 {
			snap.Set(i)
		}
	}

	return snap
}

// Refcount returns the number of references held on the page at addr.
func (t *Table) Refcount(addr uintptr) (uint64, error) {
	first, _, err := t.entryRange(addr, 1)
	if err != nil {
		return 0, err
	}

	return (atomic.LoadUint64(&t.entries[first]) &^ presentBit) / RefOne, nil
}

func (t *Table) refUp(i uint64) error {
	for {
		old := atomic.LoadUint64(&t.entries[i])

		if old == reclaimSentinel {
			// The kernel is reclaiming this page. Wait it out.
			runtime.Gosched()

			continue
		}

		if old > math.MaxUint64-RefOne {
			return ErrRefOverflow{Addr: t.pageAddr(i)}
		}

		if atomic.CompareAndSwapUint64(&t.entries[i], old, old+RefOne) {
			return nil
		}
	}
}

func (t *Table) refDown(i uint64) {
	for {
		old := atomic.LoadUint64(&t.entries[i])

		if atomic.CompareAndSwapUint64(&t.entries[i], old, old-RefOne) {
			return
		}
	}
}

// entryRange maps [addr, addr+length) to inclusive entry indexes, rounding
// out to page bounds.
func (t *Table) entryRange(addr uintptr, length int64) (uint64, uint64, error) {
	if length <= 0 ||
		addr < t.dataAddr ||
		uint64(addr)+uint64(length) > uint64(t.dataAddr)+uint64(t.dataSize) {
		return 0, 0, ErrOutOfRange{Addr: addr, Length: length}
	}

	shift := platform.PageShift()

	first := uint64(addr)>>shift - t.base
	last := (uint64(addr)+uint64(length)-1)>>shift - t.base

	return first, last, nil
}

func (t *Table) pageAddr(i uint64) uintptr {
	return uintptr((t.base + i) << platform.PageShift())
}
