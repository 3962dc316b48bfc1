package purgeable

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/bits-and-blooms/bitset"

	"github.com/softmem/purgeable/pkg/platform"
)

// mockPageTable emulates the kernel side of the page-table protocol in
// process memory: pins are plain refcounts, purge reclaims only unpinned
// pages, and a rebuild marks pages present again through the modify hook
// wired up by marking().
type mockPageTable struct {
	mu sync.Mutex

	base  uintptr
	pages int

	present *bitset.BitSet
	refs    []int

	// builds ran before the object handed us its address range.
	builtBeforeBind bool
}

func (m *mockPageTable) Get(addr uintptr, length int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	first, last, err := m.pageRange(addr, length)
	if err != nil {
		return err
	}

	for i := first; i <= last; i++ {
		m.refs[i]++
	}

	return nil
}

func (m *mockPageTable) Put(addr uintptr, length int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	first, last, err := m.pageRange(addr, length)
	if err != nil {
		return err
	}

	for i := first; i <= last; i++ {
		m.refs[i]--
	}

	return nil
}

func (m *mockPageTable) IsPresent(addr uintptr, length int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	first, last, err := m.pageRange(addr, length)
	if err != nil {
		return false
	}

	for i := first; i <= last; i++ {
		if !m.present.Test(uint(i)) {
			return false
		}
	}

	return true
}

func (m *mockPageTable) Unmap() error {
	return nil
}

// markBuilt marks every page present, the way faulting rebuilt content in
// would on a real kernel.
func (m *mockPageTable) markBuilt() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.present == nil {
		m.builtBeforeBind = true

		return
	}

	for i := 0; i < m.pages; i++ {
		m.present.Set(uint(i))
	}
}

// purge reclaims every unpinned page: clears its present bit and zeroes
// its bytes in buf, like the kernel dropping the backing page. Pinned
// pages are left alone.
func (m *mockPageTable) purge(buf []byte) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	// A purge before any access window binds the table to buf's range, the
	// way the first Get would.
	if m.refs == nil && len(buf) > 0 {
		if _, _, err := m.pageRange(uintptr(unsafe.Pointer(&buf[0])), int64(len(buf))); err != nil {
			return 0
		}
	}

	pagesize := int(platform.PageSize())
	reclaimed := 0

	for i := 0; i < m.pages; i++ {
		if m.refs[i] > 0 {
			continue
		}

		m.present.Clear(uint(i))

		start := i * pagesize
		if start >= len(buf) {
			continue
		}

		end := start + pagesize
		if end > len(buf) {
			end = len(buf)
		}

		clear(buf[start:end])

		reclaimed++
	}

	return reclaimed
}

func (m *mockPageTable) refsSnapshot() []int {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := make([]int, len(m.refs))
	copy(snap, m.refs)

	return snap
}

// pageRange binds the table to the first range it sees and maps the range
// to inclusive page indexes. The caller holds m.mu.
func (m *mockPageTable) pageRange(addr uintptr, length int64) (int, int, error) {
	if m.refs == nil {
		m.base = addr
		m.pages = int(platform.RoundUpPage(length) / platform.PageSize())
		m.present = bitset.New(uint(m.pages))
		m.refs = make([]int, m.pages)

		if m.builtBeforeBind {
			for i := 0; i < m.pages; i++ {
				m.present.Set(uint(i))
			}
		}
	}

	if addr < m.base || length <= 0 {
		return 0, 0, fmt.Errorf("range [0x%x, +%d) is outside the mock table", addr, length)
	}

	pagesize := int64(platform.PageSize())

	first := int(int64(addr-m.base) / pagesize)
	last := int((int64(addr-m.base) + length - 1) / pagesize)

	if last >= m.pages {
		return 0, 0, fmt.Errorf("range [0x%x, +%d) is outside the mock table", addr, length)
	}

	return first, last, nil
}
