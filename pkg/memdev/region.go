// Package memdev owns the anonymous data mapping backing a purgeable
// object: a purgeable kernel mapping when the platform supports it, a
// private anonymous mapping otherwise.
package memdev

import (
	"fmt"
	"unsafe"

	"github.com/edsrzf/mmap-go"

	"github.com/softmem/purgeable/pkg/platform"
)

// Region is an owned anonymous mapping. Its length is the requested size
// rounded up to a page boundary.
type Region struct {
	buf       []byte
	anon      mmap.MMap
	purgeable bool
}

// MapData maps a read-write anonymous region of at least size bytes.
func MapData(size int64) (*Region, error) {
	if size <= 0 {
		return nil, fmt.Errorf("invalid region size %d", size)
	}

	rounded := platform.RoundUpPage(size)

	if platform.Supported() {
		buf, err := platform.MapPurgeableData(rounded)
		if err != nil {
			return nil, fmt.Errorf("error mapping purgeable region: %w", err)
		}

		return &Region{buf: buf, purgeable: true}, nil
	}

	mm, err := mmap.MapRegion(nil, int(rounded), mmap.RDWR, mmap.ANON, 0)
	if err != nil {
		return nil, fmt.Errorf("error mapping anonymous region: %w", err)
	}

	return &Region{buf: mm, anon: mm}, nil
}

// Bytes returns the whole mapped region, including the page-alignment tail.
func (r *Region) Bytes() []byte {
	return r.buf
}

// Addr returns the virtual address of the first byte of the region.
func (r *Region) Addr() uintptr {
	return uintptr(unsafe.Pointer(&r.buf[0]))
}

// Len returns the mapped length in bytes (page-aligned).
func (r *Region) Len() int64 {
	return int64(len(r.buf))
}

// Purgeable reports whether the kernel may reclaim this region's pages.
func (r *Region) Purgeable() bool {
	return r.purgeable
}

// Unmap releases the mapping. The region must not be used afterwards.
func (r *Region) Unmap() error {
	if r.anon != nil {
		if err := r.anon.Unmap(); err != nil {
			return fmt.Errorf("error unmapping anonymous region: %w", err)
		}

		r.anon = nil
		r.buf = nil

		return nil
	}

	if err := platform.Unmap(r.buf); err != nil {
		return fmt.Errorf("error unmapping purgeable region: %w", err)
	}

	r.buf = nil

	return nil
}
