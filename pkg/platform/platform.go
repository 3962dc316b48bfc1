// Package platform detects whether the running kernel offers purgeable
// anonymous mappings and the companion user-extended page table (UXPT),
// and owns the page arithmetic shared by the mapping layers.
package platform

import (
	"math/bits"
	"os"
	"sync"

	"github.com/caarlos0/env/v11"
	"go.uber.org/zap"
)

// Kernel mmap flags for the purgeable-memory facility. Kernels without the
// facility reject MapPurgeable, which the probe treats as "unsupported".
// Linux 6.11 and later accepts 0x08 as MAP_DROPPABLE, so a mapping made
// with MapUserExpte alone does not prove support.
const (
	MapPurgeable = 0x04
	MapUserExpte = 0x08
)

// entryShift is log2 of the UXPT entry size (8-byte entries).
const entryShift = 3

var (
	pageSize  = int64(os.Getpagesize())
	pageShift = uint(bits.TrailingZeros64(uint64(pageSize)))

	once      sync.Once
	supported bool
)

type config struct {
	ForceFallback bool `env:"PURGEABLE_FORCE_FALLBACK"`
}

// Supported reports whether purgeable mappings and the UXPT window are
// available. The probe runs once for the whole process; every later call
// returns the cached result.
func Supported() bool {
	once.Do(func() {
		supported = detect(zap.L())
	})

	return supported
}

func forcedFallback(logger *zap.Logger) bool {
	cfg, err := env.ParseAs[config]()
	if err != nil {
		logger.Warn("failed to parse purgeable env config", zap.Error(err))

		return false
	}

	return cfg.ForceFallback
}

// PageSize returns the system page size in bytes.
func PageSize() int64 {
	return pageSize
}

// PageShift returns log2 of the system page size.
func PageShift() uint {
	return pageShift
}

// RoundUpPage rounds n up to the next page boundary.
func RoundUpPage(n int64) int64 {
	return (n + pageSize - 1) &^ (pageSize - 1)
}

// RoundDownPage rounds n down to a page boundary.
func RoundDownPage(n int64) int64 {
	return n &^ (pageSize - 1)
}

// EntriesPerUxptPage returns how many 8-byte UXPT entries one page holds.
func EntriesPerUxptPage() uint64 {
	return 1 << (pageShift - entryShift)
}

// UxptPageNo returns the number of the UXPT page holding the entry for the
// data page at addr.
func UxptPageNo(addr uintptr) int64 {
	return int64((uint64(addr) >> pageShift) >> (pageShift - entryShift))
}

// UxptEntryBase returns the number of the first data page whose entry lives
// in the UXPT page covering addr. Entry indexes inside a mapped window are
// relative to this base.
func UxptEntryBase(addr uintptr) uint64 {
	return uint64(UxptPageNo(addr)) << (pageShift - entryShift)
}
