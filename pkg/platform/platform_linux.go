//go:build linux

package platform

import (
	"fmt"
	"unsafe"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// detect probes the kernel by mapping one purgeable page and one UXPT page
// covering it. Probe failures are expected on kernels without the facility
// and are never surfaced to callers.
func detect(logger *zap.Logger) bool {
	if forcedFallback(logger) {
		logger.Debug("purgeable memory disabled by PURGEABLE_FORCE_FALLBACK")

		return false
	}

	data, err := MapPurgeableData(pageSize)
	if err != nil {
		logger.Debug("purgeable mapping probe failed", zap.Error(err))

		return false
	}
	defer func() {
		if err := Unmap(data); err != nil {
			logger.Warn("failed to unmap purgeable probe page", zap.Error(err))
		}
	}()

	addr := uintptr(unsafe.Pointer(&data[0]))

	win, err := MapUxptWindow(UxptPageNo(addr)*pageSize, pageSize)
	if err != nil {
		logger.Debug("uxpt window probe failed", zap.Error(err))

		return false
	}

	if err := Unmap(win); err != nil {
		logger.Warn("failed to unmap uxpt probe page", zap.Error(err))
	}

	return true
}

// MapPurgeableData maps an anonymous read-write region carrying the
// purgeable flag. The length must be page-aligned.
func MapPurgeableData(length int64) ([]byte, error) {
	return mmapFlagged(length, unix.MAP_ANONYMOUS|MapPurgeable, 0)
}

// MapUxptWindow maps the UXPT entry window at the given byte offset into
// the kernel's extended page table space.
func MapUxptWindow(offset, length int64) ([]byte, error) {
	return mmapFlagged(length, unix.MAP_ANONYMOUS|MapUserExpte, offset)
}

// Unmap releases a mapping returned by MapPurgeableData or MapUxptWindow.
func Unmap(b []byte) error {
	if len(b) == 0 {
		return nil
	}

	_, _, errno := unix.Syscall(
		unix.SYS_MUNMAP,
		uintptr(unsafe.Pointer(&b[0])),
		uintptr(len(b)),
		0,
	)
	if errno != 0 {
		return fmt.Errorf("error unmapping region: %w", errno)
	}

	return nil
}

func mmapFlagged(length int64, flags, offset int64) ([]byte, error) {
	addr, _, errno := unix.Syscall6(
		unix.SYS_MMAP,
		0,
		uintptr(length),
		uintptr(unix.PROT_READ|unix.PROT_WRITE),
		uintptr(flags),
		^uintptr(0), // fd -1
		uintptr(offset),
	)
	if errno != 0 {
		return nil, fmt.Errorf("error mapping region (flags 0x%x): %w", flags, errno)
	}

	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), length), nil
}
