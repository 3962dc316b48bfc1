package uxpt

// Noop is the fallback table used when the kernel offers no UXPT support.
// Memory is treated as never purged: pins do nothing and every page always
// reports present.
type Noop struct{}

func (Noop) Get(addr uintptr, length int64) error { return nil }

func (Noop) Put(addr uintptr, length int64) error { return nil }

func (Noop) IsPresent(addr uintptr, length int64) bool { return true }

func (Noop) Unmap() error { return nil }
