package purgeable

import "fmt"

// FillBytes returns a modify that fills the whole buffer with b.
func FillBytes(b byte) ModifyFunc {
	return func(buf []byte) error {
		for i := range buf {
			buf[i] = b
		}

		return nil
	}
}

// CopyFrom returns a modify that copies a snapshot of src to the start of
// the buffer. The snapshot is taken now, so later changes to src do not
// change what replays produce.
func CopyFrom(src []byte) ModifyFunc {
	snap := make([]byte, len(src))
	copy(snap, src)

	return func(buf []byte) error {
		if len(buf) < len(snap) {
			return fmt.Errorf("buffer too small for copy: %d < %d", len(buf), len(snap))
		}

		copy(buf, snap)

		return nil
	}
}

// WriteAt returns a modify that writes a snapshot of data at off.
func WriteAt(off int64, data []byte) ModifyFunc {
	snap := make([]byte, len(data))
	copy(snap, data)

	return func(buf []byte) error {
		if off < 0 || off+int64(len(snap)) > int64(len(buf)) {
			return fmt.Errorf("write [%d, +%d) is outside the %d byte buffer", off, len(snap), len(buf))
		}

		copy(buf[off:], snap)

		return nil
	}
}
