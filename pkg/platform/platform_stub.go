//go:build !linux

package platform

import (
	"errors"

	"go.uber.org/zap"
)

var errUnsupported = errors.New("purgeable mappings are only available on linux")

func detect(logger *zap.Logger) bool {
	return false
}

func MapPurgeableData(length int64) ([]byte, error) {
	return nil, errUnsupported
}

func MapUxptWindow(offset, length int64) ([]byte, error) {
	return nil, errUnsupported
}

func Unmap(b []byte) error {
	if len(b) == 0 {
		return nil
	}

	return errUnsupported
}
