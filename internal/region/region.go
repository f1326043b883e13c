// Package region reserves the single contiguous memory region that backs an
// allocator for its whole lifetime.
package region

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidSize = errors.New("region: size must be positive")
	ErrNotOwned    = errors.New("region: slice was not reserved by this reserver")
)

// Reserver obtains and returns a region of memory from the host.
type Reserver interface {
	Reserve(size int) ([]byte, error) // Reserve returns size zeroed bytes.
	Release(b []byte) error           // Release returns a region obtained from Reserve.
}

// Heap reserves regions on the Go heap. Release drops the reference and
// leaves the memory to the garbage collector.
type Heap struct{}

func (Heap) Reserve(size int) ([]byte, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidSize, size)
	}
	return make([]byte, size), nil
}

func (Heap) Release(b []byte) error {
	if b == nil {
		return ErrNotOwned
	}
	return nil
}
