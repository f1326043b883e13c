//go:build unix

package region

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Mmap reserves regions as anonymous private mappings outside the Go heap,
// so the garbage collector never scans the allocator's memory.
type Mmap struct{}

func (Mmap) Reserve(size int) ([]byte, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidSize, size)
	}
	data, err := unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANON|unix.MAP_PRIVATE,
	)
	if err != nil {
		return nil, fmt.Errorf("cannot reserve %d bytes via mmap: %w", size, err)
	}
	return data, nil
}

func (Mmap) Release(b []byte) error {
	if b == nil {
		return ErrNotOwned
	}
	return unix.Munmap(b)
}

// Default returns the preferred reserver for the platform.
func Default() Reserver {
	return Mmap{}
}
