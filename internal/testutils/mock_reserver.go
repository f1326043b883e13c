package testutils

import (
	"errors"
	"sync/atomic"
)

var (
	ErrMockReserve = errors.New("mock reserver: reserve failed")
	ErrMockRelease = errors.New("mock reserver: release failed")
)

// MockReserver reserves regions on the Go heap and records how it is used.
type MockReserver struct {
	FailReserve bool // Reserve returns ErrMockReserve.
	FailRelease bool // Release returns ErrMockRelease.
	Dirty       bool // Reserve fills the region with 0xA5 instead of zeroes.

	reserveCalls atomic.Int64
	releaseCalls atomic.Int64
	lastSize     atomic.Int64
}

func (r *MockReserver) Reserve(size int) ([]byte, error) {
	r.reserveCalls.Add(1)
	r.lastSize.Store(int64(size))
	if r.FailReserve {
		return nil, ErrMockReserve
	}
	b := make([]byte, size)
	if r.Dirty {
		for i := range b {
			b[i] = 0xA5
		}
	}
	return b, nil
}

func (r *MockReserver) Release(b []byte) error {
	r.releaseCalls.Add(1)
	if r.FailRelease {
		return ErrMockRelease
	}
	return nil
}

func (r *MockReserver) ReserveCalls() int64 {
	return r.reserveCalls.Load()
}

func (r *MockReserver) ReleaseCalls() int64 {
	return r.releaseCalls.Load()
}

// Outstanding returns reservations not yet released.
func (r *MockReserver) Outstanding() int64 {
	return r.ReserveCalls() - r.ReleaseCalls()
}

// LastSize returns the size passed to the most recent Reserve call.
func (r *MockReserver) LastSize() int {
	return int(r.lastSize.Load())
}

func (r *MockReserver) Reset() {
	r.reserveCalls.Store(0)
	r.releaseCalls.Store(0)
	r.lastSize.Store(0)
}
