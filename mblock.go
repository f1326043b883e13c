// Package mblock implements a static-footprint block allocator.
//
// All memory is reserved from the host once, when the allocator is created.
// Alloc and Free then run in bounded time without system calls, using only
// bit operations over a compact occupancy map.
//
// Memory is split into two pools with the following block sizes in bytes:
//
//	small pool:  16,  32,  48,   64,   80,   96,  112,  128
//	big pool  : 256, 512, 768, 1024, 1280, 1536, 1792, 2048
//
// A request is rounded up to the closest block size of the first pool that
// can hold it. Each pool map spends 4 bits per smallest block. Blocks never
// straddle a map word, which bounds fragmentation to what an odd multiple of
// the smallest block leaves at the end of a word.
//
// An Allocator is not safe for concurrent use.
package mblock

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"unsafe"

	"github.com/cespare/xxhash/v2"
	"github.com/holmberd/go-mblock/internal/nibble"
	"github.com/holmberd/go-mblock/internal/pool"
	"github.com/holmberd/go-mblock/internal/region"
)

type (
	// Reserver obtains the backing region from the host and returns it on Close.
	Reserver = region.Reserver

	// Histogram counts allocated blocks by size; index i holds blocks of
	// i+1 granules.
	Histogram = pool.Histogram

	// PoolInfo describes the geometry of one pool.
	PoolInfo = pool.Info
)

// StatEntry is one bucket of a pool histogram.
type StatEntry struct {
	Pool      int // Pool index, small pool first.
	RunLength int // Block size in granules, 1 to 8.
	Count     int
}

// Allocator owns the reserved region and the pools carved out of it.
type Allocator struct {
	logger         *slog.Logger
	reserver       Reserver
	region         []byte
	pools          []*pool.Pool // Ordered by granule size, smallest first.
	err            Code         // Outcome of the last operation.
	panicOnCorrupt bool
	closed         bool
}

// New reserves memory for an allocator with the given config using the
// platform default reserver.
func New(config Config) (*Allocator, error) {
	return Custom(region.Default(), nil, config)
}

// Custom creates an allocator with a custom reserver and logger.
// A nil logger discards all output.
func Custom(r Reserver, logger *slog.Logger, config Config) (*Allocator, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	size := config.regionSize()
	mem, err := r.Reserve(size)
	if err != nil {
		return nil, fmt.Errorf("mblock: cannot reserve %d bytes: %w", size, err)
	}
	if len(mem) != size {
		if rerr := r.Release(mem); rerr != nil {
			logger.Error("failed to release short region", "error", rerr)
		}
		return nil, fmt.Errorf("mblock: reserver returned %d bytes, want %d", len(mem), size)
	}
	clear(mem)

	a := &Allocator{
		logger:         logger,
		reserver:       r,
		region:         mem,
		pools:          make([]*pool.Pool, 0, len(granuleSizes)),
		panicOnCorrupt: config.PanicOnCorrupt,
	}

	// Each pool takes its map followed by its buffer, small pool first.
	off := 0
	for i, n := range config.mapWords() {
		words := wordsView(mem[off : off+n*wordBytes])
		off += n * wordBytes
		span := granuleSizes[i] * granulesPerWord
		buf := mem[off : off+n*span : off+n*span]
		off += n * span
		a.pools = append(a.pools, pool.New(poolNames[i], granuleSizes[i], words, buf))
	}

	logger.Debug("reserved allocator region",
		"bytes", size,
		"smallWords", a.pools[0].Info().Words,
		"bigWords", a.pools[1].Info().Words,
	)
	return a, nil
}

// wordsView reinterprets b as a slice of tracking words.
// The region start and every map offset are multiples of wordBytes.
func wordsView(b []byte) []nibble.Word {
	if len(b) == 0 {
		return nil
	}
	return unsafe.Slice((*nibble.Word)(unsafe.Pointer(&b[0])), len(b)/wordBytes)
}

// Close releases the reserved region back to the host. Slices returned by
// Alloc must not be used afterwards. Close is idempotent.
func (a *Allocator) Close() error {
	if a.closed {
		return nil
	}
	a.closed = true
	mem := a.region
	a.region = nil
	a.pools = nil
	if err := a.reserver.Release(mem); err != nil {
		a.logger.Error("failed to release allocator region", "error", err)
		return fmt.Errorf("mblock: release region: %w", err)
	}
	a.logger.Debug("released allocator region", "bytes", len(mem))
	return nil
}

// Alloc returns a block of at least size bytes. The returned slice has
// length size and a capacity of the whole block.
//
// On failure it returns ErrTooLarge, ErrNoSpace or an error wrapping
// ErrCorruptMap, and LastError reports the matching code.
// It panics if size is negative.
func (a *Allocator) Alloc(size int) ([]byte, error) {
	if size < 0 {
		panic(fmt.Sprintf("mblock: negative allocation size %d", size))
	}
	if a.closed {
		return nil, ErrClosed
	}

	p := a.route(size)
	if p == nil {
		a.err = CodeTooLarge
		return nil, ErrTooLarge
	}
	off, err := p.Alloc(size)
	if err != nil {
		return nil, a.allocFailed(p, err)
	}
	a.err = CodeOK
	return p.Bytes(off, size), nil
}

// allocFailed records the outcome of a failed pool allocation. Errors the
// pool has no code for mean its map is no longer consistent.
func (a *Allocator) allocFailed(p *pool.Pool, err error) error {
	switch {
	case errors.Is(err, pool.ErrNoSpace):
		a.err = CodeNoSpace
		return ErrNoSpace
	case errors.Is(err, pool.ErrTooLarge):
		a.err = CodeTooLarge
		return ErrTooLarge
	default:
		return a.corrupted(p, err)
	}
}

// route returns the first pool whose largest block covers size.
func (a *Allocator) route(size int) *pool.Pool {
	for _, p := range a.pools {
		if size <= p.MaxBlock() {
			return p
		}
	}
	return nil
}

// Free releases the block that b starts. b must be a slice returned by
// Alloc, or a re-slice of it that starts at the same address, that has not
// been freed yet.
//
// Free returns ErrUnknownAddress if b does not start at a block boundary in
// any pool; no map is modified in that case.
func (a *Allocator) Free(b []byte) error {
	if a.closed {
		return ErrClosed
	}
	if cap(b) == 0 {
		a.err = CodeUnknownAddress
		return ErrUnknownAddress
	}

	addr := uintptr(unsafe.Pointer(unsafe.SliceData(b)))
	for _, p := range a.pools {
		off, ok := p.Offset(addr)
		if !ok {
			continue
		}
		if err := p.Free(off); err != nil {
			if errors.Is(err, pool.ErrOutOfRange) {
				break
			}
			return a.corrupted(p, err)
		}
		a.err = CodeOK
		return nil
	}
	a.err = CodeUnknownAddress
	return ErrUnknownAddress
}

// corrupted records a map corruption detected in p and returns it as an
// error wrapping ErrCorruptMap, or panics if the allocator was configured
// to do so.
func (a *Allocator) corrupted(p *pool.Pool, err error) error {
	a.err = CodeCorruptMap
	a.logger.Error(
		"Occupancy map corruption detected",
		"pool", p.Name(),
		"error", err,
	)
	err = fmt.Errorf("%w: %w", ErrCorruptMap, err)
	if a.panicOnCorrupt {
		panic(err)
	}
	return err
}

// Stats returns the block histogram of every pool, small pool first.
// The last error is only updated if a map fails to decode.
func (a *Allocator) Stats() ([]Histogram, error) {
	if a.closed {
		return nil, ErrClosed
	}
	hs := make([]Histogram, len(a.pools))
	for i, p := range a.pools {
		h, err := p.Scan()
		if err != nil {
			return nil, a.corrupted(p, err)
		}
		hs[i] = h
	}
	return hs, nil
}

// StatEntries returns Stats flattened into one entry per pool and block size.
func (a *Allocator) StatEntries() ([]StatEntry, error) {
	hs, err := a.Stats()
	if err != nil {
		return nil, err
	}
	entries := make([]StatEntry, 0, len(hs)*granulesPerWord)
	for i, h := range hs {
		for n, count := range h {
			entries = append(entries, StatEntry{Pool: i, RunLength: n + 1, Count: count})
		}
	}
	return entries, nil
}

// LastError returns the outcome of the last Alloc or Free call.
func (a *Allocator) LastError() Code {
	return a.err
}

// AllFree reports whether no block is allocated in any pool.
// It returns false once the allocator is closed, since its maps are gone.
func (a *Allocator) AllFree() bool {
	if a.closed {
		return false
	}
	for _, p := range a.pools {
		if !p.AllFree() {
			return false
		}
	}
	return true
}

// Pools returns the geometry of every pool, small pool first, or nil once
// the allocator is closed.
func (a *Allocator) Pools() []PoolInfo {
	if a.closed {
		return nil
	}
	infos := make([]PoolInfo, len(a.pools))
	for i, p := range a.pools {
		infos[i] = p.Info()
	}
	return infos
}

// MapChecksum returns a fingerprint of every pool map. Two calls return the
// same value if and only if (barring hash collisions) no map bit changed.
// It returns 0 once the allocator is closed.
func (a *Allocator) MapChecksum() uint64 {
	if a.closed {
		return 0
	}
	d := xxhash.New()
	var b [8]byte
	for _, p := range a.pools {
		binary.LittleEndian.PutUint64(b[:], p.Checksum())
		d.Write(b[:])
	}
	return d.Sum64()
}
