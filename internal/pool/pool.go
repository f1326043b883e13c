// Package pool implements one size class of the block allocator: a byte
// buffer partitioned into granules and the nibble occupancy map tracking it.
//
// A Pool is not safe for concurrent use.
package pool

import (
	"encoding/binary"
	"errors"
	"fmt"
	"unsafe"

	"github.com/cespare/xxhash/v2"
	"github.com/holmberd/go-mblock/internal/nibble"
)

var (
	ErrNoSpace    = errors.New("pool: no free run large enough")
	ErrTooLarge   = fmt.Errorf("pool: request exceeds %d granules", nibble.MaxRun)
	ErrOutOfRange = errors.New("pool: offset not at a granule in this pool")
)

// Histogram counts allocated runs by length; index i holds runs of i+1 granules.
type Histogram [nibble.MaxRun]int

// Info describes the fixed geometry of a pool.
type Info struct {
	Name          string
	GranuleBytes  int // Bytes tracked by one nibble.
	SpanBytes     int // Bytes tracked by one word; also the largest block.
	Words         int // Tracking words in the map.
	CapacityBytes int // Words * SpanBytes.
}

// Pool owns a map of tracking words and the buffer the map describes.
type Pool struct {
	name    string
	granule int
	span    int
	words   []nibble.Word
	buf     []byte
	base    uintptr // Address of buf[0], zero for an empty pool.
	cursor  int     // Word where the next search begins.
}

// New creates a pool over the given map and buffer views.
// It panics if buf is not exactly len(words) word spans long.
func New(name string, granuleBytes int, words []nibble.Word, buf []byte) *Pool {
	if granuleBytes <= 0 {
		panic(fmt.Sprintf("invalid granule size %d for pool %q", granuleBytes, name))
	}
	span := granuleBytes * nibble.PerWord
	if len(buf) != len(words)*span {
		panic(fmt.Sprintf(
			"pool %q: buffer is %d bytes, map of %d words needs %d",
			name, len(buf), len(words), len(words)*span,
		))
	}
	p := &Pool{
		name:    name,
		granule: granuleBytes,
		span:    span,
		words:   words,
		buf:     buf[:len(buf):len(buf)],
	}
	if len(buf) > 0 {
		p.base = uintptr(unsafe.Pointer(unsafe.SliceData(buf)))
	}
	return p
}

// Info returns the pool geometry.
func (p *Pool) Info() Info {
	return Info{
		Name:          p.name,
		GranuleBytes:  p.granule,
		SpanBytes:     p.span,
		Words:         len(p.words),
		CapacityBytes: len(p.buf),
	}
}

// Name returns the pool name.
func (p *Pool) Name() string { return p.name }

// MaxBlock returns the largest request the pool can satisfy.
func (p *Pool) MaxBlock() int { return p.span }

// Cursor returns the index of the word where the next search begins.
func (p *Pool) Cursor() int { return p.cursor }

// Words returns the live occupancy map. It is intended for dumps and tests.
func (p *Pool) Words() []nibble.Word { return p.words }

// Granules returns the number of granules a request of size bytes occupies.
// A zero-byte request still occupies one granule.
func (p *Pool) Granules(size int) int {
	n := (size + p.granule - 1) / p.granule
	if n < 1 {
		n = 1
	}
	return n
}

// Alloc marks a free run large enough for size bytes and returns the byte
// offset of the run within the pool buffer.
//
// The search is next-fit: it starts at the cursor word, tries each starting
// nibble from left to right and moves on to the next word (wrapping) when
// the run cannot be placed. ErrNoSpace is returned once every word has
// been visited.
func (p *Pool) Alloc(size int) (int, error) {
	n := p.Granules(size)
	if n > nibble.MaxRun {
		return 0, ErrTooLarge
	}
	if len(p.words) == 0 {
		return 0, ErrNoSpace
	}

	first := nibble.AllocMask(n)
	mi, wi, mask := p.cursor, 0, first
	for p.words[mi]&mask != 0 {
		if mask&nibble.Rightmost == 0 {
			mask >>= nibble.Bits
			wi++
			continue
		}
		mi = p.next(mi)
		wi, mask = 0, first
		if mi == p.cursor {
			return 0, ErrNoSpace
		}
	}

	p.words[mi] |= mask
	p.cursor = mi
	if p.words[mi]&nibble.Rightmost != 0 {
		p.cursor = p.next(mi)
	}
	return mi*p.span + wi*p.granule, nil
}

// Free clears the run that starts at the given buffer offset.
// The offset must have been returned by Alloc and not freed since; the map
// cannot tell a stale offset from a live one.
func (p *Pool) Free(off int) error {
	if off < 0 || off >= len(p.buf) || off%p.granule != 0 {
		return ErrOutOfRange
	}
	mi := off / p.span
	wi := (off % p.span) / p.granule
	n, err := nibble.RunLength(p.words[mi], wi)
	if err != nil {
		return fmt.Errorf("pool %s: word %d nibble %d: %w", p.name, mi, wi, err)
	}
	p.words[mi] &^= nibble.SpanMask(wi, n)
	return nil
}

// Bytes returns the buffer view of a run allocated at off for size bytes.
// The slice capacity covers the whole run.
func (p *Pool) Bytes(off, size int) []byte {
	return p.buf[off : off+size : off+p.Granules(size)*p.granule]
}

// Offset reports the buffer offset of addr if it lies inside the pool buffer.
func (p *Pool) Offset(addr uintptr) (int, bool) {
	if p.base == 0 || addr < p.base || addr-p.base >= uintptr(len(p.buf)) {
		return 0, false
	}
	return int(addr - p.base), true
}

// Scan counts every allocated run in the map by length. The map is not
// modified.
func (p *Pool) Scan() (Histogram, error) {
	var h Histogram
	for mi, w := range p.words {
		for wi := 0; wi < nibble.PerWord; {
			if nibble.Value(w, wi) == nibble.Free {
				wi++
				continue
			}
			n, err := nibble.RunLength(w, wi)
			if err != nil {
				return Histogram{}, fmt.Errorf("pool %s: word %d nibble %d: %w", p.name, mi, wi, err)
			}
			h[n-1]++
			wi += n
		}
	}
	return h, nil
}

// AllFree reports whether no run is allocated.
func (p *Pool) AllFree() bool {
	for _, w := range p.words {
		if w != 0 {
			return false
		}
	}
	return true
}

// Checksum returns a fingerprint of the occupancy map.
func (p *Pool) Checksum() uint64 {
	d := xxhash.New()
	var b [4]byte
	for _, w := range p.words {
		binary.LittleEndian.PutUint32(b[:], w)
		d.Write(b[:])
	}
	return d.Sum64()
}

func (p *Pool) next(mi int) int {
	if mi++; mi < len(p.words) {
		return mi
	}
	return 0
}
