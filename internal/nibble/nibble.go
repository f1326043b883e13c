// Package nibble encodes and decodes allocation runs inside a single
// occupancy-map tracking word.
//
// A tracking word holds PerWord 4-bit nibbles, numbered from the most
// significant end. A free granule is 0x0. An allocated run of K granules is
// written as K-1 interior nibbles of 0xF followed by a terminal nibble of 0x1.
package nibble

import "errors"

// Word is one tracking word of an occupancy map.
type Word = uint32

const (
	Bits    = 4         // Bits per nibble.
	PerWord = 32 / Bits // Nibbles per tracking word.
	MaxRun  = PerWord   // Longest run that fits in one word.
)

const (
	Free Word = 0x0 // Free granule.
	Mark Word = 0xF // Interior granule of a run.
	End  Word = 0x1 // Last granule of a run.

	Leftmost  Word = 0xF0000000
	Rightmost Word = 0x0000000F
)

// ErrCorrupt is returned when a run has no terminal nibble before the end
// of its word.
var ErrCorrupt = errors.New("nibble: run has no terminal marker")

// Value returns nibble i of w, where nibble 0 is the most significant.
func Value(w Word, i int) Word {
	return (w >> shift(i)) & 0xF
}

// AllocMask returns the run pattern for n granules anchored at nibble 0.
// It panics if n is outside [1, MaxRun].
func AllocMask(n int) Word {
	if n < 1 || n > MaxRun {
		panic("nibble: run length out of range")
	}
	m := End << shift(0)
	for i := 1; i < n; i++ {
		m >>= Bits
		m |= Mark << shift(0)
	}
	return m
}

// SpanMask returns a mask with every bit of nibbles [start, start+n) set.
func SpanMask(start, n int) Word {
	m := Leftmost >> (start * Bits)
	for i := 1; i < n; i++ {
		m |= m >> Bits
	}
	return m
}

// RunLength scans w from nibble start until it finds a terminal nibble and
// returns the number of nibbles scanned, terminal included.
func RunLength(w Word, start int) (int, error) {
	for i := start; i < PerWord; i++ {
		if Value(w, i) == End {
			return i - start + 1, nil
		}
	}
	return 0, ErrCorrupt
}

func shift(i int) int {
	return (PerWord - 1 - i) * Bits
}
