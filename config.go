package mblock

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/holmberd/go-mblock/internal/nibble"
)

const (
	KiB = 1024

	SmallGranule = 16  // Bytes tracked by one nibble of the small pool map.
	BigGranule   = 256 // Bytes tracked by one nibble of the big pool map.

	granulesPerWord = nibble.PerWord
	wordBytes       = 4 // Size of a tracking word in the region.
)

// granuleSizes holds the pool granules ordered from smallest to largest.
// Requests are routed to the first pool whose word span covers them.
var granuleSizes = [2]int{
	SmallGranule,
	BigGranule,
}

var poolNames = [len(granuleSizes)]string{"small", "big"}

func init() {
	// Runtime assertion.
	if !sort.IntsAreSorted(granuleSizes[:]) {
		panic(errors.New("granule sizes must be sorted in ascending order"))
	}
}

type Config struct {
	// Capacities are given in units of 1024 smallest blocks (granules) of the
	// pool, e.g. SmallCapacityK = 2 gives 2048 blocks of 16 bytes.
	SmallCapacityK int
	BigCapacityK   int

	// PanicOnCorrupt makes the allocator panic instead of returning
	// ErrCorruptMap when an occupancy map fails to decode.
	PanicOnCorrupt bool
}

func (c Config) capacities() [len(granuleSizes)]int {
	return [len(granuleSizes)]int{c.SmallCapacityK, c.BigCapacityK}
}

// mapWords returns the number of tracking words for each pool.
func (c Config) mapWords() [len(granuleSizes)]int {
	var words [len(granuleSizes)]int
	for i, k := range c.capacities() {
		words[i] = k * KiB / granulesPerWord
	}
	return words
}

// regionSize returns the bytes needed for every pool map and buffer.
func (c Config) regionSize() int {
	size := 0
	for i, n := range c.mapWords() {
		size += n * (wordBytes + granuleSizes[i]*granulesPerWord)
	}
	return size
}

// bytesPerK returns the region bytes one unit of capacity adds to pool i.
func bytesPerK(i int) int {
	return KiB / granulesPerWord * (wordBytes + granuleSizes[i]*granulesPerWord)
}

func (c Config) Validate() error {
	var errs []error
	var total, used int
	for i, k := range c.capacities() {
		limit := math.MaxInt / bytesPerK(i)
		switch {
		case k < 0:
			errs = append(errs, fmt.Errorf("invalid config: %s pool capacity %d must not be negative", poolNames[i], k))
		case k > limit:
			errs = append(errs, fmt.Errorf("invalid config: %s pool capacity %d exceeds %d", poolNames[i], k, limit))
		case used > math.MaxInt-k*bytesPerK(i):
			errs = append(errs, errors.New("invalid config: combined pool capacity overflows the region size"))
		default:
			total += k
			used += k * bytesPerK(i)
		}
	}
	if total == 0 && len(errs) == 0 {
		errs = append(errs, errors.New("invalid config: at least one pool must have capacity"))
	}
	return errors.Join(errs...)
}

func DefaultConfig() Config {
	return Config{
		SmallCapacityK: 2, // 2048 blocks of 16 bytes, 256KiB.
		BigCapacityK:   1, // 1024 blocks of 256 bytes, 256KiB.
	}
}
