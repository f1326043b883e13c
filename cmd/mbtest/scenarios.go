package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/holmberd/go-mblock"
	"github.com/holmberd/go-mblock/internal/region"
)

var errNotAllFree = errors.New("blocks are still allocated after freeing every block")

// Scenario is a named allocation workload run against a fresh allocator.
type Scenario struct {
	Name        string
	Description string
	Config      *mblock.Config // Overrides the command line capacities when set.
	Run         func(h *harness) error
}

var builtinScenarios = []Scenario{
	{
		Name:        "basic",
		Description: "Allocate, write, verify and free a mix of sizes across both pools",
		Run:         runBasic,
	},
	{
		Name:        "fill",
		Description: "Allocate every smallest block of both pools, then free them",
		Run:         runFill,
	},
	{
		Name:        "gaps",
		Description: "Allocate cycling sizes until each pool is full, then fill the gaps with smaller blocks",
		Run:         runGaps,
	},
}

func findScenario(name string) (Scenario, bool) {
	for _, s := range builtinScenarios {
		if s.Name == name {
			return s, true
		}
	}
	return Scenario{}, false
}

// harness tracks the live blocks of one scenario run.
type harness struct {
	a      *mblock.Allocator
	w      io.Writer
	dump   bool
	blocks [][]byte
}

// fill writes a size dependent pattern that is not a multiple of any block size.
func fill(b []byte) {
	for i := range b {
		b[i] = byte((len(b) - i) % 100)
	}
}

func verify(b []byte) error {
	for i := range b {
		if want := byte((len(b) - i) % 100); b[i] != want {
			return fmt.Errorf("%d byte block corrupted at byte %d: got %d, want %d", len(b), i, b[i], want)
		}
	}
	return nil
}

// alloc allocates and fills a block, recording it as live.
func (h *harness) alloc(size int) ([]byte, error) {
	b, err := h.a.Alloc(size)
	if err != nil {
		return nil, err
	}
	fill(b)
	h.blocks = append(h.blocks, b)
	return b, nil
}

// release verifies and frees b.
func (h *harness) release(b []byte) error {
	if err := verify(b); err != nil {
		return err
	}
	if err := h.a.Free(b); err != nil {
		return fmt.Errorf("free %d byte block: %w", len(b), err)
	}
	return nil
}

// freeAll verifies and frees every live block and checks that both pools
// are empty afterwards.
func (h *harness) freeAll() error {
	for _, b := range h.blocks {
		if err := h.release(b); err != nil {
			return err
		}
	}
	h.blocks = h.blocks[:0]
	if !h.a.AllFree() {
		return errNotAllFree
	}
	return nil
}

// freeAlternate verifies and frees every other live block, starting with the first.
func (h *harness) freeAlternate() error {
	kept := h.blocks[:0]
	for i, b := range h.blocks {
		if i%2 == 1 {
			kept = append(kept, b)
			continue
		}
		if err := h.release(b); err != nil {
			return err
		}
	}
	h.blocks = kept
	return nil
}

// snapshot writes the maps and statistics when dumping is enabled.
func (h *harness) snapshot() error {
	if !h.dump {
		return nil
	}
	h.a.DumpMap(h.w)
	return h.a.DumpStats(h.w)
}

func runBasic(h *harness) error {
	sizes := []int{
		128, 64, 48, 48, 64, 128, 16, 64, 48, 128,
		48, 48, 64, 64, 80, 80, 256, 300, 129, 9000,
	}
	for _, size := range sizes {
		if _, err := h.alloc(size); err != nil {
			if !errors.Is(err, mblock.ErrTooLarge) {
				return fmt.Errorf("alloc %d bytes: %w", size, err)
			}
			fmt.Fprintf(h.w, "Alloc size: %d  Error: %s\n", size, mblock.ErrorMessage(h.a.LastError()))
		}
	}
	if err := h.snapshot(); err != nil {
		return err
	}
	return h.freeAll()
}

func runFill(h *harness) error {
	for _, info := range h.a.Pools() {
		n := info.Words * info.SpanBytes / info.GranuleBytes
		for i := range n {
			if _, err := h.alloc(info.GranuleBytes); err != nil {
				return fmt.Errorf("%s pool: block %d of %d: %w", info.Name, i, n, err)
			}
		}
		if _, err := h.a.Alloc(info.GranuleBytes); !errors.Is(err, mblock.ErrNoSpace) {
			return fmt.Errorf("%s pool: expected no space after %d blocks, got %v", info.Name, n, err)
		}
	}
	if err := h.snapshot(); err != nil {
		return err
	}
	return h.freeAll()
}

func runGaps(h *harness) error {
	pools := h.a.Pools()

	// Cycle through every block size of a pool until the pool is full.
	for _, info := range pools {
		for i := 0; ; i++ {
			size := info.GranuleBytes * (i%8 + 1)
			if _, err := h.alloc(size); err != nil {
				if !errors.Is(err, mblock.ErrNoSpace) {
					return fmt.Errorf("%s pool: alloc %d bytes: %w", info.Name, size, err)
				}
				break
			}
		}
	}
	if err := h.snapshot(); err != nil {
		return err
	}

	// Fill the gaps with smaller and smaller blocks, big pool first.
	for i := len(pools) - 1; i >= 0; i-- {
		info := pools[i]
		for size := info.SpanBytes; size > 0; size -= info.GranuleBytes {
			for {
				if _, err := h.alloc(size); err != nil {
					if !errors.Is(err, mblock.ErrNoSpace) {
						return fmt.Errorf("%s pool: alloc %d bytes: %w", info.Name, size, err)
					}
					break
				}
			}
		}
	}

	// Every granule of every pool is now in use.
	hs, err := h.a.Stats()
	if err != nil {
		return err
	}
	for i, hist := range hs {
		used := 0
		for n, count := range hist {
			used += (n + 1) * count
		}
		if total := pools[i].CapacityBytes / pools[i].GranuleBytes; used != total {
			return fmt.Errorf("%s pool: %d of %d granules in use after filling gaps", pools[i].Name, used, total)
		}
	}
	if err := h.snapshot(); err != nil {
		return err
	}
	return h.freeAll()
}

// runOptions controls how scenarios are run.
type runOptions struct {
	reserver mblock.Reserver // Platform default when nil.
	logger   *slog.Logger
	dump     bool // Print maps and statistics at checkpoints.
	checksum bool // Print the map checksum before and after the scenario.
}

// runScenario runs s against a fresh allocator and checks that the maps end
// up exactly as they started.
func runScenario(s Scenario, config mblock.Config, opts runOptions, w io.Writer) (err error) {
	if s.Config != nil {
		config = *s.Config
	}
	r := opts.reserver
	if r == nil {
		r = region.Default()
	}
	a, err := mblock.Custom(r, opts.logger, config)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.Close(); cerr != nil {
			err = errors.Join(err, fmt.Errorf("scenario %s: %w", s.Name, cerr))
		}
	}()

	initial := a.MapChecksum()
	if opts.checksum {
		fmt.Fprintf(w, "%s: initial map checksum %016x\n", s.Name, initial)
	}

	h := &harness{a: a, w: w, dump: opts.dump}
	if err := s.Run(h); err != nil {
		return fmt.Errorf("scenario %s: %w", s.Name, err)
	}
	final := a.MapChecksum()
	if opts.checksum {
		fmt.Fprintf(w, "%s: final map checksum %016x\n", s.Name, final)
	}
	if final != initial {
		return fmt.Errorf("scenario %s: map checksum %016x, want %016x", s.Name, final, initial)
	}
	return nil
}
