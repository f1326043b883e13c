package mblock

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"math/rand"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	"github.com/holmberd/go-mblock/internal/pool"
	"github.com/holmberd/go-mblock/internal/testutils"
)

// newTestAllocator is a helper for creating an allocator over a mock
// reserver that is closed when the test ends.
func newTestAllocator(t *testing.T, config Config) (*Allocator, *testutils.MockReserver) {
	t.Helper()
	r := &testutils.MockReserver{}
	discardLogger := slog.New(slog.NewTextHandler(io.Discard, nil)) // Discard logs during testing.
	a, err := Custom(r, discardLogger, config)
	require.NoError(t, err)
	t.Cleanup(func() {
		a.Close()
	})
	return a, r
}

func addr(b []byte) uintptr {
	return uintptr(unsafe.Pointer(unsafe.SliceData(b)))
}

// fill writes a size dependent pattern that is not a multiple of any block size.
func fill(b []byte) {
	for i := range b {
		b[i] = byte((len(b) - i) % 100)
	}
}

func verify(t *testing.T, b []byte) {
	t.Helper()
	for i := range b {
		require.Equal(t, byte((len(b)-i)%100), b[i], "byte %d of %d byte block", i, len(b))
	}
}

func TestNew(t *testing.T) {
	t.Run("Default config geometry", func(t *testing.T) {
		a, r := newTestAllocator(t, DefaultConfig())
		require.Equal(t, 256*(4+128)+128*(4+2048), r.LastSize())
		expected := []PoolInfo{
			{Name: "small", GranuleBytes: 16, SpanBytes: 128, Words: 256, CapacityBytes: 256 * 128},
			{Name: "big", GranuleBytes: 256, SpanBytes: 2048, Words: 128, CapacityBytes: 128 * 2048},
		}
		require.Equal(t, expected, a.Pools())
		require.True(t, a.AllFree())
		require.Equal(t, CodeOK, a.LastError())
	})

	t.Run("Platform reserver", func(t *testing.T) {
		a, err := New(DefaultConfig())
		require.NoError(t, err)
		b, err := a.Alloc(100)
		require.NoError(t, err)
		fill(b)
		verify(t, b)
		require.NoError(t, a.Free(b))
		require.NoError(t, a.Close())
	})

	t.Run("Dirty region is zeroed", func(t *testing.T) {
		r := &testutils.MockReserver{Dirty: true}
		a, err := Custom(r, nil, DefaultConfig())
		require.NoError(t, err)
		defer a.Close()
		require.True(t, a.AllFree(), "maps over a dirty region must be cleared")
	})

	t.Run("Invalid config", func(t *testing.T) {
		r := &testutils.MockReserver{}
		_, err := Custom(r, nil, Config{SmallCapacityK: -1})
		require.Error(t, err)
		require.Zero(t, r.ReserveCalls(), "invalid config must not reserve")
	})

	t.Run("Reserve failure", func(t *testing.T) {
		r := &testutils.MockReserver{FailReserve: true}
		_, err := Custom(r, nil, DefaultConfig())
		require.ErrorIs(t, err, testutils.ErrMockReserve)
	})

	t.Run("Single pool", func(t *testing.T) {
		a, _ := newTestAllocator(t, Config{BigCapacityK: 1})
		_, err := a.Alloc(16)
		require.ErrorIs(t, err, ErrNoSpace, "empty small pool")
		b, err := a.Alloc(200)
		require.NoError(t, err)
		require.NoError(t, a.Free(b))
	})
}

func TestAllocAndFree(t *testing.T) {
	t.Run("Two small blocks", func(t *testing.T) {
		a, _ := newTestAllocator(t, Config{SmallCapacityK: 2, BigCapacityK: 1})
		b1, err := a.Alloc(128)
		require.NoError(t, err)
		b2, err := a.Alloc(64)
		require.NoError(t, err)
		require.False(t, addr(b1)+uintptr(cap(b1)) > addr(b2) && addr(b2)+uintptr(cap(b2)) > addr(b1),
			"blocks overlap: %#x+%d and %#x+%d", addr(b1), cap(b1), addr(b2), cap(b2))
		require.EqualValues(t, 128, addr(b2)-addr(b1), "second block belongs in the next map word")
		require.NoError(t, a.Free(b1))
		require.NoError(t, a.Free(b2))
		require.True(t, a.AllFree())
	})

	t.Run("Length and capacity", func(t *testing.T) {
		a, _ := newTestAllocator(t, DefaultConfig())
		testCases := []struct {
			size, cap int
		}{
			{0, 16}, {1, 16}, {17, 32}, {128, 128}, {129, 256}, {300, 512}, {2048, 2048},
		}
		for _, tc := range testCases {
			b, err := a.Alloc(tc.size)
			require.NoError(t, err, "alloc %d bytes", tc.size)
			require.Len(t, b, tc.size)
			require.Equal(t, tc.cap, cap(b), "capacity of a %d byte block", tc.size)
			require.NoError(t, a.Free(b))
		}
	})

	t.Run("Round trip leaves maps unchanged", func(t *testing.T) {
		a, _ := newTestAllocator(t, DefaultConfig())
		keep, err := a.Alloc(40) // Maps are not empty during the round trips.
		require.NoError(t, err)
		for size := 0; size <= BigGranule*granulesPerWord; size++ {
			before := a.MapChecksum()
			b, err := a.Alloc(size)
			require.NoError(t, err, "alloc %d bytes", size)
			require.NoError(t, a.Free(b), "free %d bytes", size)
			require.Equal(t, before, a.MapChecksum(), "map checksum after freeing %d bytes", size)
		}
		require.NoError(t, a.Free(keep))
		require.True(t, a.AllFree())
	})

	t.Run("Re-sliced block frees from its start", func(t *testing.T) {
		a, _ := newTestAllocator(t, DefaultConfig())
		b, err := a.Alloc(64)
		require.NoError(t, err)
		require.NoError(t, a.Free(b[:0]))
		require.True(t, a.AllFree())
	})

	t.Run("Data survives neighbouring allocations", func(t *testing.T) {
		a, _ := newTestAllocator(t, DefaultConfig())
		sizes := []int{128, 64, 48, 48, 64, 128, 16, 64, 48, 128, 48, 48, 64, 64, 80, 80, 256, 300, 129}
		blocks := make([][]byte, 0, len(sizes))
		for _, size := range sizes {
			b, err := a.Alloc(size)
			require.NoError(t, err, "alloc %d bytes", size)
			fill(b)
			blocks = append(blocks, b)
		}
		for _, b := range blocks {
			verify(t, b)
			require.NoError(t, a.Free(b))
		}
		require.True(t, a.AllFree())
	})
}

func TestAllocRouting(t *testing.T) {
	a, _ := newTestAllocator(t, DefaultConfig())
	small, big := a.Pools()[0], a.Pools()[1]

	testCases := []struct {
		name     string
		size     int
		expected string
	}{
		{"Largest small block", small.SpanBytes, "small"},
		{"Smallest big request", small.SpanBytes + 1, "big"},
		{"Largest big block", big.SpanBytes, "big"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			b, err := a.Alloc(tc.size)
			require.NoError(t, err)
			defer a.Free(b)
			got := "small"
			if _, ok := a.pools[1].Offset(addr(b)); ok {
				got = "big"
			}
			require.Equal(t, tc.expected, got, "pool serving %d bytes", tc.size)
		})
	}

	t.Run("Too large", func(t *testing.T) {
		before := a.MapChecksum()
		b, err := a.Alloc(big.SpanBytes + 1)
		require.ErrorIs(t, err, ErrTooLarge)
		require.Nil(t, b)
		require.Equal(t, CodeTooLarge, a.LastError())
		require.Equal(t, before, a.MapChecksum(), "maps must be unchanged")
	})

	t.Run("Negative size panics", func(t *testing.T) {
		require.Panics(t, func() { a.Alloc(-1) })
	})
}

func TestAllocFailure(t *testing.T) {
	a, _ := newTestAllocator(t, DefaultConfig())
	p := a.pools[0]

	testCases := []struct {
		name     string
		poolErr  error
		expected error
		code     Code
	}{
		{"No space", pool.ErrNoSpace, ErrNoSpace, CodeNoSpace},
		{"Too large", pool.ErrTooLarge, ErrTooLarge, CodeTooLarge},
		{"Unexpected pool error", errors.New("pool: cursor past the map"), ErrCorruptMap, CodeCorruptMap},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := a.allocFailed(p, tc.poolErr)
			require.ErrorIs(t, err, tc.expected)
			require.Equal(t, tc.code, a.LastError())
		})
	}

	t.Run("Unexpected pool error is kept", func(t *testing.T) {
		poolErr := errors.New("pool: cursor past the map")
		err := a.allocFailed(p, poolErr)
		require.ErrorIs(t, err, poolErr)
		require.ErrorContains(t, err, "cursor past the map")
		require.NotErrorIs(t, err, ErrTooLarge)
	})
}

func TestAllocCapacity(t *testing.T) {
	a, _ := newTestAllocator(t, DefaultConfig())
	for i, info := range a.Pools() {
		n := info.Words * granulesPerWord
		blocks := make([][]byte, 0, n)
		for j := range n {
			b, err := a.Alloc(info.GranuleBytes)
			require.NoError(t, err, "pool %d: allocation %d of %d", i, j, n)
			blocks = append(blocks, b)
		}
		_, err := a.Alloc(info.GranuleBytes)
		require.ErrorIs(t, err, ErrNoSpace, "pool %d after %d blocks", i, n)
		require.Equal(t, CodeNoSpace, a.LastError())

		hs, err := a.Stats()
		require.NoError(t, err)
		require.Equal(t, n, hs[i][0], "pool %d single blocks", i)
		for _, b := range blocks {
			require.NoError(t, a.Free(b))
		}
	}
	require.True(t, a.AllFree())
}

func TestNoOverlap(t *testing.T) {
	a, _ := newTestAllocator(t, Config{SmallCapacityK: 1, BigCapacityK: 1})
	rng := rand.New(rand.NewSource(7)) // Fixed seed for reproducibility.

	type span struct{ start, end uintptr }
	var spans []span
	for range 4096 {
		size := rng.Intn(BigGranule * granulesPerWord)
		b, err := a.Alloc(size)
		if err != nil {
			require.ErrorIs(t, err, ErrNoSpace)
			continue
		}
		s := span{addr(b), addr(b) + uintptr(cap(b))}
		for _, o := range spans {
			require.False(t, s.start < o.end && o.start < s.end,
				"blocks overlap: [%#x,%#x) and [%#x,%#x)", s.start, s.end, o.start, o.end)
		}
		spans = append(spans, s)
	}
	require.NotEmpty(t, spans)
}

func TestFreeUnknownAddress(t *testing.T) {
	a, _ := newTestAllocator(t, DefaultConfig())
	b, err := a.Alloc(32)
	require.NoError(t, err)
	before := a.MapChecksum()

	testCases := []struct {
		name string
		b    []byte
	}{
		{"Nil slice", nil},
		{"Foreign slice", make([]byte, 16)},
		{"Not at a block boundary", b[1:]},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			require.ErrorIs(t, a.Free(tc.b), ErrUnknownAddress)
			require.Equal(t, CodeUnknownAddress, a.LastError())
			require.Equal(t, before, a.MapChecksum(), "maps must be unchanged")
		})
	}

	require.NoError(t, a.Free(b))
	require.Equal(t, CodeOK, a.LastError(), "a successful free resets the last error")
}

func TestStats(t *testing.T) {
	a, _ := newTestAllocator(t, DefaultConfig())
	for _, info := range a.Pools() {
		for n := 1; n <= granulesPerWord; n++ {
			_, err := a.Alloc(n * info.GranuleBytes)
			require.NoError(t, err, "alloc %d granules from %s pool", n, info.Name)
		}
	}

	hs, err := a.Stats()
	require.NoError(t, err)
	expected := Histogram{1, 1, 1, 1, 1, 1, 1, 1}
	require.Equal(t, []Histogram{expected, expected}, hs)

	entries, err := a.StatEntries()
	require.NoError(t, err)
	require.Len(t, entries, 2*granulesPerWord)
	for i, e := range entries {
		require.Equal(t, StatEntry{Pool: i / granulesPerWord, RunLength: i%granulesPerWord + 1, Count: 1}, e)
	}
}

func TestCorruptMap(t *testing.T) {
	setup := func(t *testing.T, config Config) (*Allocator, []byte, *bytes.Buffer) {
		t.Helper()
		var logs bytes.Buffer
		a, err := Custom(&testutils.MockReserver{}, slog.New(slog.NewTextHandler(&logs, nil)), config)
		require.NoError(t, err)
		t.Cleanup(func() { a.Close() })
		b, err := a.Alloc(48)
		require.NoError(t, err)
		a.pools[0].Words()[0] = 0xFFF00000 // Run without a terminal nibble.
		return a, b, &logs
	}

	t.Run("Free", func(t *testing.T) {
		a, b, logs := setup(t, DefaultConfig())
		require.ErrorIs(t, a.Free(b), ErrCorruptMap)
		require.Equal(t, CodeCorruptMap, a.LastError())
		require.EqualValues(t, 0xFFF00000, a.pools[0].Words()[0], "corrupt word must be left as is")
		require.Contains(t, logs.String(), "Occupancy map corruption detected")
	})

	t.Run("Stats", func(t *testing.T) {
		a, _, _ := setup(t, DefaultConfig())
		_, err := a.Stats()
		require.ErrorIs(t, err, ErrCorruptMap)
		require.Equal(t, CodeCorruptMap, a.LastError())
		require.Equal(t, CodeCorruptMap, CodeFromError(a.DumpStats(io.Discard)))
	})

	t.Run("Panic on corrupt", func(t *testing.T) {
		config := DefaultConfig()
		config.PanicOnCorrupt = true
		a, b, _ := setup(t, config)
		defer func() {
			err, ok := recover().(error)
			require.True(t, ok, "expected a panic with an error value")
			require.ErrorIs(t, err, ErrCorruptMap)
		}()
		a.Free(b)
	})
}

func TestClose(t *testing.T) {
	r := &testutils.MockReserver{}
	a, err := Custom(r, nil, DefaultConfig())
	require.NoError(t, err)
	require.EqualValues(t, 1, r.Outstanding())

	live, err := a.Alloc(32)
	require.NoError(t, err)
	require.NoError(t, a.Close())
	require.NoError(t, a.Close(), "second close is a no-op")
	require.EqualValues(t, 1, r.ReleaseCalls())

	t.Run("Operations report closed", func(t *testing.T) {
		_, err := a.Alloc(16)
		require.ErrorIs(t, err, ErrClosed)
		require.ErrorIs(t, a.Free(live), ErrClosed)
		_, err = a.Stats()
		require.ErrorIs(t, err, ErrClosed)
		_, err = a.StatEntries()
		require.ErrorIs(t, err, ErrClosed)
		require.ErrorIs(t, a.DumpStats(io.Discard), ErrClosed)
		require.Equal(t, CodeOK, a.LastError(), "closed calls record no code")
	})

	t.Run("Diagnostics do not report an empty allocator", func(t *testing.T) {
		require.False(t, a.AllFree())
		require.Nil(t, a.Pools())
		require.Zero(t, a.MapChecksum())
		var buf bytes.Buffer
		a.DumpMap(&buf)
		require.Zero(t, buf.Len())
	})

	t.Run("Release failure", func(t *testing.T) {
		r := &testutils.MockReserver{FailRelease: true}
		a, err := Custom(r, nil, DefaultConfig())
		require.NoError(t, err)
		require.ErrorIs(t, a.Close(), testutils.ErrMockRelease)
		require.NoError(t, a.Close(), "a failed release is not retried")
		require.EqualValues(t, 1, r.ReleaseCalls())
	})
}

func TestErrorMessage(t *testing.T) {
	testCases := []struct {
		code    Code
		name    string
		message string
		err     error
	}{
		{CodeOK, "OK", "OK", nil},
		{CodeNoSpace, "NoSpace", "No available memory for last allocation", ErrNoSpace},
		{CodeTooLarge, "TooLarge", "Requested memory allocation too big for memory spaces", ErrTooLarge},
		{CodeUnknownAddress, "UnknownAddress", "Referenced memory not in mblock space", ErrUnknownAddress},
		{CodeCorruptMap, "CorruptMap", "Map space is corrupted", ErrCorruptMap},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.name, tc.code.String())
			require.Equal(t, tc.message, ErrorMessage(tc.code))
			require.Equal(t, tc.err, tc.code.Err())
			require.Equal(t, tc.code, CodeFromError(tc.code.Err()))
		})
	}

	t.Run("Invalid code", func(t *testing.T) {
		require.Empty(t, ErrorMessage(codeLast))
		require.Equal(t, "Code(42)", Code(42).String())
	})
}
