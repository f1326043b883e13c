package main

import (
	"errors"
	"fmt"

	"github.com/BurntSushi/toml"

	"github.com/holmberd/go-mblock"
)

// Script is a scenario described in a TOML file:
//
//	name = "mixed"
//	small_k = 2
//	big_k = 1
//
//	[[steps]]
//	alloc = [128, 64, 48]
//	repeat = 4
//
//	[[steps]]
//	alloc = [9000]
//	expect = "TooLarge"
//
//	[[steps]]
//	free = "all"
type Script struct {
	Name        string `toml:"name"`
	Description string `toml:"description"`
	SmallK      *int   `toml:"small_k"`
	BigK        *int   `toml:"big_k"`
	Steps       []Step `toml:"steps"`
}

// Step allocates a list of sizes, frees live blocks, or both (allocation first).
type Step struct {
	Alloc  []int `toml:"alloc"`
	Repeat int   `toml:"repeat"` // Times to allocate the list, default 1.

	// UntilFail cycles through the list until an allocation fails.
	UntilFail bool `toml:"until_fail"`

	// Expect names the code every allocation must end with, or with
	// UntilFail the code that ends the loop. Defaults are OK and NoSpace.
	Expect string `toml:"expect"`

	Free string `toml:"free"` // "all" or "alternate".
	Dump bool   `toml:"dump"`
}

// loadScript reads and validates a scenario script.
func loadScript(path string) (*Script, error) {
	var s Script
	md, err := toml.DecodeFile(path, &s)
	if err != nil {
		return nil, fmt.Errorf("read script %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("script %s: unknown keys %v", path, undecoded)
	}
	if s.Name == "" {
		s.Name = path
	}
	if err := s.validate(); err != nil {
		return nil, fmt.Errorf("script %s: %w", path, err)
	}
	return &s, nil
}

func (s *Script) validate() error {
	var errs []error
	if len(s.Steps) == 0 {
		errs = append(errs, errors.New("no steps"))
	}
	for i, st := range s.Steps {
		if len(st.Alloc) == 0 && st.Free == "" && !st.Dump {
			errs = append(errs, fmt.Errorf("step %d: nothing to do", i+1))
		}
		for _, size := range st.Alloc {
			if size < 0 {
				errs = append(errs, fmt.Errorf("step %d: negative size %d", i+1, size))
			}
		}
		if st.Repeat < 0 {
			errs = append(errs, fmt.Errorf("step %d: negative repeat %d", i+1, st.Repeat))
		}
		if st.UntilFail && st.Repeat > 0 {
			errs = append(errs, fmt.Errorf("step %d: repeat and until_fail are exclusive", i+1))
		}
		if st.Expect != "" {
			if _, ok := parseCode(st.Expect); !ok {
				errs = append(errs, fmt.Errorf("step %d: unknown code %q", i+1, st.Expect))
			}
		}
		switch st.Free {
		case "", "all", "alternate":
		default:
			errs = append(errs, fmt.Errorf("step %d: unknown free mode %q", i+1, st.Free))
		}
	}
	return errors.Join(errs...)
}

func parseCode(name string) (mblock.Code, bool) {
	for c := mblock.CodeOK; c <= mblock.CodeCorruptMap; c++ {
		if c.String() == name {
			return c, true
		}
	}
	return 0, false
}

// Scenario turns the script into a runnable scenario. Capacities set in the
// script override those given on the command line.
func (s *Script) Scenario(config mblock.Config) Scenario {
	if s.SmallK != nil {
		config.SmallCapacityK = *s.SmallK
	}
	if s.BigK != nil {
		config.BigCapacityK = *s.BigK
	}
	return Scenario{
		Name:        s.Name,
		Description: s.Description,
		Config:      &config,
		Run:         s.run,
	}
}

func (s *Script) run(h *harness) error {
	for i, st := range s.Steps {
		if err := st.run(h); err != nil {
			return fmt.Errorf("step %d: %w", i+1, err)
		}
	}
	return nil
}

func (st Step) run(h *harness) error {
	if len(st.Alloc) > 0 {
		var err error
		if st.UntilFail {
			err = st.allocUntilFail(h)
		} else {
			err = st.allocRepeat(h)
		}
		if err != nil {
			return err
		}
	}
	if st.Dump {
		if err := h.snapshot(); err != nil {
			return err
		}
	}
	switch st.Free {
	case "all":
		return h.freeAll()
	case "alternate":
		return h.freeAlternate()
	}
	return nil
}

func (st Step) expected(fallback mblock.Code) mblock.Code {
	if c, ok := parseCode(st.Expect); ok {
		return c
	}
	return fallback
}

func (st Step) allocRepeat(h *harness) error {
	want := st.expected(mblock.CodeOK)
	repeat := max(st.Repeat, 1)
	for range repeat {
		for _, size := range st.Alloc {
			_, err := h.alloc(size)
			if got := mblock.CodeFromError(err); got != want {
				return fmt.Errorf("alloc %d bytes: got %v, want %v", size, got, want)
			}
		}
	}
	return nil
}

func (st Step) allocUntilFail(h *harness) error {
	want := st.expected(mblock.CodeNoSpace)
	for i := 0; ; i++ {
		size := st.Alloc[i%len(st.Alloc)]
		if _, err := h.alloc(size); err != nil {
			if got := mblock.CodeFromError(err); got != want {
				return fmt.Errorf("alloc %d bytes after %d blocks: got %v, want %v", size, i, got, want)
			}
			printVerbose(h.w, "%d blocks allocated before %v\n", i, want)
			return nil
		}
	}
}
