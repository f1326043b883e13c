package mblock

import (
	"fmt"
	"io"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

const wordsPerLine = 8

// DumpMap writes every pool map as rows of hexadecimal tracking words for
// debugging purposes. A closed allocator writes nothing.
func (a *Allocator) DumpMap(w io.Writer) {
	title := cases.Title(language.English)
	for _, p := range a.pools {
		fmt.Fprintf(w, "-------- %s Block Map --------\n", title.String(p.Name()))
		words := p.Words()
		for i, word := range words {
			fmt.Fprintf(w, "%08X ", word)
			if (i+1)%wordsPerLine == 0 {
				fmt.Fprintln(w)
			}
		}
		if len(words)%wordsPerLine != 0 {
			fmt.Fprintln(w)
		}
	}
}

// DumpStats writes the block histogram of every pool for debugging purposes.
// Unlike Stats it never updates the last error.
func (a *Allocator) DumpStats(w io.Writer) error {
	if a.closed {
		return ErrClosed
	}
	pr := message.NewPrinter(language.English)
	pr.Fprintf(w, "\n---- Block Allocation Statistics ----\n")
	for _, p := range a.pools {
		h, err := p.Scan()
		if err != nil {
			return fmt.Errorf("%w: %w", ErrCorruptMap, err)
		}
		pr.Fprintf(w, "-- %5s blocks :", p.Name())
		for _, n := range h {
			pr.Fprintf(w, " %7d", n)
		}
		pr.Fprintf(w, "\n")
	}
	return nil
}
