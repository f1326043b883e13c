package mblock

import (
	"errors"
	"fmt"
)

// Code is the outcome of the last Alloc or Free call (or of a failed Stats call).
type Code uint8

const (
	CodeOK Code = iota
	CodeNoSpace
	CodeTooLarge
	CodeUnknownAddress
	CodeCorruptMap
	codeLast
)

var (
	ErrNoSpace        = errors.New("mblock: no available memory for allocation")
	ErrTooLarge       = fmt.Errorf("mblock: allocation larger than %d bytes", BigGranule*granulesPerWord)
	ErrUnknownAddress = errors.New("mblock: address not in any pool")
	ErrCorruptMap     = errors.New("mblock: occupancy map is corrupted")
	ErrClosed         = errors.New("mblock: allocator is closed")
)

var codeMessages = [codeLast]string{
	CodeOK:             "OK",
	CodeNoSpace:        "No available memory for last allocation",
	CodeTooLarge:       "Requested memory allocation too big for memory spaces",
	CodeUnknownAddress: "Referenced memory not in mblock space",
	CodeCorruptMap:     "Map space is corrupted",
}

func (c Code) String() string {
	switch c {
	case CodeOK:
		return "OK"
	case CodeNoSpace:
		return "NoSpace"
	case CodeTooLarge:
		return "TooLarge"
	case CodeUnknownAddress:
		return "UnknownAddress"
	case CodeCorruptMap:
		return "CorruptMap"
	default:
		return fmt.Sprintf("Code(%d)", c)
	}
}

// Err returns the sentinel error for c, or nil for CodeOK and unknown codes.
func (c Code) Err() error {
	switch c {
	case CodeNoSpace:
		return ErrNoSpace
	case CodeTooLarge:
		return ErrTooLarge
	case CodeUnknownAddress:
		return ErrUnknownAddress
	case CodeCorruptMap:
		return ErrCorruptMap
	default:
		return nil
	}
}

// ErrorMessage returns the human-readable text for c.
// It returns an empty string if c is not a valid code.
func ErrorMessage(c Code) string {
	if c >= codeLast {
		return ""
	}
	return codeMessages[c]
}

// CodeFromError maps an error returned by the allocator back to its code.
// Errors that did not come from an allocation outcome map to CodeOK.
func CodeFromError(err error) Code {
	for c := CodeNoSpace; c < codeLast; c++ {
		if errors.Is(err, c.Err()) {
			return c
		}
	}
	return CodeOK
}
