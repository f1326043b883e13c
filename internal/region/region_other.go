//go:build !unix

package region

// Default returns the preferred reserver for the platform.
func Default() Reserver {
	return Heap{}
}
