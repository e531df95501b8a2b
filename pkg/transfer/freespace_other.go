//go:build !(linux || darwin || freebsd)

package transfer

// FreeSpace is not implemented on this platform.
func FreeSpace(dir string) (free uint64, ok bool) {
	return 0, false
}
