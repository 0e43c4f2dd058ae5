//go:build !unix

package fsys

func freeSpace(string) (uint64, error) {
	return 0, ErrFreeSpaceUnavailable
}
