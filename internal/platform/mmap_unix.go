//go:build unix

package platform

import "golang.org/x/sys/unix"

func pageSize() int { return unix.Getpagesize() }

func mmapCodeSegment(size int) ([]byte, bool, error) {
	// Anonymous as this is not an actual file, but a memory,
	// Private as this is in-process memory region.
	b, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func mprotectRO(b []byte) error {
	return unix.Mprotect(b, unix.PROT_READ)
}

func munmapCodeSegment(b []byte) error {
	return unix.Munmap(b)
}
