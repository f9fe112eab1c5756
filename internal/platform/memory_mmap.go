//go:build linux || darwin

package platform

import "golang.org/x/sys/unix"

// reserveLinearMemory maps size bytes of inaccessible address space, not accounted against the commit limit.
func reserveLinearMemory(size int) ([]byte, bool, error) {
	b, err := unix.Mmap(-1, 0, size, unix.PROT_NONE, unix.MAP_ANON|unix.MAP_PRIVATE|unix.MAP_NORESERVE)
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func commitLinearMemory(b []byte) error {
	return unix.Mprotect(b, unix.PROT_READ|unix.PROT_WRITE)
}

func releaseLinearMemory(b []byte) error {
	return unix.Munmap(b)
}
