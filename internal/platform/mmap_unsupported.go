//go:build !unix

package platform

func pageSize() int { return 4096 }

// mmapCodeSegment falls back to the heap.
func mmapCodeSegment(size int) ([]byte, bool, error) {
	return make([]byte, size), false, nil
}

func mprotectRO([]byte) error { return nil }

func munmapCodeSegment([]byte) error { return nil }
