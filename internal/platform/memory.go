package platform

import (
	"errors"
	"fmt"
	"math"
)

// errOverReservation is returned when committing past the reserved size.
var errOverReservation = errors.New("commit exceeds the reservation")

// LinearMemory backs a linear memory. Where mmap is available it reserves address space for the maximum size up
// front, and only the prefix in use is committed. Growing never moves the bytes or asks the Go heap for memory.
// Elsewhere the bytes are a heap slice capped at HeapMemoryLimit.
type LinearMemory struct {
	// b is the whole reservation when mapped, or the heap buffer.
	b         []byte
	size      int
	committed int
	reserved  int
	mapped    bool
}

// ReserveLinearMemory reserves max bytes and commits the first min.
func ReserveLinearMemory(min, max uint64) (*LinearMemory, error) {
	if min > max {
		panic(fmt.Errorf("BUG: ReserveLinearMemory with min %d over max %d", min, max))
	}
	if max > math.MaxInt/2 {
		return nil, fmt.Errorf("reserve %d bytes: larger than the address space", max)
	}
	m := &LinearMemory{reserved: int(max)}
	if max > 0 {
		b, mapped, err := reserveLinearMemory(roundUp(int(max), pageSize()))
		if err != nil {
			return nil, fmt.Errorf("reserve %d bytes: %w", max, err)
		}
		m.b, m.mapped = b, mapped
	}
	if err := m.Commit(min); err != nil {
		_ = m.Release()
		return nil, err
	}
	return m, nil
}

// Bytes returns the committed bytes.
func (m *LinearMemory) Bytes() []byte { return m.b[:m.size:m.size] }

// Mapped is true when the memory is backed by its own reservation rather than the Go heap.
func (m *LinearMemory) Mapped() bool { return m.mapped }

// Commit makes the first size bytes accessible. New bytes are zero and existing ones are kept. A failed commit
// leaves the memory unchanged.
func (m *LinearMemory) Commit(size uint64) error {
	if size > uint64(m.reserved) {
		return fmt.Errorf("commit %d bytes: %w of %d bytes", size, errOverReservation, m.reserved)
	}
	n := int(size)
	if n <= m.size {
		return nil
	}
	if !m.mapped {
		b, err := growHeap(m.b[:m.size], n)
		if err != nil {
			return fmt.Errorf("commit %d bytes: %w", size, err)
		}
		m.b, m.size, m.committed = b, n, n
		return nil
	}
	if end := roundUp(n, pageSize()); end > m.committed {
		if err := commitLinearMemory(m.b[m.committed:end]); err != nil {
			return fmt.Errorf("commit %d bytes: %w", size, err)
		}
		m.committed = end
	}
	m.size = n
	return nil
}

// Release returns the reservation. The memory must not be used afterwards.
func (m *LinearMemory) Release() error {
	b := m.b
	m.b, m.size, m.committed = nil, 0, 0
	if !m.mapped || b == nil {
		return nil
	}
	return releaseLinearMemory(b)
}

// HeapMemoryLimit caps a linear memory that lives on the Go heap. Go cannot recover from a failed allocation, so
// larger sizes fail up front.
const HeapMemoryLimit = 1 << 30

func growHeap(b []byte, size int) ([]byte, error) {
	if size > HeapMemoryLimit {
		return nil, fmt.Errorf("over the heap limit of %d bytes", HeapMemoryLimit)
	}
	grown := make([]byte, size)
	copy(grown, b)
	return grown, nil
}
