// Package platform maps code images into pages of their own, so a loaded image is sealed read-only before anything
// executes it. It also reserves the address space of linear memories.
//
// A code mapping is writable while the engine copies and relocates code into it. Seal then drops write access for
// good. On platforms without mmap the image lives on the Go heap and Seal only marks it sealed.
package platform

import (
	"errors"
	"fmt"
)

// ErrSealed is returned when writing to, or sealing again, a sealed mapping.
var ErrSealed = errors.New("code segment is sealed")

// CodeSegment is a page-aligned mapping holding one code image.
type CodeSegment struct {
	// b is the whole mapping, rounded up to the page size.
	b      []byte
	size   int
	sealed bool
	mapped bool
}

// MmapCodeSegment maps a writable segment of at least size bytes.
func MmapCodeSegment(size int) (*CodeSegment, error) {
	if size <= 0 {
		panic(errors.New("BUG: MmapCodeSegment with zero length"))
	}
	b, mapped, err := mmapCodeSegment(roundUp(size, pageSize()))
	if err != nil {
		return nil, fmt.Errorf("mmap %d bytes: %w", size, err)
	}
	return &CodeSegment{b: b, size: size, mapped: mapped}, nil
}

func roundUp(n, align int) int {
	return (n + align - 1) &^ (align - 1)
}

// Bytes returns the image, size bytes long. It must not be written once sealed.
func (s *CodeSegment) Bytes() []byte { return s.b[:s.size:s.size] }

// Mapped is true when the segment is backed by its own pages rather than the Go heap.
func (s *CodeSegment) Mapped() bool { return s.mapped }

// Sealed is true once Seal succeeded.
func (s *CodeSegment) Sealed() bool { return s.sealed }

// Seal makes the segment read-only.
func (s *CodeSegment) Seal() error {
	if s.sealed {
		return ErrSealed
	}
	if s.mapped {
		if err := mprotectRO(s.b); err != nil {
			return fmt.Errorf("mprotect: %w", err)
		}
	}
	s.sealed = true
	return nil
}

// Unmap releases the segment. The segment must not be used afterwards.
func (s *CodeSegment) Unmap() error {
	if s.b == nil {
		return errors.New("code segment already unmapped")
	}
	b := s.b
	s.b = nil
	if s.mapped {
		return munmapCodeSegment(b)
	}
	return nil
}
