package engine

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/and3k5/wasmer/internal/artifact"
	"github.com/and3k5/wasmer/internal/compiler"
	"github.com/and3k5/wasmer/internal/instance"
	"github.com/and3k5/wasmer/internal/logging"
	"github.com/and3k5/wasmer/internal/platform"
	"github.com/and3k5/wasmer/internal/vm"
)

// mmapCodeSegment is overridden in tests to fail mappings.
var mmapCodeSegment = platform.MmapCodeSegment

// CodeImage is an artifact loaded into a sealed code segment, shared by every instance of the module.
//
// A CodeImage is reference counted: Load returns it with one reference, every instance holds one more, and the
// segment is unmapped when the last one is released.
type CodeImage struct {
	hash artifact.Hash
	seg  *platform.CodeSegment
	code vm.Code
	refs atomic.Int64
	log  *logging.Scoped

	initialPoints uint64
	metered       bool
}

var _ instance.Code = (*CodeImage)(nil)

// Load maps the code of a, relocates it and seals the mapping read-only. Nothing can execute the code before it is
// sealed.
//
// A relocation outside the code fails with artifact.ErrCorruptArtifact. A failed mapping fails with
// vm.ErrResourceExhausted.
func (e *Engine) Load(a *artifact.Artifact) (*CodeImage, error) {
	img := &CodeImage{hash: a.Hash, log: e.log, initialPoints: a.InitialPoints, metered: a.Metered}
	img.refs.Store(1)

	img.code.Entries = make([]uint32, len(a.Functions))
	img.code.SourceMaps = make([][]vm.SourcePosition, len(a.Functions))
	for i := range a.Functions {
		img.code.Entries[i] = a.Functions[i].Offset
		img.code.SourceMaps[i] = a.Functions[i].SourceMap
	}
	if len(a.Code) == 0 {
		return img, nil
	}

	seg, err := mmapCodeSegment(len(a.Code))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", vm.ErrResourceExhausted, err)
	}
	b := seg.Bytes()
	copy(b, a.Code)
	if err = relocate(b, a); err != nil {
		_ = seg.Unmap()
		return nil, err
	}
	if err = seg.Seal(); err != nil {
		_ = seg.Unmap()
		return nil, fmt.Errorf("%w: %w", vm.ErrResourceExhausted, err)
	}
	img.seg, img.code.Image = seg, b

	if e.log.Enabled(logging.LogScopeLoad, zapcore.DebugLevel) {
		e.log.For(logging.LogScopeLoad).Debug("mapped code image",
			zap.Binary("hash", a.Hash[:8]),
			zap.Int("bytes", len(b)),
			zap.Bool("mapped", seg.Mapped()))
	}
	return img, nil
}

// relocate writes the final entry offset of every relocation target into b.
func relocate(b []byte, a *artifact.Artifact) error {
	for i := range a.Relocations {
		r := &a.Relocations[i]
		if r.Kind != compiler.RelocFunctionEntry || uint64(r.Offset)+8 > uint64(len(b)) || int(r.Target) >= len(a.Functions) {
			return fmt.Errorf("%w: relocation[%d] out of range", artifact.ErrCorruptArtifact, i)
		}
		target := int64(a.Functions[r.Target].Offset) + r.Addend
		if target < 0 || target >= int64(len(b)) {
			return fmt.Errorf("%w: relocation[%d] resolves outside the code", artifact.ErrCorruptArtifact, i)
		}
		binary.LittleEndian.PutUint64(b[r.Offset:], uint64(target))
	}
	return nil
}

// Hash is the hash of the artifact the image was loaded from.
func (img *CodeImage) Hash() artifact.Hash { return img.hash }

// VMCode implements instance.Code VMCode
func (img *CodeImage) VMCode() *vm.Code { return &img.code }

// Acquire adds a reference.
func (img *CodeImage) Acquire() { img.refs.Add(1) }

// Release implements instance.Code Release. The last release unmaps the code.
func (img *CodeImage) Release() {
	switch n := img.refs.Add(-1); {
	case n > 0:
		return
	case n < 0:
		panic("BUG: CodeImage released more than acquired")
	}
	if img.seg == nil {
		return
	}
	err := img.seg.Unmap()
	if img.log.Enabled(logging.LogScopeLoad, zapcore.DebugLevel) {
		img.log.For(logging.LogScopeLoad).Debug("unmapped code image",
			zap.Binary("hash", img.hash[:8]),
			zap.Error(err))
	}
}

// Refs is the number of live references.
func (img *CodeImage) Refs() int64 { return img.refs.Load() }
