// Package artifact is the compiled form of a module: the unrelocated code of every defined function, and the
// manifest the engine needs to load it.
//
// The serialized form is a fixed header followed by a protowire body:
//
//	magic "\x00wgA" | version (uint32 le) | signature hash (32 bytes) | body
//
// The signature hash binds the artifact to the module, the compiler backend and the middleware chain it was built
// with. An artifact is only valid against that exact combination.
package artifact

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/and3k5/wasmer/internal/compiler"
	"github.com/and3k5/wasmer/internal/vm"
	"github.com/and3k5/wasmer/internal/wasm"
)

const (
	// Magic starts every serialized artifact.
	Magic = "\x00wgA"
	// Version is the format version. Artifacts of another version are rejected as a mismatch.
	Version = uint32(1)
	// HeaderSize is the size of the fixed header preceding the body.
	HeaderSize = len(Magic) + 4 + sha256.Size
)

var (
	// ErrArtifactMismatch is returned for an artifact built for another module, backend, middleware chain or
	// format version.
	ErrArtifactMismatch = errors.New("artifact mismatch")
	// ErrCorruptArtifact is returned for an artifact whose bytes are malformed or inconsistent.
	ErrCorruptArtifact = errors.New("corrupt artifact")
)

// Hash is the signature hash of an artifact.
type Hash = [sha256.Size]byte

// ComputeHash hashes the module ID, the compiler name and the middleware fingerprint.
func ComputeHash(id wasm.ModuleID, compilerName, fingerprint string) Hash {
	h := sha256.New()
	h.Write(id[:])
	var buf [4]byte
	for _, s := range []string{compilerName, fingerprint} {
		binary.LittleEndian.PutUint32(buf[:], uint32(len(s)))
		h.Write(buf[:])
		h.Write([]byte(s))
	}
	var ret Hash
	h.Sum(ret[:0])
	return ret
}

// Function is the manifest entry of a defined function.
type Function struct {
	// Index is the index of the function in the function namespace.
	Index wasm.Index
	// Offset and Length locate the function's code in Artifact.Code.
	Offset, Length uint32
	// Params and Results are the arity of the function, used by the entry trampoline.
	Params, Results uint32
	FrameSize       uint32
	// TrapSites are relative to Offset.
	TrapSites []compiler.TrapSite
	SourceMap []vm.SourcePosition
}

// Relocation is a compiler.Relocation whose Offset is absolute in Artifact.Code and whose Target is the position
// of the referenced function in Artifact.Functions.
type Relocation = compiler.Relocation

// Artifact is a compiled module. It is immutable once built and safe to share between goroutines.
type Artifact struct {
	Hash Hash
	// Compiler is the name of the backend the code was compiled with.
	Compiler string
	// Fingerprint is the fingerprint of the middleware chain.
	Fingerprint string
	// Code is every function's code, laid out in definition order and not yet relocated.
	Code        []byte
	Functions   []Function
	Relocations []Relocation
	// Signatures is the signature table: the function types of the module, by type index.
	Signatures []wasm.FunctionType
	// InitialPoints is the metering budget of a new instance when Metered.
	InitialPoints uint64
	Metered       bool
}

// Validate checks the artifact is consistent with itself and with m. Every failure matches ErrCorruptArtifact.
func (a *Artifact) Validate(m *wasm.Module) error {
	if len(a.Functions) != len(m.Code) {
		return corruptf("%d functions, but the module defines %d", len(a.Functions), len(m.Code))
	}
	if len(a.Signatures) != len(m.Types) {
		return corruptf("%d signatures, but the module declares %d", len(a.Signatures), len(m.Types))
	}
	for i := range a.Signatures {
		if !a.Signatures[i].Equal(&m.Types[i]) {
			return corruptf("signature[%d] is %s, but the module declares %s", i, &a.Signatures[i], &m.Types[i])
		}
	}

	imported := m.ImportCount(wasm.ExternTypeFunc)
	next := uint32(0)
	for i := range a.Functions {
		f := &a.Functions[i]
		if f.Index != imported+uint32(i) {
			return corruptf("function[%d] has index %d", i, f.Index)
		}
		ft := m.TypeOfFunction(f.Index)
		if ft == nil || f.Params != uint32(len(ft.Params)) || f.Results != uint32(len(ft.Results)) {
			return corruptf("function[%d] does not match its type", f.Index)
		}
		if f.Offset != next || uint64(f.Offset)+uint64(f.Length) > uint64(len(a.Code)) {
			return corruptf("function[%d] code [%d, +%d) out of range", f.Index, f.Offset, f.Length)
		}
		next = f.Offset + f.Length
		for _, ts := range f.TrapSites {
			if ts.Offset >= f.Length || !ts.Reason.Valid() {
				return corruptf("function[%d] has an invalid trap site", f.Index)
			}
		}
	}
	if next != uint32(len(a.Code)) {
		return corruptf("%d trailing bytes of code", uint32(len(a.Code))-next)
	}

	for i := range a.Relocations {
		r := &a.Relocations[i]
		if r.Kind != compiler.RelocFunctionEntry {
			return corruptf("relocation[%d] of unknown kind %s", i, r.Kind)
		}
		if uint64(r.Offset)+8 > uint64(len(a.Code)) {
			return corruptf("relocation[%d] at %#x out of code", i, r.Offset)
		}
		if int(r.Target) >= len(a.Functions) {
			return corruptf("relocation[%d] targets function %d out of range", i, r.Target)
		}
	}
	return nil
}

func corruptf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrCorruptArtifact, fmt.Sprintf(format, args...))
}
