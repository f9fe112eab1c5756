// Package compiler defines the contract between the engine and its compiler backends.
//
// A Compiler turns one function body into relocatable code. It only reads the ModuleContext, and must return
// byte-identical output for identical inputs, so the engine can compile functions in parallel and artifacts are
// reproducible.
package compiler

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/and3k5/wasmer/internal/middleware"
	"github.com/and3k5/wasmer/internal/vm"
	"github.com/and3k5/wasmer/internal/wasm"
)

var (
	// ErrUnsupportedFeature is matched by a CompileError of kind UnsupportedFeature.
	ErrUnsupportedFeature = errors.New("unsupported feature")
	// ErrInternalCompiler is matched by a CompileError of kind InternalCompilerError.
	ErrInternalCompiler = errors.New("internal compiler error")
	// ErrInstrumentationRejected is matched by a CompileError of kind InstrumentationRejected.
	ErrInstrumentationRejected = errors.New("instrumentation rejected")
)

// ErrorKind classifies a CompileError.
type ErrorKind byte

const (
	// UnsupportedFeature means the body uses an instruction or type the backend does not implement.
	UnsupportedFeature ErrorKind = iota + 1
	// InternalCompilerError means the backend found the body inconsistent, which validation should have prevented.
	InternalCompilerError
	// InstrumentationRejected means a middleware rejected the function.
	InstrumentationRejected
)

func (k ErrorKind) sentinel() error {
	switch k {
	case UnsupportedFeature:
		return ErrUnsupportedFeature
	case InstrumentationRejected:
		return ErrInstrumentationRejected
	}
	return ErrInternalCompiler
}

func (k ErrorKind) String() string { return k.sentinel().Error() }

// CompileError is a failure to compile one function. A module with any failed function is not compiled at all.
type CompileError struct {
	Kind          ErrorKind
	FunctionIndex wasm.Index
	// Offset is the offset in the function body of the offending instruction.
	Offset uint32
	Err    error
}

// NewCompileError returns a CompileError of the given kind.
func NewCompileError(kind ErrorKind, funcIdx wasm.Index, offset uint32, err error) *CompileError {
	return &CompileError{Kind: kind, FunctionIndex: funcIdx, Offset: offset, Err: err}
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("function[%d] at offset %#x: %s: %v", e.FunctionIndex, e.Offset, e.Kind, e.Err)
}

// Is allows errors.Is(err, ErrUnsupportedFeature) and the like.
func (e *CompileError) Is(target error) bool {
	return target == e.Kind.sentinel()
}

func (e *CompileError) Unwrap() error { return e.Err }

// RelocationKind is how a Relocation patches code.
type RelocationKind byte

const (
	// RelocFunctionEntry writes the absolute code offset of the entry of Target plus Addend into the 8 bytes at
	// Offset.
	RelocFunctionEntry RelocationKind = iota + 1
)

func (k RelocationKind) String() string {
	if k == RelocFunctionEntry {
		return "function_entry"
	}
	return fmt.Sprintf("relocation(%d)", byte(k))
}

// Relocation is a reference from compiled code to a location only known once every function is laid out.
type Relocation struct {
	// Offset is relative to the start of the function's code.
	Offset uint32
	Kind   RelocationKind
	// Target is the index of the referenced function in the function namespace.
	Target wasm.Index
	Addend int64
}

// TrapSite records an instruction that may trap, and why.
type TrapSite struct {
	// Offset is relative to the start of the function's code.
	Offset uint32
	Reason vm.Reason
}

// CompiledFunction is the relocatable code of one function.
type CompiledFunction struct {
	// Index is the index of the function in the function namespace.
	Index       wasm.Index
	Code        []byte
	Relocations []Relocation
	TrapSites   []TrapSite
	// SourceMap maps code offsets to body offsets, sorted by CodeOffset. It may be empty.
	SourceMap []vm.SourcePosition
	// FrameSize is the number of value slots of a frame: params, locals and the maximum operand stack height.
	FrameSize uint32
}

// ModuleContext is the read-only view a Compiler has of the module a function belongs to.
type ModuleContext struct {
	Module *wasm.Module
	// ImportedFunctions is the number of imported functions, which precede defined functions in the namespace.
	ImportedFunctions uint32
	Globals           []wasm.GlobalType
	Tables            []wasm.Table
	Memory            *wasm.Memory
}

// NewModuleContext precomputes the namespaces of m.
func NewModuleContext(m *wasm.Module) *ModuleContext {
	return &ModuleContext{
		Module:            m,
		ImportedFunctions: m.ImportCount(wasm.ExternTypeFunc),
		Globals:           m.AllGlobalTypes(),
		Tables:            m.AllTables(),
		Memory:            m.MemoryType(),
	}
}

// Compiler compiles one function body, including its trailing end opcode. chain may be nil.
type Compiler interface {
	// Name identifies the backend. It is part of the artifact hash.
	Name() string
	Compile(mctx *ModuleContext, index wasm.Index, body []byte, chain *middleware.Chain) (*CompiledFunction, error)
}

// Factory returns a new Compiler.
type Factory func() Compiler

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// Register makes a backend available by name. It panics on a duplicate name, as registration happens in init.
func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[name]; dup {
		panic(fmt.Sprintf("compiler %q registered twice", name))
	}
	registry[name] = f
}

// Lookup returns a new Compiler of the named backend.
func Lookup(name string) (Compiler, bool) {
	registryMu.RLock()
	f, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, false
	}
	return f(), true
}

// Names returns the registered backends, sorted.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
