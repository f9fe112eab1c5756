package wasmer

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/and3k5/wasmer/api"
	"github.com/and3k5/wasmer/internal/artifact"
	"github.com/and3k5/wasmer/internal/engine"
	"github.com/and3k5/wasmer/internal/instance"
	"github.com/and3k5/wasmer/internal/wasm"
)

// Engine compiles modules with one compiler backend, middleware chain and set of limits. It is safe for concurrent
// use, and instances of every module it compiled can import from each other.
type Engine struct {
	e *engine.Engine
}

// NewEngine returns an Engine configured by config, or NewEngineConfig when nil.
func NewEngine(config *EngineConfig) (*Engine, error) {
	if config == nil {
		config = NewEngineConfig()
	}
	var (
		e   *engine.Engine
		err error
	)
	if config.dummy {
		e, err = engine.NewDummy(config.engineConfig())
	} else {
		e, err = engine.New(config.engineConfig())
	}
	if err != nil {
		return nil, err
	}
	return &Engine{e: e}, nil
}

// Validate decodes and validates a binary module without compiling it.
func (e *Engine) Validate(source []byte) error {
	return e.e.Validate(source)
}

// CompileModule decodes, validates and compiles a binary module, and loads its code.
//
// Any function which fails to compile fails the whole module with a *CompileError.
func (e *Engine) CompileModule(ctx context.Context, source []byte) (*Module, error) {
	m, err := e.e.Decode(source)
	if err != nil {
		return nil, err
	}
	a, err := e.e.Compile(ctx, m)
	if err != nil {
		return nil, err
	}
	return e.load(m, a)
}

// DeserializeModule loads an artifact produced by Module.Serialize. source is the binary the artifact was compiled
// from, as the artifact is only valid against it.
//
// It fails with ErrArtifactMismatch for an artifact of another module, compiler, middleware chain or format
// version, and ErrCorruptArtifact for malformed bytes.
func (e *Engine) DeserializeModule(source, serialized []byte) (*Module, error) {
	m, err := e.e.Decode(source)
	if err != nil {
		return nil, err
	}
	a, err := e.e.Deserialize(m, serialized)
	if err != nil {
		return nil, err
	}
	return e.load(m, a)
}

func (e *Engine) load(m *wasm.Module, a *artifact.Artifact) (*Module, error) {
	img, err := e.e.Load(a)
	if err != nil {
		return nil, err
	}
	return &Module{engine: e, module: m, artifact: a, image: img}, nil
}

// Module is a compiled module, ready to be instantiated any number of times.
type Module struct {
	engine   *Engine
	module   *wasm.Module
	artifact *artifact.Artifact
	image    *engine.CodeImage

	closed atomic.Bool
}

// ExternDescriptor describes an import or an export of a Module.
type ExternDescriptor struct {
	// Module is the module name of an import, and empty for an export.
	Module string
	Name   string
	Type   api.ExternType
	// FunctionType is the signature of a function, and nil otherwise.
	FunctionType *api.FunctionType
}

// Imports returns what the module imports, in order.
func (m *Module) Imports() []ExternDescriptor {
	ret := make([]ExternDescriptor, 0, len(m.module.Imports))
	var funcIdx wasm.Index
	for _, imp := range m.module.Imports {
		d := ExternDescriptor{Module: imp.Module, Name: imp.Name, Type: imp.Type}
		if imp.Type == api.ExternTypeFunc {
			d.FunctionType = m.module.TypeOfFunction(funcIdx)
			funcIdx++
		}
		ret = append(ret, d)
	}
	return ret
}

// Exports returns what the module exports, in order.
func (m *Module) Exports() []ExternDescriptor {
	ret := make([]ExternDescriptor, 0, len(m.module.Exports))
	for _, exp := range m.module.Exports {
		d := ExternDescriptor{Name: exp.Name, Type: exp.Type}
		if exp.Type == api.ExternTypeFunc {
			d.FunctionType = m.module.TypeOfFunction(exp.Index)
		}
		ret = append(ret, d)
	}
	return ret
}

// Serialize encodes the compiled code of the module, for Engine.DeserializeModule.
func (m *Module) Serialize() ([]byte, error) {
	return m.engine.e.Serialize(m.artifact)
}

// Instantiate creates an instance of the module named name. imports may be nil when the module imports nothing.
//
// It fails with a *LinkError when an import is missing or has the wrong type. A trap in the start function fails
// instantiation, and nothing of the instance survives.
func (m *Module) Instantiate(ctx context.Context, name string, imports *Imports) (*Instance, error) {
	if m.closed.Load() {
		return nil, errors.New("module closed")
	}
	var resolver instance.Resolver
	if imports != nil {
		resolver = imports.defs
	}
	i, err := m.engine.e.Instantiate(ctx, m.module, m.image, resolver, name)
	if err != nil {
		return nil, fmt.Errorf("instantiate %q: %w", name, err)
	}
	return &Instance{i: i}, nil
}

// Close releases the module's reference of its code. Instances keep the code alive until they are closed too.
// Close must not race with Instantiate.
func (m *Module) Close() error {
	if m.closed.CompareAndSwap(false, true) {
		m.image.Release()
	}
	return nil
}
