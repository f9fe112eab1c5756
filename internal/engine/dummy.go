package engine

import (
	"errors"

	"github.com/and3k5/wasmer/internal/compiler"
	"github.com/and3k5/wasmer/internal/isa"
	"github.com/and3k5/wasmer/internal/middleware"
	"github.com/and3k5/wasmer/internal/vm"
	"github.com/and3k5/wasmer/internal/wasm"
)

// DummyCompiler is the name of the backend of NewDummy.
const DummyCompiler = "dummy"

func init() {
	compiler.Register(DummyCompiler, func() compiler.Compiler { return dummyCompiler{} })
}

// NewDummy returns an Engine which accepts any module and compiles every function into an entry followed by an
// invalid instruction. Calling such a function traps with vm.RuntimeFault. It serves embedders that only link and
// serialize modules, and tests of everything around the compiler.
func NewDummy(cfg Config) (*Engine, error) {
	cfg.Compiler = DummyCompiler
	e, err := New(cfg)
	if err != nil {
		return nil, err
	}
	e.dummy = true
	return e, nil
}

type dummyCompiler struct{}

var errNoLocals = errors.New("function has no code")

func (dummyCompiler) Name() string { return DummyCompiler }

func (dummyCompiler) Compile(mctx *compiler.ModuleContext, index wasm.Index, _ []byte, _ *middleware.Chain) (*compiler.CompiledFunction, error) {
	ft := mctx.Module.TypeOfFunction(index)
	locals := mctx.Module.LocalTypes(index)
	if ft == nil || locals == nil {
		return nil, compiler.NewCompileError(compiler.InternalCompilerError, index, 0, errNoLocals)
	}
	nparams := len(ft.Params)
	entry := isa.Instruction{
		Op: isa.OpEntry,
		C:  uint16(nparams),
		A:  uint32(len(locals) - nparams),
		B:  isa.PackEntry(uint32(len(ft.Results)), 0),
	}
	code := entry.Append(nil)
	code = isa.Instruction{}.Append(code)
	return &compiler.CompiledFunction{
		Index: index,
		Code:  code,
		TrapSites: []compiler.TrapSite{
			{Offset: 0, Reason: vm.StackOverflow},
			{Offset: 0, Reason: vm.Interrupted},
			{Offset: isa.WordSize, Reason: vm.RuntimeFault},
		},
		FrameSize: uint32(len(locals)),
	}, nil
}
