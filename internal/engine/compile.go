package engine

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/and3k5/wasmer/internal/artifact"
	"github.com/and3k5/wasmer/internal/compiler"
	"github.com/and3k5/wasmer/internal/logging"
	"github.com/and3k5/wasmer/internal/wasm"
)

// CompileModule compiles every defined function of m into an artifact.
//
// Functions are compiled in parallel, bounded by Tunables.CompileConcurrency. Workers share only the read-only
// ModuleContext and write their own result slot. Layout and relocation happen once every worker returned, so the
// artifact does not depend on scheduling. The first failure cancels the remaining functions and fails the whole
// module: there is never a partial artifact.
func (e *Engine) CompileModule(ctx context.Context, m *wasm.Module) (*artifact.Artifact, error) {
	start := time.Now()
	mctx := compiler.NewModuleContext(m)
	compiled := make([]*compiler.CompiledFunction, len(m.Code))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.tunables.CompileConcurrency)
	for i := range m.Code {
		i := i
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			c, ok := compiler.Lookup(e.compilerName)
			if !ok {
				return fmt.Errorf("compiler %q is not registered", e.compilerName)
			}
			cf, err := c.Compile(mctx, mctx.ImportedFunctions+wasm.Index(i), m.Code[i].Body, e.chain)
			if err != nil {
				return err
			}
			compiled[i] = cf
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	a, err := e.assemble(m, mctx, compiled)
	if err != nil {
		return nil, err
	}
	if e.log.Enabled(logging.LogScopeCompile, zapcore.DebugLevel) {
		e.log.For(logging.LogScopeCompile).Debug("compiled module",
			zap.String("compiler", e.compilerName),
			zap.Int("functions", len(compiled)),
			zap.Int("code_bytes", len(a.Code)),
			zap.Duration("duration", time.Since(start)))
	}
	return a, nil
}

// assemble lays the functions out in definition order and rewrites their relocations against the layout.
func (e *Engine) assemble(m *wasm.Module, mctx *compiler.ModuleContext, compiled []*compiler.CompiledFunction) (*artifact.Artifact, error) {
	a := &artifact.Artifact{
		Hash:        e.Hash(m),
		Compiler:    e.compilerName,
		Fingerprint: e.chain.Fingerprint(),
		Functions:   make([]artifact.Function, len(compiled)),
		Signatures:  m.Types,
	}
	a.InitialPoints, a.Metered = e.chain.InitialPoints()

	size := 0
	for _, cf := range compiled {
		size += len(cf.Code)
	}
	if uint64(size) > math.MaxUint32 {
		return nil, fmt.Errorf("%d bytes of code exceed the addressable code size", size)
	}
	a.Code = make([]byte, 0, size)

	for i, cf := range compiled {
		ft := m.TypeOfFunction(cf.Index)
		offset := uint32(len(a.Code))
		a.Functions[i] = artifact.Function{
			Index:     cf.Index,
			Offset:    offset,
			Length:    uint32(len(cf.Code)),
			Params:    uint32(len(ft.Params)),
			Results:   uint32(len(ft.Results)),
			FrameSize: cf.FrameSize,
			TrapSites: cf.TrapSites,
			SourceMap: cf.SourceMap,
		}
		a.Code = append(a.Code, cf.Code...)

		for _, r := range cf.Relocations {
			if r.Target < mctx.ImportedFunctions || int(r.Target-mctx.ImportedFunctions) >= len(compiled) {
				return nil, compiler.NewCompileError(compiler.InternalCompilerError, cf.Index, 0,
					fmt.Errorf("relocation to function %d, which has no code", r.Target))
			}
			a.Relocations = append(a.Relocations, artifact.Relocation{
				Offset: offset + r.Offset,
				Kind:   r.Kind,
				Target: r.Target - mctx.ImportedFunctions,
				Addend: r.Addend,
			})
		}
	}
	return a, nil
}
