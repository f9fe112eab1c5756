// Package engine drives the lifecycle of compiled code: it compiles modules into artifacts, serializes and
// validates them, loads them into sealed code images and instantiates them.
//
// An Engine is safe for concurrent use. Everything it hands out is immutable, except instances, which are
// documented in package instance.
package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/and3k5/wasmer/internal/artifact"
	"github.com/and3k5/wasmer/internal/compiler"
	_ "github.com/and3k5/wasmer/internal/compiler/singlepass"
	"github.com/and3k5/wasmer/internal/instance"
	"github.com/and3k5/wasmer/internal/logging"
	"github.com/and3k5/wasmer/internal/middleware"
	"github.com/and3k5/wasmer/internal/wasm"
	"github.com/and3k5/wasmer/internal/wasm/binary"
)

// DefaultCompiler is the backend used when Config.Compiler is empty.
const DefaultCompiler = "singlepass"

// Config configures New.
type Config struct {
	// Compiler is the name of a registered backend.
	Compiler   string
	Middleware []middleware.Middleware
	// Tunables default to DefaultTunables when zero.
	Tunables Tunables
	// Store is consulted by Compile. It may be nil.
	Store     ArtifactStore
	Logger    *zap.Logger
	LogScopes logging.LogScopes
}

// Engine compiles, loads and instantiates modules with one backend and one middleware chain.
type Engine struct {
	compilerName string
	chain        *middleware.Chain
	tunables     Tunables
	store        ArtifactStore
	log          *logging.Scoped
	sigs         *SignatureRegistry
	instances    *instance.Store
	// dummy engines accept any module and compile functions which cannot run.
	dummy bool
}

// New returns an Engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Compiler == "" {
		cfg.Compiler = DefaultCompiler
	}
	if _, ok := compiler.Lookup(cfg.Compiler); !ok {
		return nil, fmt.Errorf("unknown compiler %q, available: %s", cfg.Compiler, strings.Join(compiler.Names(), ", "))
	}
	if cfg.Tunables == (Tunables{}) {
		cfg.Tunables = DefaultTunables()
	}
	if err := cfg.Tunables.validate(); err != nil {
		return nil, err
	}
	return &Engine{
		compilerName: cfg.Compiler,
		chain:        middleware.NewChain(cfg.Middleware...),
		tunables:     cfg.Tunables,
		store:        cfg.Store,
		log:          logging.NewScoped(cfg.Logger, cfg.LogScopes),
		sigs:         NewSignatureRegistry(),
		instances:    instance.NewStore(),
	}, nil
}

// CompilerName is the name of the backend.
func (e *Engine) CompilerName() string { return e.compilerName }

// Tunables returns the limits of the engine.
func (e *Engine) Tunables() Tunables { return e.tunables }

// Signatures returns the signature registry shared by every instance of the engine.
func (e *Engine) Signatures() *SignatureRegistry { return e.sigs }

// Instances returns the store of live instances.
func (e *Engine) Instances() *instance.Store { return e.instances }

// Hash is the signature hash an artifact of m compiled by this engine carries.
func (e *Engine) Hash(m *wasm.Module) artifact.Hash {
	return artifact.ComputeHash(m.ID(), e.compilerName, e.chain.Fingerprint())
}

// Validate decodes and validates a binary module without compiling it.
func (e *Engine) Validate(b []byte) error {
	if e.dummy {
		return nil
	}
	_, err := e.Decode(b)
	return err
}

// Decode decodes and validates a binary module against the memory limit of the engine.
func (e *Engine) Decode(b []byte) (*wasm.Module, error) {
	return binary.DecodeModule(b, e.tunables.MemoryMaxPages)
}

// Serialize encodes a for Deserialize.
func (e *Engine) Serialize(a *artifact.Artifact) ([]byte, error) {
	if a == nil {
		return nil, errors.New("nil artifact")
	}
	if a.Compiler != e.compilerName {
		return nil, fmt.Errorf("%w: compiled by %q, not %q", artifact.ErrArtifactMismatch, a.Compiler, e.compilerName)
	}
	return a.Marshal(), nil
}

// Deserialize decodes an artifact of m. An artifact of another module, backend, middleware chain or format version
// fails with artifact.ErrArtifactMismatch, and malformed bytes with artifact.ErrCorruptArtifact.
func (e *Engine) Deserialize(m *wasm.Module, data []byte) (*artifact.Artifact, error) {
	a, err := artifact.Unmarshal(data, e.Hash(m))
	if err != nil {
		return nil, err
	}
	if err = a.Validate(m); err != nil {
		return nil, err
	}
	return a, nil
}

// Compile returns the artifact of m, from the ArtifactStore when it holds a valid one. A freshly compiled artifact
// is added to the store.
func (e *Engine) Compile(ctx context.Context, m *wasm.Module) (*artifact.Artifact, error) {
	if e.store == nil {
		return e.CompileModule(ctx, m)
	}

	key := e.Hash(m)
	if a, err := e.fromStore(key, m); err != nil {
		return nil, err
	} else if a != nil {
		return a, nil
	}

	a, err := e.CompileModule(ctx, m)
	if err != nil {
		return nil, err
	}
	if err = e.store.Add(key, bytes.NewReader(a.Marshal())); err != nil {
		return nil, fmt.Errorf("store artifact: %w", err)
	}
	return a, nil
}

func (e *Engine) fromStore(key artifact.Hash, m *wasm.Module) (*artifact.Artifact, error) {
	content, ok, err := e.store.Get(key)
	if err != nil {
		return nil, fmt.Errorf("read artifact: %w", err)
	}
	debug := e.log.Enabled(logging.LogScopeCompile, zapcore.DebugLevel)
	if !ok {
		if debug {
			e.log.For(logging.LogScopeCompile).Debug("artifact store miss", zap.Binary("hash", key[:8]))
		}
		return nil, nil
	}

	data, err := io.ReadAll(content)
	// The content must be closed before Delete, which a file store serializes with readers.
	_ = content.Close()
	if err != nil {
		return nil, fmt.Errorf("read artifact: %w", err)
	}

	a, err := e.Deserialize(m, data)
	if err != nil {
		if !errors.Is(err, artifact.ErrArtifactMismatch) && !errors.Is(err, artifact.ErrCorruptArtifact) {
			return nil, err
		}
		if debug {
			e.log.For(logging.LogScopeCompile).Debug("discarding stored artifact",
				zap.Binary("hash", key[:8]),
				zap.Error(err))
		}
		if err = e.store.Delete(key); err != nil {
			return nil, fmt.Errorf("delete artifact: %w", err)
		}
		return nil, nil
	}
	if debug {
		e.log.For(logging.LogScopeCompile).Debug("artifact store hit", zap.Binary("hash", key[:8]))
	}
	return a, nil
}

// Instantiate creates an instance of m running the code of img. The instance holds a reference of img until it is
// closed. An image not compiled from m by this engine fails with artifact.ErrArtifactMismatch.
func (e *Engine) Instantiate(ctx context.Context, m *wasm.Module, img *CodeImage, resolver instance.Resolver, name string) (*instance.Instance, error) {
	if img.Hash() != e.Hash(m) {
		return nil, fmt.Errorf("%w: code image was not compiled from module %q by this engine", artifact.ErrArtifactMismatch, name)
	}
	img.Acquire()
	return instance.Instantiate(ctx, m, img, resolver, instance.Config{
		Name:           name,
		Store:          e.instances,
		Signatures:     e.sigs,
		MemoryMaxPages: e.tunables.MemoryMaxPages,
		MaxStackBytes:  e.tunables.MaxStackBytes,
		MaxCallDepth:   e.tunables.MaxCallDepth,
		MeterPoints:    img.initialPoints,
		Metered:        img.metered,
		Log:            e.log,
	})
}
