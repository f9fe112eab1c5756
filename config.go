// Package wasmer compiles WebAssembly 1.0 modules and runs them in sandboxed instances.
//
// An Engine compiles a module once into an artifact, loads it into a sealed code image and instantiates it any
// number of times. Artifacts can be serialized and kept in an ArtifactStore, so a later process skips compilation.
package wasmer

import (
	"go.uber.org/zap"

	"github.com/and3k5/wasmer/internal/engine"
	"github.com/and3k5/wasmer/internal/logging"
	"github.com/and3k5/wasmer/internal/middleware"
	"github.com/and3k5/wasmer/internal/middleware/metering"
)

type (
	// Middleware transforms the instructions of every function before compilation.
	Middleware = middleware.Middleware
	// MeteringConfig configures the metering middleware of EngineConfig.WithMetering.
	MeteringConfig = metering.Config
	// ArtifactStore keeps serialized artifacts between engines and processes.
	ArtifactStore = engine.ArtifactStore
	// LogScopes selects the debug events an engine logs.
	LogScopes = logging.LogScopes
)

const (
	LogScopeNone     = logging.LogScopeNone
	LogScopeCompile  = logging.LogScopeCompile
	LogScopeLoad     = logging.LogScopeLoad
	LogScopeInstance = logging.LogScopeInstance
	LogScopeTrap     = logging.LogScopeTrap
	LogScopeHost     = logging.LogScopeHost
	LogScopeAll      = logging.LogScopeAll
)

// NewMemoryArtifactStore returns an ArtifactStore which lives as long as the process.
func NewMemoryArtifactStore() ArtifactStore { return engine.NewMemoryArtifactStore() }

// NewFileArtifactStore returns an ArtifactStore persisting artifacts into dir, created if missing.
//
// Note: The embedder must safeguard this directory from external changes. A tampered artifact which still decodes
// consistently is executed as is.
func NewFileArtifactStore(dir string) (ArtifactStore, error) { return engine.NewFileArtifactStore(dir) }

// EngineConfig controls engine behavior, with the default implementation as NewEngineConfig.
//
// EngineConfig is immutable: every With method returns a copy.
type EngineConfig struct {
	compiler   string
	middleware []Middleware
	tunables   engine.Tunables
	store      ArtifactStore
	logger     *zap.Logger
	logScopes  LogScopes
	dummy      bool
}

// defaultConfig helps avoid copy/pasting the wrong defaults.
var defaultConfig = &EngineConfig{
	compiler: engine.DefaultCompiler,
	tunables: engine.DefaultTunables(),
}

// NewEngineConfig returns the default configuration: the singlepass compiler, no middleware, a 4 GiB memory limit
// and a 1 MiB stack per instance.
func NewEngineConfig() *EngineConfig {
	return defaultConfig.clone()
}

// clone ensures all fields are copied even if nil.
func (c *EngineConfig) clone() *EngineConfig {
	ret := *c
	ret.middleware = append([]Middleware(nil), c.middleware...)
	return &ret
}

// WithCompiler selects the compiler backend by name. Defaults to "singlepass".
func (c *EngineConfig) WithCompiler(name string) *EngineConfig {
	ret := c.clone()
	ret.compiler = name
	return ret
}

// WithDummyCompiler selects a backend which accepts every module and whose functions trap when called. It serves
// tooling which links or serializes modules without running them.
func (c *EngineConfig) WithDummyCompiler() *EngineConfig {
	ret := c.clone()
	ret.compiler, ret.dummy = engine.DummyCompiler, true
	return ret
}

// WithMiddleware appends middleware to the chain applied to every function, in order.
//
// The chain is part of the artifact hash: an artifact compiled with another chain is rejected as a mismatch.
func (c *EngineConfig) WithMiddleware(mws ...Middleware) *EngineConfig {
	ret := c.clone()
	ret.middleware = append(ret.middleware, mws...)
	return ret
}

// WithMetering appends the metering middleware. Instances start with cfg.Limit points and trap once a segment of
// code costs more than what remains.
func (c *EngineConfig) WithMetering(cfg MeteringConfig) *EngineConfig {
	return c.WithMiddleware(metering.New(cfg))
}

// WithMemoryMaxPages reduces the maximum number of pages a module can define from 65536 pages (4GiB) to a lower
// value.
//
// Notes:
//   - A module declaring a larger minimum or maximum fails to compile.
//   - Any "memory.grow" instruction that results in a larger value than this returns -1.
func (c *EngineConfig) WithMemoryMaxPages(pages uint32) *EngineConfig {
	ret := c.clone()
	ret.tunables.MemoryMaxPages = pages
	return ret
}

// WithMaxStackBytes sets the stack budget of each instance. A call which exceeds it traps with a stack overflow.
func (c *EngineConfig) WithMaxStackBytes(n int64) *EngineConfig {
	ret := c.clone()
	ret.tunables.MaxStackBytes = n
	return ret
}

// WithMaxCallDepth caps the frames of one invocation. Zero, the default, only applies the stack budget.
func (c *EngineConfig) WithMaxCallDepth(n int) *EngineConfig {
	ret := c.clone()
	ret.tunables.MaxCallDepth = n
	return ret
}

// WithCompileConcurrency bounds the functions compiled in parallel. Defaults to GOMAXPROCS.
func (c *EngineConfig) WithCompileConcurrency(n int) *EngineConfig {
	ret := c.clone()
	ret.tunables.CompileConcurrency = n
	return ret
}

// WithArtifactStore makes the engine look up artifacts before compiling, and add what it compiles.
func (c *EngineConfig) WithArtifactStore(store ArtifactStore) *EngineConfig {
	ret := c.clone()
	ret.store = store
	return ret
}

// WithLogger sets the logger of debug events, for the given scopes. Errors are always returned, never only logged.
func (c *EngineConfig) WithLogger(logger *zap.Logger, scopes LogScopes) *EngineConfig {
	ret := c.clone()
	ret.logger, ret.logScopes = logger, scopes
	return ret
}

// SetLogger sets the logger of engines configured without WithLogger. It has no effect once an engine was created.
func SetLogger(logger *zap.Logger) { logging.SetLogger(logger) }

// MemoryMaxPages returns the memory limit in pages.
func (c *EngineConfig) MemoryMaxPages() uint32 { return c.tunables.MemoryMaxPages }

func (c *EngineConfig) engineConfig() engine.Config {
	return engine.Config{
		Compiler:   c.compiler,
		Middleware: c.middleware,
		Tunables:   c.tunables,
		Store:      c.store,
		Logger:     c.logger,
		LogScopes:  c.logScopes,
	}
}
