// Package instance binds a loaded module to its imports and runtime state, and runs it.
//
// An Instance owns a vm.Context: its memory, tables and globals, the import table and the counters compiled code
// checks. Instances live in a Store and refer to each other by handle. A trap leaves the instance Trapped until
// Reset, and Close is terminal.
package instance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/and3k5/wasmer/api"
	"github.com/and3k5/wasmer/internal/logging"
	"github.com/and3k5/wasmer/internal/vm"
	"github.com/and3k5/wasmer/internal/wasm"
)

// ErrFatalTrap is returned by Reset when the instance trapped in a way it cannot recover from.
var ErrFatalTrap = errors.New("instance cannot be reset after a fatal trap")

// Code is a loaded code image. Instantiate takes over one reference of it, which is released on failure or Close.
type Code interface {
	VMCode() *vm.Code
	Release()
}

// Signatures assigns engine wide signature IDs.
type Signatures interface {
	Register(ft *wasm.FunctionType) vm.SignatureID
}

// Config configures Instantiate.
type Config struct {
	// Name identifies the instance in errors and logs.
	Name       string
	Store      *Store
	Signatures Signatures
	// MemoryMaxPages caps the memory of the instance, whatever the module declares.
	MemoryMaxPages uint32
	MaxStackBytes  int64
	MaxCallDepth   int
	// MeterPoints is the initial metering budget when Metered.
	MeterPoints uint64
	Metered     bool
	Log         *logging.Scoped
}

// Instance is an instantiated module.
//
// Calls are synchronous and an Instance must not be called from several goroutines at once. Interrupt, State and
// Close are safe from any goroutine.
type Instance struct {
	name   string
	module *wasm.Module
	code   Code
	store  *Store
	ctx    *vm.Context
	log    *logging.Scoped

	state atomic.Int32

	mu sync.Mutex
	// trap is the trap which moved the instance to Trapped.
	trap *vm.Trap
}

var _ vm.Owner = (*Instance)(nil)

// Instantiate resolves the imports of m, builds its runtime state, applies element and data segments and runs the
// start function.
//
// Imports are checked and segments are bounds checked before anything is written, so a failed instantiation never
// modifies an imported memory or table. A trap in the start function fails instantiation.
func Instantiate(ctx context.Context, m *wasm.Module, code Code, resolver Resolver, cfg Config) (*Instance, error) {
	i := &Instance{name: cfg.Name, module: m, code: code, store: cfg.Store, log: cfg.Log}
	i.setState(Instantiating)

	ok := false
	defer func() {
		if !ok {
			i.release()
		}
	}()

	imps, err := resolveImports(m, resolver)
	if err != nil {
		return nil, err
	}

	c := vm.NewContext(cfg.MaxStackBytes, cfg.MaxCallDepth)
	c.Module = m
	c.Code = code.VMCode()
	c.Imports = imps.functions
	c.Registry = cfg.Store
	c.Owner = i
	c.Log = cfg.Log
	c.TypeIDs = make([]vm.SignatureID, len(m.Types))
	for t := range m.Types {
		c.TypeIDs[t] = cfg.Signatures.Register(&m.Types[t])
	}

	if c.Memory = imps.memory; m.Memory != nil {
		max := cfg.MemoryMaxPages
		if m.Memory.IsMaxEncoded && m.Memory.Max < max {
			max = m.Memory.Max
		}
		if m.Memory.Min > max {
			return nil, fmt.Errorf("%w: memory of %s exceeds the limit of %s",
				vm.ErrResourceExhausted, vm.PagesToUnitOfBytes(m.Memory.Min), vm.PagesToUnitOfBytes(max))
		}
		if c.Memory, err = vm.NewMemoryInstance(m.Memory.Min, max); err != nil {
			return nil, err
		}
	}

	c.Tables = imps.tables
	for _, t := range m.Tables {
		c.Tables = append(c.Tables, vm.NewTableInstance(t.Min, t.Max))
	}

	c.Globals = imps.globals
	for g := range m.Globals {
		c.Globals = append(c.Globals, &vm.GlobalInstance{
			Type: m.Globals[g].Type,
			Val:  evalConst(c.Globals, &m.Globals[g].Init),
		})
	}

	cfg.Store.Insert(c)
	if cfg.Metered {
		c.SetMeter(cfg.MeterPoints)
	}
	i.ctx = c

	// Everything is checked before anything is written, as the memory and tables may be shared.
	if err = i.validateElements(); err != nil {
		return nil, err
	}
	if err = i.validateData(); err != nil {
		return nil, err
	}
	i.applyElements()
	i.applyData()

	i.setState(Ready)
	if m.Start != nil {
		if _, err = vm.Call(ctx, c, *m.Start, nil); err != nil {
			return nil, fmt.Errorf("module[%s] start function failed: %w", cfg.Name, err)
		}
	}
	ok = true
	return i, nil
}

func evalConst(globals []*vm.GlobalInstance, expr *wasm.ConstantExpression) uint64 {
	if expr.Opcode == wasm.OpcodeGlobalGet {
		return globals[expr.Value].Val
	}
	return expr.Value
}

func (i *Instance) validateElements() error {
	for s := range i.module.Elements {
		seg := &i.module.Elements[s]
		table := i.ctx.Tables[seg.TableIndex]
		offset := uint64(uint32(evalConst(i.ctx.Globals, &seg.OffsetExpr)))
		if offset+uint64(len(seg.Init)) > uint64(len(table.Elements)) {
			return fmt.Errorf("element[%d] out of table bounds: %w", s, vm.NewTrap(vm.OutOfBoundsTable, nil))
		}
	}
	return nil
}

func (i *Instance) validateData() error {
	for s := range i.module.Data {
		seg := &i.module.Data[s]
		offset := uint64(uint32(evalConst(i.ctx.Globals, &seg.OffsetExpr)))
		if offset+uint64(len(seg.Init)) > uint64(len(i.ctx.Memory.Buffer)) {
			return fmt.Errorf("data[%d] out of memory bounds: %w", s, vm.NewTrap(vm.OutOfBoundsMemory, nil))
		}
	}
	return nil
}

func (i *Instance) applyElements() {
	for s := range i.module.Elements {
		seg := &i.module.Elements[s]
		elements := i.ctx.Tables[seg.TableIndex].Elements
		offset := uint32(evalConst(i.ctx.Globals, &seg.OffsetExpr))
		for j, idx := range seg.Init {
			elements[offset+uint32(j)] = i.functionRef(idx)
		}
	}
}

func (i *Instance) applyData() {
	for s := range i.module.Data {
		seg := &i.module.Data[s]
		offset := uint32(evalConst(i.ctx.Globals, &seg.OffsetExpr))
		copy(i.ctx.Memory.Buffer[offset:], seg.Init)
	}
}

// functionRef returns the reference of the function idx of this instance. Functions imported from another
// instance resolve to that instance, so a table entry never goes through a trampoline.
func (i *Instance) functionRef(idx wasm.Index) vm.FunctionRef {
	if idx < i.ctx.ImportedFunctionCount() {
		if imp := &i.ctx.Imports[idx]; imp.Host == nil {
			return imp.Ref
		}
	}
	return vm.FunctionRef{Instance: i.ctx.Handle, Index: idx, TypeID: i.typeIDOf(idx)}
}

func (i *Instance) typeIDOf(idx wasm.Index) vm.SignatureID {
	imported := uint32(0)
	for _, imp := range i.module.Imports {
		if imp.Type != wasm.ExternTypeFunc {
			continue
		}
		if imported == idx {
			return i.ctx.TypeIDs[imp.DescFunc]
		}
		imported++
	}
	return i.ctx.TypeIDs[i.module.Functions[idx-imported]]
}

func (i *Instance) setState(s State) {
	prev := State(i.state.Swap(int32(s)))
	if prev != s && i.log.Enabled(logging.LogScopeInstance, zapcore.DebugLevel) {
		i.log.For(logging.LogScopeInstance).Debug("state",
			zap.String("instance", i.name),
			zap.Stringer("from", prev),
			zap.Stringer("to", s))
	}
}

// State returns the lifecycle state.
func (i *Instance) State() State { return State(i.state.Load()) }

// Name returns the name the instance was created with.
func (i *Instance) Name() string { return i.name }

// Module returns the module of the instance.
func (i *Instance) Module() *wasm.Module { return i.module }

// Handle returns the handle of the instance in its Store.
func (i *Instance) Handle() vm.Handle { return i.ctx.Handle }

// Check implements vm.Owner Check
func (i *Instance) Check() error {
	switch i.State() {
	case Ready, Instantiating:
		return nil
	case Trapped:
		return vm.ErrInstanceTrapped
	}
	return vm.ErrInstanceClosed
}

// OnTrap implements vm.Owner OnTrap
func (i *Instance) OnTrap(t *vm.Trap) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if s := i.State(); s != Ready && s != Instantiating {
		return
	}
	i.trap = t
	i.setState(Trapped)
}

// Trap returns the trap that moved the instance to Trapped, or nil.
func (i *Instance) Trap() *vm.Trap {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.trap
}

// Call invokes the function idx. When ctx is done before the call returns, the call traps with Interrupted.
//
// A trapped instance fails every call with an error matching both vm.ErrInstanceTrapped and the original trap.
func (i *Instance) Call(ctx context.Context, idx wasm.Index, params ...uint64) ([]uint64, error) {
	switch i.State() {
	case Closed, Uninstantiated:
		return nil, vm.ErrInstanceClosed
	case Trapped:
		return nil, fmt.Errorf("%w: %w", vm.ErrInstanceTrapped, i.Trap())
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	gen := i.ctx.BeginCall()
	if ctx.Done() != nil {
		stop := context.AfterFunc(ctx, func() { i.ctx.Cancel(gen) })
		defer stop()
	}
	return vm.Call(ctx, i.ctx, idx, params)
}

// CallExport invokes the exported function name.
func (i *Instance) CallExport(ctx context.Context, name string, params ...uint64) ([]uint64, error) {
	exp, ok := i.module.ExportByName(name)
	if !ok || exp.Type != wasm.ExternTypeFunc {
		return nil, fmt.Errorf("%q is not an exported function in module %q", name, i.name)
	}
	return i.Call(ctx, exp.Index, params...)
}

// Reset returns a Trapped instance to Ready. Memory, tables and globals keep their contents. A fatal trap cannot
// be reset, and Reset of a Ready instance does nothing.
func (i *Instance) Reset() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	switch s := i.State(); s {
	case Ready:
		return nil
	case Trapped:
	default:
		return fmt.Errorf("cannot reset a %s instance", s)
	}
	if i.trap != nil && i.trap.Reason.Fatal() {
		return fmt.Errorf("%w: %s", ErrFatalTrap, i.trap.Reason)
	}
	i.trap = nil
	i.ctx.ResetStack()
	i.ctx.ClearInterrupt()
	i.setState(Ready)
	return nil
}

// Close releases the handle and the code of the instance. Calls into a closed instance, including through tables
// or imports of other instances, fail with vm.ErrInstanceClosed. Close is idempotent.
func (i *Instance) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.State() == Closed {
		return nil
	}
	i.release()
	return nil
}

func (i *Instance) release() {
	i.setState(Closed)
	if i.ctx != nil && i.store != nil {
		i.store.Remove(i.ctx.Handle)
	}
	if i.code != nil {
		i.code.Release()
		i.code = nil
	}
}

// Interrupt makes the running call, or else the next one, trap with Interrupted at its next guard check.
func (i *Instance) Interrupt() { i.ctx.Interrupt() }

// MeteringRemaining returns the remaining metering budget.
func (i *Instance) MeteringRemaining() uint64 { return i.ctx.Meter() }

// SetMeteringRemaining sets the metering budget. It must not be called during a call.
func (i *Instance) SetMeteringRemaining(points uint64) { i.ctx.SetMeter(points) }

// Memory returns the memory of the instance, or nil.
func (i *Instance) Memory() *vm.MemoryInstance { return i.ctx.Memory }

// Export returns the export name as a value another instance can import.
func (i *Instance) Export(name string) (Extern, bool) {
	exp, ok := i.module.ExportByName(name)
	if !ok {
		return Extern{}, false
	}
	e := Extern{Type: exp.Type}
	switch exp.Type {
	case wasm.ExternTypeFunc:
		if exp.Index < i.ctx.ImportedFunctionCount() {
			if imp := &i.ctx.Imports[exp.Index]; imp.Host != nil {
				e.Host = imp.Host
				return e, true
			}
		}
		e.Func = i.functionRef(exp.Index)
		e.FuncType = i.module.TypeOfFunction(exp.Index)
	case wasm.ExternTypeMemory:
		e.Memory = i.ctx.Memory
	case wasm.ExternTypeTable:
		e.Table = i.ctx.Tables[exp.Index]
	case wasm.ExternTypeGlobal:
		e.Global = i.ctx.Globals[exp.Index]
	}
	return e, true
}

// ExportedGlobal returns the exported global name, or nil.
func (i *Instance) ExportedGlobal(name string) api.Global {
	exp, ok := i.module.ExportByName(name)
	if !ok || exp.Type != wasm.ExternTypeGlobal {
		return nil
	}
	return vm.NewGlobal(i.ctx.Globals[exp.Index])
}

// ExportedTable returns the exported table name, or nil.
func (i *Instance) ExportedTable(name string) *vm.TableInstance {
	exp, ok := i.module.ExportByName(name)
	if !ok || exp.Type != wasm.ExternTypeTable {
		return nil
	}
	return i.ctx.Tables[exp.Index]
}

// ExportedFunctionType returns the signature of the exported function name, or nil.
func (i *Instance) ExportedFunctionType(name string) *api.FunctionType {
	exp, ok := i.module.ExportByName(name)
	if !ok || exp.Type != wasm.ExternTypeFunc {
		return nil
	}
	return i.module.TypeOfFunction(exp.Index)
}
