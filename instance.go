package wasmer

import (
	"context"
	"fmt"

	"github.com/and3k5/wasmer/api"
	"github.com/and3k5/wasmer/internal/instance"
)

// Imports are the values an instance imports: Go functions, and exports of other instances.
//
// Imports are read during Module.Instantiate and must not be modified concurrently.
type Imports struct {
	defs instance.Imports
}

// NewImports returns empty Imports.
func NewImports() *Imports {
	return &Imports{defs: instance.Imports{}}
}

// WithFunction defines module.name as a function implemented in Go. Its signature is checked against the import
// at instantiation.
func (i *Imports) WithFunction(module, name string, fn *api.HostFunction) *Imports {
	i.defs.Define(module, name, instance.HostFunction(fn))
	return i
}

// WithExport defines module.name as the export of the same name of another instance.
func (i *Imports) WithExport(module, name string, from *Instance) error {
	e, ok := from.i.Export(name)
	if !ok {
		return fmt.Errorf("%q is not exported by module %q", name, from.Name())
	}
	i.defs.Define(module, name, e)
	return nil
}

// WithInstance defines every export of another instance in the module namespace.
func (i *Imports) WithInstance(module string, from *Instance) *Imports {
	for _, exp := range from.i.Module().Exports {
		if e, ok := from.i.Export(exp.Name); ok {
			i.defs.Define(module, exp.Name, e)
		}
	}
	return i
}

// Instance is an instantiated module.
//
// An Instance must not be called from several goroutines at once. Interrupt, State and Close are safe from any
// goroutine.
type Instance struct {
	i *instance.Instance
}

// Name is the name given to Module.Instantiate.
func (i *Instance) Name() string { return i.i.Name() }

// Call invokes the exported function name. params and results are encoded as documented on api.ValueType.
//
// A trap leaves the instance trapped: every later call fails with ErrInstanceTrapped until Reset.
func (i *Instance) Call(ctx context.Context, name string, params ...uint64) ([]uint64, error) {
	return i.i.CallExport(ctx, name, params...)
}

// ExportedFunction returns the signature of the exported function name, or nil.
func (i *Instance) ExportedFunction(name string) *api.FunctionType {
	return i.i.ExportedFunctionType(name)
}

// Memory returns the memory of the instance, or nil when it has none.
func (i *Instance) Memory() api.Memory {
	if mem := i.i.Memory(); mem != nil {
		return mem
	}
	return nil
}

// Global returns the exported global name, or nil. Set fails with ErrImmutableGlobal for a global that is not
// mutable, and must not be called during a call.
func (i *Instance) Global(name string) api.Global {
	return i.i.ExportedGlobal(name)
}

// Table returns the exported table name, or nil. Grow must not be called during a call.
func (i *Instance) Table(name string) api.Table {
	if t := i.i.ExportedTable(name); t != nil {
		return t
	}
	return nil
}

// State returns "ready", "trapped" or "closed".
func (i *Instance) State() string { return i.i.State().String() }

// Trap returns the trap that left the instance trapped, or nil.
func (i *Instance) Trap() *Trap { return i.i.Trap() }

// Reset makes a trapped instance callable again. Memory, tables and globals keep their contents. A stack overflow
// or an internal fault cannot be reset, and fails with ErrFatalTrap.
func (i *Instance) Reset() error { return i.i.Reset() }

// Interrupt makes the running call, or the next one, trap with ErrInterrupted.
func (i *Instance) Interrupt() { i.i.Interrupt() }

// MeteringRemaining returns the remaining metering points.
func (i *Instance) MeteringRemaining() uint64 { return i.i.MeteringRemaining() }

// SetMeteringRemaining sets the remaining metering points. It must not be called during a call.
func (i *Instance) SetMeteringRemaining(points uint64) { i.i.SetMeteringRemaining(points) }

// Close releases the instance. Imports of its exports by other instances trap with ErrInstanceClosed afterwards.
func (i *Instance) Close() error { return i.i.Close() }
