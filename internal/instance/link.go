package instance

import (
	"errors"
	"fmt"

	"github.com/and3k5/wasmer/api"
	"github.com/and3k5/wasmer/internal/vm"
	"github.com/and3k5/wasmer/internal/wasm"
)

// Extern is a value an import can be satisfied with: a Go function, or a function, memory, table or global of
// another instance.
type Extern struct {
	Type api.ExternType
	// Host is set for a function implemented in Go.
	Host *api.HostFunction
	// Func and FuncType are set for a function of an instance.
	Func     vm.FunctionRef
	FuncType *wasm.FunctionType
	Memory   *vm.MemoryInstance
	Table    *vm.TableInstance
	Global   *vm.GlobalInstance
}

// HostFunction returns an Extern of a Go function.
func HostFunction(fn *api.HostFunction) Extern {
	return Extern{Type: api.ExternTypeFunc, Host: fn}
}

// Resolver supplies the value of each import.
type Resolver interface {
	Resolve(module, name string) (Extern, bool)
}

// Imports is a Resolver backed by a map of module name to field name to value.
type Imports map[string]map[string]Extern

// Resolve implements Resolver Resolve
func (i Imports) Resolve(module, name string) (Extern, bool) {
	e, ok := i[module][name]
	return e, ok
}

// Define sets the value of module.name.
func (i Imports) Define(module, name string, e Extern) {
	ns, ok := i[module]
	if !ok {
		ns = map[string]Extern{}
		i[module] = ns
	}
	ns[name] = e
}

// ErrLink is matched by every *LinkError.
var ErrLink = errors.New("link error")

// LinkErrorKind classifies a LinkError.
type LinkErrorKind byte

const (
	// Unsatisfied means the resolver has no value for the import.
	Unsatisfied LinkErrorKind = iota + 1
	// KindMismatch means the value is not of the imported kind, e.g. a memory for a function import.
	KindMismatch
	SignatureMismatch
	LimitsMismatch
	// TypeMismatch means a global of another value type or mutability.
	TypeMismatch
)

func (k LinkErrorKind) String() string {
	switch k {
	case Unsatisfied:
		return "unsatisfied import"
	case KindMismatch:
		return "kind mismatch"
	case SignatureMismatch:
		return "signature mismatch"
	case LimitsMismatch:
		return "limits mismatch"
	case TypeMismatch:
		return "type mismatch"
	}
	return fmt.Sprintf("link error(%d)", byte(k))
}

// LinkError is a failure to satisfy an import. It is reported before any code of the instance runs, and before
// any imported memory or table is written.
type LinkError struct {
	Module, Name string
	Kind         LinkErrorKind
	Detail       string
}

func (e *LinkError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("import[%s.%s]: %s", e.Module, e.Name, e.Kind)
	}
	return fmt.Sprintf("import[%s.%s]: %s: %s", e.Module, e.Name, e.Kind, e.Detail)
}

// Is allows errors.Is(err, ErrLink).
func (e *LinkError) Is(target error) bool { return target == ErrLink }

type imports struct {
	functions []vm.ImportedFunction
	tables    []*vm.TableInstance
	memory    *vm.MemoryInstance
	globals   []*vm.GlobalInstance
}

// resolveImports resolves and type checks every import of m. Nothing is mutated.
func resolveImports(m *wasm.Module, resolver Resolver) (ret imports, err error) {
	for i := range m.Imports {
		imp := &m.Imports[i]
		linkErr := func(kind LinkErrorKind, format string, args ...interface{}) error {
			return &LinkError{Module: imp.Module, Name: imp.Name, Kind: kind, Detail: fmt.Sprintf(format, args...)}
		}

		var e Extern
		ok := false
		if resolver != nil {
			e, ok = resolver.Resolve(imp.Module, imp.Name)
		}
		if !ok {
			return ret, linkErr(Unsatisfied, "%s not provided", wasm.ExternTypeName(imp.Type))
		}
		if e.Type != imp.Type {
			return ret, linkErr(KindMismatch, "expected %s, but got %s", wasm.ExternTypeName(imp.Type), wasm.ExternTypeName(e.Type))
		}

		switch imp.Type {
		case wasm.ExternTypeFunc:
			expected := m.TypeOfFunction(uint32(len(ret.functions)))
			f := vm.ImportedFunction{Type: expected}
			var actual *wasm.FunctionType
			switch {
			case e.Host != nil:
				actual, f.Host = &e.Host.Type, e.Host
			case !e.Func.IsNull() && e.FuncType != nil:
				actual, f.Ref = e.FuncType, e.Func
			default:
				return ret, linkErr(KindMismatch, "function has no implementation")
			}
			if !expected.Equal(actual) {
				return ret, linkErr(SignatureMismatch, "expected %s, but got %s", expected, actual)
			}
			ret.functions = append(ret.functions, f)

		case wasm.ExternTypeTable:
			t := e.Table
			if t == nil {
				return ret, linkErr(KindMismatch, "table has no instance")
			}
			if uint32(len(t.Elements)) < imp.DescTable.Min {
				return ret, linkErr(LimitsMismatch, "minimum size %d, but imported table has %d", imp.DescTable.Min, len(t.Elements))
			}
			if imp.DescTable.Max != nil && (t.Max == nil || *t.Max > *imp.DescTable.Max) {
				return ret, linkErr(LimitsMismatch, "maximum size mismatch")
			}
			ret.tables = append(ret.tables, t)

		case wasm.ExternTypeMemory:
			mem := e.Memory
			if mem == nil {
				return ret, linkErr(KindMismatch, "memory has no instance")
			}
			if mem.PageSize() < imp.DescMem.Min {
				return ret, linkErr(LimitsMismatch, "minimum size %d pages, but imported memory has %d", imp.DescMem.Min, mem.PageSize())
			}
			if imp.DescMem.IsMaxEncoded && mem.Max > imp.DescMem.Max {
				return ret, linkErr(LimitsMismatch, "maximum size %d pages, but imported memory may grow to %d", imp.DescMem.Max, mem.Max)
			}
			ret.memory = mem

		case wasm.ExternTypeGlobal:
			g := e.Global
			if g == nil {
				return ret, linkErr(KindMismatch, "global has no instance")
			}
			if g.Type.ValType != imp.DescGlobal.ValType {
				return ret, linkErr(TypeMismatch, "expected %s, but got %s", wasm.ValueTypeName(imp.DescGlobal.ValType), wasm.ValueTypeName(g.Type.ValType))
			}
			if g.Type.Mutable != imp.DescGlobal.Mutable {
				return ret, linkErr(TypeMismatch, "mutability mismatch")
			}
			ret.globals = append(ret.globals, g)
		}
	}
	return ret, nil
}
