package wasm

import (
	"errors"
	"fmt"
)

// ErrInvalidModule is wrapped by every error returned from Module.Validate.
var ErrInvalidModule = errors.New("invalid module")

// Validate ensures every index referenced by the module is in range of its namespace and that limits and constant
// expressions are well-formed. maxPages caps any declared memory maximum.
//
// Function bodies are not type checked here: that is the job of the decoder in front of this package. Compilers
// still defend against malformed bodies by returning a compile error.
func (m *Module) Validate(maxPages uint32) error {
	if err := m.validate(maxPages); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidModule, err)
	}
	return nil
}

func (m *Module) validate(maxPages uint32) error {
	if len(m.Functions) != len(m.Code) {
		return fmt.Errorf("function and code section have inconsistent lengths: %d != %d", len(m.Functions), len(m.Code))
	}

	typeCount := uint32(len(m.Types))
	for i, ft := range m.Types {
		for _, vt := range ft.Params {
			if !isNumeric(vt) {
				return fmt.Errorf("type[%d] has an invalid param type %#x", i, vt)
			}
		}
		for _, vt := range ft.Results {
			if !isNumeric(vt) {
				return fmt.Errorf("type[%d] has an invalid result type %#x", i, vt)
			}
		}
	}

	memoryCount, tableCount := 0, len(m.Tables)
	if m.Memory != nil {
		memoryCount++
	}
	for i := range m.Imports {
		imp := &m.Imports[i]
		switch imp.Type {
		case ExternTypeFunc:
			if imp.DescFunc >= typeCount {
				return fmt.Errorf("import[%d] %s.%s: type index %d out of range", i, imp.Module, imp.Name, imp.DescFunc)
			}
		case ExternTypeTable:
			if imp.DescTable == nil {
				return fmt.Errorf("import[%d] %s.%s: missing table type", i, imp.Module, imp.Name)
			}
			if err := validateTable(imp.DescTable); err != nil {
				return fmt.Errorf("import[%d] %s.%s: %w", i, imp.Module, imp.Name, err)
			}
			tableCount++
		case ExternTypeMemory:
			if imp.DescMem == nil {
				return fmt.Errorf("import[%d] %s.%s: missing memory type", i, imp.Module, imp.Name)
			}
			if err := validateMemory(imp.DescMem, maxPages); err != nil {
				return fmt.Errorf("import[%d] %s.%s: %w", i, imp.Module, imp.Name, err)
			}
			memoryCount++
		case ExternTypeGlobal:
			if imp.DescGlobal == nil || !isNumeric(imp.DescGlobal.ValType) {
				return fmt.Errorf("import[%d] %s.%s: invalid global type", i, imp.Module, imp.Name)
			}
		default:
			return fmt.Errorf("import[%d] %s.%s: unknown kind %#x", i, imp.Module, imp.Name, imp.Type)
		}
	}
	if memoryCount > 1 {
		return fmt.Errorf("multiple memories are not supported")
	}
	if tableCount > 1 {
		return fmt.Errorf("multiple tables are not supported")
	}
	for i := range m.Tables {
		if err := validateTable(&m.Tables[i]); err != nil {
			return fmt.Errorf("table[%d]: %w", i, err)
		}
	}
	if m.Memory != nil {
		if err := validateMemory(m.Memory, maxPages); err != nil {
			return fmt.Errorf("memory: %w", err)
		}
	}

	for i, typeIdx := range m.Functions {
		if typeIdx >= typeCount {
			return fmt.Errorf("function[%d]: type index %d out of range", i, typeIdx)
		}
		for _, vt := range m.Code[i].LocalTypes {
			if !isNumeric(vt) {
				return fmt.Errorf("function[%d]: invalid local type %#x", i, vt)
			}
		}
		if n := len(m.Code[i].Body); n == 0 || m.Code[i].Body[n-1] != 0x0b {
			return fmt.Errorf("function[%d]: body must end with the end opcode", i)
		}
	}

	globals := m.AllGlobalTypes()
	importedGlobals := m.ImportCount(ExternTypeGlobal)
	for i := range m.Globals {
		g := &m.Globals[i]
		if !isNumeric(g.Type.ValType) {
			return fmt.Errorf("global[%d]: invalid type %#x", i, g.Type.ValType)
		}
		if err := validateConstExpression(&g.Init, g.Type.ValType, globals, importedGlobals); err != nil {
			return fmt.Errorf("global[%d]: %w", i, err)
		}
	}

	funcCount := m.NumFunctions()
	seen := make(map[string]struct{}, len(m.Exports))
	for _, e := range m.Exports {
		if _, ok := seen[e.Name]; ok {
			return fmt.Errorf("export %q is duplicated", e.Name)
		}
		seen[e.Name] = struct{}{}
		var limit uint32
		switch e.Type {
		case ExternTypeFunc:
			limit = funcCount
		case ExternTypeGlobal:
			limit = uint32(len(globals))
		case ExternTypeTable:
			limit = uint32(tableCount)
		case ExternTypeMemory:
			limit = uint32(memoryCount)
		default:
			return fmt.Errorf("export %q: unknown kind %#x", e.Name, e.Type)
		}
		if e.Index >= limit {
			return fmt.Errorf("export %q: %s index %d out of range", e.Name, ExternTypeName(e.Type), e.Index)
		}
	}

	if m.Start != nil {
		ft := m.TypeOfFunction(*m.Start)
		if ft == nil {
			return fmt.Errorf("start function index %d out of range", *m.Start)
		}
		if len(ft.Params) != 0 || len(ft.Results) != 0 {
			return fmt.Errorf("start function must have an empty (v_v) signature, but was %s", ft)
		}
	}

	for i := range m.Elements {
		elem := &m.Elements[i]
		if elem.TableIndex >= uint32(tableCount) {
			return fmt.Errorf("element[%d]: table index %d out of range", i, elem.TableIndex)
		}
		if err := validateConstExpression(&elem.OffsetExpr, ValueTypeI32, globals, importedGlobals); err != nil {
			return fmt.Errorf("element[%d]: %w", i, err)
		}
		for j, funcIdx := range elem.Init {
			if funcIdx >= funcCount {
				return fmt.Errorf("element[%d].init[%d]: funcidx %d out of range", i, j, funcIdx)
			}
		}
	}

	if len(m.Data) > 0 && memoryCount == 0 {
		return fmt.Errorf("data section defined, but no memory")
	}
	for i := range m.Data {
		if err := validateConstExpression(&m.Data[i].OffsetExpr, ValueTypeI32, globals, importedGlobals); err != nil {
			return fmt.Errorf("data[%d]: %w", i, err)
		}
	}
	return nil
}

func isNumeric(vt ValueType) bool {
	switch vt {
	case ValueTypeI32, ValueTypeI64, ValueTypeF32, ValueTypeF64:
		return true
	}
	return false
}

func validateTable(t *Table) error {
	if t.Max != nil && *t.Max < t.Min {
		return fmt.Errorf("table size minimum must not be greater than maximum")
	}
	return nil
}

func validateMemory(mem *Memory, maxPages uint32) error {
	if mem.Min > maxPages {
		return fmt.Errorf("memory min %d pages over limit of %d pages", mem.Min, maxPages)
	}
	if mem.IsMaxEncoded {
		if mem.Max < mem.Min {
			return fmt.Errorf("memory size minimum must not be greater than maximum")
		}
		if mem.Max > maxPages {
			return fmt.Errorf("memory max %d pages over limit of %d pages", mem.Max, maxPages)
		}
	}
	return nil
}

// validateConstExpression checks the expression yields the expected type. Only imported globals may be read, and
// only immutable ones.
func validateConstExpression(expr *ConstantExpression, expected ValueType, globals []GlobalType, importedGlobals uint32) error {
	var actual ValueType
	switch expr.Opcode {
	case OpcodeI32Const:
		actual = ValueTypeI32
	case OpcodeI64Const:
		actual = ValueTypeI64
	case OpcodeF32Const:
		actual = ValueTypeF32
	case OpcodeF64Const:
		actual = ValueTypeF64
	case OpcodeGlobalGet:
		if expr.Value >= uint64(importedGlobals) {
			return fmt.Errorf("global index %d out of range of imported globals", expr.Value)
		}
		g := globals[expr.Value]
		if g.Mutable {
			return fmt.Errorf("constant expression reads mutable global %d", expr.Value)
		}
		actual = g.ValType
	default:
		return fmt.Errorf("invalid opcode for const expression: %#x", expr.Opcode)
	}
	if actual != expected {
		return fmt.Errorf("constant expression type mismatch: %s != %s", ValueTypeName(actual), ValueTypeName(expected))
	}
	return nil
}

