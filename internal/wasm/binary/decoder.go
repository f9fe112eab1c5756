// Package binary converts the WebAssembly 1.0 binary format into a validated wasm.Module.
//
// Section framing and instruction immediates are read by the wasm-runtime parser. This package narrows what it
// accepts to the feature set the compilers implement, and reports anything else as ErrUnsupportedFeature.
package binary

import (
	"errors"
	"fmt"

	parser "github.com/wippyai/wasm-runtime/wasm"

	"github.com/and3k5/wasmer/internal/wasm"
)

// ErrUnsupportedFeature is wrapped when the binary is well-formed but uses a proposal this runtime doesn't implement.
var ErrUnsupportedFeature = errors.New("unsupported feature")

// DecodeModule parses and validates the binary. maxPages caps declared memory limits.
func DecodeModule(b []byte, maxPages uint32) (*wasm.Module, error) {
	pm, err := parser.ParseModuleValidate(b)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", wasm.ErrInvalidModule, err)
	}

	m, err := convertModule(pm)
	if err != nil {
		return nil, err
	}
	if err = m.Validate(maxPages); err != nil {
		return nil, err
	}
	return m, nil
}

func unsupported(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrUnsupportedFeature, fmt.Sprintf(format, args...))
}

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", wasm.ErrInvalidModule, fmt.Sprintf(format, args...))
}

func convertModule(pm *parser.Module) (*wasm.Module, error) {
	if len(pm.TypeDefs) > 0 {
		return nil, unsupported("gc type definitions")
	}
	if len(pm.Tags) > 0 {
		return nil, unsupported("exception tags")
	}

	m := &wasm.Module{}

	m.Types = make([]wasm.FunctionType, len(pm.Types))
	for i := range pm.Types {
		ft := &pm.Types[i]
		if hasRefType(ft.ExtParams) || hasRefType(ft.ExtResults) {
			return nil, unsupported("type[%d] uses reference types", i)
		}
		params, err := convertValueTypes(ft.Params)
		if err != nil {
			return nil, fmt.Errorf("type[%d]: %w", i, err)
		}
		results, err := convertValueTypes(ft.Results)
		if err != nil {
			return nil, fmt.Errorf("type[%d]: %w", i, err)
		}
		m.Types[i] = wasm.FunctionType{Params: params, Results: results}
	}

	if len(pm.Imports) > 0 {
		m.Imports = make([]wasm.Import, len(pm.Imports))
	}
	for i := range pm.Imports {
		imp, err := convertImport(&pm.Imports[i])
		if err != nil {
			return nil, fmt.Errorf("import[%d] %s.%s: %w", i, pm.Imports[i].Module, pm.Imports[i].Name, err)
		}
		m.Imports[i] = imp
	}

	m.Functions = append([]wasm.Index(nil), pm.Funcs...)

	for i := range pm.Tables {
		t, err := convertTable(&pm.Tables[i])
		if err != nil {
			return nil, fmt.Errorf("table[%d]: %w", i, err)
		}
		m.Tables = append(m.Tables, *t)
	}

	switch len(pm.Memories) {
	case 0:
	case 1:
		mem, err := convertMemory(&pm.Memories[0])
		if err != nil {
			return nil, fmt.Errorf("memory: %w", err)
		}
		m.Memory = mem
	default:
		return nil, unsupported("multiple memories")
	}

	for i := range pm.Globals {
		g := &pm.Globals[i]
		gt, err := convertGlobalType(&g.Type)
		if err != nil {
			return nil, fmt.Errorf("global[%d]: %w", i, err)
		}
		init, err := decodeConstantExpression(g.Init)
		if err != nil {
			return nil, fmt.Errorf("global[%d]: %w", i, err)
		}
		m.Globals = append(m.Globals, wasm.Global{Type: *gt, Init: *init})
	}

	for _, e := range pm.Exports {
		if e.Kind > parser.KindGlobal {
			return nil, unsupported("export %q of kind %#x", e.Name, e.Kind)
		}
		m.Exports = append(m.Exports, wasm.Export{Type: e.Kind, Name: e.Name, Index: e.Idx})
	}

	if pm.Start != nil {
		start := *pm.Start
		m.Start = &start
	}

	for i := range pm.Elements {
		elem, err := convertElement(&pm.Elements[i])
		if err != nil {
			return nil, fmt.Errorf("element[%d]: %w", i, err)
		}
		if elem != nil {
			m.Elements = append(m.Elements, *elem)
		}
	}

	if len(pm.Code) > 0 {
		m.Code = make([]wasm.Code, len(pm.Code))
	}
	for i := range pm.Code {
		code, err := convertCode(&pm.Code[i])
		if err != nil {
			return nil, fmt.Errorf("code[%d]: %w", i, err)
		}
		m.Code[i] = *code
	}

	for i := range pm.Data {
		d := &pm.Data[i]
		if d.Flags == 1 {
			return nil, unsupported("data[%d] is passive", i)
		}
		if d.MemIdx != 0 {
			return nil, invalid("data[%d]: invalid memory index %d", i, d.MemIdx)
		}
		offset, err := decodeConstantExpression(d.Offset)
		if err != nil {
			return nil, fmt.Errorf("data[%d]: read offset expression: %w", i, err)
		}
		m.Data = append(m.Data, wasm.DataSegment{OffsetExpr: *offset, Init: d.Init})
	}

	for _, cs := range pm.CustomSections {
		if cs.Name != "name" {
			continue
		}
		// A malformed name section must not fail the module: names are debug information.
		if names, err := decodeFunctionNames(cs.Data); err == nil {
			m.FunctionNames = names
		}
	}
	return m, nil
}

func hasRefType(ext []parser.ExtValType) bool {
	for i := range ext {
		if ext[i].Kind == parser.ExtValKindRef {
			return true
		}
	}
	return false
}

func convertValueTypes(vts []parser.ValType) ([]wasm.ValueType, error) {
	if len(vts) == 0 {
		return nil, nil
	}
	ret := make([]wasm.ValueType, len(vts))
	for i, vt := range vts {
		v, err := convertValueType(vt)
		if err != nil {
			return nil, err
		}
		ret[i] = v
	}
	return ret, nil
}

func convertValueType(vt parser.ValType) (wasm.ValueType, error) {
	switch vt {
	case parser.ValI32, parser.ValI64, parser.ValF32, parser.ValF64:
		return wasm.ValueType(vt), nil
	}
	return 0, unsupported("value type %s", vt)
}

func convertImport(imp *parser.Import) (wasm.Import, error) {
	ret := wasm.Import{Module: imp.Module, Name: imp.Name, Type: imp.Desc.Kind}
	switch imp.Desc.Kind {
	case parser.KindFunc:
		ret.DescFunc = imp.Desc.TypeIdx
	case parser.KindTable:
		t, err := convertTable(imp.Desc.Table)
		if err != nil {
			return ret, err
		}
		ret.DescTable = t
	case parser.KindMemory:
		mem, err := convertMemory(imp.Desc.Memory)
		if err != nil {
			return ret, err
		}
		ret.DescMem = mem
	case parser.KindGlobal:
		gt, err := convertGlobalType(imp.Desc.Global)
		if err != nil {
			return ret, err
		}
		ret.DescGlobal = gt
	default:
		return ret, unsupported("import kind %#x", imp.Desc.Kind)
	}
	return ret, nil
}

func convertTable(t *parser.TableType) (*wasm.Table, error) {
	if t == nil {
		return nil, invalid("missing table type")
	}
	if t.ElemType != byte(parser.ValFuncRef) || t.RefElemType != nil || len(t.Init) > 0 {
		return nil, unsupported("table element type %#x", t.ElemType)
	}
	if t.Limits.Memory64 || t.Limits.Min > uint64(^uint32(0)) {
		return nil, unsupported("64-bit table limits")
	}
	ret := &wasm.Table{Min: uint32(t.Limits.Min)}
	if t.Limits.Max != nil {
		if *t.Limits.Max > uint64(^uint32(0)) {
			return nil, unsupported("64-bit table limits")
		}
		max := uint32(*t.Limits.Max)
		ret.Max = &max
	}
	return ret, nil
}

func convertMemory(mem *parser.MemoryType) (*wasm.Memory, error) {
	if mem == nil {
		return nil, invalid("missing memory type")
	}
	if mem.Limits.Memory64 {
		return nil, unsupported("memory64")
	}
	if mem.Limits.Shared {
		return nil, unsupported("shared memory")
	}
	if mem.Limits.Min > uint64(wasm.MemoryMaxPages) {
		return nil, invalid("memory min %d pages over limit of %d pages", mem.Limits.Min, wasm.MemoryMaxPages)
	}
	ret := &wasm.Memory{Min: uint32(mem.Limits.Min)}
	if mem.Limits.Max != nil {
		if *mem.Limits.Max > uint64(wasm.MemoryMaxPages) {
			return nil, invalid("memory max %d pages over limit of %d pages", *mem.Limits.Max, wasm.MemoryMaxPages)
		}
		ret.Max, ret.IsMaxEncoded = uint32(*mem.Limits.Max), true
	}
	return ret, nil
}

func convertGlobalType(gt *parser.GlobalType) (*wasm.GlobalType, error) {
	if gt == nil {
		return nil, invalid("missing global type")
	}
	if gt.ExtType != nil {
		return nil, unsupported("reference typed global")
	}
	vt, err := convertValueType(gt.ValType)
	if err != nil {
		return nil, err
	}
	return &wasm.GlobalType{ValType: vt, Mutable: gt.Mutable}, nil
}

// convertElement returns nil for declarative segments, which only forward-declare ref.func targets and have no
// runtime effect without reference types.
func convertElement(e *parser.Element) (*wasm.ElementSegment, error) {
	switch e.Flags {
	case 3, 7:
		return nil, nil
	case 1, 5:
		return nil, unsupported("passive element segment")
	}
	if e.Flags&0x03 != 0 && e.Flags&0x04 == 0 && e.ElemKind != 0 {
		return nil, invalid("element kind must be zero but was %#x", e.ElemKind)
	}
	if e.Flags&0x04 != 0 && e.Flags&0x03 != 0 && e.Type != parser.ValFuncRef {
		return nil, unsupported("element type %s", e.Type)
	}

	offset, err := decodeConstantExpression(e.Offset)
	if err != nil {
		return nil, fmt.Errorf("read offset expression: %w", err)
	}
	ret := &wasm.ElementSegment{TableIndex: e.TableIdx, OffsetExpr: *offset}
	if e.Flags&0x04 == 0 {
		ret.Init = append([]wasm.Index(nil), e.FuncIdxs...)
		return ret, nil
	}

	ret.Init = make([]wasm.Index, len(e.Exprs))
	for i, expr := range e.Exprs {
		idx, err := decodeRefFunc(expr)
		if err != nil {
			return nil, fmt.Errorf("init[%d]: %w", i, err)
		}
		ret.Init[i] = idx
	}
	return ret, nil
}

func convertCode(body *parser.FuncBody) (*wasm.Code, error) {
	var count uint64
	for _, l := range body.Locals {
		count += uint64(l.Count)
	}
	// Locals are materialized per function call, so an absurd count is refused before it allocates.
	if count > maxLocals {
		return nil, invalid("too many locals: %d", count)
	}
	ret := &wasm.Code{Body: body.Code}
	if count > 0 {
		ret.LocalTypes = make([]wasm.ValueType, 0, count)
	}
	for _, l := range body.Locals {
		if l.ExtType != nil {
			return nil, unsupported("reference typed local")
		}
		vt, err := convertValueType(l.ValType)
		if err != nil {
			return nil, err
		}
		for j := uint32(0); j < l.Count; j++ {
			ret.LocalTypes = append(ret.LocalTypes, vt)
		}
	}
	return ret, nil
}

// maxLocals bounds the number of declared locals in a single function.
const maxLocals = 50000
