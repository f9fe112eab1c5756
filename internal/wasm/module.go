// Package wasm is the validated, immutable description of a WebAssembly module shared by the compiler, the engine
// and every instance created from it.
package wasm

import (
	"strconv"

	"github.com/and3k5/wasmer/api"
)

// Index is the offset in an index namespace, not necessarily an absolute position in a Module section. This is
// because index namespaces are often preceded by a corresponding type in the Module.Imports.
//
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#indices%E2%91%A4
type Index = uint32

type (
	ValueType    = api.ValueType
	ExternType   = api.ExternType
	FunctionType = api.FunctionType
)

const (
	ValueTypeI32 = api.ValueTypeI32
	ValueTypeI64 = api.ValueTypeI64
	ValueTypeF32 = api.ValueTypeF32
	ValueTypeF64 = api.ValueTypeF64

	ExternTypeFunc   = api.ExternTypeFunc
	ExternTypeTable  = api.ExternTypeTable
	ExternTypeMemory = api.ExternTypeMemory
	ExternTypeGlobal = api.ExternTypeGlobal
)

var (
	ExternTypeName = api.ExternTypeName
	ValueTypeName  = api.ValueTypeName
)

const (
	// MemoryPageSize is the unit of memory length in WebAssembly, and is defined as 2^16 = 65536.
	MemoryPageSize = uint32(65536)
	// MemoryMaxPages is the maximum number of pages addressable by a 32-bit memory (2^16).
	MemoryMaxPages = uint32(65536)
	// MemoryPageSizeInBits satisfies the relation: "1 << MemoryPageSizeInBits == MemoryPageSize".
	MemoryPageSizeInBits = 16
)

// MemoryPagesToBytesNum converts the given pages into the number of bytes contained in these pages.
func MemoryPagesToBytesNum(pages uint32) uint64 {
	return uint64(pages) << MemoryPageSizeInBits
}

// Module is a WebAssembly module after decoding and validation. Nothing mutates a Module once Validate succeeded.
//
// Index namespaces (functions, globals, tables) begin with the imports of the corresponding kind, followed by the
// definitions in this module.
type Module struct {
	// Types are the function signatures referenced by imports, functions and call_indirect.
	Types []FunctionType

	Imports []Import

	// Functions holds the type index of each function defined in this module, in Code order.
	Functions []Index

	// Tables are the tables defined in this module. At most one table may exist including imports.
	Tables []Table

	// Memory is the memory defined in this module, or nil. At most one memory may exist including imports.
	Memory *Memory

	Globals []Global

	Exports []Export

	// Start is the function index of the start function, or nil.
	Start *Index

	Elements []ElementSegment

	// Code holds one entry per Functions.
	Code []Code

	Data []DataSegment

	// FunctionNames are optional names from the custom "name" section, keyed by function index.
	FunctionNames map[Index]string
}

// Import is a function, table, memory or global this module expects the embedder to provide.
type Import struct {
	Type   ExternType
	Module string
	Name   string

	// DescFunc is the type index of an ExternTypeFunc import.
	DescFunc Index
	// DescTable is set when Type is ExternTypeTable.
	DescTable *Table
	// DescMem is set when Type is ExternTypeMemory.
	DescMem *Memory
	// DescGlobal is set when Type is ExternTypeGlobal.
	DescGlobal *GlobalType
}

// Table describes the limits of a funcref table.
type Table struct {
	Min uint32
	Max *uint32
}

// Memory describes the limits of a linear memory in pages.
type Memory struct {
	Min uint32
	Max uint32
	// IsMaxEncoded is false when the module declared no maximum and Max was defaulted.
	IsMaxEncoded bool
}

// GlobalType is the value type and mutability of a global.
type GlobalType struct {
	ValType ValueType
	Mutable bool
}

// Global is a global defined in this module.
type Global struct {
	Type GlobalType
	Init ConstantExpression
}

// Export names a function, table, memory or global in its index namespace.
type Export struct {
	Type  ExternType
	Name  string
	Index Index
}

// ElementSegment initializes a range of a table with function indices.
type ElementSegment struct {
	TableIndex Index
	OffsetExpr ConstantExpression
	Init       []Index
}

// DataSegment initializes a range of the memory.
type DataSegment struct {
	OffsetExpr ConstantExpression
	Init       []byte
}

// Code is the body of a function defined in this module.
type Code struct {
	// LocalTypes are the declared locals, not including parameters.
	LocalTypes []ValueType
	// Body is the instruction stream including the trailing end opcode.
	Body []byte
}

// Opcode is a single byte WebAssembly opcode, limited here to those valid in a constant expression.
type Opcode = byte

const (
	OpcodeGlobalGet Opcode = 0x23
	OpcodeI32Const  Opcode = 0x41
	OpcodeI64Const  Opcode = 0x42
	OpcodeF32Const  Opcode = 0x43
	OpcodeF64Const  Opcode = 0x44
)

// ConstantExpression is a decoded constant expression. Value holds the raw bits of the constant, or the global
// index when Opcode is OpcodeGlobalGet.
type ConstantExpression struct {
	Opcode Opcode
	Value  uint64
}

// ImportCount returns the count of imports of the given kind.
func (m *Module) ImportCount(et ExternType) (count uint32) {
	for i := range m.Imports {
		if m.Imports[i].Type == et {
			count++
		}
	}
	return
}

// NumFunctions is the size of the function index namespace.
func (m *Module) NumFunctions() uint32 {
	return m.ImportCount(ExternTypeFunc) + uint32(len(m.Functions))
}

// TypeOfFunction returns the signature of the function at the given index in the function namespace, or nil if
// the index is out of range.
func (m *Module) TypeOfFunction(funcIdx Index) *FunctionType {
	var typeIdx Index
	imported := Index(0)
	found := false
	for i := range m.Imports {
		if m.Imports[i].Type != ExternTypeFunc {
			continue
		}
		if imported == funcIdx {
			typeIdx, found = m.Imports[i].DescFunc, true
			break
		}
		imported++
	}
	if !found {
		local := funcIdx - m.ImportCount(ExternTypeFunc)
		if local >= uint32(len(m.Functions)) {
			return nil
		}
		typeIdx = m.Functions[local]
	}
	if typeIdx >= uint32(len(m.Types)) {
		return nil
	}
	return &m.Types[typeIdx]
}

// LocalTypes returns the types of the local index space of a function defined in this module: its params followed
// by its declared locals. It returns nil for an imported or out of range function.
func (m *Module) LocalTypes(funcIdx Index) []ValueType {
	imported := m.ImportCount(ExternTypeFunc)
	if funcIdx < imported || funcIdx-imported >= uint32(len(m.Code)) {
		return nil
	}
	ft := m.TypeOfFunction(funcIdx)
	if ft == nil {
		return nil
	}
	code := &m.Code[funcIdx-imported]
	ret := make([]ValueType, 0, len(ft.Params)+len(code.LocalTypes))
	ret = append(ret, ft.Params...)
	return append(ret, code.LocalTypes...)
}

// AllGlobalTypes returns the types of the global index namespace: imported globals first.
func (m *Module) AllGlobalTypes() []GlobalType {
	ret := make([]GlobalType, 0, len(m.Globals))
	for i := range m.Imports {
		if m.Imports[i].Type == ExternTypeGlobal {
			ret = append(ret, *m.Imports[i].DescGlobal)
		}
	}
	for i := range m.Globals {
		ret = append(ret, m.Globals[i].Type)
	}
	return ret
}

// AllTables returns the tables of the table index namespace: imported tables first.
func (m *Module) AllTables() []Table {
	ret := make([]Table, 0, len(m.Tables))
	for i := range m.Imports {
		if m.Imports[i].Type == ExternTypeTable {
			ret = append(ret, *m.Imports[i].DescTable)
		}
	}
	return append(ret, m.Tables...)
}

// MemoryType returns the memory visible to this module, imported or defined, or nil.
func (m *Module) MemoryType() *Memory {
	for i := range m.Imports {
		if m.Imports[i].Type == ExternTypeMemory {
			return m.Imports[i].DescMem
		}
	}
	return m.Memory
}

// ExportByName returns the export of the given name, or false.
func (m *Module) ExportByName(name string) (Export, bool) {
	for _, e := range m.Exports {
		if e.Name == name {
			return e, true
		}
	}
	return Export{}, false
}

// FunctionName returns the name of the function for backtraces, falling back to its import name or index.
func (m *Module) FunctionName(funcIdx Index) string {
	if name, ok := m.FunctionNames[funcIdx]; ok {
		return name
	}
	imported := Index(0)
	for i := range m.Imports {
		if m.Imports[i].Type != ExternTypeFunc {
			continue
		}
		if imported == funcIdx {
			return m.Imports[i].Module + "." + m.Imports[i].Name
		}
		imported++
	}
	for _, e := range m.Exports {
		if e.Type == ExternTypeFunc && e.Index == funcIdx {
			return e.Name
		}
	}
	return "$" + strconv.FormatUint(uint64(funcIdx), 10)
}

