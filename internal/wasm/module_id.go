package wasm

import (
	"crypto/sha256"
	"encoding/binary"
	"hash"
	"sort"
)

// ModuleID is the sha256 over a canonical encoding of every field of a Module. Two modules with the same ID compile
// to the same code, so the ID is the module half of an artifact's signature hash.
type ModuleID = [sha256.Size]byte

// ID computes the ModuleID. It is recomputed on each call, so callers that need it repeatedly should keep the result.
func (m *Module) ID() ModuleID {
	w := idWriter{h: sha256.New()}

	w.u32(uint32(len(m.Types)))
	for i := range m.Types {
		w.bytes(m.Types[i].Params)
		w.bytes(m.Types[i].Results)
	}

	w.u32(uint32(len(m.Imports)))
	for i := range m.Imports {
		imp := &m.Imports[i]
		w.u8(imp.Type)
		w.str(imp.Module)
		w.str(imp.Name)
		switch imp.Type {
		case ExternTypeFunc:
			w.u32(imp.DescFunc)
		case ExternTypeTable:
			w.table(imp.DescTable)
		case ExternTypeMemory:
			w.memory(imp.DescMem)
		case ExternTypeGlobal:
			w.u8(imp.DescGlobal.ValType)
			w.bool(imp.DescGlobal.Mutable)
		}
	}

	w.u32(uint32(len(m.Functions)))
	for _, typeIdx := range m.Functions {
		w.u32(typeIdx)
	}

	w.u32(uint32(len(m.Tables)))
	for i := range m.Tables {
		w.table(&m.Tables[i])
	}

	w.bool(m.Memory != nil)
	if m.Memory != nil {
		w.memory(m.Memory)
	}

	w.u32(uint32(len(m.Globals)))
	for i := range m.Globals {
		w.u8(m.Globals[i].Type.ValType)
		w.bool(m.Globals[i].Type.Mutable)
		w.constExpr(&m.Globals[i].Init)
	}

	w.u32(uint32(len(m.Exports)))
	for _, e := range m.Exports {
		w.u8(e.Type)
		w.str(e.Name)
		w.u32(e.Index)
	}

	w.bool(m.Start != nil)
	if m.Start != nil {
		w.u32(*m.Start)
	}

	w.u32(uint32(len(m.Elements)))
	for i := range m.Elements {
		elem := &m.Elements[i]
		w.u32(elem.TableIndex)
		w.constExpr(&elem.OffsetExpr)
		w.u32(uint32(len(elem.Init)))
		for _, idx := range elem.Init {
			w.u32(idx)
		}
	}

	w.u32(uint32(len(m.Code)))
	for i := range m.Code {
		w.bytes(m.Code[i].LocalTypes)
		w.bytes(m.Code[i].Body)
	}

	w.u32(uint32(len(m.Data)))
	for i := range m.Data {
		w.constExpr(&m.Data[i].OffsetExpr)
		w.bytes(m.Data[i].Init)
	}

	// Names show up in trap backtraces, so they are part of the identity.
	names := make([]Index, 0, len(m.FunctionNames))
	for idx := range m.FunctionNames {
		names = append(names, idx)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	w.u32(uint32(len(names)))
	for _, idx := range names {
		w.u32(idx)
		w.str(m.FunctionNames[idx])
	}

	var id ModuleID
	copy(id[:], w.h.Sum(nil))
	return id
}

type idWriter struct {
	h   hash.Hash
	buf [8]byte
}

func (w *idWriter) u8(v byte) {
	w.buf[0] = v
	w.h.Write(w.buf[:1])
}

func (w *idWriter) bool(v bool) {
	if v {
		w.u8(1)
	} else {
		w.u8(0)
	}
}

func (w *idWriter) u32(v uint32) {
	binary.LittleEndian.PutUint32(w.buf[:4], v)
	w.h.Write(w.buf[:4])
}

func (w *idWriter) u64(v uint64) {
	binary.LittleEndian.PutUint64(w.buf[:], v)
	w.h.Write(w.buf[:])
}

func (w *idWriter) bytes(b []byte) {
	w.u32(uint32(len(b)))
	w.h.Write(b)
}

func (w *idWriter) str(s string) {
	w.bytes([]byte(s))
}

func (w *idWriter) table(t *Table) {
	w.u32(t.Min)
	w.bool(t.Max != nil)
	if t.Max != nil {
		w.u32(*t.Max)
	}
}

func (w *idWriter) memory(mem *Memory) {
	w.u32(mem.Min)
	w.bool(mem.IsMaxEncoded)
	if mem.IsMaxEncoded {
		w.u32(mem.Max)
	}
}

func (w *idWriter) constExpr(e *ConstantExpression) {
	w.u8(e.Opcode)
	w.u64(e.Value)
}
