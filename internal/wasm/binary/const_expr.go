package binary

import (
	"bytes"
	"encoding/binary"
	"io"

	parser "github.com/wippyai/wasm-runtime/wasm"

	"github.com/and3k5/wasmer/internal/wasm"
)

// decodeConstantExpression decodes the raw init expression bytes, including the trailing end opcode.
func decodeConstantExpression(data []byte) (*wasm.ConstantExpression, error) {
	r := bytes.NewReader(data)
	opcode, err := r.ReadByte()
	if err != nil {
		return nil, invalid("read opcode: %v", err)
	}

	ret := &wasm.ConstantExpression{Opcode: opcode}
	switch opcode {
	case parser.OpI32Const:
		var v int32
		if v, err = parser.ReadLEB128s(r); err == nil {
			ret.Value = uint64(uint32(v))
		}
	case parser.OpI64Const:
		var v int64
		if v, err = parser.ReadLEB128s64(r); err == nil {
			ret.Value = uint64(v)
		}
	case parser.OpF32Const:
		var buf [4]byte
		if _, err = io.ReadFull(r, buf[:]); err == nil {
			ret.Value = uint64(binary.LittleEndian.Uint32(buf[:]))
		}
	case parser.OpF64Const:
		var buf [8]byte
		if _, err = io.ReadFull(r, buf[:]); err == nil {
			ret.Value = binary.LittleEndian.Uint64(buf[:])
		}
	case parser.OpGlobalGet:
		var v uint32
		if v, err = parser.ReadLEB128u(r); err == nil {
			ret.Value = uint64(v)
		}
	case parser.OpRefNull, parser.OpRefFunc:
		return nil, unsupported("reference constant expression %#x", opcode)
	default:
		return nil, invalid("invalid opcode for const expression: %#x", opcode)
	}
	if err != nil {
		return nil, invalid("read value: %v", err)
	}

	if end, err := r.ReadByte(); err != nil || end != parser.OpEnd || r.Len() != 0 {
		return nil, invalid("constant expression has been not terminated")
	}
	return ret, nil
}

// decodeRefFunc decodes an element init expression, which must be ref.func.
func decodeRefFunc(data []byte) (wasm.Index, error) {
	r := bytes.NewReader(data)
	opcode, err := r.ReadByte()
	if err != nil {
		return 0, invalid("read opcode: %v", err)
	}
	switch opcode {
	case parser.OpRefFunc:
	case parser.OpRefNull:
		return 0, unsupported("ref.null element")
	default:
		return 0, invalid("const expr must be ref.func but was %#x", opcode)
	}
	idx, err := parser.ReadLEB128u(r)
	if err != nil {
		return 0, invalid("read function index: %v", err)
	}
	if end, err := r.ReadByte(); err != nil || end != parser.OpEnd {
		return 0, invalid("constant expression has been not terminated")
	}
	return idx, nil
}
