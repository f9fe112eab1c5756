package artifact

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/and3k5/wasmer/internal/compiler"
	"github.com/and3k5/wasmer/internal/vm"
	"github.com/and3k5/wasmer/internal/wasm"
)

// Field numbers of the body.
const (
	fieldCompiler      protowire.Number = 1
	fieldFingerprint   protowire.Number = 2
	fieldCode          protowire.Number = 3
	fieldFunction      protowire.Number = 4
	fieldRelocation    protowire.Number = 5
	fieldSignature     protowire.Number = 6
	fieldInitialPoints protowire.Number = 7
	fieldMetered       protowire.Number = 8
)

// Field numbers of a function.
const (
	fnIndex     protowire.Number = 1
	fnOffset    protowire.Number = 2
	fnLength    protowire.Number = 3
	fnParams    protowire.Number = 4
	fnResults   protowire.Number = 5
	fnFrameSize protowire.Number = 6
	fnTrapSite  protowire.Number = 7
	fnSourcePos protowire.Number = 8
)

// Field numbers of a relocation.
const (
	relOffset protowire.Number = 1
	relKind   protowire.Number = 2
	relTarget protowire.Number = 3
	relAddend protowire.Number = 4
)

// Field numbers of a signature.
const (
	sigParams  protowire.Number = 1
	sigResults protowire.Number = 2
)

// Marshal encodes the artifact with its header.
func (a *Artifact) Marshal() []byte {
	b := make([]byte, 0, HeaderSize+len(a.Code)+64*len(a.Functions))
	b = append(b, Magic...)
	b = binary.LittleEndian.AppendUint32(b, Version)
	b = append(b, a.Hash[:]...)

	b = appendString(b, fieldCompiler, a.Compiler)
	b = appendString(b, fieldFingerprint, a.Fingerprint)
	b = protowire.AppendTag(b, fieldCode, protowire.BytesType)
	b = protowire.AppendBytes(b, a.Code)
	for i := range a.Functions {
		b = protowire.AppendTag(b, fieldFunction, protowire.BytesType)
		b = protowire.AppendBytes(b, appendFunction(nil, &a.Functions[i]))
	}
	for i := range a.Relocations {
		b = protowire.AppendTag(b, fieldRelocation, protowire.BytesType)
		b = protowire.AppendBytes(b, appendRelocation(nil, &a.Relocations[i]))
	}
	for i := range a.Signatures {
		var sig []byte
		sig = appendBytes(sig, sigParams, a.Signatures[i].Params)
		sig = appendBytes(sig, sigResults, a.Signatures[i].Results)
		b = protowire.AppendTag(b, fieldSignature, protowire.BytesType)
		b = protowire.AppendBytes(b, sig)
	}
	b = appendVarint(b, fieldInitialPoints, a.InitialPoints)
	if a.Metered {
		b = appendVarint(b, fieldMetered, 1)
	}
	return b
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendFunction(b []byte, f *Function) []byte {
	b = appendVarint(b, fnIndex, uint64(f.Index))
	b = appendVarint(b, fnOffset, uint64(f.Offset))
	b = appendVarint(b, fnLength, uint64(f.Length))
	b = appendVarint(b, fnParams, uint64(f.Params))
	b = appendVarint(b, fnResults, uint64(f.Results))
	b = appendVarint(b, fnFrameSize, uint64(f.FrameSize))
	for _, ts := range f.TrapSites {
		// Offsets of trap sites are words apart, so the reason fits below them.
		b = protowire.AppendTag(b, fnTrapSite, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(ts.Offset)<<8|uint64(ts.Reason))
	}
	for _, sp := range f.SourceMap {
		b = protowire.AppendTag(b, fnSourcePos, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(sp.CodeOffset)<<32|uint64(sp.BytecodeOffset))
	}
	return b
}

func appendRelocation(b []byte, r *Relocation) []byte {
	b = appendVarint(b, relOffset, uint64(r.Offset))
	b = appendVarint(b, relKind, uint64(r.Kind))
	b = appendVarint(b, relTarget, uint64(r.Target))
	if r.Addend != 0 {
		b = protowire.AppendTag(b, relAddend, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeZigZag(r.Addend))
	}
	return b
}

// Unmarshal decodes an artifact. The header is checked against the expected hash before the body is read, so an
// artifact of another module or configuration fails with ErrArtifactMismatch and never as corrupt.
func Unmarshal(data []byte, expected Hash) (*Artifact, error) {
	if len(data) < HeaderSize || !bytes.Equal(data[:len(Magic)], []byte(Magic)) {
		return nil, corruptf("invalid header")
	}
	if v := binary.LittleEndian.Uint32(data[len(Magic):]); v != Version {
		return nil, fmt.Errorf("%w: format version %d, expected %d", ErrArtifactMismatch, v, Version)
	}
	a := &Artifact{}
	copy(a.Hash[:], data[len(Magic)+4:HeaderSize])
	if a.Hash != expected {
		return nil, fmt.Errorf("%w: signature hash %x, expected %x", ErrArtifactMismatch, a.Hash[:8], expected[:8])
	}

	err := walk(data[HeaderSize:], func(num protowire.Number, typ protowire.Type, v uint64, raw []byte) error {
		switch {
		case num == fieldCompiler && typ == protowire.BytesType:
			a.Compiler = string(raw)
		case num == fieldFingerprint && typ == protowire.BytesType:
			a.Fingerprint = string(raw)
		case num == fieldCode && typ == protowire.BytesType:
			a.Code = append([]byte(nil), raw...)
		case num == fieldFunction && typ == protowire.BytesType:
			f, err := consumeFunction(raw)
			if err != nil {
				return err
			}
			a.Functions = append(a.Functions, f)
		case num == fieldRelocation && typ == protowire.BytesType:
			r, err := consumeRelocation(raw)
			if err != nil {
				return err
			}
			a.Relocations = append(a.Relocations, r)
		case num == fieldSignature && typ == protowire.BytesType:
			var ft wasm.FunctionType
			if err := walk(raw, func(num protowire.Number, typ protowire.Type, _ uint64, raw []byte) error {
				switch {
				case num == sigParams && typ == protowire.BytesType:
					ft.Params = append([]wasm.ValueType(nil), raw...)
				case num == sigResults && typ == protowire.BytesType:
					ft.Results = append([]wasm.ValueType(nil), raw...)
				}
				return nil
			}); err != nil {
				return err
			}
			a.Signatures = append(a.Signatures, ft)
		case num == fieldInitialPoints && typ == protowire.VarintType:
			a.InitialPoints = v
		case num == fieldMetered && typ == protowire.VarintType:
			a.Metered = v != 0
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// walk calls fn for each field of a message. v is the value of varint fields, raw the value of bytes fields.
// Unknown fields are skipped.
func walk(b []byte, fn func(num protowire.Number, typ protowire.Type, v uint64, raw []byte) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return corruptf("tag: %v", protowire.ParseError(n))
		}
		b = b[n:]

		var v uint64
		var raw []byte
		switch typ {
		case protowire.VarintType:
			v, n = protowire.ConsumeVarint(b)
		case protowire.BytesType:
			raw, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return corruptf("field %d: %v", num, protowire.ParseError(n))
		}
		b = b[n:]
		if err := fn(num, typ, v, raw); err != nil {
			return err
		}
	}
	return nil
}

func consumeFunction(b []byte) (f Function, err error) {
	err = walk(b, func(num protowire.Number, typ protowire.Type, v uint64, _ []byte) error {
		if typ != protowire.VarintType {
			return nil
		}
		switch num {
		case fnIndex, fnOffset, fnLength, fnParams, fnResults, fnFrameSize:
			if v > 0xffffffff {
				return corruptf("function field %d overflows", num)
			}
		}
		switch num {
		case fnIndex:
			f.Index = uint32(v)
		case fnOffset:
			f.Offset = uint32(v)
		case fnLength:
			f.Length = uint32(v)
		case fnParams:
			f.Params = uint32(v)
		case fnResults:
			f.Results = uint32(v)
		case fnFrameSize:
			f.FrameSize = uint32(v)
		case fnTrapSite:
			f.TrapSites = append(f.TrapSites, compiler.TrapSite{Offset: uint32(v >> 8), Reason: vm.Reason(v)})
		case fnSourcePos:
			f.SourceMap = append(f.SourceMap, vm.SourcePosition{CodeOffset: uint32(v >> 32), BytecodeOffset: uint32(v)})
		}
		return nil
	})
	return
}

func consumeRelocation(b []byte) (r Relocation, err error) {
	err = walk(b, func(num protowire.Number, typ protowire.Type, v uint64, _ []byte) error {
		if typ != protowire.VarintType {
			return nil
		}
		switch num {
		case relOffset:
			r.Offset = uint32(v)
		case relKind:
			r.Kind = compiler.RelocationKind(v)
		case relTarget:
			r.Target = uint32(v)
		case relAddend:
			r.Addend = protowire.DecodeZigZag(v)
		}
		return nil
	})
	return
}
