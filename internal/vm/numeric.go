package vm

import (
	"math"
	"math/bits"

	"github.com/and3k5/wasmer/internal/moremath"
)

func b2u(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

// numeric applies the numeric opcode op, which is in the range 0x45 to 0xc4. i32 results are kept zero extended.
func (ce *callEngine) numeric(op byte) Reason {
	switch {
	case op == 0x45: // i32.eqz
		ce.push(b2u(uint32(ce.pop()) == 0))
	case op <= 0x4f:
		y, x := uint32(ce.pop()), uint32(ce.pop())
		ce.push(b2u(cmpI32(op, x, y)))
	case op == 0x50: // i64.eqz
		ce.push(b2u(ce.pop() == 0))
	case op <= 0x5a:
		y, x := ce.pop(), ce.pop()
		ce.push(b2u(cmpI64(op, x, y)))
	case op <= 0x60:
		y, x := f32(ce.pop()), f32(ce.pop())
		ce.push(b2u(cmpF(op-0x5b, float64(x), float64(y))))
	case op <= 0x66:
		y, x := f64(ce.pop()), f64(ce.pop())
		ce.push(b2u(cmpF(op-0x61, x, y)))
	case op <= 0x69:
		x := uint32(ce.pop())
		switch op {
		case 0x67:
			ce.push(uint64(bits.LeadingZeros32(x)))
		case 0x68:
			ce.push(uint64(bits.TrailingZeros32(x)))
		default:
			ce.push(uint64(bits.OnesCount32(x)))
		}
	case op <= 0x78:
		y, x := uint32(ce.pop()), uint32(ce.pop())
		v, r := binI32(op, x, y)
		if r != ReasonNone {
			return r
		}
		ce.push(uint64(v))
	case op <= 0x7b:
		x := ce.pop()
		switch op {
		case 0x79:
			ce.push(uint64(bits.LeadingZeros64(x)))
		case 0x7a:
			ce.push(uint64(bits.TrailingZeros64(x)))
		default:
			ce.push(uint64(bits.OnesCount64(x)))
		}
	case op <= 0x8a:
		y, x := ce.pop(), ce.pop()
		v, r := binI64(op, x, y)
		if r != ReasonNone {
			return r
		}
		ce.push(v)
	case op <= 0x91:
		ce.push(unF32(op, uint32(ce.pop())))
	case op <= 0x98:
		y, x := uint32(ce.pop()), uint32(ce.pop())
		ce.push(binF32(op, x, y))
	case op <= 0x9f:
		ce.push(unF64(op, ce.pop()))
	case op <= 0xa6:
		y, x := ce.pop(), ce.pop()
		ce.push(binF64(op, x, y))
	default:
		v, r := convert(op, ce.pop())
		if r != ReasonNone {
			return r
		}
		ce.push(v)
	}
	return ReasonNone
}

func cmpI32(op byte, x, y uint32) bool {
	switch op {
	case 0x46:
		return x == y
	case 0x47:
		return x != y
	case 0x48:
		return int32(x) < int32(y)
	case 0x49:
		return x < y
	case 0x4a:
		return int32(x) > int32(y)
	case 0x4b:
		return x > y
	case 0x4c:
		return int32(x) <= int32(y)
	case 0x4d:
		return x <= y
	case 0x4e:
		return int32(x) >= int32(y)
	}
	return x >= y
}

func cmpI64(op byte, x, y uint64) bool {
	switch op {
	case 0x51:
		return x == y
	case 0x52:
		return x != y
	case 0x53:
		return int64(x) < int64(y)
	case 0x54:
		return x < y
	case 0x55:
		return int64(x) > int64(y)
	case 0x56:
		return x > y
	case 0x57:
		return int64(x) <= int64(y)
	case 0x58:
		return x <= y
	case 0x59:
		return int64(x) >= int64(y)
	}
	return x >= y
}

// cmpF compares in eq, ne, lt, gt, le, ge order. Any comparison with NaN is false except ne.
func cmpF(k byte, x, y float64) bool {
	switch k {
	case 0:
		return x == y
	case 1:
		return x != y
	case 2:
		return x < y
	case 3:
		return x > y
	case 4:
		return x <= y
	}
	return x >= y
}

func binI32(op byte, x, y uint32) (uint32, Reason) {
	switch op {
	case 0x6a:
		return x + y, ReasonNone
	case 0x6b:
		return x - y, ReasonNone
	case 0x6c:
		return x * y, ReasonNone
	case 0x6d:
		if y == 0 {
			return 0, IntegerDivideByZero
		}
		if int32(x) == math.MinInt32 && int32(y) == -1 {
			return 0, IntegerOverflow
		}
		return uint32(int32(x) / int32(y)), ReasonNone
	case 0x6e:
		if y == 0 {
			return 0, IntegerDivideByZero
		}
		return x / y, ReasonNone
	case 0x6f:
		if y == 0 {
			return 0, IntegerDivideByZero
		}
		if int32(y) == -1 {
			return 0, ReasonNone
		}
		return uint32(int32(x) % int32(y)), ReasonNone
	case 0x70:
		if y == 0 {
			return 0, IntegerDivideByZero
		}
		return x % y, ReasonNone
	case 0x71:
		return x & y, ReasonNone
	case 0x72:
		return x | y, ReasonNone
	case 0x73:
		return x ^ y, ReasonNone
	case 0x74:
		return x << (y % 32), ReasonNone
	case 0x75:
		return uint32(int32(x) >> (y % 32)), ReasonNone
	case 0x76:
		return x >> (y % 32), ReasonNone
	case 0x77:
		return bits.RotateLeft32(x, int(y%32)), ReasonNone
	}
	return bits.RotateLeft32(x, -int(y%32)), ReasonNone
}

func binI64(op byte, x, y uint64) (uint64, Reason) {
	switch op {
	case 0x7c:
		return x + y, ReasonNone
	case 0x7d:
		return x - y, ReasonNone
	case 0x7e:
		return x * y, ReasonNone
	case 0x7f:
		if y == 0 {
			return 0, IntegerDivideByZero
		}
		if int64(x) == math.MinInt64 && int64(y) == -1 {
			return 0, IntegerOverflow
		}
		return uint64(int64(x) / int64(y)), ReasonNone
	case 0x80:
		if y == 0 {
			return 0, IntegerDivideByZero
		}
		return x / y, ReasonNone
	case 0x81:
		if y == 0 {
			return 0, IntegerDivideByZero
		}
		if int64(y) == -1 {
			return 0, ReasonNone
		}
		return uint64(int64(x) % int64(y)), ReasonNone
	case 0x82:
		if y == 0 {
			return 0, IntegerDivideByZero
		}
		return x % y, ReasonNone
	case 0x83:
		return x & y, ReasonNone
	case 0x84:
		return x | y, ReasonNone
	case 0x85:
		return x ^ y, ReasonNone
	case 0x86:
		return x << (y % 64), ReasonNone
	case 0x87:
		return uint64(int64(x) >> (y % 64)), ReasonNone
	case 0x88:
		return x >> (y % 64), ReasonNone
	case 0x89:
		return bits.RotateLeft64(x, int(y%64)), ReasonNone
	}
	return bits.RotateLeft64(x, -int(y%64)), ReasonNone
}

const (
	f32SignMask = uint32(1) << 31
	f64SignMask = uint64(1) << 63
)

func unF32(op byte, b uint32) uint64 {
	v := math.Float32frombits(b)
	switch op {
	case 0x8b:
		return uint64(b &^ f32SignMask)
	case 0x8c:
		return uint64(b ^ f32SignMask)
	case 0x8d:
		v = float32(math.Ceil(float64(v)))
	case 0x8e:
		v = float32(math.Floor(float64(v)))
	case 0x8f:
		v = float32(math.Trunc(float64(v)))
	case 0x90:
		v = moremath.NearestF32(v)
	default:
		v = float32(math.Sqrt(float64(v)))
	}
	return uint64(math.Float32bits(v))
}

func binF32(op byte, xb, yb uint32) uint64 {
	x, y := math.Float32frombits(xb), math.Float32frombits(yb)
	var v float32
	switch op {
	case 0x92:
		v = x + y
	case 0x93:
		v = x - y
	case 0x94:
		v = x * y
	case 0x95:
		v = x / y
	case 0x96:
		v = float32(moremath.Min(float64(x), float64(y)))
	case 0x97:
		v = float32(moremath.Max(float64(x), float64(y)))
	default:
		return uint64(xb&^f32SignMask | yb&f32SignMask)
	}
	return uint64(math.Float32bits(v))
}

func unF64(op byte, b uint64) uint64 {
	v := math.Float64frombits(b)
	switch op {
	case 0x99:
		return b &^ f64SignMask
	case 0x9a:
		return b ^ f64SignMask
	case 0x9b:
		v = math.Ceil(v)
	case 0x9c:
		v = math.Floor(v)
	case 0x9d:
		v = math.Trunc(v)
	case 0x9e:
		v = moremath.NearestF64(v)
	default:
		v = math.Sqrt(v)
	}
	return math.Float64bits(v)
}

func binF64(op byte, xb, yb uint64) uint64 {
	x, y := math.Float64frombits(xb), math.Float64frombits(yb)
	var v float64
	switch op {
	case 0xa0:
		v = x + y
	case 0xa1:
		v = x - y
	case 0xa2:
		v = x * y
	case 0xa3:
		v = x / y
	case 0xa4:
		v = moremath.Min(x, y)
	case 0xa5:
		v = moremath.Max(x, y)
	default:
		return xb&^f64SignMask | yb&f64SignMask
	}
	return math.Float64bits(v)
}

// Exclusive upper bounds and inclusive lower bounds of the truncations, as exactly representable floats.
const (
	twoTo31 = float64(1 << 31)
	twoTo32 = float64(1 << 32)
	twoTo63 = float64(1 << 63)
	twoTo64 = float64(1<<63) * 2
)

// truncKind describes one of the eight float to integer truncations: 64 bit result, signed and f64 source.
type truncKind struct{ i64, signed, src64 bool }

// truncKinds are ordered as the 0xfc saturating sub-opcodes 0 to 7.
var truncKinds = [8]truncKind{
	{false, true, false}, {false, false, false}, {false, true, true}, {false, false, true},
	{true, true, false}, {true, false, false}, {true, true, true}, {true, false, true},
}

func (k truncKind) bounds() (lo, hi float64) {
	switch {
	case !k.i64 && k.signed:
		return -twoTo31, twoTo31
	case !k.i64:
		return 0, twoTo32
	case k.signed:
		return -twoTo63, twoTo63
	}
	return 0, twoTo64
}

func (k truncKind) source(v uint64) float64 {
	if k.src64 {
		return f64(v)
	}
	return float64(f32(v))
}

func (k truncKind) result(t float64) uint64 {
	switch {
	case !k.i64 && k.signed:
		return uint64(uint32(int32(t)))
	case !k.i64:
		return uint64(uint32(t))
	case k.signed:
		return uint64(int64(t))
	}
	return uint64(t)
}

// trunc traps on NaN and on values whose truncation is out of range.
func (k truncKind) trunc(v uint64) (uint64, Reason) {
	f := k.source(v)
	if math.IsNaN(f) {
		return 0, InvalidConversionToInteger
	}
	t := math.Trunc(f)
	if lo, hi := k.bounds(); t < lo || t >= hi {
		return 0, IntegerOverflow
	}
	return k.result(t), ReasonNone
}

// saturate maps NaN to zero and clamps out of range values.
func (k truncKind) saturate(v uint64) uint64 {
	f := k.source(v)
	if math.IsNaN(f) {
		return 0
	}
	t := math.Trunc(f)
	lo, hi := k.bounds()
	switch {
	case t < lo:
		return k.result(lo)
	case t >= hi:
		switch {
		case !k.i64 && k.signed:
			return uint64(uint32(math.MaxInt32))
		case !k.i64:
			return uint64(math.MaxUint32)
		case k.signed:
			return uint64(math.MaxInt64)
		}
		return math.MaxUint64
	}
	return k.result(t)
}

func (ce *callEngine) satTrunc(subop byte) {
	ce.push(truncKinds[subop&7].saturate(ce.pop()))
}

func convert(op byte, v uint64) (uint64, Reason) {
	switch op {
	case 0xa7: // i32.wrap_i64
		return uint64(uint32(v)), ReasonNone
	case 0xa8:
		return truncKinds[0].trunc(v)
	case 0xa9:
		return truncKinds[1].trunc(v)
	case 0xaa:
		return truncKinds[2].trunc(v)
	case 0xab:
		return truncKinds[3].trunc(v)
	case 0xac: // i64.extend_i32_s
		return uint64(int64(int32(v))), ReasonNone
	case 0xad:
		return uint64(uint32(v)), ReasonNone
	case 0xae:
		return truncKinds[4].trunc(v)
	case 0xaf:
		return truncKinds[5].trunc(v)
	case 0xb0:
		return truncKinds[6].trunc(v)
	case 0xb1:
		return truncKinds[7].trunc(v)
	case 0xb2:
		return uint64(math.Float32bits(float32(int32(v)))), ReasonNone
	case 0xb3:
		return uint64(math.Float32bits(float32(uint32(v)))), ReasonNone
	case 0xb4:
		return uint64(math.Float32bits(float32(int64(v)))), ReasonNone
	case 0xb5:
		return uint64(math.Float32bits(float32(v))), ReasonNone
	case 0xb6: // f32.demote_f64
		return uint64(math.Float32bits(float32(f64(v)))), ReasonNone
	case 0xb7:
		return math.Float64bits(float64(int32(v))), ReasonNone
	case 0xb8:
		return math.Float64bits(float64(uint32(v))), ReasonNone
	case 0xb9:
		return math.Float64bits(float64(int64(v))), ReasonNone
	case 0xba:
		return math.Float64bits(float64(v)), ReasonNone
	case 0xbb: // f64.promote_f32
		return math.Float64bits(float64(f32(v))), ReasonNone
	case 0xbc, 0xbe: // reinterpretations between i32 and f32 keep the low 32 bits
		return uint64(uint32(v)), ReasonNone
	case 0xbd, 0xbf:
		return v, ReasonNone
	case 0xc0: // i32.extend8_s
		return uint64(uint32(int32(int8(v)))), ReasonNone
	case 0xc1:
		return uint64(uint32(int32(int16(v)))), ReasonNone
	case 0xc2:
		return uint64(int64(int8(v))), ReasonNone
	case 0xc3:
		return uint64(int64(int16(v))), ReasonNone
	case 0xc4:
		return uint64(int64(int32(v))), ReasonNone
	}
	return 0, RuntimeFault
}
