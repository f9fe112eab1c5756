// Package middleware transforms the instruction stream of each function before it is compiled.
//
// A Chain is an ordered list of Middleware. Applying [A, B] to a function yields B(A(x)). Middleware see decoded
// operators, may insert or drop operators, and may reject a function. They never see compiled code.
package middleware

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	parser "github.com/wippyai/wasm-runtime/wasm"

	"github.com/and3k5/wasmer/internal/wasm"
)

// OpMeter is a pseudo opcode only middleware emit. Its immediate is MeterImm. It is not a valid WebAssembly
// opcode, so it never collides with a decoded operator.
const OpMeter = byte(0xf0)

// MeterImm is the immediate of OpMeter: the price of the straight-line segment it starts.
type MeterImm struct {
	Cost uint64
}

// ErrRejected is the cause of every rejection by a middleware.
var ErrRejected = errors.New("rejected by middleware")

// Operator is one decoded instruction of a function body.
type Operator struct {
	parser.Instruction
	// Offset is the offset in the function body of the instruction. An inserted operator has the offset of the
	// operator it precedes.
	Offset uint32
}

// IsMeter is true for the OpMeter pseudo operator.
func (o *Operator) IsMeter() bool {
	if o.Opcode != OpMeter {
		return false
	}
	_, ok := o.Imm.(MeterImm)
	return ok
}

// Decode decodes a function body, including its trailing end, into operators.
//
// Offsets are measured by re-encoding each instruction, so they assume the minimal LEB128 immediates every
// mainstream toolchain emits. They are only used for source maps.
func Decode(body []byte) ([]Operator, error) {
	instrs, err := parser.DecodeInstructions(body)
	if err != nil {
		return nil, err
	}
	ops := make([]Operator, len(instrs))
	var buf bytes.Buffer
	offset := uint32(0)
	for i := range instrs {
		ops[i] = Operator{Instruction: instrs[i], Offset: offset}
		buf.Reset()
		parser.EncodeInstructionTo(&buf, &instrs[i])
		offset += uint32(buf.Len())
	}
	return ops, nil
}

// FunctionContext is the read-only view a middleware has of the function it transforms.
type FunctionContext struct {
	Module *wasm.Module
	// Index is the index of the function in the function namespace.
	Index wasm.Index
	Type  *wasm.FunctionType
}

// Middleware transforms one function at a time. Transform must be deterministic and safe for concurrent use, as
// functions of a module are compiled in parallel.
type Middleware interface {
	// Name identifies the middleware in errors.
	Name() string
	// Fingerprint identifies the middleware and its configuration. Artifacts compiled with a different fingerprint
	// are not loaded.
	Fingerprint() string
	Transform(fctx *FunctionContext, ops []Operator) ([]Operator, error)
}

// MeterLimiter is implemented by middleware that inject OpMeter and know the initial budget of new instances.
type MeterLimiter interface {
	InitialPoints() uint64
}

// Chain is an immutable, ordered list of Middleware.
type Chain struct {
	mws []Middleware
}

// NewChain returns a Chain applying mws in order.
func NewChain(mws ...Middleware) *Chain {
	return &Chain{mws: append([]Middleware(nil), mws...)}
}

// Len is the number of middleware. A nil Chain is empty.
func (c *Chain) Len() int {
	if c == nil {
		return 0
	}
	return len(c.mws)
}

// Apply runs every middleware in order. A failure is wrapped with the name of the middleware that rejected the
// function, and always matches ErrRejected.
func (c *Chain) Apply(fctx *FunctionContext, ops []Operator) ([]Operator, error) {
	if c == nil {
		return ops, nil
	}
	var err error
	for _, mw := range c.mws {
		if ops, err = mw.Transform(fctx, ops); err != nil {
			if !errors.Is(err, ErrRejected) {
				err = fmt.Errorf("%w: %w", ErrRejected, err)
			}
			return nil, fmt.Errorf("middleware[%s]: %w", mw.Name(), err)
		}
	}
	return ops, nil
}

// Fingerprint identifies the chain, in order. It is empty for an empty chain.
func (c *Chain) Fingerprint() string {
	if c.Len() == 0 {
		return ""
	}
	parts := make([]string, len(c.mws))
	for i, mw := range c.mws {
		parts[i] = mw.Fingerprint()
	}
	return strings.Join(parts, ";")
}

// InitialPoints is the metering budget of a new instance: the largest initial budget of any MeterLimiter, or zero
// when nothing meters.
func (c *Chain) InitialPoints() (points uint64, metered bool) {
	if c == nil {
		return 0, false
	}
	for _, mw := range c.mws {
		if l, ok := mw.(MeterLimiter); ok {
			metered = true
			if p := l.InitialPoints(); p > points {
				points = p
			}
		}
	}
	return
}
