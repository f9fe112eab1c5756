// Package metering prices the instructions of each function and injects a check of the instance's metering counter
// at the start of every straight-line segment.
//
// A segment starts at the function entry and after every control instruction, so every branch target starts a
// segment. The whole price of a segment is charged before any of it runs: when the counter is insufficient the
// instance traps without executing the segment, and without consuming the counter.
package metering

import (
	"fmt"
	"sort"
	"strings"

	parser "github.com/wippyai/wasm-runtime/wasm"

	"github.com/and3k5/wasmer/internal/middleware"
)

// ErrTooManyOperators is returned when a function has more priced operators than Config.MaxOperators.
var ErrTooManyOperators = fmt.Errorf("%w: too many operators", middleware.ErrRejected)

// Config configures metering.
type Config struct {
	// Costs prices opcodes. Prefixed instructions are priced by their prefix byte.
	Costs map[byte]uint64
	// DefaultCost prices opcodes missing from Costs.
	DefaultCost uint64
	// MaxOperators rejects functions with more operators. Zero means unlimited.
	MaxOperators int
	// Limit is the metering budget of a new instance.
	Limit uint64
}

// Metering is the metering middleware.
type Metering struct {
	config Config
}

var (
	_ middleware.Middleware   = (*Metering)(nil)
	_ middleware.MeterLimiter = (*Metering)(nil)
)

// New returns the middleware. The config is copied.
func New(config Config) *Metering {
	costs := make(map[byte]uint64, len(config.Costs))
	for op, c := range config.Costs {
		costs[op] = c
	}
	config.Costs = costs
	return &Metering{config: config}
}

// Name implements middleware.Middleware Name
func (m *Metering) Name() string { return "metering" }

// InitialPoints implements middleware.MeterLimiter InitialPoints
func (m *Metering) InitialPoints() uint64 { return m.config.Limit }

// Fingerprint implements middleware.Middleware Fingerprint. The limit is not part of it, as it only applies to new
// instances and never changes compiled code.
func (m *Metering) Fingerprint() string {
	ops := make([]int, 0, len(m.config.Costs))
	for op := range m.config.Costs {
		ops = append(ops, int(op))
	}
	sort.Ints(ops)

	var b strings.Builder
	fmt.Fprintf(&b, "metering(default=%d,max=%d", m.config.DefaultCost, m.config.MaxOperators)
	for _, op := range ops {
		fmt.Fprintf(&b, ",%#x=%d", op, m.config.Costs[byte(op)])
	}
	b.WriteByte(')')
	return b.String()
}

// Cost returns the price of the instruction.
func (m *Metering) Cost(in *parser.Instruction) uint64 {
	if c, ok := m.config.Costs[in.Opcode]; ok {
		return c
	}
	return m.config.DefaultCost
}

// endsSegment is true for every instruction after which control may continue somewhere other than the next
// instruction, or which is itself a branch target boundary.
func endsSegment(op byte) bool {
	switch op {
	case parser.OpBlock, parser.OpLoop, parser.OpIf, parser.OpElse, parser.OpEnd,
		parser.OpBr, parser.OpBrIf, parser.OpBrTable, parser.OpReturn,
		parser.OpCall, parser.OpCallIndirect, parser.OpUnreachable:
		return true
	}
	return false
}

// Transform implements middleware.Middleware Transform
func (m *Metering) Transform(_ *middleware.FunctionContext, ops []middleware.Operator) ([]middleware.Operator, error) {
	priced := 0
	for i := range ops {
		if !ops[i].IsMeter() {
			priced++
		}
	}
	if m.config.MaxOperators > 0 && priced > m.config.MaxOperators {
		return nil, fmt.Errorf("%w: %d > %d", ErrTooManyOperators, priced, m.config.MaxOperators)
	}

	ret := make([]middleware.Operator, 0, len(ops)+len(ops)/4+1)
	start := 0
	var cost uint64
	flush := func(end int) {
		if end == start {
			return
		}
		if cost > 0 {
			ret = append(ret, middleware.Operator{
				Instruction: parser.Instruction{Opcode: middleware.OpMeter, Imm: middleware.MeterImm{Cost: cost}},
				Offset:      ops[start].Offset,
			})
		}
		ret = append(ret, ops[start:end]...)
		start, cost = end, 0
	}
	for i := range ops {
		if !ops[i].IsMeter() {
			cost += m.Cost(&ops[i].Instruction)
		}
		if endsSegment(ops[i].Opcode) {
			flush(i + 1)
		}
	}
	flush(len(ops))
	return ret, nil
}
