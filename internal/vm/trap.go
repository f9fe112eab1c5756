package vm

import (
	"errors"
	"fmt"
	"strings"
)

// All the errors are returned during the execution of Wasm functions. Each is the sentinel of a Reason, so callers
// match a *Trap with errors.Is.
var (
	// ErrOutOfBoundsMemoryAccess indicates that the program tried to access the region beyond the linear memory.
	ErrOutOfBoundsMemoryAccess = errors.New("out of bounds memory access")
	// ErrInvalidTableAccess means either offset to the table was out of bounds of table, or the target element in
	// the table was uninitialized during call_indirect instruction.
	ErrInvalidTableAccess = errors.New("invalid table access")
	// ErrIntegerDivideByZero indicates that an integer div or rem instructions was executed with 0 as the divisor.
	ErrIntegerDivideByZero = errors.New("integer divide by zero")
	// ErrIntegerOverflow indicates that an integer arithmetic resulted in overflow value. For example, when the
	// program tried to truncate a float value which doesn't fit in the range of target integer.
	ErrIntegerOverflow = errors.New("integer overflow")
	// ErrInvalidConversionToInteger indicates the Wasm function tries to convert NaN floating point value to
	// integers during trunc variant instructions.
	ErrInvalidConversionToInteger = errors.New("invalid conversion to integer")
	// ErrIndirectCallTypeMismatch indicates that the type check failed during call_indirect.
	ErrIndirectCallTypeMismatch = errors.New("indirect call type mismatch")
	// ErrUnreachable means "unreachable" instruction was executed by the program.
	ErrUnreachable = errors.New("unreachable")
	// ErrCallStackOverflow indicates that there are too many function calls, or their frames exhausted the stack
	// budget of the instance.
	ErrCallStackOverflow = errors.New("callstack overflow")
	// ErrHostTrap indicates a host function returned an error, which is held as the trap Cause.
	ErrHostTrap = errors.New("host function failed")
	// ErrMeteringExhausted indicates the metering budget was insufficient for the next priced segment.
	ErrMeteringExhausted = errors.New("metering limit exceeded")
	// ErrInterrupted indicates the embedder interrupted the execution.
	ErrInterrupted = errors.New("interrupted")
	// ErrInstanceTrapped indicates code tried to enter an instance that is trapped.
	ErrInstanceTrapped = errors.New("instance trapped")
	// ErrInstanceClosed indicates code tried to enter an instance that is closed.
	ErrInstanceClosed = errors.New("instance closed")
	// ErrRuntimeFault indicates a defect in the runtime itself, recovered at the invocation boundary.
	ErrRuntimeFault = errors.New("runtime fault")
)

// Reason classifies a Trap.
type Reason byte

const (
	ReasonNone Reason = iota
	OutOfBoundsMemory
	OutOfBoundsTable
	IntegerDivideByZero
	IntegerOverflow
	InvalidConversionToInteger
	IndirectCallTypeMismatch
	Unreachable
	StackOverflow
	HostTrap
	MeteringExhausted
	Interrupted
	InstanceTrapped
	InstanceClosed
	RuntimeFault
	reasonEnd
)

var reasonErrs = [...]error{
	OutOfBoundsMemory:          ErrOutOfBoundsMemoryAccess,
	OutOfBoundsTable:           ErrInvalidTableAccess,
	IntegerDivideByZero:        ErrIntegerDivideByZero,
	IntegerOverflow:            ErrIntegerOverflow,
	InvalidConversionToInteger: ErrInvalidConversionToInteger,
	IndirectCallTypeMismatch:   ErrIndirectCallTypeMismatch,
	Unreachable:                ErrUnreachable,
	StackOverflow:              ErrCallStackOverflow,
	HostTrap:                   ErrHostTrap,
	MeteringExhausted:          ErrMeteringExhausted,
	Interrupted:                ErrInterrupted,
	InstanceTrapped:            ErrInstanceTrapped,
	InstanceClosed:             ErrInstanceClosed,
	RuntimeFault:               ErrRuntimeFault,
}

// Err returns the sentinel error of the reason.
func (r Reason) Err() error {
	if r > ReasonNone && r < reasonEnd {
		return reasonErrs[r]
	}
	return ErrRuntimeFault
}

// Valid is true for every reason a Trap can carry.
func (r Reason) Valid() bool { return r > ReasonNone && r < reasonEnd }

func (r Reason) String() string {
	if !r.Valid() {
		return fmt.Sprintf("reason(%d)", byte(r))
	}
	return reasonErrs[r].Error()
}

// Fatal is true when the instance must not be reset after a trap of this reason: its frames were unwound at an
// arbitrary depth or the runtime itself misbehaved.
func (r Reason) Fatal() bool {
	return r == StackOverflow || r == RuntimeFault
}

// Frame is one entry of a best-effort backtrace, innermost first.
type Frame struct {
	// FunctionIndex is the index in the function namespace of the module.
	FunctionIndex uint32
	Name          string
	// Offset is the code offset relative to the function entry.
	Offset uint32
	// BytecodeOffset is the offset in the function body, or -1 without a source map.
	BytecodeOffset int64
}

// Trap is a runtime fault. It aborts the current call and unwinds to the invocation boundary.
type Trap struct {
	Reason Reason
	// Offset is the absolute code offset of the faulting instruction in its code image.
	Offset uint32
	// BytecodeOffset is the offset in the function body of the faulting instruction, or -1 without a source map.
	BytecodeOffset int64
	Frames         []Frame
	// Cause is the error returned by a host function when Reason is HostTrap.
	Cause error
}

// NewTrap returns a Trap raised outside of compiled code, such as in a start function of an instance.
func NewTrap(reason Reason, cause error) *Trap {
	return &Trap{Reason: reason, BytecodeOffset: -1, Cause: cause}
}

func (t *Trap) Error() string {
	var b strings.Builder
	b.WriteString("wasm runtime error: ")
	b.WriteString(t.Reason.String())
	if t.Cause != nil {
		b.WriteString(": ")
		b.WriteString(t.Cause.Error())
	}
	if len(t.Frames) > 0 {
		b.WriteString("\nwasm backtrace:")
		for i, f := range t.Frames {
			fmt.Fprintf(&b, "\n\t%d: %s", i, f.Name)
			if f.BytecodeOffset >= 0 {
				fmt.Fprintf(&b, " (bytecode %#x)", f.BytecodeOffset)
			}
		}
	}
	return b.String()
}

// Is allows errors.Is(trap, ErrIntegerDivideByZero) and the like.
func (t *Trap) Is(target error) bool {
	return target == t.Reason.Err()
}

// Unwrap returns the host error of a HostTrap.
func (t *Trap) Unwrap() error {
	return t.Cause
}
