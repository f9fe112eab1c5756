package wasmer

import (
	"github.com/and3k5/wasmer/internal/artifact"
	"github.com/and3k5/wasmer/internal/compiler"
	"github.com/and3k5/wasmer/internal/instance"
	"github.com/and3k5/wasmer/internal/vm"
	"github.com/and3k5/wasmer/internal/wasm"
)

type (
	// Trap is a runtime fault of an instance. Match its reason with errors.Is and the Err variables.
	Trap = vm.Trap
	// LinkError is a failure to satisfy an import.
	LinkError = instance.LinkError
	// CompileError is a failure to compile a function.
	CompileError = compiler.CompileError
)

// Errors are matched with errors.Is. Every trap reason has its own error.
var (
	ErrInvalidModule              = wasm.ErrInvalidModule
	ErrLink                       = instance.ErrLink
	ErrArtifactMismatch           = artifact.ErrArtifactMismatch
	ErrCorruptArtifact            = artifact.ErrCorruptArtifact
	ErrResourceExhausted          = vm.ErrResourceExhausted
	ErrUnsupportedFeature         = compiler.ErrUnsupportedFeature
	ErrInternalCompiler           = compiler.ErrInternalCompiler
	ErrInstrumentationRejected    = compiler.ErrInstrumentationRejected
	ErrFatalTrap                  = instance.ErrFatalTrap
	ErrImmutableGlobal            = vm.ErrImmutableGlobal
	ErrOutOfBoundsMemoryAccess    = vm.ErrOutOfBoundsMemoryAccess
	ErrInvalidTableAccess         = vm.ErrInvalidTableAccess
	ErrIntegerDivideByZero        = vm.ErrIntegerDivideByZero
	ErrIntegerOverflow            = vm.ErrIntegerOverflow
	ErrInvalidConversionToInteger = vm.ErrInvalidConversionToInteger
	ErrIndirectCallTypeMismatch   = vm.ErrIndirectCallTypeMismatch
	ErrUnreachable                = vm.ErrUnreachable
	ErrCallStackOverflow          = vm.ErrCallStackOverflow
	ErrHostTrap                   = vm.ErrHostTrap
	ErrMeteringExhausted          = vm.ErrMeteringExhausted
	ErrInterrupted                = vm.ErrInterrupted
	ErrInstanceTrapped            = vm.ErrInstanceTrapped
	ErrInstanceClosed             = vm.ErrInstanceClosed
	ErrRuntimeFault               = vm.ErrRuntimeFault
)
