// Package sandbox runs program code behind a narrow host capability
// interface. Backends never see the engine's internals: everything a guest
// can do goes through Ext.
package sandbox

import (
	"context"
	"errors"
	"fmt"

	"github.com/JuliaMoon1/gear/pkg/ids"
	"github.com/JuliaMoon1/gear/pkg/runtime/memory"
)

// Entry is an exported program entry point.
type Entry string

const (
	EntryInit   Entry = "init"
	EntryHandle Entry = "handle"
	EntryReply  Entry = "handle_reply"
	EntrySignal Entry = "handle_signal"
)

// Code is the executable form of a program.
type Code struct {
	ID    ids.CodeID
	Bytes []byte
}

// Pages is the lazily loaded memory of the executing program.
type Pages interface {
	memory.Memory
	ReadAt(dst []byte, offset uint64) error
	WriteAt(src []byte, offset uint64) error
	Baseline(page memory.Page, data []byte) error
	Prefetch(fn func(page memory.Page, data *memory.PageBuf) error) error
	Observe(page memory.Page, data []byte) error
}

// Ext is the host capability set bound into a running program. Every call
// is charged before its effect is applied. Errors that are not recoverable
// by the guest (see Recoverable) end the execution.
type Ext interface {
	Pages() Pages

	// Gas burns amount for guest computation.
	Gas(amount uint64) error
	Alloc(count memory.WasmPage, mem memory.Memory) (memory.WasmPage, error)
	Free(page memory.WasmPage) error

	GasAvailable() (uint64, error)
	ValueAvailable() (uint64, error)
	BlockHeight() (uint64, error)
	BlockTimestamp() (uint64, error)

	MessageID() (ids.MessageID, error)
	ProgramID() (ids.ProgramID, error)
	Source() (ids.ProgramID, error)
	Value() (uint64, error)
	Size() (uint32, error)
	Read(at, length uint32) ([]byte, error)
	ReplyTo() (ids.MessageID, error)
	ExitCode() (int32, error)

	Send(destination ids.ProgramID, payload []byte, gasLimit, value uint64) (ids.MessageID, error)
	SendInit(destination ids.ProgramID) (uint32, error)
	SendPush(handle uint32, data []byte) error
	SendCommit(handle uint32, gasLimit, value uint64) (ids.MessageID, error)
	Reply(payload []byte, gasLimit, value uint64) (ids.MessageID, error)
	ReplyPush(data []byte) error
	ReplyCommit(gasLimit, value uint64) (ids.MessageID, error)
	CreateProgram(code ids.CodeID, salt, payload []byte, gasLimit, value uint64) (ids.ProgramID, ids.MessageID, error)

	Debug(data []byte) error
	Wake(id ids.MessageID) error
	// Wait and Exit always return a terminal error.
	Wait() error
	Exit(inheritor ids.ProgramID) error
}

// Backend executes one entry point of a program.
type Backend interface {
	// Execute runs entry of code against ext. The error is reserved for
	// failures of the backend itself; guest failures are reported through
	// the Termination.
	Execute(ctx context.Context, code Code, entry Entry, ext Ext) (Termination, error)
}

// TerminationKind tells how an execution ended.
type TerminationKind int

const (
	Success TerminationKind = iota
	Trap
	Wait
	Exit
)

func (k TerminationKind) String() string {
	switch k {
	case Success:
		return "success"
	case Trap:
		return "trap"
	case Wait:
		return "wait"
	case Exit:
		return "exit"
	default:
		return fmt.Sprintf("termination(%d)", int(k))
	}
}

// Termination is the result of Execute.
type Termination struct {
	Kind TerminationKind
	// Err is the trap reason.
	Err error
	// Inheritor receives the balance on Exit.
	Inheritor ids.ProgramID
}

// ErrWait is returned by Ext.Wait to unwind the guest.
var ErrWait = errors.New("sandbox: execution waits")

// ExitError is returned by Ext.Exit to unwind the guest.
type ExitError struct {
	Inheritor ids.ProgramID
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("sandbox: program exits, inheritor %s", e.Inheritor)
}

// Deterministic error codes for sandbox traps.
const (
	ErrCodeTrap            = "ERR_SANDBOX_TRAP"
	ErrCodeUnreachable     = "ERR_SANDBOX_UNREACHABLE"
	ErrCodeMemoryAccess    = "ERR_SANDBOX_MEMORY_ACCESS"
	ErrCodeInvalidModule   = "ERR_SANDBOX_INVALID_MODULE"
	ErrCodeUnknownCode     = "ERR_SANDBOX_UNKNOWN_CODE"
	ErrCodeDeniedCall      = "ERR_SANDBOX_DENIED_CALL"
	ErrCodeProgramPanicked = "ERR_SANDBOX_PROGRAM_PANICKED"
)

// SandboxError is a deterministic, typed trap reason raised by a backend.
type SandboxError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *SandboxError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *SandboxError) Is(target error) bool {
	t, ok := target.(*SandboxError)
	return ok && t.Code == e.Code
}

// Sentinels for errors.Is matching against *SandboxError.
var (
	ErrTrap          = &SandboxError{Code: ErrCodeTrap}
	ErrUnreachable   = &SandboxError{Code: ErrCodeUnreachable}
	ErrMemoryAccess  = &SandboxError{Code: ErrCodeMemoryAccess}
	ErrInvalidModule = &SandboxError{Code: ErrCodeInvalidModule}
	ErrUnknownCode   = &SandboxError{Code: ErrCodeUnknownCode}
	ErrDeniedCall    = &SandboxError{Code: ErrCodeDeniedCall}
	ErrPanicked      = &SandboxError{Code: ErrCodeProgramPanicked}
)

// terminate classifies the error that unwound a guest.
func terminate(err error) Termination {
	if err == nil {
		return Termination{Kind: Success}
	}
	if errors.Is(err, ErrWait) {
		return Termination{Kind: Wait}
	}
	var exit *ExitError
	if errors.As(err, &exit) {
		return Termination{Kind: Exit, Inheritor: exit.Inheritor}
	}
	return Termination{Kind: Trap, Err: err}
}
