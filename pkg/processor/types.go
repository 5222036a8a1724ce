// Package processor executes one dispatch against a program snapshot and
// describes every resulting state change as an ordered journal.
//
// The processor never touches storage. It reads an ExecutableActor
// snapshot, pulls pages through a synchronous PageStore, and returns a
// DispatchResult whose Journal the caller applies atomically.
package processor

import (
	"errors"
	"fmt"

	"github.com/JuliaMoon1/gear/pkg/ids"
	"github.com/JuliaMoon1/gear/pkg/message"
	"github.com/JuliaMoon1/gear/pkg/runtime/costs"
	"github.com/JuliaMoon1/gear/pkg/runtime/gas"
	"github.com/JuliaMoon1/gear/pkg/runtime/lazypages"
	"github.com/JuliaMoon1/gear/pkg/runtime/memory"
)

// ProgramStatus is the lifecycle state of a program.
type ProgramStatus uint8

const (
	// StatusUninitialized programs wait for their init message.
	StatusUninitialized ProgramStatus = iota
	StatusActive
	StatusInitFailed
	StatusTerminated
)

func (s ProgramStatus) String() string {
	switch s {
	case StatusUninitialized:
		return "uninitialized"
	case StatusActive:
		return "active"
	case StatusInitFailed:
		return "init_failed"
	case StatusTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

func (s ProgramStatus) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *ProgramStatus) UnmarshalText(b []byte) error {
	for _, v := range []ProgramStatus{StatusUninitialized, StatusActive, StatusInitFailed, StatusTerminated} {
		if v.String() == string(b) {
			*s = v
			return nil
		}
	}
	return fmt.Errorf("processor: unknown program status %q", string(b))
}

// Executable reports whether dispatches to the program may run.
func (s ProgramStatus) Executable() bool {
	return s == StatusUninitialized || s == StatusActive
}

// Program is the persisted, executable part of a program.
type Program struct {
	CodeID      ids.CodeID
	Code        []byte
	StaticPages memory.WasmPage
	Allocations []memory.WasmPage
	// PagesWithData lists the native pages holding persisted bytes.
	PagesWithData []memory.Page
	InitMessage   ids.MessageID
	Status        ProgramStatus
}

// ExecutableActor is the snapshot of one program handed to Run.
type ExecutableActor struct {
	ID      ids.ProgramID
	Balance uint64
	// Program is nil when the destination holds no program.
	Program *Program
	// Pages resolves page faults against persisted state.
	Pages lazypages.PageStore
}

// BlockInfo is the block the dispatch executes in.
type BlockInfo struct {
	Height    uint64 `json:"height"`
	Timestamp uint64 `json:"timestamp"`
}

// Settings parameterize one block pass.
type Settings struct {
	Block BlockInfo
	// Allowance is shared by every dispatch of the block.
	Allowance *gas.AllowanceCounter
	Schedule  *costs.Schedule
	MaxPages  memory.WasmPage
	Limits    message.Limits
	// AutoErrorReply sends an error reply to the source of a failed
	// Init or Handle dispatch.
	AutoErrorReply bool
}

// OutcomeKind classifies a consumed dispatch.
type OutcomeKind string

const (
	OutcomeSuccess     OutcomeKind = "success"
	OutcomeInitSuccess OutcomeKind = "init_success"
	OutcomeFailure     OutcomeKind = "failure"
	OutcomeInitFailure OutcomeKind = "init_failure"
	OutcomeExit        OutcomeKind = "exit"
	OutcomeNoExecution OutcomeKind = "no_execution"
)

// DispatchOutcome tells how a consumed dispatch ended.
type DispatchOutcome struct {
	Kind OutcomeKind `json:"kind"`
	// Code is the deterministic error code of a failure.
	Code   string `json:"code,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// Failed reports whether the outcome is a failure of any kind.
func (o DispatchOutcome) Failed() bool {
	return o.Kind == OutcomeFailure || o.Kind == OutcomeInitFailure || o.Kind == OutcomeNoExecution
}

// State is the end state of one run.
type State string

const (
	StateConsumed State = "consumed"
	StateWaiting  State = "waiting"
	// StateStopped means the block allowance ran out; the dispatch stays queued.
	StateStopped State = "stopped"
)

// DispatchResult is everything one run produced.
type DispatchResult struct {
	DispatchID ids.MessageID
	ProgramID  ids.ProgramID
	State      State
	// Outcome is set when State is StateConsumed.
	Outcome   *DispatchOutcome
	GasBurned uint64
	GasLeft   uint64
	Journal   Journal
	// PagesRead and PagesWritten count native pages touched.
	PagesRead    int
	PagesWritten int
}

// AllowanceExceeded reports whether the block allowance stopped the run.
func (r *DispatchResult) AllowanceExceeded() bool { return r.State == StateStopped }

// FatalError means the inputs of the run cannot be trusted. No journal is
// produced and the block must be aborted.
type FatalError struct {
	DispatchID ids.MessageID
	Reason     string
	Err        error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("processor: fatal error in dispatch %s: %s: %v", e.DispatchID, e.Reason, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// IsFatal reports whether err aborts the block.
func IsFatal(err error) bool {
	var fatal *FatalError
	return errors.As(err, &fatal)
}

// Deterministic error codes for dispatch failures raised by the processor.
const (
	ErrCodeInvalidKind     = "ERR_DISPATCH_INVALID_KIND"
	ErrCodeReadOutOfRange  = "ERR_DISPATCH_READ_OUT_OF_RANGE"
	ErrCodeMemoryAccess    = "ERR_DISPATCH_MEMORY_ACCESS"
	ErrCodeProgramNotFound = "ERR_DISPATCH_PROGRAM_NOT_FOUND"
	ErrCodeProgramInactive = "ERR_DISPATCH_PROGRAM_INACTIVE"
	ErrCodeTrap            = "ERR_DISPATCH_TRAP"
)

// DispatchError is a per-dispatch failure raised by the processor itself.
type DispatchError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *DispatchError) Is(target error) bool {
	t, ok := target.(*DispatchError)
	return ok && t.Code == e.Code
}

// Sentinels for errors.Is matching against *DispatchError.
var (
	ErrInvalidKind    = &DispatchError{Code: ErrCodeInvalidKind}
	ErrReadOutOfRange = &DispatchError{Code: ErrCodeReadOutOfRange}
)
