package sandbox

import (
	"errors"
	"fmt"
	"slices"

	"github.com/JuliaMoon1/gear/pkg/message"
	"github.com/JuliaMoon1/gear/pkg/runtime/gas"
	"github.com/JuliaMoon1/gear/pkg/runtime/memory"
)

// HostFunctions lists every host call exposed to programs.
var HostFunctions = []string{
	"gas",
	"gr_alloc",
	"gr_free",
	"gr_gas_available",
	"gr_value_available",
	"gr_block_height",
	"gr_block_timestamp",
	"gr_msg_id",
	"gr_program_id",
	"gr_source",
	"gr_value",
	"gr_size",
	"gr_read",
	"gr_send",
	"gr_send_init",
	"gr_send_push",
	"gr_send_commit",
	"gr_reply",
	"gr_reply_push",
	"gr_reply_commit",
	"gr_reply_to",
	"gr_exit_code",
	"gr_create_program",
	"gr_debug",
	"gr_wait",
	"gr_wake",
	"gr_exit",
}

// Policy restricts the host calls a program may use. Denied calls stay
// linked so modules importing them still instantiate, but calling one traps.
type Policy struct {
	Deny []string `json:"deny" yaml:"deny" toml:"deny"`
}

// DefaultPolicy allows every host call.
func DefaultPolicy() *Policy {
	return &Policy{}
}

// Validate rejects unknown host call names.
func (p *Policy) Validate() error {
	for _, name := range p.Deny {
		if !slices.Contains(HostFunctions, name) {
			return fmt.Errorf("sandbox policy: unknown host function %q", name)
		}
	}
	return nil
}

// Check returns a trap error when name is denied.
func (p *Policy) Check(name string) error {
	if p == nil {
		return nil
	}
	if slices.Contains(p.Deny, name) {
		return &SandboxError{Code: ErrCodeDeniedCall, Message: fmt.Sprintf("host function %s denied by policy", name)}
	}
	return nil
}

// Status codes returned to guests for recoverable host call errors.
const (
	StatusOK uint32 = iota
	StatusHandleOutOfBounds
	StatusLateAccess
	StatusDuplicateReply
	StatusNoReplyContext
	StatusOutgoingLimit
	StatusPayloadTooLarge
	StatusDuplicateWaking
	StatusInvalidKind
	StatusInsufficientValue
	StatusDuplicateProgram
	StatusNotAllocated
)

var recoverable = []struct {
	err    error
	status uint32
}{
	{message.ErrOutOfBounds, StatusHandleOutOfBounds},
	{message.ErrLateAccess, StatusLateAccess},
	{message.ErrDuplicateReply, StatusDuplicateReply},
	{message.ErrNoReplyContext, StatusNoReplyContext},
	{message.ErrOutgoingLimit, StatusOutgoingLimit},
	{message.ErrPayloadTooLarge, StatusPayloadTooLarge},
	{message.ErrDuplicateWaking, StatusDuplicateWaking},
	{message.ErrInvalidKind, StatusInvalidKind},
	{gas.ErrInsufficientValue, StatusInsufficientValue},
	{message.ErrDuplicateProgram, StatusDuplicateProgram},
	{memory.ErrNotAllocated, StatusNotAllocated},
}

// Recoverable maps a host call error the guest may handle to its status
// code. Any other error ends the execution.
func Recoverable(err error) (uint32, bool) {
	for _, r := range recoverable {
		if errors.Is(err, r.err) {
			return r.status, true
		}
	}
	return 0, false
}
