package processor

import (
	"fmt"

	"github.com/JuliaMoon1/gear/pkg/ids"
	"github.com/JuliaMoon1/gear/pkg/message"
	"github.com/JuliaMoon1/gear/pkg/runtime/costs"
	"github.com/JuliaMoon1/gear/pkg/runtime/gas"
	"github.com/JuliaMoon1/gear/pkg/runtime/lazypages"
	"github.com/JuliaMoon1/gear/pkg/runtime/memory"
	"github.com/JuliaMoon1/gear/pkg/runtime/sandbox"
)

// ext binds one run to its counters, memory and message context. Every
// method charges first and applies its effect only when the charge held.
type ext struct {
	table     *costs.Table
	gas       *gas.Counter
	allowance *gas.AllowanceCounter
	values    *gas.ValueCounter
	allocs    *memory.AllocationsContext
	pages     *lazypages.Manager
	msgs      *message.Context
	dispatch  *message.IncomingDispatch
	program   ids.ProgramID
	block     BlockInfo
	debug     *debugSink
}

var _ sandbox.Ext = (*ext)(nil)

// charge burns amount from both the run's gas and the block allowance.
// An allowance shortfall leaves both untouched; a gas shortfall burns
// whatever gas is left.
func (e *ext) charge(amount uint64) error {
	if amount > e.allowance.Left() {
		return e.allowance.Exceeded(amount)
	}
	if e.gas.Charge(amount) == gas.NotEnough {
		return e.exhaust(amount)
	}
	e.allowance.Charge(amount)
	return nil
}

func (e *ext) exhaust(requested uint64) error {
	left := e.gas.Left()
	if e.allowance.Charge(left) == gas.NotEnough {
		return e.allowance.Exceeded(left)
	}
	e.gas.BurnAll()
	return e.gas.Exceeded(requested)
}

func (e *ext) call(call costs.Call, n int) error {
	return e.charge(e.table.Call(call, uint64(n)))
}

// onFault prices first touches of native pages.
func (e *ext) onFault(kind lazypages.Fault, _ memory.Page) error {
	if kind == lazypages.FaultWrite {
		return e.charge(e.table.WritePage)
	}
	return e.charge(e.table.LoadPage)
}

// reserve checks that value and gasLimit can leave the run. Nothing is
// debited until the message context accepted the message.
func (e *ext) reserve(gasLimit, value uint64) error {
	if value > e.values.Left() {
		return fmt.Errorf("%w: need %d, have %d", gas.ErrInsufficientValue, value, e.values.Left())
	}
	if gasLimit > e.gas.Left() {
		return e.exhaust(gasLimit)
	}
	return nil
}

func (e *ext) debit(gasLimit, value uint64) error {
	if e.gas.Reduce(gasLimit) == gas.NotEnough {
		return e.exhaust(gasLimit)
	}
	return e.values.Reduce(value)
}

func (e *ext) Pages() sandbox.Pages { return e.pages }

func (e *ext) Gas(amount uint64) error { return e.charge(amount) }

func (e *ext) Alloc(count memory.WasmPage, mem memory.Memory) (memory.WasmPage, error) {
	cost := e.table.Call(costs.CallAlloc, 0) + e.table.AllocPerPage*uint64(count)
	if err := e.charge(cost); err != nil {
		return 0, err
	}
	return e.allocs.Alloc(count, mem)
}

func (e *ext) Free(page memory.WasmPage) error {
	if err := e.call(costs.CallFree, 0); err != nil {
		return err
	}
	return e.allocs.Free(page)
}

func (e *ext) u64(call costs.Call, v func() uint64) (uint64, error) {
	if err := e.call(call, 0); err != nil {
		return 0, err
	}
	return v(), nil
}

func (e *ext) GasAvailable() (uint64, error) {
	return e.u64(costs.CallGasAvailable, e.gas.Left)
}

func (e *ext) ValueAvailable() (uint64, error) {
	return e.u64(costs.CallValueAvailable, e.values.Left)
}

func (e *ext) BlockHeight() (uint64, error) {
	return e.u64(costs.CallBlockHeight, func() uint64 { return e.block.Height })
}

func (e *ext) BlockTimestamp() (uint64, error) {
	return e.u64(costs.CallBlockTimestamp, func() uint64 { return e.block.Timestamp })
}

func (e *ext) Value() (uint64, error) {
	return e.u64(costs.CallValue, func() uint64 { return e.dispatch.Message.Value })
}

func (e *ext) MessageID() (ids.MessageID, error) {
	if err := e.call(costs.CallMessageID, 0); err != nil {
		return ids.MessageID{}, err
	}
	return e.dispatch.Message.ID, nil
}

func (e *ext) ProgramID() (ids.ProgramID, error) {
	if err := e.call(costs.CallProgramID, 0); err != nil {
		return ids.ProgramID{}, err
	}
	return e.program, nil
}

func (e *ext) Source() (ids.ProgramID, error) {
	if err := e.call(costs.CallSource, 0); err != nil {
		return ids.ProgramID{}, err
	}
	return e.dispatch.Message.Source, nil
}

func (e *ext) Size() (uint32, error) {
	if err := e.call(costs.CallSize, 0); err != nil {
		return 0, err
	}
	return uint32(len(e.dispatch.Message.Payload)), nil
}

func (e *ext) Read(at, length uint32) ([]byte, error) {
	if err := e.call(costs.CallRead, int(length)); err != nil {
		return nil, err
	}
	payload := e.dispatch.Message.Payload
	end := uint64(at) + uint64(length)
	if end > uint64(len(payload)) {
		return nil, &DispatchError{
			Code:    ErrCodeReadOutOfRange,
			Message: fmt.Sprintf("read [%d, %d) of %d byte payload", at, end, len(payload)),
		}
	}
	out := make([]byte, length)
	copy(out, payload[at:end])
	return out, nil
}

func (e *ext) ReplyTo() (ids.MessageID, error) {
	if err := e.call(costs.CallReplyTo, 0); err != nil {
		return ids.MessageID{}, err
	}
	if !e.dispatch.Message.IsReply() {
		return ids.MessageID{}, fmt.Errorf("%w: %s is not a reply", message.ErrNoReplyContext, e.dispatch.Message.ID)
	}
	return e.dispatch.Message.Reply.To, nil
}

func (e *ext) ExitCode() (int32, error) {
	if err := e.call(costs.CallExitCode, 0); err != nil {
		return 0, err
	}
	if !e.dispatch.Message.IsReply() {
		return 0, fmt.Errorf("%w: %s is not a reply", message.ErrNoReplyContext, e.dispatch.Message.ID)
	}
	return e.dispatch.Message.Reply.ExitCode, nil
}

func (e *ext) Send(destination ids.ProgramID, payload []byte, gasLimit, value uint64) (ids.MessageID, error) {
	if err := e.call(costs.CallSend, len(payload)); err != nil {
		return ids.MessageID{}, err
	}
	if err := e.reserve(gasLimit, value); err != nil {
		return ids.MessageID{}, err
	}
	id, err := e.msgs.Send(message.KindHandle, destination, payload, gasLimit, value)
	if err != nil {
		return ids.MessageID{}, err
	}
	return id, e.debit(gasLimit, value)
}

func (e *ext) SendInit(destination ids.ProgramID) (uint32, error) {
	if err := e.call(costs.CallSendInit, 0); err != nil {
		return 0, err
	}
	return e.msgs.OpenHandle(message.KindHandle, destination)
}

func (e *ext) SendPush(handle uint32, data []byte) error {
	if err := e.call(costs.CallSendPush, len(data)); err != nil {
		return err
	}
	return e.msgs.Push(handle, data)
}

func (e *ext) SendCommit(handle uint32, gasLimit, value uint64) (ids.MessageID, error) {
	if err := e.call(costs.CallSendCommit, 0); err != nil {
		return ids.MessageID{}, err
	}
	if err := e.reserve(gasLimit, value); err != nil {
		return ids.MessageID{}, err
	}
	id, err := e.msgs.Commit(handle, gasLimit, value)
	if err != nil {
		return ids.MessageID{}, err
	}
	return id, e.debit(gasLimit, value)
}

func (e *ext) Reply(payload []byte, gasLimit, value uint64) (ids.MessageID, error) {
	if err := e.call(costs.CallReply, len(payload)); err != nil {
		return ids.MessageID{}, err
	}
	if err := e.reserve(gasLimit, value); err != nil {
		return ids.MessageID{}, err
	}
	id, err := e.msgs.Reply(payload, gasLimit, value)
	if err != nil {
		return ids.MessageID{}, err
	}
	return id, e.debit(gasLimit, value)
}

func (e *ext) ReplyPush(data []byte) error {
	if err := e.call(costs.CallReplyPush, len(data)); err != nil {
		return err
	}
	return e.msgs.ReplyPush(data)
}

func (e *ext) ReplyCommit(gasLimit, value uint64) (ids.MessageID, error) {
	if err := e.call(costs.CallReplyCommit, 0); err != nil {
		return ids.MessageID{}, err
	}
	if err := e.reserve(gasLimit, value); err != nil {
		return ids.MessageID{}, err
	}
	id, err := e.msgs.CommitReply(gasLimit, value)
	if err != nil {
		return ids.MessageID{}, err
	}
	return id, e.debit(gasLimit, value)
}

func (e *ext) CreateProgram(code ids.CodeID, salt, payload []byte, gasLimit, value uint64) (ids.ProgramID, ids.MessageID, error) {
	if err := e.call(costs.CallCreateProgram, len(salt)+len(payload)); err != nil {
		return ids.ProgramID{}, ids.MessageID{}, err
	}
	if err := e.reserve(gasLimit, value); err != nil {
		return ids.ProgramID{}, ids.MessageID{}, err
	}
	pid, mid, err := e.msgs.CreateProgram(code, salt, payload, gasLimit, value)
	if err != nil {
		return ids.ProgramID{}, ids.MessageID{}, err
	}
	return pid, mid, e.debit(gasLimit, value)
}

func (e *ext) Debug(data []byte) error {
	if err := e.call(costs.CallDebug, len(data)); err != nil {
		return err
	}
	e.debug.write(e.program, e.dispatch.Message.ID, data)
	return nil
}

func (e *ext) Wake(id ids.MessageID) error {
	if err := e.call(costs.CallWake, 0); err != nil {
		return err
	}
	return e.msgs.Wake(id)
}

func (e *ext) Wait() error {
	if err := e.call(costs.CallWait, 0); err != nil {
		return err
	}
	if kind := e.dispatch.Kind; kind == message.KindReply || kind == message.KindSignal {
		return &DispatchError{Code: ErrCodeInvalidKind, Message: fmt.Sprintf("cannot wait in %s", kind)}
	}
	return sandbox.ErrWait
}

func (e *ext) Exit(inheritor ids.ProgramID) error {
	if err := e.call(costs.CallExit, 0); err != nil {
		return err
	}
	return &sandbox.ExitError{Inheritor: inheritor}
}
