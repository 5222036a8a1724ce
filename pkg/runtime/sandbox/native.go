package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/JuliaMoon1/gear/pkg/ids"
	"github.com/JuliaMoon1/gear/pkg/runtime/memory"
)

// Program is a Go program executed by NativeBackend. Implementations must be
// deterministic: no clocks, no randomness, no goroutines, no I/O.
type Program interface {
	Run(entry Entry, api *API) error
}

// ProgramFunc adapts a function to Program.
type ProgramFunc func(entry Entry, api *API) error

func (f ProgramFunc) Run(entry Entry, api *API) error { return f(entry, api) }

// Entries routes each entry point to its own function. Missing entries are
// successful no-ops.
type Entries map[Entry]func(api *API) error

func (e Entries) Run(entry Entry, api *API) error {
	if fn, ok := e[entry]; ok {
		return fn(api)
	}
	return nil
}

// NativeBackend runs registered Go programs in process. Memory is the page
// manager itself, so every first touch is a real fault. Codes it does not
// know are handed to the fallback backend when one is set.
type NativeBackend struct {
	mu       sync.RWMutex
	programs map[ids.CodeID]Program
	fallback Backend
	policy   *Policy
	logger   *slog.Logger
}

// NewNativeBackend creates an empty backend.
func NewNativeBackend(fallback Backend, policy *Policy) *NativeBackend {
	if policy == nil {
		policy = DefaultPolicy()
	}
	return &NativeBackend{
		programs: make(map[ids.CodeID]Program),
		fallback: fallback,
		policy:   policy,
		logger:   slog.Default().With("component", "sandbox.native"),
	}
}

// Register binds code to prog and returns the code id.
func (b *NativeBackend) Register(code []byte, prog Program) ids.CodeID {
	id := ids.CodeIDFromCode(code)
	b.mu.Lock()
	b.programs[id] = prog
	b.mu.Unlock()
	return id
}

// Has reports whether code is a registered program.
func (b *NativeBackend) Has(id ids.CodeID) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.programs[id]
	return ok
}

// Execute implements Backend.
func (b *NativeBackend) Execute(ctx context.Context, code Code, entry Entry, ext Ext) (term Termination, err error) {
	b.mu.RLock()
	prog, ok := b.programs[code.ID]
	b.mu.RUnlock()
	if !ok {
		if b.fallback != nil {
			return b.fallback.Execute(ctx, code, entry, ext)
		}
		return Termination{Kind: Trap, Err: &SandboxError{Code: ErrCodeUnknownCode, Message: code.ID.String()}}, nil
	}
	if err := ctx.Err(); err != nil {
		return Termination{}, err
	}

	api := &API{ext: ext, policy: b.policy}
	defer func() {
		if r := recover(); r != nil {
			b.logger.DebugContext(ctx, "program panicked", "code_id", code.ID, "entry", entry, "panic", r)
			term = Termination{Kind: Trap, Err: &SandboxError{Code: ErrCodeProgramPanicked, Message: fmt.Sprint(r)}}
			if api.terminal != nil {
				term = terminate(api.terminal)
			}
			err = nil
		}
	}()
	runErr := prog.Run(entry, api)
	if api.terminal != nil {
		return terminate(api.terminal), nil
	}
	if runErr != nil {
		return Termination{Kind: Trap, Err: runErr}, nil
	}
	return Termination{Kind: Success}, nil
}

// API is the host surface handed to native programs. Once a call fails
// with an unrecoverable error, or the program waits or exits, every later
// call returns that error.
type API struct {
	ext      Ext
	policy   *Policy
	terminal error
}

// ErrTerminated is wrapped by calls made after the execution ended.
var ErrTerminated = errors.New("sandbox: execution already terminated")

func (a *API) enter(name string) error {
	if a.terminal != nil {
		return fmt.Errorf("%w: %w", ErrTerminated, a.terminal)
	}
	if err := a.policy.Check(name); err != nil {
		a.terminal = err
		return err
	}
	return nil
}

func (a *API) check(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := Recoverable(err); ok {
		return err
	}
	a.terminal = err
	return err
}

// Gas burns amount for computation.
func (a *API) Gas(amount uint64) error {
	if err := a.enter("gas"); err != nil {
		return err
	}
	return a.check(a.ext.Gas(amount))
}

// Alloc claims count WASM pages.
func (a *API) Alloc(count uint32) (uint32, error) {
	if err := a.enter("gr_alloc"); err != nil {
		return 0, err
	}
	page, err := a.ext.Alloc(memory.WasmPage(count), a.ext.Pages())
	if errors.Is(err, memory.ErrOutOfMemory) || errors.Is(err, memory.ErrZeroPages) {
		return AllocFailed, err
	}
	return uint32(page), a.check(err)
}

// Free unclaims a WASM page.
func (a *API) Free(page uint32) error {
	if err := a.enter("gr_free"); err != nil {
		return err
	}
	return a.check(a.ext.Free(memory.WasmPage(page)))
}

// ReadMemory copies guest memory at offset into dst.
func (a *API) ReadMemory(offset uint64, dst []byte) error {
	if a.terminal != nil {
		return fmt.Errorf("%w: %w", ErrTerminated, a.terminal)
	}
	return a.check(a.ext.Pages().ReadAt(dst, offset))
}

// WriteMemory copies src into guest memory at offset.
func (a *API) WriteMemory(offset uint64, src []byte) error {
	if a.terminal != nil {
		return fmt.Errorf("%w: %w", ErrTerminated, a.terminal)
	}
	return a.check(a.ext.Pages().WriteAt(src, offset))
}

func (a *API) u64(name string, fn func() (uint64, error)) (uint64, error) {
	if err := a.enter(name); err != nil {
		return 0, err
	}
	v, err := fn()
	return v, a.check(err)
}

func (a *API) GasAvailable() (uint64, error) { return a.u64("gr_gas_available", a.ext.GasAvailable) }
func (a *API) ValueAvailable() (uint64, error) {
	return a.u64("gr_value_available", a.ext.ValueAvailable)
}
func (a *API) BlockHeight() (uint64, error) { return a.u64("gr_block_height", a.ext.BlockHeight) }
func (a *API) BlockTimestamp() (uint64, error) {
	return a.u64("gr_block_timestamp", a.ext.BlockTimestamp)
}
func (a *API) Value() (uint64, error) { return a.u64("gr_value", a.ext.Value) }

func (a *API) MessageID() (ids.MessageID, error) {
	if err := a.enter("gr_msg_id"); err != nil {
		return ids.MessageID{}, err
	}
	id, err := a.ext.MessageID()
	return id, a.check(err)
}

func (a *API) ProgramID() (ids.ProgramID, error) {
	if err := a.enter("gr_program_id"); err != nil {
		return ids.ProgramID{}, err
	}
	id, err := a.ext.ProgramID()
	return id, a.check(err)
}

func (a *API) Source() (ids.ProgramID, error) {
	if err := a.enter("gr_source"); err != nil {
		return ids.ProgramID{}, err
	}
	id, err := a.ext.Source()
	return id, a.check(err)
}

// Payload reads the whole incoming payload.
func (a *API) Payload() ([]byte, error) {
	if err := a.enter("gr_size"); err != nil {
		return nil, err
	}
	n, err := a.ext.Size()
	if err := a.check(err); err != nil {
		return nil, err
	}
	if err := a.enter("gr_read"); err != nil {
		return nil, err
	}
	data, err := a.ext.Read(0, n)
	return data, a.check(err)
}

func (a *API) ReplyTo() (ids.MessageID, error) {
	if err := a.enter("gr_reply_to"); err != nil {
		return ids.MessageID{}, err
	}
	id, err := a.ext.ReplyTo()
	return id, a.check(err)
}

func (a *API) ExitCode() (int32, error) {
	if err := a.enter("gr_exit_code"); err != nil {
		return 0, err
	}
	code, err := a.ext.ExitCode()
	return code, a.check(err)
}

func (a *API) Send(destination ids.ProgramID, payload []byte, gasLimit, value uint64) (ids.MessageID, error) {
	if err := a.enter("gr_send"); err != nil {
		return ids.MessageID{}, err
	}
	id, err := a.ext.Send(destination, payload, gasLimit, value)
	return id, a.check(err)
}

func (a *API) SendInit(destination ids.ProgramID) (uint32, error) {
	if err := a.enter("gr_send_init"); err != nil {
		return 0, err
	}
	h, err := a.ext.SendInit(destination)
	return h, a.check(err)
}

func (a *API) SendPush(handle uint32, data []byte) error {
	if err := a.enter("gr_send_push"); err != nil {
		return err
	}
	return a.check(a.ext.SendPush(handle, data))
}

func (a *API) SendCommit(handle uint32, gasLimit, value uint64) (ids.MessageID, error) {
	if err := a.enter("gr_send_commit"); err != nil {
		return ids.MessageID{}, err
	}
	id, err := a.ext.SendCommit(handle, gasLimit, value)
	return id, a.check(err)
}

func (a *API) Reply(payload []byte, gasLimit, value uint64) (ids.MessageID, error) {
	if err := a.enter("gr_reply"); err != nil {
		return ids.MessageID{}, err
	}
	id, err := a.ext.Reply(payload, gasLimit, value)
	return id, a.check(err)
}

func (a *API) ReplyPush(data []byte) error {
	if err := a.enter("gr_reply_push"); err != nil {
		return err
	}
	return a.check(a.ext.ReplyPush(data))
}

func (a *API) ReplyCommit(gasLimit, value uint64) (ids.MessageID, error) {
	if err := a.enter("gr_reply_commit"); err != nil {
		return ids.MessageID{}, err
	}
	id, err := a.ext.ReplyCommit(gasLimit, value)
	return id, a.check(err)
}

func (a *API) CreateProgram(code ids.CodeID, salt, payload []byte, gasLimit, value uint64) (ids.ProgramID, ids.MessageID, error) {
	if err := a.enter("gr_create_program"); err != nil {
		return ids.ProgramID{}, ids.MessageID{}, err
	}
	pid, mid, err := a.ext.CreateProgram(code, salt, payload, gasLimit, value)
	return pid, mid, a.check(err)
}

func (a *API) Debug(msg string) error {
	if err := a.enter("gr_debug"); err != nil {
		return err
	}
	return a.check(a.ext.Debug([]byte(msg)))
}

func (a *API) Wake(id ids.MessageID) error {
	if err := a.enter("gr_wake"); err != nil {
		return err
	}
	return a.check(a.ext.Wake(id))
}

// Wait suspends the dispatch. The program should return the error.
func (a *API) Wait() error {
	if err := a.enter("gr_wait"); err != nil {
		return err
	}
	err := a.ext.Wait()
	a.terminal = err
	return err
}

// Exit terminates the program. The program should return the error.
func (a *API) Exit(inheritor ids.ProgramID) error {
	if err := a.enter("gr_exit"); err != nil {
		return err
	}
	err := a.ext.Exit(inheritor)
	a.terminal = err
	return err
}
