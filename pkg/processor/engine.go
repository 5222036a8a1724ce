package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/JuliaMoon1/gear/pkg/ids"
	"github.com/JuliaMoon1/gear/pkg/message"
	"github.com/JuliaMoon1/gear/pkg/runtime/gas"
	"github.com/JuliaMoon1/gear/pkg/runtime/lazypages"
	"github.com/JuliaMoon1/gear/pkg/runtime/memory"
	"github.com/JuliaMoon1/gear/pkg/runtime/sandbox"
)

// ErrInvalidSettings is returned when Run is called without an allowance or
// a cost schedule.
var ErrInvalidSettings = errors.New("processor: settings need an allowance and a schedule")

// errorReplyExitCode marks replies generated for failed dispatches.
const errorReplyExitCode int32 = 1

// Metrics receives one call per finished run.
type Metrics interface {
	RecordDispatch(ctx context.Context, result *DispatchResult)
}

// Engine executes dispatches on a sandbox backend. An Engine holds no
// per-run state and may be shared.
type Engine struct {
	backend sandbox.Backend
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics Metrics
	debug   *debugSink
}

// Option configures an Engine.
type Option func(*engineOptions)

type engineOptions struct {
	logger     *slog.Logger
	tracer     trace.Tracer
	metrics    Metrics
	debugLimit rate.Limit
	debugBurst int
}

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *engineOptions) { o.logger = l }
}

// WithTracer sets the tracer used for run spans.
func WithTracer(t trace.Tracer) Option {
	return func(o *engineOptions) { o.tracer = t }
}

// WithMetrics installs a metrics hook.
func WithMetrics(m Metrics) Option {
	return func(o *engineOptions) { o.metrics = m }
}

// WithDebugRate limits how many guest debug lines reach the log.
func WithDebugRate(limit rate.Limit, burst int) Option {
	return func(o *engineOptions) {
		o.debugLimit = limit
		o.debugBurst = burst
	}
}

// NewEngine creates an engine running code on backend.
func NewEngine(backend sandbox.Backend, opts ...Option) *Engine {
	o := engineOptions{
		logger:     slog.Default().With("component", "processor"),
		tracer:     otel.Tracer("github.com/JuliaMoon1/gear/pkg/processor"),
		debugLimit: rate.Limit(50),
		debugBurst: 100,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &Engine{
		backend: backend,
		logger:  o.logger,
		tracer:  o.tracer,
		metrics: o.metrics,
		debug:   newDebugSink(o.logger, o.debugLimit, o.debugBurst),
	}
}

// Run executes dispatch against actor and returns the journal of the run.
// The only errors are *FatalError, context cancellation wrapped in one, and
// ErrInvalidSettings; every guest failure is reported in the result.
func (e *Engine) Run(ctx context.Context, actor *ExecutableActor, dispatch message.IncomingDispatch, settings *Settings) (*DispatchResult, error) {
	ctx, span := e.tracer.Start(ctx, "processor.Run", trace.WithAttributes(
		attribute.String("message_id", dispatch.ID().String()),
		attribute.String("program_id", dispatch.Message.Destination.String()),
		attribute.String("kind", dispatch.Kind.String()),
	))
	defer span.End()

	res, err := e.run(ctx, actor, &dispatch, settings)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.logger.ErrorContext(ctx, "dispatch aborted", "message_id", dispatch.ID(), "error", err)
		return nil, err
	}

	attrs := []attribute.KeyValue{
		attribute.String("state", string(res.State)),
		attribute.Int64("gas_burned", int64(res.GasBurned)),
	}
	if res.Outcome != nil {
		attrs = append(attrs, attribute.String("outcome", string(res.Outcome.Kind)))
	}
	span.SetAttributes(attrs...)
	e.logger.DebugContext(ctx, "dispatch executed",
		"message_id", res.DispatchID,
		"program_id", res.ProgramID,
		"state", res.State,
		"gas_burned", res.GasBurned,
		"notes", len(res.Journal),
	)
	if e.metrics != nil {
		e.metrics.RecordDispatch(ctx, res)
	}
	return res, nil
}

func entryFor(kind message.Kind) sandbox.Entry {
	switch kind {
	case message.KindInit:
		return sandbox.EntryInit
	case message.KindReply:
		return sandbox.EntryReply
	case message.KindSignal:
		return sandbox.EntrySignal
	default:
		return sandbox.EntryHandle
	}
}

// run is a single execution. Its local state lives in the run value below.
func (e *Engine) run(ctx context.Context, actor *ExecutableActor, dispatch *message.IncomingDispatch, settings *Settings) (*DispatchResult, error) {
	if settings == nil || settings.Allowance == nil || settings.Schedule == nil {
		return nil, ErrInvalidSettings
	}
	id := dispatch.ID()
	table, err := settings.Schedule.ForHeight(settings.Block.Height)
	if err != nil {
		return nil, fmt.Errorf("processor: %w", err)
	}
	if dispatch.Context != nil {
		if err := dispatch.Context.Validate(); err != nil {
			return nil, &FatalError{DispatchID: id, Reason: "corrupted continuation", Err: err}
		}
	}

	r := &run{
		dispatch: dispatch,
		settings: settings,
		result: &DispatchResult{
			DispatchID: id,
			ProgramID:  dispatch.Message.Destination,
			GasLeft:    dispatch.Message.GasLimit,
		},
	}

	if actor == nil || actor.Program == nil {
		return r.noExecution(&DispatchError{Code: ErrCodeProgramNotFound, Message: dispatch.Message.Destination.String()}), nil
	}
	prog := actor.Program
	if !prog.Status.Executable() {
		return r.noExecution(&DispatchError{Code: ErrCodeProgramInactive, Message: fmt.Sprintf("program is %s", prog.Status)}), nil
	}
	r.actor = actor

	switch {
	case prog.Status == StatusUninitialized && dispatch.Kind == message.KindHandle:
		return r.waitForInit(prog.InitMessage), nil
	case dispatch.Kind == message.KindInit && (prog.Status == StatusActive || id != prog.InitMessage):
		return r.invalidInit(), nil
	}

	if dispatch.Message.GasLimit > settings.Allowance.Left() {
		return r.stop(0), nil
	}

	maxPages := settings.MaxPages
	if maxPages == 0 || maxPages > memory.MaxWasmPages {
		maxPages = memory.MaxWasmPages
	}
	allocs := memory.NewAllocationsContext(prog.Allocations, prog.StaticPages, maxPages)
	size := prog.StaticPages
	for _, p := range prog.Allocations {
		if p+1 > size {
			size = p + 1
		}
	}
	pages := lazypages.New(lazypages.Config{
		Program:       actor.ID,
		Store:         actor.Pages,
		PagesWithData: prog.PagesWithData,
		Size:          size,
		MaxPages:      maxPages,
	})

	balance := actor.Balance
	if dispatch.Message.Value > math.MaxUint64-balance {
		balance = math.MaxUint64
	} else {
		balance += dispatch.Message.Value
	}

	x := &ext{
		table:     table,
		gas:       gas.NewCounter(dispatch.Message.GasLimit),
		allowance: settings.Allowance,
		values:    gas.NewValueCounter(balance),
		allocs:    allocs,
		pages:     pages,
		msgs:      message.NewContext(dispatch, actor.ID, settings.Limits),
		dispatch:  dispatch,
		program:   actor.ID,
		block:     settings.Block,
		debug:     e.debug,
	}
	pages.SetFaultHandler(x.onFault)
	r.ext = x

	var term sandbox.Termination
	if err := x.charge(table.Instantiate(len(prog.Code))); err != nil {
		term = sandbox.Termination{Kind: sandbox.Trap, Err: err}
	} else {
		term, err = e.backend.Execute(ctx, sandbox.Code{ID: prog.CodeID, Bytes: prog.Code}, entryFor(dispatch.Kind), x)
		if err != nil {
			return nil, &FatalError{DispatchID: id, Reason: "backend failure", Err: err}
		}
	}
	return r.finish(term)
}

// run accumulates the journal of one execution.
type run struct {
	actor    *ExecutableActor
	dispatch *message.IncomingDispatch
	settings *Settings
	ext      *ext
	result   *DispatchResult
}

func (r *run) note(n JournalNote) { r.result.Journal = append(r.result.Journal, n) }

func (r *run) source() ids.ProgramID { return r.dispatch.Message.Source }

func (r *run) destination() ids.ProgramID { return r.dispatch.Message.Destination }

func (r *run) consume(outcome DispatchOutcome) *DispatchResult {
	r.note(MessageConsumed{MessageID: r.dispatch.ID(), Outcome: outcome})
	r.result.State = StateConsumed
	r.result.Outcome = &outcome
	return r.result
}

func (r *run) gasBurned(amount uint64) {
	r.result.GasBurned = amount
	if r.result.GasLeft >= amount {
		r.result.GasLeft -= amount
	}
	r.note(GasBurned{MessageID: r.dispatch.ID(), Amount: amount})
}

// errorReply sends the failure reason back to the source when enabled. A
// dispatch that already replied before waiting gets no second reply.
func (r *run) errorReply(reason string) {
	if !r.settings.AutoErrorReply || !r.dispatch.Kind.CanReply() {
		return
	}
	if c := r.dispatch.Context; c != nil && c.ReplySent {
		return
	}
	origin := r.dispatch.ID()
	r.note(SendDispatch{
		Origin: origin,
		Dispatch: message.Dispatch{
			Kind: message.KindReply,
			Message: message.Message{
				ID:          ids.GenerateReply(origin, errorReplyExitCode),
				Source:      r.destination(),
				Destination: r.source(),
				Payload:     []byte(reason),
				Reply:       &message.ReplyDetails{To: origin, ExitCode: errorReplyExitCode},
			},
		},
	})
}

// unreserve returns the dispatch value to its source.
func (r *run) unreserve() {
	if v := r.dispatch.Message.Value; v > 0 {
		r.note(SendValue{From: r.source(), Value: v})
	}
}

func (r *run) noExecution(reason error) *DispatchResult {
	r.errorReply(reason.Error())
	r.unreserve()
	code := ""
	var de *DispatchError
	if errors.As(reason, &de) {
		code = de.Code
	}
	return r.consume(DispatchOutcome{Kind: OutcomeNoExecution, Code: code, Reason: reason.Error()})
}

func (r *run) waitForInit(init ids.MessageID) *DispatchResult {
	r.note(WaitDispatch{
		Dispatch: r.dispatch.Stored(r.dispatch.Context),
		WaitedOn: []ids.MessageID{init},
	})
	r.result.State = StateWaiting
	return r.result
}

func (r *run) invalidInit() *DispatchResult {
	return r.fail(0, &DispatchError{
		Code:    ErrCodeInvalidKind,
		Message: fmt.Sprintf("init dispatch to %s program", r.actor.Program.Status),
	})
}

func (r *run) stop(burned uint64) *DispatchResult {
	r.result.GasBurned = burned
	r.note(StopProcessing{Dispatch: r.dispatch.Stored(r.dispatch.Context), GasBurned: burned})
	r.result.State = StateStopped
	return r.result
}

// finish turns a termination into the journal.
func (r *run) finish(term sandbox.Termination) (*DispatchResult, error) {
	x := r.ext
	r.result.PagesRead, r.result.PagesWritten = x.pages.Touched()
	r.result.GasLeft = x.gas.Left()

	if term.Kind == sandbox.Trap {
		if err := r.fatal(term.Err); err != nil {
			return nil, err
		}
		if errors.Is(term.Err, gas.ErrAllowanceExceeded) {
			return r.stop(x.gas.Burned()), nil
		}
		return r.fail(x.gas.Burned(), term.Err), nil
	}

	r.gasBurned(x.gas.Burned())
	if term.Kind != sandbox.Exit {
		x.pages.Forget(x.allocs.Freed())
		updates, err := x.pages.Release()
		if err != nil {
			return nil, &FatalError{DispatchID: r.dispatch.ID(), Reason: "page release", Err: err}
		}
		for _, u := range updates {
			r.note(UpdatePage{ProgramID: r.actor.ID, Page: u.Page, Data: u.Data})
		}
		if allocations, changed := x.allocs.Diff(); changed {
			r.note(UpdateAllocations{ProgramID: r.actor.ID, Allocations: allocations})
		}
	}
	r.outgoing(x.msgs.Drain())

	switch term.Kind {
	case sandbox.Wait:
		store := x.msgs.Wait()
		stored := r.dispatch.Stored(store)
		stored.Message.GasLimit = x.gas.Left()
		r.note(WaitDispatch{Dispatch: stored, WaitedOn: store.Pending()})
		r.result.State = StateWaiting
		return r.result, nil
	case sandbox.Exit:
		r.transferValue()
		inheritor := term.Inheritor
		r.note(ProgramOutcome{ProgramID: r.actor.ID, Status: StatusTerminated, Inheritor: &inheritor})
		return r.consume(DispatchOutcome{Kind: OutcomeExit}), nil
	default:
		r.transferValue()
		if r.dispatch.Kind == message.KindInit {
			r.note(ProgramOutcome{ProgramID: r.actor.ID, Status: StatusActive})
			return r.consume(DispatchOutcome{Kind: OutcomeInitSuccess}), nil
		}
		return r.consume(DispatchOutcome{Kind: OutcomeSuccess}), nil
	}
}

// fatal reports errors that make the inputs of the run untrustworthy.
func (r *run) fatal(err error) error {
	var pageErr *lazypages.Error
	switch {
	case errors.As(err, &pageErr):
		return &FatalError{DispatchID: r.dispatch.ID(), Reason: "page state", Err: err}
	case errors.Is(err, message.ErrCorruptedContext):
		return &FatalError{DispatchID: r.dispatch.ID(), Reason: "corrupted continuation", Err: err}
	}
	return nil
}

func (r *run) outgoing(out message.Outcome) {
	origin := r.dispatch.ID()
	var order []ids.CodeID
	byCode := make(map[ids.CodeID][]message.Candidate)
	for _, c := range out.Candidates {
		if _, seen := byCode[c.CodeID]; !seen {
			order = append(order, c.CodeID)
		}
		byCode[c.CodeID] = append(byCode[c.CodeID], c)
	}
	for _, code := range order {
		r.note(StoreNewPrograms{CodeID: code, Candidates: byCode[code]})
	}
	for _, d := range out.Dispatches {
		r.note(SendDispatch{Origin: origin, Dispatch: d})
	}
	var replyTo *ids.MessageID
	if reply := r.dispatch.Message.Reply; reply != nil {
		to := reply.To
		replyTo = &to
	}
	for _, w := range out.Wakes {
		r.note(WakeMessage{Origin: origin, ProgramID: r.actor.ID, Awakening: w, ReplyTo: replyTo})
	}
}

func (r *run) transferValue() {
	if v := r.dispatch.Message.Value; v > 0 {
		to := r.actor.ID
		r.note(SendValue{From: r.source(), To: &to, Value: v})
	}
}

// fail discards everything the run staged except the gas it burned.
func (r *run) fail(burned uint64, reason error) *DispatchResult {
	r.gasBurned(burned)
	r.errorReply(reason.Error())
	r.unreserve()
	kind := OutcomeFailure
	// Only an executed init decides the fate of the program.
	if r.dispatch.Kind == message.KindInit && r.ext != nil {
		kind = OutcomeInitFailure
		r.note(ProgramOutcome{ProgramID: r.destination(), Status: StatusInitFailed})
	}
	return r.consume(DispatchOutcome{Kind: kind, Code: failureCode(reason), Reason: reason.Error()})
}

// failureCode extracts the deterministic code of a failure reason.
func failureCode(err error) string {
	var (
		gasErr      *gas.Error
		sandboxErr  *sandbox.SandboxError
		dispatchErr *DispatchError
	)
	switch {
	case errors.As(err, &gasErr):
		return gasErr.Code
	case errors.As(err, &sandboxErr):
		return sandboxErr.Code
	case errors.As(err, &dispatchErr):
		return dispatchErr.Code
	case errors.Is(err, lazypages.ErrOutOfBounds), errors.Is(err, memory.ErrOutOfMemory), errors.Is(err, memory.ErrNotAllocated):
		return ErrCodeMemoryAccess
	default:
		return ErrCodeTrap
	}
}
