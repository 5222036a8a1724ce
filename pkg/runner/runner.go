// Package runner drives block passes: it takes dispatches from the queue,
// runs them on the engine and commits their journals, all inside one
// storage transaction per block.
package runner

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/JuliaMoon1/gear/pkg/codestore"
	"github.com/JuliaMoon1/gear/pkg/ids"
	"github.com/JuliaMoon1/gear/pkg/message"
	"github.com/JuliaMoon1/gear/pkg/processor"
	"github.com/JuliaMoon1/gear/pkg/runtime/costs"
	"github.com/JuliaMoon1/gear/pkg/runtime/gas"
	"github.com/JuliaMoon1/gear/pkg/runtime/memory"
	"github.com/JuliaMoon1/gear/pkg/runtime/sandbox"
	"github.com/JuliaMoon1/gear/pkg/storage"
)

// Compiler is implemented by sandbox backends that compile ahead of use.
type Compiler interface {
	Compile(ctx context.Context, code sandbox.Code) error
}

// Inspector extracts code metadata at upload time.
type Inspector interface {
	Inspect(ctx context.Context, code []byte) (sandbox.CodeInfo, error)
}

// Config holds the per-block settings of a runner.
type Config struct {
	Schedule       *costs.Schedule
	MaxPages       memory.WasmPage
	Limits         message.Limits
	AutoErrorReply bool
	// MaxDispatches bounds dispatches per block; 0 means until the queue
	// or the allowance runs out.
	MaxDispatches int
	// PrefetchWorkers bounds concurrent code loads before a block; 0
	// disables prefetching.
	PrefetchWorkers int
	// StaticPages is recorded for uploads when no Inspector is set.
	StaticPages memory.WasmPage
}

// Runner owns the execution side of a node.
type Runner struct {
	backend   storage.Backend
	state     *storage.State
	codes     codestore.Store
	engine    *processor.Engine
	cfg       Config
	compiler  Compiler
	inspector Inspector
	logger    *slog.Logger
	tracer    trace.Tracer
}

// Option configures a Runner.
type Option func(*Runner)

// WithCompiler compiles prefetched code before the block runs.
func WithCompiler(c Compiler) Option { return func(r *Runner) { r.compiler = c } }

// WithInspector reads static pages and exports of uploaded code.
func WithInspector(i Inspector) Option { return func(r *Runner) { r.inspector = i } }

func WithLogger(l *slog.Logger) Option { return func(r *Runner) { r.logger = l } }

func WithTracer(t trace.Tracer) Option { return func(r *Runner) { r.tracer = t } }

// New creates a runner. A nil schedule selects costs.Default.
func New(backend storage.Backend, state *storage.State, codes codestore.Store, engine *processor.Engine, cfg Config, opts ...Option) *Runner {
	if cfg.Schedule == nil {
		cfg.Schedule = costs.Default()
	}
	if cfg.Limits == (message.Limits{}) {
		cfg.Limits = message.DefaultLimits
	}
	r := &Runner{
		backend: backend,
		state:   state,
		codes:   codes,
		engine:  engine,
		cfg:     cfg,
		logger:  slog.Default().With("component", "runner"),
		tracer:  otel.Tracer("github.com/JuliaMoon1/gear/pkg/runner"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// DispatchSummary is one executed dispatch of a block.
type DispatchSummary struct {
	MessageID ids.MessageID              `json:"message_id"`
	ProgramID ids.ProgramID              `json:"program_id"`
	State     processor.State            `json:"state"`
	Outcome   *processor.DispatchOutcome `json:"outcome,omitempty"`
	GasBurned uint64                     `json:"gas_burned"`
}

// BlockReport summarizes one block pass.
type BlockReport struct {
	RunID         string              `json:"run_id"`
	Block         processor.BlockInfo `json:"block"`
	Dispatches    []DispatchSummary   `json:"dispatches"`
	GasBurned     uint64              `json:"gas_burned"`
	AllowanceLeft uint64              `json:"allowance_left"`
	// Stopped is set when the allowance ran out with dispatches queued.
	Stopped bool `json:"stopped"`
	// Remaining is the queue length after the block.
	Remaining uint64 `json:"remaining"`
	// Digest is the canonical hash of every journal of the block.
	Digest string `json:"digest"`
}

// RunBlock processes the queue within allowance. Journals are committed as
// each dispatch finishes, so later dispatches see earlier effects. A fatal
// engine error rolls back the whole block.
func (r *Runner) RunBlock(ctx context.Context, block processor.BlockInfo, allowance uint64) (*BlockReport, error) {
	runID := uuid.NewString()
	ctx, span := r.tracer.Start(ctx, "runner.RunBlock", trace.WithAttributes(
		attribute.String("run_id", runID),
		attribute.Int64("height", int64(block.Height)),
	))
	defer span.End()
	logger := r.logger.With("run_id", runID, "height", block.Height)

	settings := &processor.Settings{
		Block:          block,
		Allowance:      gas.NewAllowanceCounter(allowance),
		Schedule:       r.cfg.Schedule,
		MaxPages:       r.cfg.MaxPages,
		Limits:         r.cfg.Limits,
		AutoErrorReply: r.cfg.AutoErrorReply,
	}
	report := &BlockReport{RunID: runID, Block: block}

	err := r.backend.Update(ctx, func(tx storage.Tx) error {
		if err := r.prefetch(ctx, tx); err != nil {
			// Execution loads what it needs; a failed prefetch only costs time.
			logger.WarnContext(ctx, "code prefetch failed", "error", err)
		}

		var journal processor.Journal
		for r.cfg.MaxDispatches == 0 || len(report.Dispatches) < r.cfg.MaxDispatches {
			if err := ctx.Err(); err != nil {
				return err
			}
			next, ok, err := r.state.Dequeue(ctx, tx)
			if err != nil {
				return err
			}
			if !ok {
				break
			}
			res, err := r.execute(ctx, tx, next, settings)
			if err != nil {
				return err
			}
			journal = append(journal, res.Journal...)
			report.GasBurned += res.GasBurned
			report.Dispatches = append(report.Dispatches, DispatchSummary{
				MessageID: res.DispatchID,
				ProgramID: res.ProgramID,
				State:     res.State,
				Outcome:   res.Outcome,
				GasBurned: res.GasBurned,
			})
			if res.AllowanceExceeded() {
				report.Stopped = true
				break
			}
		}

		remaining, err := r.state.QueueLen(ctx, tx)
		if err != nil {
			return err
		}
		report.Remaining = remaining
		report.Digest, err = journal.Digest()
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.ErrorContext(ctx, "block aborted", "error", err)
		return nil, err
	}
	report.AllowanceLeft = settings.Allowance.Left()

	span.SetAttributes(
		attribute.Int("dispatches", len(report.Dispatches)),
		attribute.Int64("gas_burned", int64(report.GasBurned)),
		attribute.Bool("stopped", report.Stopped),
	)
	logger.InfoContext(ctx, "block processed",
		"dispatches", len(report.Dispatches),
		"gas_burned", report.GasBurned,
		"remaining", report.Remaining,
		"stopped", report.Stopped,
	)
	return report, nil
}

// execute runs one dispatch and commits its journal.
func (r *Runner) execute(ctx context.Context, tx storage.Tx, next message.StoredDispatch, settings *processor.Settings) (*processor.DispatchResult, error) {
	actor, err := r.state.Actor(ctx, tx, r.codes, next.Message.Destination)
	if err != nil {
		return nil, &processor.FatalError{DispatchID: next.Message.ID, Reason: "snapshot", Err: err}
	}
	res, err := r.engine.Run(ctx, actor, next.Incoming(), settings)
	if err != nil {
		return nil, err
	}
	c := storage.NewCommitter(ctx, tx, r.state)
	if err := res.Journal.Apply(c); err != nil {
		return nil, fmt.Errorf("runner: commit %s: %w", res.DispatchID, err)
	}
	if err := c.Settle(); err != nil {
		return nil, fmt.Errorf("runner: settle %s: %w", res.DispatchID, err)
	}
	return res, nil
}

// prefetch loads, and compiles when possible, the code of every program the
// queue addresses.
func (r *Runner) prefetch(ctx context.Context, tx storage.Tx) error {
	if r.cfg.PrefetchWorkers <= 0 {
		return nil
	}
	queued, err := r.state.Queued(ctx, tx)
	if err != nil {
		return err
	}
	seen := make(map[ids.CodeID]struct{})
	var wanted []ids.CodeID
	for _, d := range queued {
		rec, ok, err := r.state.Program(ctx, tx, d.Message.Destination)
		if err != nil {
			return err
		}
		if !ok || !rec.Status.Executable() {
			continue
		}
		if _, dup := seen[rec.CodeID]; !dup {
			seen[rec.CodeID] = struct{}{}
			wanted = append(wanted, rec.CodeID)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.PrefetchWorkers)
	for _, id := range wanted {
		g.Go(func() error {
			code, err := r.codes.Load(gctx, id)
			if err != nil {
				return err
			}
			if r.compiler == nil {
				return nil
			}
			if err := r.compiler.Compile(gctx, sandbox.Code{ID: id, Bytes: code}); err != nil {
				return fmt.Errorf("compile %s: %w", id, err)
			}
			return nil
		})
	}
	return g.Wait()
}
