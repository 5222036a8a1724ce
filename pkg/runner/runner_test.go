package runner

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JuliaMoon1/gear/pkg/codestore"
	"github.com/JuliaMoon1/gear/pkg/ids"
	"github.com/JuliaMoon1/gear/pkg/processor"
	"github.com/JuliaMoon1/gear/pkg/runtime/costs"
	"github.com/JuliaMoon1/gear/pkg/runtime/sandbox"
	"github.com/JuliaMoon1/gear/pkg/storage"
)

var user = ids.ProgramID{0xAA}

type harness struct {
	backend *storage.MemoryBackend
	state   *storage.State
	codes   *codestore.MemoryStore
	native  *sandbox.NativeBackend
	runner  *Runner
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		backend: storage.NewMemoryBackend(),
		state:   storage.NewState(),
		codes:   codestore.NewMemoryStore(),
		native:  sandbox.NewNativeBackend(nil, nil),
	}
	if cfg.Schedule == nil {
		cfg.Schedule = costs.Zero()
	}
	if cfg.StaticPages == 0 {
		cfg.StaticPages = 1
	}
	cfg.PrefetchWorkers = 2
	h.runner = New(h.backend, h.state, h.codes, processor.NewEngine(h.native), cfg)
	return h
}

// deploy uploads prog under name and creates one program from it.
func (h *harness) deploy(t *testing.T, name string, prog sandbox.Program) ids.ProgramID {
	t.Helper()
	ctx := context.Background()
	h.native.Register([]byte(name), prog)
	codeID, err := h.runner.Upload(ctx, []byte(name))
	require.NoError(t, err)
	program, _, err := h.runner.CreateProgram(ctx, user, codeID, nil, nil, 1_000, 0)
	require.NoError(t, err)
	return program
}

func (h *harness) view(t *testing.T, fn func(ctx context.Context, tx storage.Tx)) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, h.backend.View(ctx, func(tx storage.Tx) error {
		fn(ctx, tx)
		return nil
	}))
}

func (h *harness) mailbox(t *testing.T) []storage.MailboxEntry {
	t.Helper()
	var out []storage.MailboxEntry
	h.view(t, func(ctx context.Context, tx storage.Tx) {
		var err error
		out, err = h.state.Mailbox(ctx, tx, user)
		require.NoError(t, err)
	})
	return out
}

var echo = sandbox.Entries{
	sandbox.EntryHandle: func(api *sandbox.API) error {
		payload, err := api.Payload()
		if err != nil {
			return err
		}
		_, err = api.Reply(append([]byte("pong:"), payload...), 0, 0)
		return err
	},
}

func TestRunBlock_PingPong(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	program := h.deploy(t, "echo", echo)

	sent, err := h.runner.Send(ctx, user, program, []byte("ping"), 1_000, 0)
	require.NoError(t, err)

	report, err := h.runner.RunBlock(ctx, processor.BlockInfo{Height: 1}, 1_000_000)
	require.NoError(t, err)
	require.Len(t, report.Dispatches, 2)
	assert.Equal(t, processor.OutcomeInitSuccess, report.Dispatches[0].Outcome.Kind)
	assert.Equal(t, sent, report.Dispatches[1].MessageID)
	assert.Equal(t, processor.OutcomeSuccess, report.Dispatches[1].Outcome.Kind)
	assert.Zero(t, report.Remaining)
	assert.False(t, report.Stopped)
	assert.NotEmpty(t, report.Digest)
	assert.NotEmpty(t, report.RunID)

	mail := h.mailbox(t)
	require.Len(t, mail, 1)
	assert.Equal(t, "pong:ping", string(mail[0].Message.Payload))
	require.NotNil(t, mail[0].Message.Reply)
	assert.Equal(t, sent, mail[0].Message.Reply.To)

	h.view(t, func(ctx context.Context, tx storage.Tx) {
		rec, ok, err := h.state.Program(ctx, tx, program)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, processor.StatusActive, rec.Status)
	})
}

func TestRunBlock_DeterministicDigest(t *testing.T) {
	digest := func() string {
		h := newHarness(t, Config{})
		ctx := context.Background()
		program := h.deploy(t, "echo", echo)
		_, err := h.runner.Send(ctx, user, program, []byte("same"), 1_000, 0)
		require.NoError(t, err)
		report, err := h.runner.RunBlock(ctx, processor.BlockInfo{Height: 7}, 1_000_000)
		require.NoError(t, err)
		return report.Digest
	}
	assert.Equal(t, digest(), digest())
}

func TestRunBlock_AllowanceStops(t *testing.T) {
	schedule := costs.Zero()
	schedule.Tables[0].Instantiation = 60
	h := newHarness(t, Config{Schedule: schedule})
	ctx := context.Background()
	program := h.deploy(t, "echo", echo)

	_, err := h.runner.RunBlock(ctx, processor.BlockInfo{Height: 1}, 1_000_000)
	require.NoError(t, err)

	first, err := h.runner.Send(ctx, user, program, []byte("1"), 100, 0)
	require.NoError(t, err)
	second, err := h.runner.Send(ctx, user, program, []byte("2"), 100, 0)
	require.NoError(t, err)

	report, err := h.runner.RunBlock(ctx, processor.BlockInfo{Height: 2}, 150)
	require.NoError(t, err)
	require.Len(t, report.Dispatches, 2)
	assert.Equal(t, first, report.Dispatches[0].MessageID)
	assert.Equal(t, uint64(60), report.Dispatches[0].GasBurned)
	assert.Equal(t, second, report.Dispatches[1].MessageID)
	assert.Equal(t, processor.StateStopped, report.Dispatches[1].State)
	assert.True(t, report.Stopped)
	assert.Equal(t, uint64(1), report.Remaining)
	assert.Equal(t, uint64(90), report.AllowanceLeft)

	report, err = h.runner.RunBlock(ctx, processor.BlockInfo{Height: 3}, 1_000)
	require.NoError(t, err)
	require.Len(t, report.Dispatches, 1)
	assert.Equal(t, second, report.Dispatches[0].MessageID)
	assert.Len(t, h.mailbox(t), 2)
}

func TestRunBlock_UserReplyWakesWaiter(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	asker := sandbox.Entries{
		sandbox.EntryHandle: func(api *sandbox.API) error {
			flag := make([]byte, 1)
			if err := api.ReadMemory(ids.Size, flag); err != nil {
				return err
			}
			if flag[0] == 1 {
				_, err := api.Reply([]byte("answered"), 0, 0)
				return err
			}
			self, err := api.MessageID()
			if err != nil {
				return err
			}
			if err := api.WriteMemory(0, append(self[:], 1)); err != nil {
				return err
			}
			source, err := api.Source()
			if err != nil {
				return err
			}
			if _, err := api.Send(source, []byte("question"), 0, 0); err != nil {
				return err
			}
			return api.Wait()
		},
		sandbox.EntryReply: func(api *sandbox.API) error {
			raw := make([]byte, ids.Size)
			if err := api.ReadMemory(0, raw); err != nil {
				return err
			}
			waiting, err := ids.MessageIDFromBytes(raw)
			if err != nil {
				return err
			}
			return api.Wake(waiting)
		},
	}
	program := h.deploy(t, "asker", asker)
	asked, err := h.runner.Send(ctx, user, program, nil, 10_000, 0)
	require.NoError(t, err)

	report, err := h.runner.RunBlock(ctx, processor.BlockInfo{Height: 1}, 1_000_000)
	require.NoError(t, err)
	require.Len(t, report.Dispatches, 2)
	assert.Equal(t, processor.StateWaiting, report.Dispatches[1].State)

	mail := h.mailbox(t)
	require.Len(t, mail, 1)
	assert.Equal(t, "question", string(mail[0].Message.Payload))

	_, err = h.runner.Reply(ctx, user, mail[0].Message.ID, []byte("yes"), 1_000, 0)
	require.NoError(t, err)
	_, err = h.runner.Reply(ctx, user, mail[0].Message.ID, []byte("again"), 1_000, 0)
	assert.ErrorIs(t, err, ErrNoSuchMail)

	report, err = h.runner.RunBlock(ctx, processor.BlockInfo{Height: 2}, 1_000_000)
	require.NoError(t, err)
	require.Len(t, report.Dispatches, 2)
	assert.Equal(t, asked, report.Dispatches[1].MessageID)
	assert.Equal(t, processor.OutcomeSuccess, report.Dispatches[1].Outcome.Kind)

	mail = h.mailbox(t)
	require.Len(t, mail, 1)
	assert.Equal(t, "answered", string(mail[0].Message.Payload))
}

func TestRunBlock_ValueTransfer(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	program := h.deploy(t, "echo", echo)
	require.NoError(t, h.runner.Fund(ctx, user, 100))

	_, err := h.runner.Send(ctx, user, program, nil, 1_000, 30)
	require.NoError(t, err)
	_, err = h.runner.Send(ctx, user, program, nil, 1_000, 500)
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	_, err = h.runner.RunBlock(ctx, processor.BlockInfo{Height: 1}, 1_000_000)
	require.NoError(t, err)

	h.view(t, func(ctx context.Context, tx storage.Tx) {
		bal, err := h.state.Balance(ctx, tx, user)
		require.NoError(t, err)
		assert.Equal(t, uint64(70), bal)
		bal, err = h.state.Balance(ctx, tx, program)
		require.NoError(t, err)
		assert.Equal(t, uint64(30), bal)
	})
}

func TestRunBlock_FatalErrorRollsBack(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	h.native.Register([]byte("echo"), echo)
	codeID, err := h.runner.Upload(ctx, []byte("echo"))
	require.NoError(t, err)
	_, _, err = h.runner.CreateProgram(ctx, user, codeID, nil, nil, 1_000, 0)
	require.NoError(t, err)
	require.NoError(t, h.codes.Delete(ctx, codeID))

	_, err = h.runner.RunBlock(ctx, processor.BlockInfo{Height: 1}, 1_000_000)
	require.Error(t, err)
	assert.True(t, processor.IsFatal(err))
	assert.ErrorIs(t, err, codestore.ErrNotFound)

	h.view(t, func(ctx context.Context, tx storage.Tx) {
		n, err := h.state.QueueLen(ctx, tx)
		require.NoError(t, err)
		assert.Equal(t, uint64(1), n)
	})
}

func TestCreateProgram_Errors(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	_, _, err := h.runner.CreateProgram(ctx, user, ids.CodeID{0x01}, nil, nil, 0, 0)
	assert.ErrorIs(t, err, ErrUnknownCode)

	codeID, err := h.runner.Upload(ctx, []byte("code"))
	require.NoError(t, err)
	_, _, err = h.runner.CreateProgram(ctx, user, codeID, []byte("s"), nil, 0, 0)
	require.NoError(t, err)
	_, _, err = h.runner.CreateProgram(ctx, user, codeID, []byte("s"), nil, 0, 0)
	assert.ErrorIs(t, err, ErrProgramExists)
}
