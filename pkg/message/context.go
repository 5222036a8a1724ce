package message

import (
	"errors"
	"fmt"
	"slices"

	"github.com/JuliaMoon1/gear/pkg/ids"
)

var (
	ErrOutOfBounds      = errors.New("message: handle out of bounds")
	ErrLateAccess       = errors.New("message: handle already committed")
	ErrDuplicateReply   = errors.New("message: reply already sent")
	ErrNoReplyContext   = errors.New("message: dispatch kind admits no reply")
	ErrOutgoingLimit    = errors.New("message: outgoing messages limit exceeded")
	ErrPayloadTooLarge  = errors.New("message: payload too large")
	ErrDuplicateWaking  = errors.New("message: message already awakened")
	ErrInvalidKind      = errors.New("message: invalid message kind")
	ErrDuplicateProgram = errors.New("message: program already created in this execution")
)

// Limits bound what one execution may send.
type Limits struct {
	MaxOutgoing uint32
	MaxPayload  uint32
}

// DefaultLimits mirrors the limits used when nothing is configured.
var DefaultLimits = Limits{MaxOutgoing: 1024, MaxPayload: 8 * 1024 * 1024}

// Candidate is a program created during the execution.
type Candidate struct {
	CodeID      ids.CodeID    `json:"code_id"`
	ProgramID   ids.ProgramID `json:"program_id"`
	InitMessage ids.MessageID `json:"init_message"`
}

// Outcome is what an execution sent, in commit order.
type Outcome struct {
	Dispatches []Dispatch
	Wakes      []ids.MessageID
	Candidates []Candidate
}

type handle struct {
	kind        Kind
	destination ids.ProgramID
	payload     []byte
	committed   bool
}

// Context stages the messages sent while executing one dispatch. It owns
// its handle table; nothing is shared between executions except through a
// ContextStore.
type Context struct {
	origin  ids.MessageID
	program ids.ProgramID
	source  ids.ProgramID
	kind    Kind
	limits  Limits

	handles      []*handle
	seq          uint32
	replySent    bool
	replyPayload []byte
	sent         []ids.MessageID
	answered     []ids.MessageID
	awakened     map[ids.MessageID]struct{}
	initialized  map[ids.ProgramID]struct{}

	// runStart is the index in sent where this run began.
	runStart int

	dispatches []Dispatch
	wakes      []ids.MessageID
	candidates []Candidate
}

// NewContext builds the context for dispatch executed by program. When the
// dispatch carries a continuation the handle table and counters are restored
// from it; the continuation must already be validated.
func NewContext(dispatch *IncomingDispatch, program ids.ProgramID, limits Limits) *Context {
	if limits.MaxOutgoing == 0 {
		limits.MaxOutgoing = DefaultLimits.MaxOutgoing
	}
	if limits.MaxPayload == 0 {
		limits.MaxPayload = DefaultLimits.MaxPayload
	}
	c := &Context{
		origin:      dispatch.Message.ID,
		program:     program,
		source:      dispatch.Message.Source,
		kind:        dispatch.Kind,
		limits:      limits,
		awakened:    make(map[ids.MessageID]struct{}),
		initialized: make(map[ids.ProgramID]struct{}),
	}
	if s := dispatch.Context; s != nil {
		for _, h := range s.Handles {
			c.handles = append(c.handles, &handle{
				kind:        h.Kind,
				destination: h.Destination,
				payload:     slices.Clone(h.Payload),
				committed:   h.Committed,
			})
		}
		c.seq = s.NextSeq
		c.replySent = s.ReplySent
		c.replyPayload = slices.Clone(s.ReplyPayload)
		c.sent = slices.Clone(s.Sent)
		c.answered = slices.Clone(s.Answered)
		for _, id := range s.Awakened {
			c.awakened[id] = struct{}{}
		}
		for _, id := range s.Initialized {
			c.initialized[id] = struct{}{}
		}
		c.runStart = len(c.sent)
	}
	return c
}

// Origin returns the id of the dispatch being executed.
func (c *Context) Origin() ids.MessageID { return c.origin }

// OpenHandle starts a message of kind to destination and returns its handle.
func (c *Context) OpenHandle(kind Kind, destination ids.ProgramID) (uint32, error) {
	if kind != KindHandle && kind != KindInit {
		return 0, fmt.Errorf("%w: cannot open %s handle", ErrInvalidKind, kind)
	}
	if uint32(len(c.handles)) >= c.limits.MaxOutgoing {
		return 0, fmt.Errorf("%w: %d", ErrOutgoingLimit, c.limits.MaxOutgoing)
	}
	c.handles = append(c.handles, &handle{kind: kind, destination: destination})
	return uint32(len(c.handles) - 1), nil
}

func (c *Context) lookup(h uint32) (*handle, error) {
	if uint64(h) >= uint64(len(c.handles)) {
		return nil, fmt.Errorf("%w: %d", ErrOutOfBounds, h)
	}
	hd := c.handles[h]
	if hd.committed {
		return nil, fmt.Errorf("%w: %d", ErrLateAccess, h)
	}
	return hd, nil
}

func (c *Context) checkPayload(current, extra int) error {
	if uint64(current)+uint64(extra) > uint64(c.limits.MaxPayload) {
		return fmt.Errorf("%w: %d bytes over %d", ErrPayloadTooLarge, current+extra, c.limits.MaxPayload)
	}
	return nil
}

// Push appends data to the payload of an open handle.
func (c *Context) Push(h uint32, data []byte) error {
	hd, err := c.lookup(h)
	if err != nil {
		return err
	}
	if err := c.checkPayload(len(hd.payload), len(data)); err != nil {
		return err
	}
	hd.payload = append(hd.payload, data...)
	return nil
}

// Pending returns the payload buffered on an open handle.
func (c *Context) Pending(h uint32) ([]byte, error) {
	hd, err := c.lookup(h)
	if err != nil {
		return nil, err
	}
	return hd.payload, nil
}

// Commit finalizes the handle with the given gas limit and value and returns
// the id assigned to it.
func (c *Context) Commit(h uint32, gasLimit, value uint64) (ids.MessageID, error) {
	hd, err := c.lookup(h)
	if err != nil {
		return ids.MessageID{}, err
	}
	id := ids.GenerateOutgoing(c.origin, c.seq)
	c.seq++
	hd.committed = true
	c.dispatches = append(c.dispatches, Dispatch{
		Kind: hd.kind,
		Message: Message{
			ID:          id,
			Source:      c.program,
			Destination: hd.destination,
			Payload:     hd.payload,
			GasLimit:    gasLimit,
			Value:       value,
		},
	})
	hd.payload = nil
	c.sent = append(c.sent, id)
	return id, nil
}

// Send opens, fills and commits a handle in one step.
func (c *Context) Send(kind Kind, destination ids.ProgramID, payload []byte, gasLimit, value uint64) (ids.MessageID, error) {
	if err := c.checkPayload(0, len(payload)); err != nil {
		return ids.MessageID{}, err
	}
	h, err := c.OpenHandle(kind, destination)
	if err != nil {
		return ids.MessageID{}, err
	}
	if err := c.Push(h, payload); err != nil {
		return ids.MessageID{}, err
	}
	return c.Commit(h, gasLimit, value)
}

// CreateProgram sends the init message of a new program derived from code
// and salt.
func (c *Context) CreateProgram(code ids.CodeID, salt, payload []byte, gasLimit, value uint64) (ids.ProgramID, ids.MessageID, error) {
	pid := ids.GenerateProgramID(code, salt)
	if _, dup := c.initialized[pid]; dup {
		return ids.ProgramID{}, ids.MessageID{}, fmt.Errorf("%w: %s", ErrDuplicateProgram, pid)
	}
	mid, err := c.Send(KindInit, pid, payload, gasLimit, value)
	if err != nil {
		return ids.ProgramID{}, ids.MessageID{}, err
	}
	c.initialized[pid] = struct{}{}
	c.candidates = append(c.candidates, Candidate{CodeID: code, ProgramID: pid, InitMessage: mid})
	return pid, mid, nil
}

func (c *Context) checkReply() error {
	if !c.kind.CanReply() {
		return fmt.Errorf("%w: %s", ErrNoReplyContext, c.kind)
	}
	if c.replySent {
		return ErrDuplicateReply
	}
	return nil
}

// ReplyPush appends data to the reply payload.
func (c *Context) ReplyPush(data []byte) error {
	if err := c.checkReply(); err != nil {
		return err
	}
	if err := c.checkPayload(len(c.replyPayload), len(data)); err != nil {
		return err
	}
	c.replyPayload = append(c.replyPayload, data...)
	return nil
}

// ReplyPending returns the buffered reply payload, or an error if no reply
// may be sent.
func (c *Context) ReplyPending() ([]byte, error) {
	if err := c.checkReply(); err != nil {
		return nil, err
	}
	return c.replyPayload, nil
}

// CommitReply finalizes the one reply of this dispatch.
func (c *Context) CommitReply(gasLimit, value uint64) (ids.MessageID, error) {
	if err := c.checkReply(); err != nil {
		return ids.MessageID{}, err
	}
	id := ids.GenerateReply(c.origin, 0)
	c.dispatches = append(c.dispatches, Dispatch{
		Kind: KindReply,
		Message: Message{
			ID:          id,
			Source:      c.program,
			Destination: c.source,
			Payload:     c.replyPayload,
			GasLimit:    gasLimit,
			Value:       value,
			Reply:       &ReplyDetails{To: c.origin},
		},
	})
	c.replyPayload = nil
	c.replySent = true
	return id, nil
}

// Reply pushes payload and commits the reply in one step.
func (c *Context) Reply(payload []byte, gasLimit, value uint64) (ids.MessageID, error) {
	if err := c.ReplyPush(payload); err != nil {
		return ids.MessageID{}, err
	}
	return c.CommitReply(gasLimit, value)
}

// Wake requests that the waiting dispatch id be queued again.
func (c *Context) Wake(id ids.MessageID) error {
	if _, dup := c.awakened[id]; dup {
		return fmt.Errorf("%w: %s", ErrDuplicateWaking, id)
	}
	c.awakened[id] = struct{}{}
	c.wakes = append(c.wakes, id)
	return nil
}

// Wait captures the continuation of the dispatch.
func (c *Context) Wait() *ContextStore {
	s := &ContextStore{
		NextSeq:      c.seq,
		ReplySent:    c.replySent,
		ReplyPayload: slices.Clone(c.replyPayload),
		Sent:         slices.Clone(c.sent),
		Answered:     slices.Clone(c.answered),
	}
	for _, h := range c.handles {
		s.Handles = append(s.Handles, HandleState{
			Kind:        h.kind,
			Destination: h.destination,
			Payload:     slices.Clone(h.payload),
			Committed:   h.committed,
		})
	}
	for id := range c.awakened {
		s.Awakened = append(s.Awakened, id)
	}
	slices.SortFunc(s.Awakened, ids.MessageID.Compare)
	for id := range c.initialized {
		s.Initialized = append(s.Initialized, id)
	}
	slices.SortFunc(s.Initialized, ids.ProgramID.Compare)
	return s
}

// SentThisRun returns the ids committed during the current run, excluding
// the reply.
func (c *Context) SentThisRun() []ids.MessageID {
	return slices.Clone(c.sent[c.runStart:])
}

// Drain returns everything staged by the run in commit order.
func (c *Context) Drain() Outcome {
	out := Outcome{
		Dispatches: c.dispatches,
		Wakes:      c.wakes,
		Candidates: c.candidates,
	}
	c.dispatches, c.wakes, c.candidates = nil, nil, nil
	return out
}
