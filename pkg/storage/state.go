package storage

import (
	"context"
	"fmt"

	"github.com/JuliaMoon1/gear/pkg/ids"
	"github.com/JuliaMoon1/gear/pkg/message"
	"github.com/JuliaMoon1/gear/pkg/processor"
	"github.com/JuliaMoon1/gear/pkg/runtime/memory"
)

// ProgramRecord is the persisted program without its code bytes.
type ProgramRecord struct {
	CodeID        ids.CodeID              `cbor:"code_id"`
	StaticPages   memory.WasmPage         `cbor:"static_pages"`
	Allocations   []memory.WasmPage       `cbor:"allocations"`
	PagesWithData []memory.Page           `cbor:"pages_with_data"`
	InitMessage   ids.MessageID           `cbor:"init_message"`
	Status        processor.ProgramStatus `cbor:"status"`
}

// CodeMeta describes uploaded code. The bytes live in a code store.
type CodeMeta struct {
	StaticPages memory.WasmPage `cbor:"static_pages"`
	Size        int             `cbor:"size"`
	Exports     []string        `cbor:"exports,omitempty"`
}

// WaitEntry is a suspended dispatch and the messages it waits for.
type WaitEntry struct {
	Dispatch message.StoredDispatch `cbor:"dispatch"`
	WaitedOn []ids.MessageID        `cbor:"waited_on"`
}

// MailboxEntry is a message delivered to a user.
type MailboxEntry struct {
	Message message.Message `cbor:"message"`
	Kind    message.Kind    `cbor:"kind"`
}

type pageKey struct {
	program ids.ProgramID
	page    memory.Page
}

func encodePageKey(k pageKey) []byte {
	return append(k.program[:], Uint64Key(uint64(k.page))...)
}

type pairKey[A, B ~[ids.Size]byte] struct {
	a A
	b B
}

func encodePair[A, B ~[ids.Size]byte](k pairKey[A, B]) []byte {
	out := make([]byte, 0, 2*ids.Size)
	out = append(out, k.a[:]...)
	return append(out, k.b[:]...)
}

type queueBounds struct {
	Head uint64 `cbor:"head"`
	Tail uint64 `cbor:"tail"`
}

// queueOrigin leaves room to push in front of the first entry.
const queueOrigin = uint64(1) << 63

// Meta counter names.
const (
	metaNonce     = "nonce"
	metaGasBurned = "gas_burned"
	metaQueue     = "queue"
)

// State is the typed layout of engine state over a Backend.
type State struct {
	programs     Map[ids.ProgramID, ProgramRecord]
	codes        Map[ids.CodeID, CodeMeta]
	pages        Map[pageKey, memory.PageBuf]
	queue        Map[uint64, message.StoredDispatch]
	waitArena    Map[ids.MessageID, WaitEntry]
	waitIndex    Map[pairKey[ids.MessageID, ids.MessageID], struct{}]
	mailbox      Map[pairKey[ids.ProgramID, ids.MessageID], MailboxEntry]
	balances     Map[ids.ProgramID, uint64]
	reservations Map[ids.MessageID, uint64]
	outcomes     Map[ids.MessageID, processor.DispatchOutcome]
	counters     Map[string, uint64]
	bounds       Map[string, queueBounds]
}

// NewState lays out every map under its own namespace.
func NewState() *State {
	return &State{
		programs:     NewMap[ids.ProgramID, ProgramRecord]("programs", ProgramKey),
		codes:        NewMap[ids.CodeID, CodeMeta]("codes", CodeKey),
		pages:        NewMap[pageKey, memory.PageBuf]("pages", encodePageKey),
		queue:        NewMap[uint64, message.StoredDispatch]("queue", Uint64Key),
		waitArena:    NewMap[ids.MessageID, WaitEntry]("waitlist", MessageKey),
		waitIndex:    NewMap[pairKey[ids.MessageID, ids.MessageID], struct{}]("waitindex", encodePair[ids.MessageID, ids.MessageID]),
		mailbox:      NewMap[pairKey[ids.ProgramID, ids.MessageID], MailboxEntry]("mailbox", encodePair[ids.ProgramID, ids.MessageID]),
		balances:     NewMap[ids.ProgramID, uint64]("balances", ProgramKey),
		reservations: NewMap[ids.MessageID, uint64]("reservations", MessageKey),
		outcomes:     NewMap[ids.MessageID, processor.DispatchOutcome]("outcomes", MessageKey),
		counters:     NewMap[string, uint64]("counters", StringKey),
		bounds:       NewMap[string, queueBounds]("meta", StringKey),
	}
}

// Programs.

func (s *State) Program(ctx context.Context, tx Tx, id ids.ProgramID) (ProgramRecord, bool, error) {
	return s.programs.Get(ctx, tx, id)
}

func (s *State) PutProgram(ctx context.Context, tx Tx, id ids.ProgramID, p ProgramRecord) error {
	return s.programs.Put(ctx, tx, id, p)
}

// IsProgram reports whether id holds a program, whatever its status.
func (s *State) IsProgram(ctx context.Context, tx Tx, id ids.ProgramID) (bool, error) {
	return s.programs.Has(ctx, tx, id)
}

// Code metadata.

func (s *State) Code(ctx context.Context, tx Tx, id ids.CodeID) (CodeMeta, bool, error) {
	return s.codes.Get(ctx, tx, id)
}

func (s *State) PutCode(ctx context.Context, tx Tx, id ids.CodeID, meta CodeMeta) error {
	return s.codes.Put(ctx, tx, id, meta)
}

// Pages.

func (s *State) Page(ctx context.Context, tx Tx, program ids.ProgramID, page memory.Page) (*memory.PageBuf, bool, error) {
	buf, ok, err := s.pages.Get(ctx, tx, pageKey{program, page})
	if err != nil || !ok {
		return nil, ok, err
	}
	return &buf, true, nil
}

func (s *State) PutPage(ctx context.Context, tx Tx, program ids.ProgramID, page memory.Page, data memory.PageBuf) error {
	return s.pages.Put(ctx, tx, pageKey{program, page}, data)
}

func (s *State) DeletePage(ctx context.Context, tx Tx, program ids.ProgramID, page memory.Page) error {
	return s.pages.Delete(ctx, tx, pageKey{program, page})
}

// Queue.

func (s *State) queueBounds(ctx context.Context, tx Tx) (queueBounds, error) {
	b, ok, err := s.bounds.Get(ctx, tx, metaQueue)
	if err != nil {
		return b, err
	}
	if !ok {
		b = queueBounds{Head: queueOrigin, Tail: queueOrigin}
	}
	return b, nil
}

// Enqueue appends d to the dispatch queue.
func (s *State) Enqueue(ctx context.Context, tx Tx, d message.StoredDispatch) error {
	b, err := s.queueBounds(ctx, tx)
	if err != nil {
		return err
	}
	if err := s.queue.Put(ctx, tx, b.Tail, d); err != nil {
		return err
	}
	b.Tail++
	return s.bounds.Put(ctx, tx, metaQueue, b)
}

// Requeue puts d back at the head of the queue.
func (s *State) Requeue(ctx context.Context, tx Tx, d message.StoredDispatch) error {
	b, err := s.queueBounds(ctx, tx)
	if err != nil {
		return err
	}
	if b.Head == 0 {
		return fmt.Errorf("storage: queue head underflow")
	}
	b.Head--
	if err := s.queue.Put(ctx, tx, b.Head, d); err != nil {
		return err
	}
	return s.bounds.Put(ctx, tx, metaQueue, b)
}

// Dequeue removes and returns the head of the queue.
func (s *State) Dequeue(ctx context.Context, tx Tx) (message.StoredDispatch, bool, error) {
	b, err := s.queueBounds(ctx, tx)
	if err != nil || b.Head == b.Tail {
		return message.StoredDispatch{}, false, err
	}
	d, ok, err := s.queue.Get(ctx, tx, b.Head)
	if err != nil {
		return message.StoredDispatch{}, false, err
	}
	if !ok {
		return message.StoredDispatch{}, false, fmt.Errorf("storage: queue entry %d missing", b.Head)
	}
	if err := s.queue.Delete(ctx, tx, b.Head); err != nil {
		return message.StoredDispatch{}, false, err
	}
	b.Head++
	return d, true, s.bounds.Put(ctx, tx, metaQueue, b)
}

// QueueLen returns the number of queued dispatches.
func (s *State) QueueLen(ctx context.Context, tx Tx) (uint64, error) {
	b, err := s.queueBounds(ctx, tx)
	return b.Tail - b.Head, err
}

// Queued returns the queue in order.
func (s *State) Queued(ctx context.Context, tx Tx) ([]message.StoredDispatch, error) {
	var out []message.StoredDispatch
	err := s.queue.Scan(ctx, tx, nil, func(_ []byte, d message.StoredDispatch) error {
		out = append(out, d)
		return nil
	})
	return out, err
}

// Wait list.

// Wait parks e and indexes it under every awaited id.
func (s *State) Wait(ctx context.Context, tx Tx, e WaitEntry) error {
	id := e.Dispatch.Message.ID
	if err := s.waitArena.Put(ctx, tx, id, e); err != nil {
		return err
	}
	for _, awaited := range e.WaitedOn {
		if err := s.waitIndex.Put(ctx, tx, pairKey[ids.MessageID, ids.MessageID]{awaited, id}, struct{}{}); err != nil {
			return err
		}
	}
	return nil
}

// Unwait removes the waiting dispatch id from the wait list.
func (s *State) Unwait(ctx context.Context, tx Tx, id ids.MessageID) (WaitEntry, bool, error) {
	e, ok, err := s.waitArena.Get(ctx, tx, id)
	if err != nil || !ok {
		return e, ok, err
	}
	if err := s.waitArena.Delete(ctx, tx, id); err != nil {
		return e, false, err
	}
	for _, awaited := range e.WaitedOn {
		if err := s.waitIndex.Delete(ctx, tx, pairKey[ids.MessageID, ids.MessageID]{awaited, id}); err != nil {
			return e, false, err
		}
	}
	return e, true, nil
}

// WaitingOn returns the dispatches waiting for awaited, in id order.
func (s *State) WaitingOn(ctx context.Context, tx Tx, awaited ids.MessageID) ([]ids.MessageID, error) {
	var out []ids.MessageID
	err := s.waitIndex.Scan(ctx, tx, awaited[:], func(key []byte, _ struct{}) error {
		id, err := ids.MessageIDFromBytes(key[ids.Size:])
		if err != nil {
			return err
		}
		out = append(out, id)
		return nil
	})
	return out, err
}

// Waiting returns every waiting dispatch addressed to program, in id order.
func (s *State) Waiting(ctx context.Context, tx Tx, program ids.ProgramID) ([]WaitEntry, error) {
	var out []WaitEntry
	err := s.waitArena.Scan(ctx, tx, nil, func(_ []byte, e WaitEntry) error {
		if e.Dispatch.Message.Destination == program {
			out = append(out, e)
		}
		return nil
	})
	return out, err
}

// Mailbox.

func (s *State) Deliver(ctx context.Context, tx Tx, user ids.ProgramID, d message.Dispatch) error {
	return s.mailbox.Put(ctx, tx, pairKey[ids.ProgramID, ids.MessageID]{user, d.Message.ID}, MailboxEntry{Message: d.Message, Kind: d.Kind})
}

// Mailbox lists the messages delivered to user, in id order.
func (s *State) Mailbox(ctx context.Context, tx Tx, user ids.ProgramID) ([]MailboxEntry, error) {
	var out []MailboxEntry
	err := s.mailbox.Scan(ctx, tx, user[:], func(_ []byte, e MailboxEntry) error {
		out = append(out, e)
		return nil
	})
	return out, err
}

// TakeMail removes message id from the mailbox of user.
func (s *State) TakeMail(ctx context.Context, tx Tx, user ids.ProgramID, id ids.MessageID) (MailboxEntry, bool, error) {
	key := pairKey[ids.ProgramID, ids.MessageID]{user, id}
	e, ok, err := s.mailbox.Get(ctx, tx, key)
	if err != nil || !ok {
		return e, ok, err
	}
	return e, true, s.mailbox.Delete(ctx, tx, key)
}

// Balances.

func (s *State) Balance(ctx context.Context, tx Tx, id ids.ProgramID) (uint64, error) {
	v, _, err := s.balances.Get(ctx, tx, id)
	return v, err
}

func (s *State) SetBalance(ctx context.Context, tx Tx, id ids.ProgramID, v uint64) error {
	if v == 0 {
		return s.balances.Delete(ctx, tx, id)
	}
	return s.balances.Put(ctx, tx, id, v)
}

// Credit adds v to the balance of id.
func (s *State) Credit(ctx context.Context, tx Tx, id ids.ProgramID, v uint64) error {
	if v == 0 {
		return nil
	}
	cur, err := s.Balance(ctx, tx, id)
	if err != nil {
		return err
	}
	if cur+v < cur {
		return fmt.Errorf("storage: balance of %s overflows", id)
	}
	return s.SetBalance(ctx, tx, id, cur+v)
}

// Debit subtracts up to v from the balance of id and returns the shortfall.
func (s *State) Debit(ctx context.Context, tx Tx, id ids.ProgramID, v uint64) (uint64, error) {
	cur, err := s.Balance(ctx, tx, id)
	if err != nil {
		return 0, err
	}
	if v > cur {
		return v - cur, s.SetBalance(ctx, tx, id, 0)
	}
	return 0, s.SetBalance(ctx, tx, id, cur-v)
}

// Gas reservations.

func (s *State) Reservation(ctx context.Context, tx Tx, id ids.MessageID) (uint64, error) {
	v, _, err := s.reservations.Get(ctx, tx, id)
	return v, err
}

func (s *State) Reserve(ctx context.Context, tx Tx, id ids.MessageID, amount uint64) error {
	return s.reservations.Put(ctx, tx, id, amount)
}

func (s *State) Unreserve(ctx context.Context, tx Tx, id ids.MessageID) (uint64, error) {
	v, err := s.Reservation(ctx, tx, id)
	if err != nil {
		return 0, err
	}
	return v, s.reservations.Delete(ctx, tx, id)
}

// Outcomes.

func (s *State) Outcome(ctx context.Context, tx Tx, id ids.MessageID) (processor.DispatchOutcome, bool, error) {
	return s.outcomes.Get(ctx, tx, id)
}

func (s *State) putOutcome(ctx context.Context, tx Tx, id ids.MessageID, o processor.DispatchOutcome) error {
	return s.outcomes.Put(ctx, tx, id, o)
}

// Counters.

func (s *State) counter(ctx context.Context, tx Tx, name string) (uint64, error) {
	v, _, err := s.counters.Get(ctx, tx, name)
	return v, err
}

func (s *State) addCounter(ctx context.Context, tx Tx, name string, delta uint64) (uint64, error) {
	v, err := s.counter(ctx, tx, name)
	if err != nil {
		return 0, err
	}
	v += delta
	return v, s.counters.Put(ctx, tx, name, v)
}

// NextNonce returns a fresh nonce for external messages.
func (s *State) NextNonce(ctx context.Context, tx Tx) (uint64, error) {
	n, err := s.addCounter(ctx, tx, metaNonce, 1)
	return n - 1, err
}

// TotalGasBurned returns the gas burned by every applied journal.
func (s *State) TotalGasBurned(ctx context.Context, tx Tx) (uint64, error) {
	return s.counter(ctx, tx, metaGasBurned)
}
