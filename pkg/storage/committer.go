package storage

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/JuliaMoon1/gear/pkg/ids"
	"github.com/JuliaMoon1/gear/pkg/processor"
	"github.com/JuliaMoon1/gear/pkg/runtime/memory"
)

// Committer applies journal notes to State inside one transaction. It is
// the only writer of program state.
type Committer struct {
	ctx    context.Context
	tx     Tx
	state  *State
	logger *slog.Logger
	// owed collects value sent by each program until the dispatch that
	// sent it is settled; incoming value is credited after the sends.
	owed map[ids.ProgramID]uint64
}

var _ processor.JournalHandler = (*Committer)(nil)

// NewCommitter binds a committer to tx.
func NewCommitter(ctx context.Context, tx Tx, state *State) *Committer {
	return &Committer{
		ctx:    ctx,
		tx:     tx,
		state:  state,
		logger: slog.Default().With("component", "storage.committer"),
		owed:   make(map[ids.ProgramID]uint64),
	}
}

// Commit applies a whole journal in one Update.
func Commit(ctx context.Context, b Backend, state *State, j processor.Journal) error {
	return b.Update(ctx, func(tx Tx) error {
		c := NewCommitter(ctx, tx, state)
		if err := j.Apply(c); err != nil {
			return err
		}
		return c.Settle()
	})
}

func (c *Committer) GasBurned(n processor.GasBurned) error {
	reserved, err := c.state.Reservation(c.ctx, c.tx, n.MessageID)
	if err != nil {
		return err
	}
	if n.Amount > reserved {
		c.logger.Debug("burned more than reserved", "message_id", n.MessageID, "burned", n.Amount, "reserved", reserved)
		reserved = n.Amount
	}
	if err := c.state.Reserve(c.ctx, c.tx, n.MessageID, reserved-n.Amount); err != nil {
		return err
	}
	_, err = c.state.addCounter(c.ctx, c.tx, metaGasBurned, n.Amount)
	return err
}

func (c *Committer) program(id ids.ProgramID) (ProgramRecord, error) {
	p, ok, err := c.state.Program(c.ctx, c.tx, id)
	if err != nil {
		return p, err
	}
	if !ok {
		return p, fmt.Errorf("storage: program %s not found", id)
	}
	return p, nil
}

func (c *Committer) UpdatePage(n processor.UpdatePage) error {
	p, err := c.program(n.ProgramID)
	if err != nil {
		return err
	}
	if err := c.state.PutPage(c.ctx, c.tx, n.ProgramID, n.Page, n.Data); err != nil {
		return err
	}
	if i, found := slices.BinarySearch(p.PagesWithData, n.Page); !found {
		p.PagesWithData = slices.Insert(p.PagesWithData, i, n.Page)
		return c.state.PutProgram(c.ctx, c.tx, n.ProgramID, p)
	}
	return nil
}

// UpdateAllocations replaces the claimed set and drops the data of every
// dynamic page that is no longer claimed.
func (c *Committer) UpdateAllocations(n processor.UpdateAllocations) error {
	p, err := c.program(n.ProgramID)
	if err != nil {
		return err
	}
	claimed := make(map[memory.WasmPage]struct{}, len(n.Allocations))
	for _, wp := range n.Allocations {
		claimed[wp] = struct{}{}
	}
	kept := p.PagesWithData[:0]
	for _, page := range p.PagesWithData {
		wp := page.WasmPage()
		if _, ok := claimed[wp]; ok || wp < p.StaticPages {
			kept = append(kept, page)
			continue
		}
		if err := c.state.DeletePage(c.ctx, c.tx, n.ProgramID, page); err != nil {
			return err
		}
	}
	p.PagesWithData = kept
	p.Allocations = slices.Clone(n.Allocations)
	return c.state.PutProgram(c.ctx, c.tx, n.ProgramID, p)
}

func (c *Committer) StoreNewPrograms(n processor.StoreNewPrograms) error {
	meta, ok, err := c.state.Code(c.ctx, c.tx, n.CodeID)
	if err != nil {
		return err
	}
	if !ok {
		c.logger.Debug("skipping programs of unknown code", "code_id", n.CodeID, "candidates", len(n.Candidates))
		return nil
	}
	for _, cand := range n.Candidates {
		exists, err := c.state.IsProgram(c.ctx, c.tx, cand.ProgramID)
		if err != nil {
			return err
		}
		if exists {
			c.logger.Debug("program already exists", "program_id", cand.ProgramID)
			continue
		}
		err = c.state.PutProgram(c.ctx, c.tx, cand.ProgramID, ProgramRecord{
			CodeID:      n.CodeID,
			StaticPages: meta.StaticPages,
			InitMessage: cand.InitMessage,
			Status:      processor.StatusUninitialized,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// SendDispatch moves gas from the origin's reservation to the new message
// and routes it to the queue or to a user mailbox.
func (c *Committer) SendDispatch(n processor.SendDispatch) error {
	msg := n.Dispatch.Message
	if reserved, err := c.state.Reservation(c.ctx, c.tx, n.Origin); err != nil {
		return err
	} else if msg.GasLimit <= reserved {
		if err := c.state.Reserve(c.ctx, c.tx, n.Origin, reserved-msg.GasLimit); err != nil {
			return err
		}
	}
	if msg.Value > 0 {
		c.owed[msg.Source] += msg.Value
	}

	isProgram, err := c.state.IsProgram(c.ctx, c.tx, msg.Destination)
	if err != nil {
		return err
	}
	if !isProgram {
		if err := c.state.Credit(c.ctx, c.tx, msg.Destination, msg.Value); err != nil {
			return err
		}
		return c.state.Deliver(c.ctx, c.tx, msg.Destination, n.Dispatch)
	}
	if err := c.state.Reserve(c.ctx, c.tx, msg.ID, msg.GasLimit); err != nil {
		return err
	}
	return c.state.Enqueue(c.ctx, c.tx, n.Dispatch.Stored())
}

// WakeMessage queues a waiting dispatch again. Unknown ids are ignored: the
// dispatch may have been woken already.
func (c *Committer) WakeMessage(n processor.WakeMessage) error {
	e, ok, err := c.state.Unwait(c.ctx, c.tx, n.Awakening)
	if err != nil {
		return err
	}
	if !ok {
		c.logger.Debug("wake of message not waiting", "message_id", n.Awakening)
		return nil
	}
	if e.Dispatch.Message.Destination != n.ProgramID {
		c.logger.Debug("wake from foreign program", "message_id", n.Awakening, "program_id", n.ProgramID)
		return c.state.Wait(c.ctx, c.tx, e)
	}
	if n.ReplyTo != nil && e.Dispatch.Context != nil {
		e.Dispatch.Context.MarkAnswered(*n.ReplyTo)
	}
	return c.state.Enqueue(c.ctx, c.tx, e.Dispatch)
}

// SendValue credits To, or gives reserved value back to From.
func (c *Committer) SendValue(n processor.SendValue) error {
	to := n.From
	if n.To != nil {
		to = *n.To
	}
	return c.state.Credit(c.ctx, c.tx, to, n.Value)
}

func (c *Committer) WaitDispatch(n processor.WaitDispatch) error {
	if err := c.state.Reserve(c.ctx, c.tx, n.Dispatch.Message.ID, n.Dispatch.Message.GasLimit); err != nil {
		return err
	}
	return c.state.Wait(c.ctx, c.tx, WaitEntry{Dispatch: n.Dispatch, WaitedOn: n.WaitedOn})
}

func (c *Committer) ProgramOutcome(n processor.ProgramOutcome) error {
	p, err := c.program(n.ProgramID)
	if err != nil {
		return err
	}
	p.Status = n.Status
	if err := c.state.PutProgram(c.ctx, c.tx, n.ProgramID, p); err != nil {
		return err
	}
	switch n.Status {
	case processor.StatusActive, processor.StatusInitFailed:
		// Dispatches parked until init finished run now; after a failed
		// init they are consumed without execution.
		waiting, err := c.state.WaitingOn(c.ctx, c.tx, p.InitMessage)
		if err != nil {
			return err
		}
		return c.requeue(waiting)
	case processor.StatusTerminated:
		entries, err := c.state.Waiting(c.ctx, c.tx, n.ProgramID)
		if err != nil {
			return err
		}
		waiting := make([]ids.MessageID, len(entries))
		for i, e := range entries {
			waiting[i] = e.Dispatch.Message.ID
		}
		if err := c.requeue(waiting); err != nil {
			return err
		}
		if n.Inheritor != nil {
			return c.inherit(n.ProgramID, *n.Inheritor)
		}
	}
	return nil
}

func (c *Committer) requeue(waiting []ids.MessageID) error {
	for _, id := range waiting {
		e, ok, err := c.state.Unwait(c.ctx, c.tx, id)
		if err != nil {
			return err
		}
		if ok {
			if err := c.state.Enqueue(c.ctx, c.tx, e.Dispatch); err != nil {
				return err
			}
		}
	}
	return nil
}

// inherit settles what the exiting program owes and hands the rest of its
// balance to the inheritor.
func (c *Committer) inherit(from, to ids.ProgramID) error {
	if err := c.settleOne(from); err != nil {
		return err
	}
	balance, err := c.state.Balance(c.ctx, c.tx, from)
	if err != nil {
		return err
	}
	if err := c.state.SetBalance(c.ctx, c.tx, from, 0); err != nil {
		return err
	}
	return c.state.Credit(c.ctx, c.tx, to, balance)
}

func (c *Committer) MessageConsumed(n processor.MessageConsumed) error {
	if _, err := c.state.Unreserve(c.ctx, c.tx, n.MessageID); err != nil {
		return err
	}
	return c.state.putOutcome(c.ctx, c.tx, n.MessageID, n.Outcome)
}

// StopProcessing puts the dispatch back at the head of the queue.
func (c *Committer) StopProcessing(n processor.StopProcessing) error {
	return c.state.Requeue(c.ctx, c.tx, n.Dispatch)
}

func (c *Committer) settleOne(id ids.ProgramID) error {
	owed := c.owed[id]
	if owed == 0 {
		return nil
	}
	delete(c.owed, id)
	short, err := c.state.Debit(c.ctx, c.tx, id, owed)
	if err != nil {
		return err
	}
	if short > 0 {
		c.logger.Warn("value sent beyond balance", "program_id", id, "shortfall", short)
	}
	return nil
}

// Settle debits the value every program sent during the journal. Commit
// calls it; callers driving Journal.Apply themselves must call it after the
// last note.
func (c *Committer) Settle() error {
	senders := make([]ids.ProgramID, 0, len(c.owed))
	for id := range c.owed {
		senders = append(senders, id)
	}
	slices.SortFunc(senders, ids.ProgramID.Compare)
	for _, id := range senders {
		if err := c.settleOne(id); err != nil {
			return err
		}
	}
	return nil
}
