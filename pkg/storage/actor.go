package storage

import (
	"context"
	"fmt"

	"github.com/JuliaMoon1/gear/pkg/ids"
	"github.com/JuliaMoon1/gear/pkg/processor"
	"github.com/JuliaMoon1/gear/pkg/runtime/lazypages"
	"github.com/JuliaMoon1/gear/pkg/runtime/memory"
)

// CodeSource returns the original bytes of uploaded code.
type CodeSource interface {
	Load(ctx context.Context, id ids.CodeID) ([]byte, error)
}

// PageStore serves page faults of one execution from a transaction.
type PageStore struct {
	ctx   context.Context
	tx    Tx
	state *State
}

var _ lazypages.PageStore = (*PageStore)(nil)

// NewPageStore binds page reads to tx.
func (s *State) NewPageStore(ctx context.Context, tx Tx) *PageStore {
	return &PageStore{ctx: ctx, tx: tx, state: s}
}

func (p *PageStore) ReadPage(program ids.ProgramID, page memory.Page) (*memory.PageBuf, error) {
	buf, ok, err := p.state.Page(p.ctx, p.tx, program, page)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, lazypages.ErrPageNotFound
	}
	return buf, nil
}

// Actor builds the snapshot of id the engine runs against. Program is nil
// when id holds no program; code is loaded only for executable programs.
func (s *State) Actor(ctx context.Context, tx Tx, code CodeSource, id ids.ProgramID) (*processor.ExecutableActor, error) {
	balance, err := s.Balance(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	actor := &processor.ExecutableActor{
		ID:      id,
		Balance: balance,
		Pages:   s.NewPageStore(ctx, tx),
	}
	rec, ok, err := s.Program(ctx, tx, id)
	if err != nil || !ok {
		return actor, err
	}
	prog := &processor.Program{
		CodeID:        rec.CodeID,
		StaticPages:   rec.StaticPages,
		Allocations:   rec.Allocations,
		PagesWithData: rec.PagesWithData,
		InitMessage:   rec.InitMessage,
		Status:        rec.Status,
	}
	if rec.Status.Executable() {
		prog.Code, err = code.Load(ctx, rec.CodeID)
		if err != nil {
			return nil, fmt.Errorf("storage: load code %s of %s: %w", rec.CodeID, id, err)
		}
	}
	actor.Program = prog
	return actor, nil
}
