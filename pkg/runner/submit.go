package runner

import (
	"context"
	"errors"
	"fmt"

	"github.com/JuliaMoon1/gear/pkg/ids"
	"github.com/JuliaMoon1/gear/pkg/message"
	"github.com/JuliaMoon1/gear/pkg/processor"
	"github.com/JuliaMoon1/gear/pkg/storage"
)

var (
	// ErrUnknownCode is returned when creating a program from code that was
	// never uploaded.
	ErrUnknownCode = errors.New("runner: unknown code")
	// ErrProgramExists is returned when the derived program id is taken.
	ErrProgramExists = errors.New("runner: program already exists")
	// ErrInsufficientBalance is returned when a user cannot cover the value
	// of a message.
	ErrInsufficientBalance = errors.New("runner: insufficient balance")
	// ErrNoSuchMail is returned when replying to a message not in the
	// user's mailbox.
	ErrNoSuchMail = errors.New("runner: message not in mailbox")
)

// Upload stores code and records its metadata. Uploading the same code
// again returns the same id.
func (r *Runner) Upload(ctx context.Context, code []byte) (ids.CodeID, error) {
	meta := storage.CodeMeta{StaticPages: r.cfg.StaticPages, Size: len(code)}
	if r.inspector != nil {
		info, err := r.inspector.Inspect(ctx, code)
		if err != nil {
			return ids.CodeID{}, fmt.Errorf("runner: inspect code: %w", err)
		}
		meta.StaticPages = info.StaticPages
		for _, e := range info.Exports {
			meta.Exports = append(meta.Exports, string(e))
		}
	}
	id, err := r.codes.Put(ctx, code)
	if err != nil {
		return id, err
	}
	err = r.backend.Update(ctx, func(tx storage.Tx) error {
		return r.state.PutCode(ctx, tx, id, meta)
	})
	if err != nil {
		return id, err
	}
	r.logger.InfoContext(ctx, "code uploaded", "code_id", id, "size", len(code), "static_pages", meta.StaticPages)
	return id, nil
}

// Fund credits a user balance.
func (r *Runner) Fund(ctx context.Context, user ids.ProgramID, amount uint64) error {
	return r.backend.Update(ctx, func(tx storage.Tx) error {
		return r.state.Credit(ctx, tx, user, amount)
	})
}

// submit debits the message value from its user, reserves its gas and
// queues it.
func (r *Runner) submit(ctx context.Context, tx storage.Tx, d message.Dispatch) error {
	short, err := r.state.Debit(ctx, tx, d.Message.Source, d.Message.Value)
	if err != nil {
		return err
	}
	if short > 0 {
		return fmt.Errorf("%w: %s needs %d more", ErrInsufficientBalance, d.Message.Source, short)
	}
	if err := r.state.Reserve(ctx, tx, d.Message.ID, d.Message.GasLimit); err != nil {
		return err
	}
	return r.state.Enqueue(ctx, tx, d.Stored())
}

// CreateProgram registers a program of code and queues its init message.
func (r *Runner) CreateProgram(ctx context.Context, user ids.ProgramID, code ids.CodeID, salt, payload []byte, gasLimit, value uint64) (ids.ProgramID, ids.MessageID, error) {
	program := ids.GenerateProgramID(code, salt)
	var msgID ids.MessageID
	err := r.backend.Update(ctx, func(tx storage.Tx) error {
		meta, ok, err := r.state.Code(ctx, tx, code)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownCode, code)
		}
		exists, err := r.state.IsProgram(ctx, tx, program)
		if err != nil {
			return err
		}
		if exists {
			return fmt.Errorf("%w: %s", ErrProgramExists, program)
		}
		nonce, err := r.state.NextNonce(ctx, tx)
		if err != nil {
			return err
		}
		msgID = ids.GenerateExternal(user, nonce)
		err = r.state.PutProgram(ctx, tx, program, storage.ProgramRecord{
			CodeID:      code,
			StaticPages: meta.StaticPages,
			InitMessage: msgID,
			Status:      processor.StatusUninitialized,
		})
		if err != nil {
			return err
		}
		return r.submit(ctx, tx, message.Dispatch{Kind: message.KindInit, Message: message.Message{
			ID:          msgID,
			Source:      user,
			Destination: program,
			Payload:     payload,
			GasLimit:    gasLimit,
			Value:       value,
		}})
	})
	if err != nil {
		return ids.ProgramID{}, ids.MessageID{}, err
	}
	r.logger.InfoContext(ctx, "program created", "program_id", program, "code_id", code, "init_message", msgID)
	return program, msgID, nil
}

// Send queues a handle message from user to destination.
func (r *Runner) Send(ctx context.Context, user, destination ids.ProgramID, payload []byte, gasLimit, value uint64) (ids.MessageID, error) {
	var msgID ids.MessageID
	err := r.backend.Update(ctx, func(tx storage.Tx) error {
		nonce, err := r.state.NextNonce(ctx, tx)
		if err != nil {
			return err
		}
		msgID = ids.GenerateExternal(user, nonce)
		return r.submit(ctx, tx, message.Dispatch{Kind: message.KindHandle, Message: message.Message{
			ID:          msgID,
			Source:      user,
			Destination: destination,
			Payload:     payload,
			GasLimit:    gasLimit,
			Value:       value,
		}})
	})
	return msgID, err
}

// Reply answers a message in the user's mailbox. The mailbox entry is
// consumed.
func (r *Runner) Reply(ctx context.Context, user ids.ProgramID, to ids.MessageID, payload []byte, gasLimit, value uint64) (ids.MessageID, error) {
	msgID := ids.GenerateReply(to, 0)
	err := r.backend.Update(ctx, func(tx storage.Tx) error {
		mail, ok, err := r.state.TakeMail(ctx, tx, user, to)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s", ErrNoSuchMail, to)
		}
		return r.submit(ctx, tx, message.Dispatch{Kind: message.KindReply, Message: message.Message{
			ID:          msgID,
			Source:      user,
			Destination: mail.Message.Source,
			Payload:     payload,
			GasLimit:    gasLimit,
			Value:       value,
			Reply:       &message.ReplyDetails{To: to},
		}})
	})
	return msgID, err
}
