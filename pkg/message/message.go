// Package message defines messages and dispatches and assembles the
// messages a program sends during one execution.
package message

import (
	"fmt"

	"github.com/JuliaMoon1/gear/pkg/ids"
)

// Kind selects the entry point a dispatch runs.
type Kind uint8

const (
	KindInit Kind = iota
	KindHandle
	KindReply
	KindSignal
)

func (k Kind) String() string {
	switch k {
	case KindInit:
		return "init"
	case KindHandle:
		return "handle"
	case KindReply:
		return "reply"
	case KindSignal:
		return "signal"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

func (k Kind) MarshalText() ([]byte, error) {
	if k > KindSignal {
		return nil, fmt.Errorf("message: unknown kind %d", uint8(k))
	}
	return []byte(k.String()), nil
}

func (k *Kind) UnmarshalText(b []byte) error {
	switch string(b) {
	case "init":
		*k = KindInit
	case "handle":
		*k = KindHandle
	case "reply":
		*k = KindReply
	case "signal":
		*k = KindSignal
	default:
		return fmt.Errorf("message: unknown kind %q", string(b))
	}
	return nil
}

// CanReply reports whether a dispatch of this kind may send a reply.
func (k Kind) CanReply() bool { return k == KindInit || k == KindHandle }

// ReplyDetails links a reply to the message it answers.
type ReplyDetails struct {
	To       ids.MessageID `json:"to"`
	ExitCode int32         `json:"exit_code"`
}

// Message is one immutable unit of communication.
type Message struct {
	ID          ids.MessageID `json:"id"`
	Source      ids.ProgramID `json:"source"`
	Destination ids.ProgramID `json:"destination"`
	Payload     []byte        `json:"payload"`
	GasLimit    uint64        `json:"gas_limit"`
	Value       uint64        `json:"value"`
	Reply       *ReplyDetails `json:"reply,omitempty"`
}

// IsReply reports whether the message answers another one.
func (m *Message) IsReply() bool { return m.Reply != nil }

// Dispatch is a message in transit together with the entry point it targets.
type Dispatch struct {
	Kind    Kind    `json:"kind"`
	Message Message `json:"message"`
}

// ID returns the id of the carried message.
func (d *Dispatch) ID() ids.MessageID { return d.Message.ID }

// StoredDispatch is the persisted form of a dispatch. Context is set for a
// dispatch that suspended and was woken again.
type StoredDispatch struct {
	Dispatch
	Context *ContextStore `json:"context,omitempty"`
}

// Stored converts a dispatch into its persisted form.
func (d Dispatch) Stored() StoredDispatch {
	return StoredDispatch{Dispatch: d}
}

// IncomingDispatch is the dispatch under execution.
type IncomingDispatch struct {
	Dispatch
	Context *ContextStore `json:"context,omitempty"`
}

// Incoming prepares a stored dispatch for execution.
func (d StoredDispatch) Incoming() IncomingDispatch {
	return IncomingDispatch{Dispatch: d.Dispatch, Context: d.Context}
}

// Stored converts the dispatch back to its persisted form, carrying store
// as its continuation.
func (d IncomingDispatch) Stored(store *ContextStore) StoredDispatch {
	return StoredDispatch{Dispatch: d.Dispatch, Context: store}
}
