package processor

import (
	"encoding/json"
	"fmt"

	"github.com/JuliaMoon1/gear/pkg/canonicalize"
	"github.com/JuliaMoon1/gear/pkg/ids"
	"github.com/JuliaMoon1/gear/pkg/message"
	"github.com/JuliaMoon1/gear/pkg/runtime/memory"
)

// JournalNote is one atomic effect of a run. The set of notes is closed.
type JournalNote interface {
	NoteType() string
	apply(h JournalHandler) error
}

// GasBurned debits gas reserved for a message.
type GasBurned struct {
	MessageID ids.MessageID `json:"message_id"`
	Amount    uint64        `json:"amount"`
}

// UpdatePage persists the final bytes of a written page.
type UpdatePage struct {
	ProgramID ids.ProgramID  `json:"program_id"`
	Page      memory.Page    `json:"page"`
	Data      memory.PageBuf `json:"data"`
}

// UpdateAllocations replaces the claimed set of a program. Data of pages
// no longer claimed is dropped.
type UpdateAllocations struct {
	ProgramID   ids.ProgramID     `json:"program_id"`
	Allocations []memory.WasmPage `json:"allocations"`
}

// StoreNewPrograms registers programs created from one code.
type StoreNewPrograms struct {
	CodeID     ids.CodeID          `json:"code_id"`
	Candidates []message.Candidate `json:"candidates"`
}

// SendDispatch enqueues a dispatch to a program or delivers it to a user
// mailbox.
type SendDispatch struct {
	Origin   ids.MessageID    `json:"origin"`
	Dispatch message.Dispatch `json:"dispatch"`
}

// WakeMessage moves a waiting dispatch of ProgramID back to the queue.
type WakeMessage struct {
	Origin    ids.MessageID `json:"origin"`
	ProgramID ids.ProgramID `json:"program_id"`
	Awakening ids.MessageID `json:"awakening"`
	// ReplyTo is set when the waking dispatch is a reply; the woken
	// continuation records that message as answered.
	ReplyTo *ids.MessageID `json:"reply_to,omitempty"`
}

// SendValue moves reserved value to To, or unreserves it when To is nil.
type SendValue struct {
	From  ids.ProgramID  `json:"from"`
	To    *ids.ProgramID `json:"to,omitempty"`
	Value uint64         `json:"value"`
}

// WaitDispatch parks a dispatch until one of WaitedOn is answered or it is
// woken explicitly.
type WaitDispatch struct {
	Dispatch message.StoredDispatch `json:"dispatch"`
	WaitedOn []ids.MessageID        `json:"waited_on"`
}

// ProgramOutcome changes the lifecycle state of a program.
type ProgramOutcome struct {
	ProgramID ids.ProgramID  `json:"program_id"`
	Status    ProgramStatus  `json:"status"`
	Inheritor *ids.ProgramID `json:"inheritor,omitempty"`
}

// MessageConsumed removes a dispatch from the queue for good.
type MessageConsumed struct {
	MessageID ids.MessageID   `json:"message_id"`
	Outcome   DispatchOutcome `json:"outcome"`
}

// StopProcessing reports the block allowance ran out. The dispatch stays at
// the head of the queue.
type StopProcessing struct {
	Dispatch  message.StoredDispatch `json:"dispatch"`
	GasBurned uint64                 `json:"gas_burned"`
}

func (GasBurned) NoteType() string         { return "gas_burned" }
func (UpdatePage) NoteType() string        { return "update_page" }
func (UpdateAllocations) NoteType() string { return "update_allocations" }
func (StoreNewPrograms) NoteType() string  { return "store_new_programs" }
func (SendDispatch) NoteType() string      { return "send_dispatch" }
func (WakeMessage) NoteType() string       { return "wake_message" }
func (SendValue) NoteType() string         { return "send_value" }
func (WaitDispatch) NoteType() string      { return "wait_dispatch" }
func (ProgramOutcome) NoteType() string    { return "program_outcome" }
func (MessageConsumed) NoteType() string   { return "message_consumed" }
func (StopProcessing) NoteType() string    { return "stop_processing" }

// JournalHandler applies notes to persistent state. Implementations must
// apply a whole journal atomically.
type JournalHandler interface {
	GasBurned(n GasBurned) error
	UpdatePage(n UpdatePage) error
	UpdateAllocations(n UpdateAllocations) error
	StoreNewPrograms(n StoreNewPrograms) error
	SendDispatch(n SendDispatch) error
	WakeMessage(n WakeMessage) error
	SendValue(n SendValue) error
	WaitDispatch(n WaitDispatch) error
	ProgramOutcome(n ProgramOutcome) error
	MessageConsumed(n MessageConsumed) error
	StopProcessing(n StopProcessing) error
}

func (n GasBurned) apply(h JournalHandler) error         { return h.GasBurned(n) }
func (n UpdatePage) apply(h JournalHandler) error        { return h.UpdatePage(n) }
func (n UpdateAllocations) apply(h JournalHandler) error { return h.UpdateAllocations(n) }
func (n StoreNewPrograms) apply(h JournalHandler) error  { return h.StoreNewPrograms(n) }
func (n SendDispatch) apply(h JournalHandler) error      { return h.SendDispatch(n) }
func (n WakeMessage) apply(h JournalHandler) error       { return h.WakeMessage(n) }
func (n SendValue) apply(h JournalHandler) error         { return h.SendValue(n) }
func (n WaitDispatch) apply(h JournalHandler) error      { return h.WaitDispatch(n) }
func (n ProgramOutcome) apply(h JournalHandler) error    { return h.ProgramOutcome(n) }
func (n MessageConsumed) apply(h JournalHandler) error   { return h.MessageConsumed(n) }
func (n StopProcessing) apply(h JournalHandler) error    { return h.StopProcessing(n) }

// Journal is the ordered effect list of one or more runs.
type Journal []JournalNote

// Apply hands every note to h in order and stops at the first error.
func (j Journal) Apply(h JournalHandler) error {
	for i, n := range j {
		if err := n.apply(h); err != nil {
			return fmt.Errorf("journal note %d (%s): %w", i, n.NoteType(), err)
		}
	}
	return nil
}

type taggedNote struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// MarshalJSON encodes every note as {"type": ..., "data": ...}.
func (j Journal) MarshalJSON() ([]byte, error) {
	out := make([]taggedNote, 0, len(j))
	for _, n := range j {
		data, err := json.Marshal(n)
		if err != nil {
			return nil, err
		}
		out = append(out, taggedNote{Type: n.NoteType(), Data: data})
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes the tagged form produced by MarshalJSON.
func (j *Journal) UnmarshalJSON(b []byte) error {
	var raw []taggedNote
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	out := make(Journal, 0, len(raw))
	for _, r := range raw {
		n, err := decodeNote(r)
		if err != nil {
			return err
		}
		out = append(out, n)
	}
	*j = out
	return nil
}

func decodeNote(r taggedNote) (JournalNote, error) {
	var decode func([]byte) (JournalNote, error)
	switch r.Type {
	case "gas_burned":
		decode = decodeAs[GasBurned]
	case "update_page":
		decode = decodeAs[UpdatePage]
	case "update_allocations":
		decode = decodeAs[UpdateAllocations]
	case "store_new_programs":
		decode = decodeAs[StoreNewPrograms]
	case "send_dispatch":
		decode = decodeAs[SendDispatch]
	case "wake_message":
		decode = decodeAs[WakeMessage]
	case "send_value":
		decode = decodeAs[SendValue]
	case "wait_dispatch":
		decode = decodeAs[WaitDispatch]
	case "program_outcome":
		decode = decodeAs[ProgramOutcome]
	case "message_consumed":
		decode = decodeAs[MessageConsumed]
	case "stop_processing":
		decode = decodeAs[StopProcessing]
	default:
		return nil, fmt.Errorf("journal: unknown note type %q", r.Type)
	}
	n, err := decode(r.Data)
	if err != nil {
		return nil, fmt.Errorf("journal: decode %s: %w", r.Type, err)
	}
	return n, nil
}

func decodeAs[T JournalNote](data []byte) (JournalNote, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// Digest returns the canonical hash of the journal. Two participants agree
// on a run exactly when their digests match.
func (j Journal) Digest() (string, error) {
	return canonicalize.CanonicalHash(j)
}
