package message

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/JuliaMoon1/gear/pkg/ids"
)

// ErrCorruptedContext marks a continuation that cannot be resumed.
var ErrCorruptedContext = errors.New("message: corrupted context store")

// HandleState is one entry of the persisted handle table.
type HandleState struct {
	Kind        Kind          `json:"kind"`
	Destination ids.ProgramID `json:"destination"`
	Payload     []byte        `json:"payload,omitempty"`
	Committed   bool          `json:"committed"`
}

// ContextStore is the continuation of a suspended dispatch: everything the
// outgoing context needs to resume without reusing ids or replying twice.
type ContextStore struct {
	Handles      []HandleState   `json:"handles,omitempty"`
	NextSeq      uint32          `json:"next_seq"`
	ReplySent    bool            `json:"reply_sent"`
	ReplyPayload []byte          `json:"reply_payload,omitempty"`
	Sent         []ids.MessageID `json:"sent,omitempty"`
	Answered     []ids.MessageID `json:"answered,omitempty"`
	Awakened     []ids.MessageID `json:"awakened,omitempty"`
	Initialized  []ids.ProgramID `json:"initialized,omitempty"`
}

// Validate checks the internal consistency of the continuation.
func (s *ContextStore) Validate() error {
	committed := uint32(0)
	for i, h := range s.Handles {
		if h.Kind != KindHandle && h.Kind != KindInit {
			return fmt.Errorf("%w: handle %d has kind %s", ErrCorruptedContext, i, h.Kind)
		}
		if h.Committed {
			committed++
			if len(h.Payload) != 0 {
				return fmt.Errorf("%w: committed handle %d still buffers payload", ErrCorruptedContext, i)
			}
		}
	}
	if committed > s.NextSeq {
		return fmt.Errorf("%w: %d committed handles but sequence at %d", ErrCorruptedContext, committed, s.NextSeq)
	}
	if uint64(len(s.Sent)) > uint64(s.NextSeq) {
		return fmt.Errorf("%w: %d sent ids but sequence at %d", ErrCorruptedContext, len(s.Sent), s.NextSeq)
	}
	if s.ReplySent && len(s.ReplyPayload) != 0 {
		return fmt.Errorf("%w: reply sent but payload still buffered", ErrCorruptedContext)
	}
	sent := make(map[ids.MessageID]struct{}, len(s.Sent))
	for _, id := range s.Sent {
		if _, dup := sent[id]; dup {
			return fmt.Errorf("%w: duplicate sent id %s", ErrCorruptedContext, id)
		}
		sent[id] = struct{}{}
	}
	for _, id := range s.Answered {
		if _, ok := sent[id]; !ok {
			return fmt.Errorf("%w: answered id %s was never sent", ErrCorruptedContext, id)
		}
	}
	return nil
}

// Pending returns the sent ids that have not been answered, in send order.
func (s *ContextStore) Pending() []ids.MessageID {
	answered := make(map[ids.MessageID]struct{}, len(s.Answered))
	for _, id := range s.Answered {
		answered[id] = struct{}{}
	}
	out := make([]ids.MessageID, 0, len(s.Sent))
	for _, id := range s.Sent {
		if _, ok := answered[id]; !ok {
			out = append(out, id)
		}
	}
	return out
}

// MarkAnswered records that a reply to id arrived. Unknown ids are ignored.
func (s *ContextStore) MarkAnswered(id ids.MessageID) {
	for _, a := range s.Answered {
		if a == id {
			return
		}
	}
	for _, sent := range s.Sent {
		if sent == id {
			s.Answered = append(s.Answered, id)
			return
		}
	}
}

var encMode, _ = cbor.CanonicalEncOptions().EncMode()

// Encode serializes the continuation into canonical CBOR.
func (s *ContextStore) Encode() ([]byte, error) {
	return encMode.Marshal(s)
}

// DecodeContextStore parses and validates an encoded continuation.
func DecodeContextStore(b []byte) (*ContextStore, error) {
	var s ContextStore
	if err := cbor.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptedContext, err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}
