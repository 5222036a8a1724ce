package processor

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JuliaMoon1/gear/pkg/ids"
	"github.com/JuliaMoon1/gear/pkg/message"
	"github.com/JuliaMoon1/gear/pkg/runtime/memory"
)

type noteRecorder struct {
	seen   []string
	failOn string
}

func (r *noteRecorder) record(n JournalNote) error {
	r.seen = append(r.seen, n.NoteType())
	if n.NoteType() == r.failOn {
		return errors.New("rejected")
	}
	return nil
}

func (r *noteRecorder) GasBurned(n GasBurned) error                 { return r.record(n) }
func (r *noteRecorder) UpdatePage(n UpdatePage) error               { return r.record(n) }
func (r *noteRecorder) UpdateAllocations(n UpdateAllocations) error { return r.record(n) }
func (r *noteRecorder) StoreNewPrograms(n StoreNewPrograms) error   { return r.record(n) }
func (r *noteRecorder) SendDispatch(n SendDispatch) error           { return r.record(n) }
func (r *noteRecorder) WakeMessage(n WakeMessage) error             { return r.record(n) }
func (r *noteRecorder) SendValue(n SendValue) error                 { return r.record(n) }
func (r *noteRecorder) WaitDispatch(n WaitDispatch) error           { return r.record(n) }
func (r *noteRecorder) ProgramOutcome(n ProgramOutcome) error       { return r.record(n) }
func (r *noteRecorder) MessageConsumed(n MessageConsumed) error     { return r.record(n) }
func (r *noteRecorder) StopProcessing(n StopProcessing) error       { return r.record(n) }

func sampleJournal() Journal {
	origin := ids.MessageID{1}
	to := ids.ProgramID{2}
	return Journal{
		GasBurned{MessageID: origin, Amount: 10},
		UpdatePage{ProgramID: to, Page: 3, Data: pageWith([]byte("abc"))},
		UpdateAllocations{ProgramID: to, Allocations: []memory.WasmPage{0, 4}},
		StoreNewPrograms{CodeID: ids.CodeID{9}, Candidates: []message.Candidate{{CodeID: ids.CodeID{9}, ProgramID: ids.ProgramID{8}, InitMessage: ids.MessageID{7}}}},
		SendDispatch{Origin: origin, Dispatch: message.Dispatch{Kind: message.KindHandle, Message: message.Message{ID: ids.MessageID{5}, Payload: []byte("hi")}}},
		WakeMessage{Origin: origin, ProgramID: to, Awakening: ids.MessageID{6}, ReplyTo: &origin},
		SendValue{From: ids.ProgramID{3}, To: &to, Value: 4},
		WaitDispatch{Dispatch: message.StoredDispatch{Dispatch: message.Dispatch{Kind: message.KindHandle}}, WaitedOn: []ids.MessageID{{5}}},
		ProgramOutcome{ProgramID: to, Status: StatusTerminated, Inheritor: &to},
		MessageConsumed{MessageID: origin, Outcome: DispatchOutcome{Kind: OutcomeFailure, Code: ErrCodeTrap, Reason: "boom"}},
		StopProcessing{Dispatch: message.StoredDispatch{}, GasBurned: 1},
	}
}

func TestJournal_JSONRoundTrip(t *testing.T) {
	j := sampleJournal()
	b, err := json.Marshal(j)
	require.NoError(t, err)

	var back Journal
	require.NoError(t, json.Unmarshal(b, &back))
	require.Len(t, back, len(j))
	for i := range j {
		assert.Equal(t, j[i].NoteType(), back[i].NoteType())
	}
	assert.Equal(t, j[0], back[0])
	assert.Equal(t, j[9], back[9])

	d1, err := j.Digest()
	require.NoError(t, err)
	d2, err := back.Digest()
	require.NoError(t, err)
	assert.Equal(t, d1, d2)
}

func TestJournal_UnknownNote(t *testing.T) {
	var j Journal
	err := json.Unmarshal([]byte(`[{"type":"teleport","data":{}}]`), &j)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "teleport")
}

func TestJournal_ApplyInOrder(t *testing.T) {
	j := sampleJournal()
	rec := &noteRecorder{}
	require.NoError(t, j.Apply(rec))
	require.Len(t, rec.seen, len(j))
	for i, n := range j {
		assert.Equal(t, n.NoteType(), rec.seen[i])
	}

	rec = &noteRecorder{failOn: "send_dispatch"}
	err := j.Apply(rec)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "journal note 4 (send_dispatch)")
	assert.Len(t, rec.seen, 5)
}

func TestJournal_DigestOrderSensitive(t *testing.T) {
	j := sampleJournal()
	d1, err := j.Digest()
	require.NoError(t, err)

	swapped := append(Journal{}, j...)
	swapped[0], swapped[1] = swapped[1], swapped[0]
	d2, err := swapped.Digest()
	require.NoError(t, err)
	assert.NotEqual(t, d1, d2)
}

func TestJournal_DigestKeepsWideAmounts(t *testing.T) {
	id := ids.MessageID{7}
	d1, err := Journal{GasBurned{MessageID: id, Amount: 1 << 60}}.Digest()
	require.NoError(t, err)
	d2, err := Journal{GasBurned{MessageID: id, Amount: 1<<60 + 1}}.Digest()
	require.NoError(t, err)
	assert.NotEqual(t, d1, d2)

	d3, err := Journal{SendValue{Value: ^uint64(0)}}.Digest()
	require.NoError(t, err)
	d4, err := Journal{SendValue{Value: ^uint64(0) - 1}}.Digest()
	require.NoError(t, err)
	assert.NotEqual(t, d3, d4)
}
