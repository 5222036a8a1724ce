package ids

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDerivationIsDeterministic(t *testing.T) {
	code := CodeIDFromCode([]byte("\x00asm"))
	require.Equal(t, code, CodeIDFromCode([]byte("\x00asm")))

	p1 := GenerateProgramID(code, []byte("salt"))
	p2 := GenerateProgramID(code, []byte("salt"))
	require.Equal(t, p1, p2)
	require.NotEqual(t, p1, GenerateProgramID(code, []byte("other")))
}

func TestOutgoingIDsDifferBySequence(t *testing.T) {
	origin := GenerateExternal(ProgramID{1}, 0)
	seen := make(map[MessageID]bool)
	for seq := uint32(0); seq < 64; seq++ {
		id := GenerateOutgoing(origin, seq)
		require.False(t, seen[id], "duplicate id at seq %d", seq)
		seen[id] = true
	}
	require.NotEqual(t, GenerateReply(origin, 0), GenerateOutgoing(origin, 0))
	require.NotEqual(t, GenerateReply(origin, 0), GenerateReply(origin, 1))
}

func TestTextRoundTrip(t *testing.T) {
	id := GenerateExternal(ProgramID{7}, 42)
	b, err := json.Marshal(id)
	require.NoError(t, err)

	var back MessageID
	require.NoError(t, json.Unmarshal(b, &back))
	require.Equal(t, id, back)

	parsed, err := ParseMessageID(id.String()[2:])
	require.NoError(t, err)
	require.Equal(t, id, parsed)
}

func TestParseRejectsBadInput(t *testing.T) {
	_, err := ParseProgramID("0x1234")
	require.ErrorIs(t, err, ErrInvalidLength)

	_, err = ParseCodeID("zz")
	require.Error(t, err)
}

func TestCompare(t *testing.T) {
	a := MessageID{1}
	b := MessageID{2}
	require.Equal(t, -1, a.Compare(b))
	require.Equal(t, 1, b.Compare(a))
	require.Equal(t, 0, a.Compare(a))
}
