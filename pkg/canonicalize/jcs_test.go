package canonicalize

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JuliaMoon1/gear/pkg/ids"
)

type testNote struct {
	Type    string        `json:"type"`
	Message ids.MessageID `json:"message_id"`
	Amount  uint64        `json:"amount,omitempty"`
	Payload []byte        `json:"payload,omitempty"`
}

func TestJCS_OrdersKeysAtEveryDepth(t *testing.T) {
	out, err := JCS(map[string]any{
		"program": map[string]any{"pages": []int{2, 0, 1}, "balance": 7},
		"block":   9,
	})
	require.NoError(t, err)
	assert.Equal(t, `{"block":9,"program":{"balance":7,"pages":[2,0,1]}}`, string(out))
}

func TestJCS_UsesMarshalers(t *testing.T) {
	out, err := JCS(testNote{Type: "gas_burned", Message: ids.MessageID{0xAB}, Amount: 100})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(out), `{"amount":100,"message_id":"0xab00`), string(out))
	assert.Contains(t, string(out), `"type":"gas_burned"`)
	assert.NotContains(t, string(out), "payload")
}

func TestJCS_KeepsMarkupLiteral(t *testing.T) {
	out, err := JCS(map[string]string{"debug": "<a & b>"})
	require.NoError(t, err)
	assert.Equal(t, `{"debug":"<a & b>"}`, string(out))
}

func TestCanonicalHash(t *testing.T) {
	a, err := CanonicalHash([]testNote{{Type: "message_consumed", Message: ids.MessageID{1}}})
	require.NoError(t, err)
	b, err := CanonicalHash([]testNote{{Type: "message_consumed", Message: ids.MessageID{1}}})
	require.NoError(t, err)
	c, err := CanonicalHash([]testNote{{Type: "message_consumed", Message: ids.MessageID{2}}})
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.True(t, strings.HasPrefix(a, "sha256:"))
	assert.Len(t, a, len("sha256:")+64)
}

func TestCanonicalHash_MapOrderIrrelevant(t *testing.T) {
	a, err := CanonicalHash(map[string]uint64{"gas": 1, "value": 2})
	require.NoError(t, err)
	b, err := CanonicalHash(map[string]uint64{"value": 2, "gas": 1})
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestJCS_KeepsWideIntegersExact(t *testing.T) {
	out, err := JCS(testNote{Type: "gas_burned", Amount: 1<<60 + 1})
	require.NoError(t, err)
	assert.Contains(t, string(out), `"amount":"1152921504606846977"`)

	out, err = JCS(testNote{Type: "gas_burned", Amount: 1 << 53})
	require.NoError(t, err)
	assert.Contains(t, string(out), `"amount":9007199254740992`)

	out, err = JCS(map[string]any{"ratio": 1.5, "max": uint64(18446744073709551615)})
	require.NoError(t, err)
	assert.Equal(t, `{"max":"18446744073709551615","ratio":1.5}`, string(out))

	a, err := CanonicalHash(testNote{Amount: 1 << 60})
	require.NoError(t, err)
	b, err := CanonicalHash(testNote{Amount: 1<<60 + 1})
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestJCS_RejectsUnencodable(t *testing.T) {
	_, err := JCS(func() {})
	assert.ErrorContains(t, err, "pre-marshal")
}
