package protocol

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncode_OmitsAbsentFields(t *testing.T) {
	data, err := Encode(New("ping"))
	require.NoError(t, err)

	assert.Equal(t, "{\"request\":\"ping\"}\n", string(data))
	assert.Equal(t, 1, strings.Count(string(data), "\n"), "one record per line")
}

func TestEncode_ReplyCarriesOutcome(t *testing.T) {
	reply := Failed("incorrect magic")
	reply.ResponseTo = "abc"

	data, err := Encode(reply)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, false, raw["success"])
	assert.Equal(t, "abc", raw["responseTo"])
	assert.Equal(t, "incorrect magic", raw["request"])
	assert.NotContains(t, raw, "id")
	assert.NotContains(t, raw, "params")
}

func TestEncodeDecode_PreservesCorrelation(t *testing.T) {
	original := New("lookup", "key", map[string]any{"username": "bob"})
	original.ID = "id-1"
	reply := Succeeded("found", 3.0)
	reply.ResponseTo = original.ID

	for _, m := range []*Message{original, reply} {
		data, err := Encode(m)
		require.NoError(t, err)

		decoded, err := Decode(data, nil)
		require.NoError(t, err)
		assert.Equal(t, m.Request, decoded.Request)
		assert.Equal(t, m.ID, decoded.ID)
		assert.Equal(t, m.ResponseTo, decoded.ResponseTo)
		assert.Equal(t, m.Success, decoded.Success)
		assert.Equal(t, m.Params, decoded.Params)
	}
}

func TestDecode_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		record string
	}{
		{"empty", ""},
		{"only newline", "\n"},
		{"not an object", "[1,2,3]\n"},
		{"plain text", "hello\n"},
		{"truncated", `{"request":"ping"` + "\n"},
		{"wrong type", `{"request":5}` + "\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := Decode([]byte(tt.record), nil)
			assert.Nil(t, msg)
			assert.True(t, errors.Is(err, ErrInvalidMessage), "got %v", err)
		})
	}
}

func TestDecode_Oversized(t *testing.T) {
	record := `{"request":"` + strings.Repeat("a", MaxMessageSize) + `"}`
	_, err := Decode([]byte(record), nil)
	assert.ErrorIs(t, err, ErrInvalidMessage)
}

func TestDecode_AttachesOwner(t *testing.T) {
	owner := &recordingSender{}
	msg, err := Decode([]byte(`{"request":"ping","id":"x1"}`), owner)
	require.NoError(t, err)

	require.NoError(t, msg.Respond(Succeeded("pong")))
	require.Len(t, owner.sent, 1)
	assert.Equal(t, "x1", owner.sent[0].ResponseTo)
}
