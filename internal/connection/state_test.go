package connection

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthState_Names(t *testing.T) {
	tests := []struct {
		state AuthState
		name  string
	}{
		{Connected, "connected"},
		{AwaitingMagic, "awaiting_magic"},
		{AwaitingCredentials, "awaiting_credentials"},
		{Accepted, "accepted"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.name, tt.state.String())

			parsed, err := ParseAuthState(tt.name)
			require.NoError(t, err)
			assert.Equal(t, tt.state, parsed)

			text, err := tt.state.MarshalText()
			require.NoError(t, err)
			var back AuthState
			require.NoError(t, back.UnmarshalText(text))
			assert.Equal(t, tt.state, back)
		})
	}
}

func TestAuthState_Ordering(t *testing.T) {
	assert.Less(t, Connected, AwaitingMagic)
	assert.Less(t, AwaitingMagic, AwaitingCredentials)
	assert.Less(t, AwaitingCredentials, Accepted)
}

func TestParseAuthState_Unknown(t *testing.T) {
	_, err := ParseAuthState("rejected")
	assert.Error(t, err)
	assert.Equal(t, "auth_state(9)", AuthState(9).String())
}
