package outcome

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	assert.Equal(t, None, KindOf(nil))
	assert.Equal(t, TransportError, KindOf(errors.New("boom")))

	err := fmt.Errorf("sending: %w", Wrap(ConnectionRefused, "dial", "127.0.0.1:1", errors.New("refused")))
	assert.Equal(t, ConnectionRefused, KindOf(err))
	assert.True(t, errors.Is(err, ErrConnectionRefused))
	assert.False(t, errors.Is(err, ErrConnectTimeout))
}

func TestErrorMessage(t *testing.T) {
	err := Wrap(ConnectTimeout, "dial", "10.255.255.1:8080", errors.New("i/o timeout"))
	assert.Equal(t, "connect_timeout: dial 10.255.255.1:8080: i/o timeout", err.Error())
	assert.Equal(t, "no_position_available", ErrNoPositionAvailable.Error())
}

func TestFailedCarriesCause(t *testing.T) {
	o := Failed(NewID(), Wrap(ResolutionError, "resolve", "nowhere.invalid:8081", errors.New("no such host")))
	assert.False(t, o.Success)
	assert.Equal(t, ResolutionError, o.Kind)
	assert.Equal(t, "nowhere.invalid:8081", o.Addr)
	assert.Contains(t, o.Message, "no such host")
}

func TestOutcomeJSON(t *testing.T) {
	o := Failed("01HZX", ErrNoPositionAvailable)
	b, err := json.Marshal(o)
	require.NoError(t, err)

	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(b, &m))
	assert.Equal(t, "no_position_available", m["error_kind"])
	assert.Equal(t, false, m["success"])
}

func TestNewIDUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewID()
		require.False(t, seen[id])
		seen[id] = true
	}
}
