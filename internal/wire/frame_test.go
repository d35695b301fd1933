package wire

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateFrame(t *testing.T) {
	valid, err := json.Marshal(Tick{Symbol: "EURUSD", Bid: 1.08450, Ask: 1.08452, ExchangeTime: 1000})
	require.NoError(t, err)

	cases := []struct {
		name    string
		payload []byte
		wantErr bool
	}{
		{"valid object", valid, false},
		{"empty", []byte(""), true},
		{"too short", []byte(`{"a":1}`), true},
		{"truncated", valid[:len(valid)-4], true},
		{"array not object", []byte(`[1,2,3,4,5,6,7,8,9,10]`), true},
		{"garbage", []byte(`not json at all, sorry`), true},
		{"leading whitespace ok", append([]byte("  \n"), valid...), false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateFrame(tc.payload)
			if tc.wantErr {
				assert.ErrorIs(t, err, ErrBadFrame)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestDecodeEnvelope(t *testing.T) {
	env, err := NewEnvelope("sess-1", EnvTick, 1000, Tick{Symbol: "EURUSD", Bid: 1.1, Ask: 1.1001, ExchangeTime: 1000})
	require.NoError(t, err)
	frame, err := json.Marshal(env)
	require.NoError(t, err)

	decoded, err := DecodeEnvelope(frame)
	require.NoError(t, err)
	assert.Equal(t, "sess-1", decoded.SessionID)
	assert.Equal(t, EnvTick, decoded.Kind)

	var tick Tick
	require.NoError(t, json.Unmarshal(decoded.Payload, &tick))
	assert.Equal(t, "EURUSD", tick.Symbol)
}

func TestDecodeEnvelope_Rejects(t *testing.T) {
	// Unknown kind
	_, err := DecodeEnvelope([]byte(`{"session_id":"sess-1","kind":"BOGUS","sent_at":1}`))
	assert.ErrorIs(t, err, ErrBadFrame)

	// Missing session id
	_, err = DecodeEnvelope([]byte(`{"kind":"HEARTBEAT","sent_at":1000000}`))
	assert.ErrorIs(t, err, ErrBadFrame)
}

func TestCommandValidate(t *testing.T) {
	base := Command{CommandID: "s-1", Kind: KindOpen, Symbol: "EURUSD", Side: SideBuy, Volume: 0.01}
	assert.NoError(t, base.Validate())

	noID := base
	noID.CommandID = ""
	assert.Error(t, noID.Validate())

	noSide := base
	noSide.Side = ""
	assert.Error(t, noSide.Validate())

	zeroVol := base
	zeroVol.Volume = 0
	assert.Error(t, zeroVol.Validate())

	badKind := base
	badKind.Kind = "HOLD"
	assert.Error(t, badKind.Validate())

	// CLOSE needs no side or volume
	closeCmd := Command{CommandID: "s-2", Kind: KindClose, Symbol: "EURUSD"}
	assert.NoError(t, closeCmd.Validate())
}

func TestCommandID(t *testing.T) {
	assert.Equal(t, "abc-1", CommandID("abc", 1))
	assert.NotEqual(t, CommandID("abc", 1), CommandID("abc", 2))
}
