package protocol_test

import (
	"encoding/json"
	"github.com/adminpanel/relay/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"testing"
)

func TestDecodeRejectsMalformedEnvelopes(t *testing.T) {
	var testCases = []struct {
		Name  string
		Input string
	}{
		{Name: "not JSON", Input: "hello"},
		{Name: "missing type", Input: `{"payload": []}`},
		{Name: "wrong type of type", Input: `{"type": 42}`},
	}

	for _, testCase := range testCases {
		testCase := testCase

		t.Run(testCase.Name, func(t *testing.T) {
			_, err := protocol.Decode([]byte(testCase.Input))
			require.ErrorIs(t, err, protocol.ErrMalformedMessage)
		})
	}
}

func TestTargetsKeepOpaqueIdentifiers(t *testing.T) {
	envelope, err := protocol.Decode([]byte(`{"type":"start-monitoring","payload":[
		{"id": 1, "address": "10.0.0.5"},
		{"id": "router", "ip": "10.0.0.6"}
	]}`))
	require.NoError(t, err)
	require.Equal(t, protocol.TypeStartMonitoring, envelope.Type)

	var targets []protocol.Target
	require.NoError(t, envelope.DecodePayload(&targets))
	require.Len(t, targets, 2)

	assert.Equal(t, json.RawMessage("1"), targets[0].ID)
	assert.Equal(t, "10.0.0.5", targets[0].Address)
	assert.Equal(t, json.RawMessage(`"router"`), targets[1].ID)
	assert.Equal(t, "10.0.0.6", targets[1].Address, "ip should be accepted as an alias of address")

	data, err := protocol.Encode(protocol.TypeStatusUpdates, []protocol.StatusUpdate{
		{ID: targets[0].ID, Status: protocol.StatusOnline},
		{ID: targets[1].ID, Status: protocol.StatusOffline},
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"status-updates","payload":[
		{"id":1,"status":"online"},
		{"id":"router","status":"offline"}
	]}`, string(data))
}

func TestPayloadlessEvents(t *testing.T) {
	data, err := protocol.Encode(protocol.TypeSessionReady, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"session-ready"}`, string(data))

	envelope, err := protocol.Decode(data)
	require.NoError(t, err)

	var credentials protocol.Credentials
	require.ErrorIs(t, envelope.DecodePayload(&credentials), protocol.ErrMalformedMessage)
}

func TestTextFrame(t *testing.T) {
	frame, err := protocol.TextFrame(protocol.TypeSessionError, "connection refused")
	require.NoError(t, err)
	assert.Equal(t, protocol.FrameText, frame.Kind)
	assert.JSONEq(t, `{"type":"session-error","payload":"connection refused"}`, string(frame.Data))

	frame = protocol.BinaryFrame([]byte{0x1b, '[', 'H'})
	assert.Equal(t, protocol.FrameBinary, frame.Kind)
	assert.Equal(t, []byte{0x1b, '[', 'H'}, frame.Data)
}
