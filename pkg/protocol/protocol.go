package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrMalformedMessage = errors.New("malformed message")
	ErrUnknownMessage   = errors.New("unknown message type")
)

type Type string

// Client to relay
const (
	TypeStartMonitoring   Type = "start-monitoring"
	TypeStopMonitoring    Type = "stop-monitoring"
	TypeSessionConnect    Type = "session-connect"
	TypeSessionInput      Type = "session-input"
	TypeSessionResize     Type = "session-resize"
	TypeSessionDisconnect Type = "session-disconnect"
)

// Relay to client
const (
	TypeStatusUpdates   Type = "status-updates"
	TypeSessionReady    Type = "session-ready"
	TypeSessionData     Type = "session-data"
	TypeSessionError    Type = "session-error"
	TypeSessionClosed   Type = "session-closed"
	TypeMonitoringError Type = "monitoring-error"
	TypeError           Type = "error"
)

const DefaultSSHPort = 22

type Envelope struct {
	Type    Type            `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Target is a single entry of the start-monitoring list. The ID is kept as raw
// JSON so that whatever the client used as an identifier is echoed back unchanged.
type Target struct {
	ID      json.RawMessage `json:"id"`
	Address string          `json:"address"`
}

func (target *Target) UnmarshalJSON(data []byte) error {
	var raw struct {
		ID      json.RawMessage `json:"id"`
		Address string          `json:"address"`
		IP      string          `json:"ip"`
	}

	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	target.ID = raw.ID
	target.Address = raw.Address
	if target.Address == "" {
		target.Address = raw.IP
	}

	return nil
}

type Status string

const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
)

type StatusUpdate struct {
	ID     json.RawMessage `json:"id"`
	Status Status          `json:"status"`
}

type Credentials struct {
	Host     string `json:"host"`
	Port     int    `json:"port,omitempty"`
	Username string `json:"username"`
	Password string `json:"password"`
}

type Dimensions struct {
	Cols uint32 `json:"cols"`
	Rows uint32 `json:"rows"`
}

// Decode parses a text frame into an envelope, validating only the envelope itself.
func Decode(data []byte) (*Envelope, error) {
	var envelope Envelope

	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	if envelope.Type == "" {
		return nil, fmt.Errorf("%w: missing message type", ErrMalformedMessage)
	}

	return &envelope, nil
}

// DecodePayload unmarshals the envelope's payload into v.
func (envelope *Envelope) DecodePayload(v interface{}) error {
	if len(envelope.Payload) == 0 {
		return fmt.Errorf("%w: %s requires a payload", ErrMalformedMessage, envelope.Type)
	}

	if err := json.Unmarshal(envelope.Payload, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformedMessage, envelope.Type, err)
	}

	return nil
}

// Encode builds a text frame for the message type. A nil payload omits the payload field.
func Encode(messageType Type, payload interface{}) ([]byte, error) {
	envelope := Envelope{
		Type: messageType,
	}

	if payload != nil {
		rawPayload, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}

		envelope.Payload = rawPayload
	}

	return json.Marshal(&envelope)
}
