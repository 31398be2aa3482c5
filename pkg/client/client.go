// Package client speaks the relay's websocket protocol. It's what the operator
// console is built on and what the end-to-end tests drive the relay with.
package client

import (
	"context"
	"errors"
	"fmt"
	"github.com/adminpanel/relay/pkg/protocol"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"net/http"
	"sync"
	"time"
)

var ErrClosed = errors.New("client is closed")

const (
	defaultEventBufferSize = 256
	writeTimeout           = 10 * time.Second
)

// Event is a single message received from the relay. Only the fields relevant
// to the Type are set.
type Event struct {
	Type protocol.Type

	// session-data
	Data []byte

	// status-updates
	Statuses []protocol.StatusUpdate

	// session-error, monitoring-error and error
	Message string
}

type Client struct {
	logger          *zap.Logger
	header          http.Header
	dialer          *websocket.Dialer
	eventBufferSize int

	wsConn    *websocket.Conn
	writeLock sync.Mutex

	events  chan Event
	done    chan struct{}
	closing chan struct{}
	err     error

	closeOnce sync.Once
}

// Dial connects to the relay's websocket endpoint, e.g. "ws://127.0.0.1:3000/relay".
func Dial(ctx context.Context, url string, opts ...Option) (*Client, error) {
	client := &Client{}

	// Apply options
	for _, opt := range opts {
		opt(client)
	}

	// Apply defaults
	if client.logger == nil {
		client.logger = zap.NewNop()
	}
	if client.dialer == nil {
		client.dialer = websocket.DefaultDialer
	}
	if client.eventBufferSize <= 0 {
		client.eventBufferSize = defaultEventBufferSize
	}

	wsConn, resp, err := client.dialer.DialContext(ctx, url, client.header)
	if err != nil {
		if resp != nil {
			_ = resp.Body.Close()

			return nil, fmt.Errorf("failed to connect to %s (HTTP %d): %w", url, resp.StatusCode, err)
		}

		return nil, fmt.Errorf("failed to connect to %s: %w", url, err)
	}
	_ = resp.Body.Close()

	client.wsConn = wsConn
	client.events = make(chan Event, client.eventBufferSize)
	client.done = make(chan struct{})
	client.closing = make(chan struct{})

	go client.readLoop()

	return client, nil
}

// Events yields everything the relay sends, in order. The channel is closed
// once the connection ends, after which Err tells why.
func (client *Client) Events() <-chan Event {
	return client.events
}

func (client *Client) Err() error {
	select {
	case <-client.done:
		return client.err
	default:
		return nil
	}
}

func (client *Client) StartMonitoring(targets []protocol.Target) error {
	if targets == nil {
		targets = []protocol.Target{}
	}

	return client.send(protocol.TypeStartMonitoring, targets)
}

func (client *Client) StopMonitoring() error {
	return client.send(protocol.TypeStopMonitoring, nil)
}

func (client *Client) Connect(credentials protocol.Credentials) error {
	return client.send(protocol.TypeSessionConnect, credentials)
}

// Input sends raw bytes to the remote shell as a binary frame.
func (client *Client) Input(data []byte) error {
	return client.write(websocket.BinaryMessage, data)
}

func (client *Client) Resize(cols, rows uint32) error {
	return client.send(protocol.TypeSessionResize, protocol.Dimensions{Cols: cols, Rows: rows})
}

func (client *Client) Disconnect() error {
	return client.send(protocol.TypeSessionDisconnect, nil)
}

// SendRaw sends a text frame as is, bypassing any validation.
func (client *Client) SendRaw(data []byte) error {
	return client.write(websocket.TextMessage, data)
}

// Close says goodbye to the relay and waits for the read loop to finish.
func (client *Client) Close() error {
	client.closeOnce.Do(func() {
		close(client.closing)

		_ = client.wsConn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeTimeout))

		select {
		case <-client.done:
		case <-time.After(writeTimeout):
		}

		_ = client.wsConn.Close()
		<-client.done
	})

	return nil
}

func (client *Client) send(messageType protocol.Type, payload interface{}) error {
	data, err := protocol.Encode(messageType, payload)
	if err != nil {
		return err
	}

	return client.write(websocket.TextMessage, data)
}

func (client *Client) write(messageType int, data []byte) error {
	select {
	case <-client.done:
		return ErrClosed
	default:
	}

	client.writeLock.Lock()
	defer client.writeLock.Unlock()

	_ = client.wsConn.SetWriteDeadline(time.Now().Add(writeTimeout))

	return client.wsConn.WriteMessage(messageType, data)
}

func (client *Client) readLoop() {
	defer close(client.events)
	defer close(client.done)

	for {
		messageType, data, err := client.wsConn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				client.err = err
			}

			return
		}

		event, err := decodeEvent(messageType, data)
		if err != nil {
			client.logger.Warn("ignoring undecodable message from the relay", zap.Error(err))

			continue
		}

		select {
		case client.events <- event:
		case <-client.closing:
			return
		}
	}
}

func decodeEvent(messageType int, data []byte) (Event, error) {
	if messageType == websocket.BinaryMessage {
		return Event{Type: protocol.TypeSessionData, Data: data}, nil
	}

	envelope, err := protocol.Decode(data)
	if err != nil {
		return Event{}, err
	}

	event := Event{Type: envelope.Type}

	switch envelope.Type {
	case protocol.TypeStatusUpdates:
		err = envelope.DecodePayload(&event.Statuses)
	case protocol.TypeSessionError, protocol.TypeMonitoringError, protocol.TypeError:
		err = envelope.DecodePayload(&event.Message)
	case protocol.TypeSessionData:
		var text string
		err = envelope.DecodePayload(&text)
		event.Data = []byte(text)
	}

	return event, err
}
