package server

import (
	"context"
	"fmt"
	"github.com/adminpanel/relay/internal/server/connection"
	"github.com/adminpanel/relay/internal/shell"
	"github.com/adminpanel/relay/pkg/protocol"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"time"
)

const (
	writeTimeout      = 10 * time.Second
	pongTimeout       = 60 * time.Second
	keepaliveInterval = 30 * time.Second
)

// pump moves frames between a client's websocket and its Connection. There's exactly
// one reader and one writer per websocket, which is what keeps both directions ordered.
type pump struct {
	logger         *zap.Logger
	wsConn         *websocket.Conn
	conn           *connection.Connection
	maxMessageSize int64
}

func newPump(logger *zap.Logger, wsConn *websocket.Conn, conn *connection.Connection, maxMessageSize int64) *pump {
	return &pump{
		logger:         logger,
		wsConn:         wsConn,
		conn:           conn,
		maxMessageSize: maxMessageSize,
	}
}

// run blocks until the client goes away or ctx is cancelled. Either way the
// Connection is closed before run returns.
func (p *pump) run(ctx context.Context) {
	stop := context.AfterFunc(ctx, func() {
		_ = p.wsConn.Close()
	})
	defer stop()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		p.writeLoop()
	}()

	p.readLoop()

	_ = p.conn.Close()
	<-writerDone
}

func (p *pump) readLoop() {
	p.wsConn.SetReadLimit(p.maxMessageSize)
	p.extendReadDeadline()
	p.wsConn.SetPongHandler(func(string) error {
		p.extendReadDeadline()

		return nil
	})

	for {
		messageType, data, err := p.wsConn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				p.logger.Debug("websocket read failed", zap.Error(err))
			}

			return
		}

		p.extendReadDeadline()

		switch messageType {
		case websocket.BinaryMessage:
			p.conn.SessionInput(data)
		case websocket.TextMessage:
			if err := p.dispatch(data); err != nil {
				p.logger.Debug("rejected client message", zap.Error(err))
				p.conn.ReportError(err)
			}
		}
	}
}

func (p *pump) extendReadDeadline() {
	_ = p.wsConn.SetReadDeadline(time.Now().Add(pongTimeout))
}

func (p *pump) dispatch(data []byte) error {
	envelope, err := protocol.Decode(data)
	if err != nil {
		return err
	}

	switch envelope.Type {
	case protocol.TypeStartMonitoring:
		var targets []protocol.Target
		if err := envelope.DecodePayload(&targets); err != nil {
			return err
		}

		p.logger.Debug("starting monitoring", zap.Int("targets", len(targets)))

		return p.conn.StartMonitoring(targets)
	case protocol.TypeStopMonitoring:
		p.conn.StopMonitoring()
	case protocol.TypeSessionConnect:
		var credentials protocol.Credentials
		if err := envelope.DecodePayload(&credentials); err != nil {
			return err
		}
		if credentials.Host == "" {
			return fmt.Errorf("%w: %s requires a host", protocol.ErrMalformedMessage, envelope.Type)
		}

		target := shell.Credentials{Host: credentials.Host, Port: credentials.Port}.Address()
		p.logger.Info("session requested", TargetField(target), HashedUsernameField(credentials.Username))

		return p.conn.ConnectSession(credentials)
	case protocol.TypeSessionInput:
		var input string
		if err := envelope.DecodePayload(&input); err != nil {
			return err
		}

		p.conn.SessionInput([]byte(input))
	case protocol.TypeSessionResize:
		var dimensions protocol.Dimensions
		if err := envelope.DecodePayload(&dimensions); err != nil {
			return err
		}

		p.conn.ResizeSession(dimensions.Cols, dimensions.Rows)
	case protocol.TypeSessionDisconnect:
		p.conn.DisconnectSession()
	default:
		return fmt.Errorf("%w: %q", protocol.ErrUnknownMessage, envelope.Type)
	}

	return nil
}

func (p *pump) writeLoop() {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case frame := <-p.conn.Outbound():
			messageType := websocket.TextMessage
			if frame.Kind == protocol.FrameBinary {
				messageType = websocket.BinaryMessage
			}

			_ = p.wsConn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := p.wsConn.WriteMessage(messageType, frame.Data); err != nil {
				p.logger.Debug("websocket write failed", zap.Error(err))
				// Unblock the reader
				_ = p.wsConn.Close()

				return
			}
		case <-ticker.C:
			if err := p.wsConn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				_ = p.wsConn.Close()

				return
			}
		case <-p.conn.Context().Done():
			_ = p.wsConn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeTimeout))

			return
		}
	}
}
