package connection

import (
	"context"
	"encoding/json"
	"errors"
	"github.com/adminpanel/relay/internal/monitor"
	"github.com/adminpanel/relay/internal/prober"
	"github.com/adminpanel/relay/internal/shell"
	"github.com/adminpanel/relay/pkg/protocol"
	"go.uber.org/zap"
	"sync"
)

var ErrConnectionClosed = errors.New("connection is closed")

const outboundBufferSize = 64

// Connection is everything the relay keeps for one client: at most one Shell Session,
// at most one Monitoring job, and the queue of frames waiting to be written back.
type Connection struct {
	id     string
	logger *zap.Logger

	//nolint:containedctx // seems perfectly valid for our use-case
	ctx    context.Context
	cancel context.CancelFunc

	outbound chan protocol.Frame

	prober         prober.Prober
	monitorOpts    []monitor.Option
	scheduler      *monitor.Scheduler
	sessionOpts    []shell.Option
	sessionHandler *sessionHandler

	// Guards the owned components and the closed flag
	componentsLock sync.Mutex
	session        *shell.Session
	widthColumns   uint32
	heightRows     uint32
	closed         bool

	closeOnce sync.Once
}

func New(id string, opts ...Option) *Connection {
	ctx, cancel := context.WithCancel(context.Background())

	conn := &Connection{
		id:       id,
		ctx:      ctx,
		cancel:   cancel,
		outbound: make(chan protocol.Frame, outboundBufferSize),
	}

	// Apply options
	for _, opt := range opts {
		opt(conn)
	}

	// Apply defaults
	if conn.logger == nil {
		conn.logger = zap.NewNop()
	}
	if conn.prober == nil {
		conn.prober = prober.NewPing(prober.WithPingLogger(conn.logger))
	}

	conn.sessionHandler = &sessionHandler{conn: conn}
	conn.scheduler = monitor.New(conn.prober, conn,
		append([]monitor.Option{monitor.WithLogger(conn.logger)}, conn.monitorOpts...)...)

	return conn
}

func (conn *Connection) ID() string {
	return conn.id
}

func (conn *Connection) Context() context.Context {
	return conn.ctx
}

// Outbound yields frames in the order they should be written to the client.
func (conn *Connection) Outbound() <-chan protocol.Frame {
	return conn.outbound
}

// StartMonitoring replaces the monitoring job with one watching targets.
func (conn *Connection) StartMonitoring(targets []protocol.Target) error {
	monitorTargets := make([]monitor.Target, 0, len(targets))

	for _, target := range targets {
		id := string(target.ID)
		if id == "" {
			id = "null"
		}

		monitorTargets = append(monitorTargets, monitor.Target{
			ID:      id,
			Address: target.Address,
		})
	}

	conn.componentsLock.Lock()
	defer conn.componentsLock.Unlock()

	if conn.closed {
		return ErrConnectionClosed
	}

	conn.scheduler.Start(monitorTargets)

	return nil
}

func (conn *Connection) StopMonitoring() {
	conn.scheduler.Stop()
}

func (conn *Connection) MonitoringActive() bool {
	return conn.scheduler.Running()
}

// ConnectSession tears down the current Shell Session, if any, and starts a new one.
func (conn *Connection) ConnectSession(credentials protocol.Credentials) error {
	conn.componentsLock.Lock()
	defer conn.componentsLock.Unlock()

	if conn.closed {
		return ErrConnectionClosed
	}

	if conn.session != nil {
		conn.session.Teardown()
		conn.session = nil
	}

	opts := append([]shell.Option{shell.WithLogger(conn.logger)}, conn.sessionOpts...)
	opts = append(opts, shell.WithDimensions(conn.widthColumns, conn.heightRows))

	session := shell.New(conn.sessionHandler, opts...)
	conn.session = session

	return session.Connect(shell.Credentials{
		Host:     credentials.Host,
		Port:     credentials.Port,
		Username: credentials.Username,
		Password: credentials.Password,
	})
}

// SessionInput forwards input to the current Shell Session, dropping it when there's none.
func (conn *Connection) SessionInput(data []byte) {
	conn.componentsLock.Lock()
	session := conn.session
	conn.componentsLock.Unlock()

	if session == nil {
		return
	}

	session.Write(data)
}

// ResizeSession resizes the current Shell Session and remembers the dimensions for the next one.
func (conn *Connection) ResizeSession(widthColumns, heightRows uint32) {
	if widthColumns == 0 || heightRows == 0 {
		return
	}

	conn.componentsLock.Lock()
	conn.widthColumns, conn.heightRows = widthColumns, heightRows
	session := conn.session
	conn.componentsLock.Unlock()

	if session == nil {
		return
	}

	session.Resize(widthColumns, heightRows)
}

func (conn *Connection) DisconnectSession() {
	conn.componentsLock.Lock()
	defer conn.componentsLock.Unlock()

	if conn.session == nil {
		return
	}

	conn.session.Teardown()
	conn.session = nil
}

func (conn *Connection) SessionState() shell.State {
	conn.componentsLock.Lock()
	defer conn.componentsLock.Unlock()

	if conn.session == nil {
		return shell.StateIdle
	}

	return conn.session.State()
}

// ReportError tells the client that one of its messages was rejected.
func (conn *Connection) ReportError(err error) {
	conn.sendText(conn.ctx, protocol.TypeError, err.Error())
}

// Close tears down the Shell Session and the Monitoring job and stops the outbound stream.
// It's idempotent.
func (conn *Connection) Close() error {
	conn.closeOnce.Do(func() {
		conn.componentsLock.Lock()
		conn.closed = true
		if conn.session != nil {
			conn.session.Teardown()
			conn.session = nil
		}
		conn.scheduler.Stop()
		conn.componentsLock.Unlock()

		conn.cancel()
	})

	return nil
}

func (conn *Connection) StatusUpdates(ctx context.Context, results []monitor.Result) {
	updates := make([]protocol.StatusUpdate, 0, len(results))

	for _, result := range results {
		status := protocol.StatusOffline
		if result.State == monitor.Online {
			status = protocol.StatusOnline
		}

		updates = append(updates, protocol.StatusUpdate{
			ID:     json.RawMessage(result.ID),
			Status: status,
		})
	}

	conn.sendText(ctx, protocol.TypeStatusUpdates, updates)
}

func (conn *Connection) MonitoringError(ctx context.Context, err error) {
	conn.sendText(ctx, protocol.TypeMonitoringError, err.Error())
}

func (conn *Connection) sendText(ctx context.Context, messageType protocol.Type, payload interface{}) {
	frame, err := protocol.TextFrame(messageType, payload)
	if err != nil {
		conn.logger.Warn("failed to encode outbound message", zap.String("type", string(messageType)),
			zap.Error(err))
		return
	}

	conn.send(ctx, frame)
}

func (conn *Connection) send(ctx context.Context, frame protocol.Frame) {
	select {
	case conn.outbound <- frame:
	case <-ctx.Done():
	case <-conn.ctx.Done():
	}
}

type sessionHandler struct {
	conn *Connection
}

func (handler *sessionHandler) SessionReady(ctx context.Context) {
	handler.conn.sendText(ctx, protocol.TypeSessionReady, nil)
}

func (handler *sessionHandler) SessionData(ctx context.Context, data []byte) {
	handler.conn.send(ctx, protocol.BinaryFrame(data))
}

func (handler *sessionHandler) SessionError(ctx context.Context, err error) {
	handler.conn.sendText(ctx, protocol.TypeSessionError, err.Error())
}

func (handler *sessionHandler) SessionClosed(ctx context.Context) {
	handler.conn.sendText(ctx, protocol.TypeSessionClosed, nil)
}
