package server

import (
	"context"
	"errors"
	"fmt"
	"github.com/adminpanel/relay/internal/server/connection"
	"github.com/adminpanel/relay/internal/shell"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"net"
	"net/http"
	"sync"
	"time"
)

var ErrNewConnectionRefused = errors.New("refusing to register new connection")

const (
	RelayPath  = "/relay"
	HealthPath = "/healthz"

	DefaultMaxMessageSize = 1 << 20

	readHeaderTimeout = 5 * time.Second
	shutdownTimeout   = 5 * time.Second
)

type RelayServer struct {
	logger *zap.Logger

	connectionsLock sync.RWMutex
	connections     map[string]*connection.Connection

	addresses []string
	listeners []net.Listener

	websocketOriginFunc  WebsocketOriginFunc
	generateConnectionID ConnectionIDGenerator
	connectionOpts       []connection.Option
	staticDir            string
	maxMessageSize       int64

	gcpProjectID string

	handlersWG sync.WaitGroup
}

func New(opts ...Option) (*RelayServer, error) {
	rs := &RelayServer{
		connections: make(map[string]*connection.Connection),
	}

	// Apply options
	for _, opt := range opts {
		opt(rs)
	}

	// Apply defaults
	if rs.logger == nil {
		rs.logger = zap.NewNop()
	}
	if rs.generateConnectionID == nil {
		rs.generateConnectionID = func() string {
			return uuid.New().String()
		}
	}
	if rs.maxMessageSize <= 0 {
		rs.maxMessageSize = DefaultMaxMessageSize
	}
	if len(rs.addresses) == 0 {
		rs.addresses = []string{"0.0.0.0:0"}
	}

	// Listen
	for _, address := range rs.addresses {
		listener, err := net.Listen("tcp", address)
		if err != nil {
			rs.closeListeners()

			return nil, err
		}

		rs.listeners = append(rs.listeners, listener)
	}

	return rs, nil
}

// Run serves until ctx is cancelled or one of the listeners fails, then closes
// every client connection and waits for their Shell Sessions and Monitoring jobs
// to be torn down.
func (rs *RelayServer) Run(ctx context.Context) error {
	// Create a sub-context to let the first failing Goroutine to start the cancellation process
	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var servers []*http.Server
	var serversWG sync.WaitGroup

	for _, listener := range rs.listeners {
		listener := listener

		server := &http.Server{
			Handler:           rs.Handler(),
			ReadHeaderTimeout: readHeaderTimeout,
			BaseContext: func(net.Listener) context.Context {
				return subCtx
			},
		}
		servers = append(servers, server)

		serversWG.Add(1)
		go func() {
			defer serversWG.Done()
			defer cancel()

			rs.logger.Sugar().Infof("starting server on %s...", listener.Addr().String())

			if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				rs.logger.Sugar().With(zap.Error(err)).Warnf("server failed on %s", listener.Addr().String())
			}
		}()
	}

	<-subCtx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	for _, server := range servers {
		if err := server.Shutdown(shutdownCtx); err != nil {
			rs.logger.Warn("failed to gracefully shut down the server", zap.Error(err))
		}
	}

	serversWG.Wait()

	// Upgraded connections are hijacked and thus invisible to Shutdown
	rs.handlersWG.Wait()

	return nil
}

// Handler returns the HTTP handler serving the relay's websocket endpoint,
// the health check and, optionally, the dashboard's static files.
func (rs *RelayServer) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc(RelayPath, rs.handleRelay)
	mux.HandleFunc(HealthPath, rs.handleHealth)

	if rs.staticDir != "" {
		mux.Handle("/", http.FileServer(http.Dir(rs.staticDir)))
	}

	return mux
}

func (rs *RelayServer) Addresses() []string {
	var result []string

	for _, listener := range rs.listeners {
		result = append(result, listener.Addr().String())
	}

	return result
}

func (rs *RelayServer) NumConnections() int {
	rs.connectionsLock.RLock()
	defer rs.connectionsLock.RUnlock()

	return len(rs.connections)
}

func (rs *RelayServer) handleRelay(writer http.ResponseWriter, request *http.Request) {
	rs.handlersWG.Add(1)
	defer rs.handlersWG.Done()

	logger := rs.logger.With(rs.TraceContext(request)...)

	upgrader := websocket.Upgrader{
		CheckOrigin: rs.websocketOriginFunc,
	}

	wsConn, err := upgrader.Upgrade(writer, request, nil)
	if err != nil {
		// The upgrader has already replied with an appropriate HTTP error
		logger.Debug("failed to upgrade to websocket", OriginField(request), zap.Error(err))
		return
	}
	defer wsConn.Close()

	id := rs.generateConnectionID()
	logger = logger.With(ConnectionField(id))

	opts := append([]connection.Option{connection.WithLogger(logger)}, rs.connectionOpts...)
	conn := connection.New(id, opts...)
	defer conn.Close()

	if err := rs.registerConnection(conn); err != nil {
		logger.Warn("failed to register connection", zap.Error(err))
		_ = wsConn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error()),
			time.Now().Add(writeTimeout))
		return
	}
	defer rs.unregisterConnection(conn)

	logger.Info("client connected", zap.String("remote-address", request.RemoteAddr))

	newPump(logger, wsConn, conn, rs.maxMessageSize).run(request.Context())

	logger.Info("client disconnected")
}

func (rs *RelayServer) handleHealth(writer http.ResponseWriter, request *http.Request) {
	writer.Header().Set("Content-Type", "text/plain; charset=utf-8")

	rs.connectionsLock.RLock()
	connections := make([]*connection.Connection, 0, len(rs.connections))
	for _, conn := range rs.connections {
		connections = append(connections, conn)
	}
	rs.connectionsLock.RUnlock()

	var shellSessions, monitoringJobs int

	for _, conn := range connections {
		if conn.SessionState() == shell.StateShellOpen {
			shellSessions++
		}
		if conn.MonitoringActive() {
			monitoringJobs++
		}
	}

	_, _ = fmt.Fprintf(writer, "ok\nconnections: %d\nshell-sessions: %d\nmonitoring-jobs: %d\n",
		len(connections), shellSessions, monitoringJobs)
}

func (rs *RelayServer) registerConnection(conn *connection.Connection) error {
	rs.connectionsLock.Lock()
	defer rs.connectionsLock.Unlock()

	if _, ok := rs.connections[conn.ID()]; ok {
		return fmt.Errorf("%w: a connection with the same id already exists", ErrNewConnectionRefused)
	}

	rs.connections[conn.ID()] = conn

	return nil
}

func (rs *RelayServer) unregisterConnection(conn *connection.Connection) {
	rs.connectionsLock.Lock()
	defer rs.connectionsLock.Unlock()

	if rs.connections[conn.ID()] == conn {
		delete(rs.connections, conn.ID())
	}
}

func (rs *RelayServer) closeListeners() {
	for _, listener := range rs.listeners {
		_ = listener.Close()
	}
}
