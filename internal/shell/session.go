package shell

import (
	"context"
	"errors"
	"fmt"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

const (
	DefaultPort           = 22
	DefaultConnectTimeout = 10 * time.Second
	DefaultTerminalType   = "xterm-256color"
	defaultWidthColumns   = 80
	defaultHeightRows     = 24
	readBufferSize        = 32 * 1024

	// Input accepted but not yet taken by the remote shell is capped, both in
	// chunks and in bytes
	inputQueueLength = 1024
	maxPendingInput  = 4 << 20
)

var (
	ErrConnectTimeout = errors.New("connection timed out")
	ErrSessionInUse   = errors.New("session was already started")
	ErrInputBacklog   = errors.New("remote shell stopped reading its input")
)

type State int

const (
	StateIdle State = iota
	StateConnecting
	StateAuthenticating
	StateShellOpen
	StateClosed
	StateFailed
)

func (state State) String() string {
	switch state {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateShellOpen:
		return "shell-open"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

type Credentials struct {
	Host     string
	Port     int
	Username string
	Password string
}

func (credentials Credentials) Address() string {
	port := credentials.Port
	if port <= 0 {
		port = DefaultPort
	}

	return net.JoinHostPort(credentials.Host, strconv.Itoa(port))
}

// Handler receives a session's events. Calls are serialized and never happen after
// Teardown returns. The ctx passed in is cancelled when the session is torn down.
type Handler interface {
	SessionReady(ctx context.Context)
	SessionData(ctx context.Context, data []byte)
	SessionError(ctx context.Context, err error)
	SessionClosed(ctx context.Context)
}

type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Session is a single interactive shell on a remote host, proxied byte-for-byte.
// A session is single-use: once it has failed or closed, a new one must be created.
type Session struct {
	logger          *zap.Logger
	handler         Handler
	connectTimeout  time.Duration
	hostKeyCallback ssh.HostKeyCallback
	dialer          Dialer
	terminalType    string
	widthColumns    uint32
	heightRows      uint32

	//nolint:containedctx // lives exactly as long as the session
	ctx    context.Context
	cancel context.CancelFunc

	stateLock  sync.Mutex
	state      State
	started    bool
	client     *ssh.Client
	sshSession *ssh.Session
	inputErr   error

	input        chan []byte
	pendingInput atomic.Int64

	emitLock sync.Mutex
	detached bool

	teardownOnce sync.Once
	done         chan struct{}
}

func New(handler Handler, opts ...Option) *Session {
	ctx, cancel := context.WithCancel(context.Background())

	session := &Session{
		handler:      handler,
		ctx:          ctx,
		cancel:       cancel,
		widthColumns: defaultWidthColumns,
		heightRows:   defaultHeightRows,
		input:        make(chan []byte, inputQueueLength),
		done:         make(chan struct{}),
	}

	for _, opt := range opts {
		opt(session)
	}

	if session.logger == nil {
		session.logger = zap.NewNop()
	}
	if session.connectTimeout <= 0 {
		session.connectTimeout = DefaultConnectTimeout
	}
	if session.hostKeyCallback == nil {
		//nolint:gosec // pinned keys are opt-in via WithHostKeyCallback
		session.hostKeyCallback = ssh.InsecureIgnoreHostKey()
	}
	if session.dialer == nil {
		session.dialer = &net.Dialer{}
	}
	if session.terminalType == "" {
		session.terminalType = DefaultTerminalType
	}

	return session
}

// Connect begins establishing the session in the background and returns immediately.
// The outcome is reported to the handler.
func (session *Session) Connect(credentials Credentials) error {
	session.stateLock.Lock()
	defer session.stateLock.Unlock()

	if session.state != StateIdle {
		return fmt.Errorf("%w: session is %s", ErrSessionInUse, session.state)
	}

	session.state = StateConnecting
	session.started = true

	go session.run(credentials)

	return nil
}

func (session *Session) State() State {
	session.stateLock.Lock()
	defer session.stateLock.Unlock()

	return session.state
}

// Done is closed once the session has released its transport.
func (session *Session) Done() <-chan struct{} {
	return session.done
}

// Write queues input for the remote shell and never blocks. Input arriving while
// the shell isn't open is dropped. A shell that stops reading while its input
// keeps coming fails the session with ErrInputBacklog.
func (session *Session) Write(data []byte) {
	session.stateLock.Lock()
	open, client := session.state == StateShellOpen, session.client
	session.stateLock.Unlock()

	if !open || len(data) == 0 {
		return
	}

	chunk := make([]byte, len(data))
	copy(chunk, data)

	if session.pendingInput.Add(int64(len(chunk))) <= maxPendingInput {
		select {
		case session.input <- chunk:
			return
		default:
		}
	}

	session.pendingInput.Add(-int64(len(chunk)))
	session.abandonInput(client)
}

func (session *Session) abandonInput(client *ssh.Client) {
	session.stateLock.Lock()
	alreadyFailed := session.inputErr != nil
	if !alreadyFailed {
		session.inputErr = fmt.Errorf("%w: %d bytes are still waiting", ErrInputBacklog, session.pendingInput.Load())
	}
	session.stateLock.Unlock()

	if alreadyFailed {
		return
	}

	session.logger.Warn("remote shell stopped reading its input, closing the session")

	_ = client.Close()
}

// forwardInput feeds queued input to the shell until stop is closed or
// the channel breaks.
func (session *Session) forwardInput(stdin io.Writer, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case chunk := <-session.input:
			session.pendingInput.Add(-int64(len(chunk)))

			if _, err := stdin.Write(chunk); err != nil {
				session.logger.Debug("failed to write to the remote shell", zap.Error(err))
				return
			}
		}
	}
}

// Resize changes the remote terminal's dimensions. Before the shell is open it only
// changes the dimensions the PTY will be requested with.
func (session *Session) Resize(widthColumns, heightRows uint32) {
	if widthColumns == 0 || heightRows == 0 {
		return
	}

	session.stateLock.Lock()
	session.widthColumns, session.heightRows = widthColumns, heightRows
	state, sshSession := session.state, session.sshSession
	session.stateLock.Unlock()

	if state != StateShellOpen {
		return
	}

	if err := sshSession.WindowChange(int(heightRows), int(widthColumns)); err != nil {
		session.logger.Debug("failed to resize the remote terminal", zap.Error(err))
	}
}

// Teardown closes the transport and waits for the session's goroutines to exit.
// It's safe to call from any state and more than once.
func (session *Session) Teardown() {
	session.teardownOnce.Do(func() {
		session.cancel()

		session.emitLock.Lock()
		session.detached = true
		session.emitLock.Unlock()

		session.stateLock.Lock()
		client := session.client
		started := session.started
		if session.state != StateFailed {
			session.state = StateClosed
		}
		session.stateLock.Unlock()

		if client != nil {
			if err := client.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				session.logger.Debug("failed to close SSH client", zap.Error(err))
			}
		}

		if started {
			<-session.done
		} else {
			close(session.done)
		}
	})
}

func (session *Session) run(credentials Credentials) {
	defer close(session.done)

	address := credentials.Address()
	logger := session.logger.With(zap.String("session-target", address))

	// The connect timeout covers everything up to the shell being open
	ctx, cancel := context.WithTimeout(session.ctx, session.connectTimeout)
	defer cancel()

	client, err := session.establish(ctx, credentials)
	if err != nil {
		session.fail(logger, "failed to establish SSH connection", err)
		return
	}
	defer client.Close()

	session.stateLock.Lock()
	session.client = client
	session.stateLock.Unlock()

	// Opening the channel and starting the shell know nothing about contexts either
	stop := context.AfterFunc(ctx, func() {
		_ = client.Close()
	})

	sshSession, stdin, stdout, err := session.openShell(client)
	if !stop() {
		if err == nil {
			_ = sshSession.Close()
		}

		session.fail(logger, "failed to open interactive shell", session.establishError(ctx, address, ctx.Err()))

		return
	}
	if err != nil {
		session.fail(logger, "failed to open interactive shell", err)
		return
	}
	defer sshSession.Close()

	session.stateLock.Lock()
	if session.ctx.Err() != nil {
		session.stateLock.Unlock()
		return
	}
	session.sshSession = sshSession
	session.state = StateShellOpen
	session.stateLock.Unlock()

	stopInput := make(chan struct{})
	inputDone := make(chan struct{})

	go func() {
		defer close(inputDone)

		session.forwardInput(stdin, stopInput)
	}()

	logger.Info("interactive shell is open")

	session.emit(func(ctx context.Context) {
		session.handler.SessionReady(ctx)
	})

	relayErr := session.relayOutput(stdout)
	if relayErr == nil {
		relayErr = sshSession.Wait()
	}

	// Closing the client unblocks a write stuck on a full channel window
	close(stopInput)
	_ = client.Close()
	<-inputDone

	session.stateLock.Lock()
	if session.inputErr != nil {
		relayErr = session.inputErr
	}
	session.stateLock.Unlock()

	var exitErr *ssh.ExitError
	if relayErr == nil || errors.As(relayErr, &exitErr) || session.ctx.Err() != nil {
		session.setState(StateClosed)
		logger.Info("interactive shell was closed", zap.NamedError("exit", relayErr))
	} else {
		session.setState(StateFailed)
		logger.Warn("interactive shell failed", zap.Error(relayErr))

		session.emit(func(ctx context.Context) {
			session.handler.SessionError(ctx, relayErr)
		})
	}

	session.emit(func(ctx context.Context) {
		session.handler.SessionClosed(ctx)
	})
}

func (session *Session) establish(ctx context.Context, credentials Credentials) (*ssh.Client, error) {
	address := credentials.Address()

	conn, err := session.dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, session.establishError(ctx, address, err)
	}

	session.setState(StateAuthenticating)

	// ssh.NewClientConn knows nothing about contexts, so break the handshake
	// by closing the connection underneath it
	stop := context.AfterFunc(ctx, func() {
		_ = conn.Close()
	})

	password := credentials.Password
	config := &ssh.ClientConfig{
		User: credentials.Username,
		Auth: []ssh.AuthMethod{
			ssh.Password(password),
			ssh.KeyboardInteractive(func(user, instruction string, questions []string, echos []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = password
				}

				return answers, nil
			}),
		},
		HostKeyCallback: session.hostKeyCallback,
		Timeout:         session.connectTimeout,
	}

	sshConn, channels, requests, err := ssh.NewClientConn(conn, address, config)
	if !stop() {
		if err == nil {
			_ = sshConn.Close()
		}

		return nil, session.establishError(ctx, address, ctx.Err())
	}
	if err != nil {
		_ = conn.Close()

		return nil, session.establishError(ctx, address, err)
	}

	return ssh.NewClient(sshConn, channels, requests), nil
}

func (session *Session) establishError(ctx context.Context, address string, err error) error {
	if session.ctx.Err() != nil {
		return session.ctx.Err()
	}

	var netErr net.Error
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%w: %s did not respond within %s", ErrConnectTimeout, address, session.connectTimeout)
	}

	return err
}

func (session *Session) openShell(client *ssh.Client) (*ssh.Session, io.WriteCloser, io.Reader, error) {
	sshSession, err := client.NewSession()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to create SSH session: %w", err)
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}

	session.stateLock.Lock()
	widthColumns, heightRows := session.widthColumns, session.heightRows
	session.stateLock.Unlock()

	if err := sshSession.RequestPty(session.terminalType, int(heightRows), int(widthColumns), modes); err != nil {
		_ = sshSession.Close()
		return nil, nil, nil, fmt.Errorf("failed to request PTY: %w", err)
	}

	stdin, err := sshSession.StdinPipe()
	if err != nil {
		_ = sshSession.Close()
		return nil, nil, nil, err
	}

	stdout, err := sshSession.StdoutPipe()
	if err != nil {
		_ = sshSession.Close()
		return nil, nil, nil, err
	}

	// With a PTY most servers merge stderr into stdout, but not all of them do
	sshSession.Stderr = dataWriter{session: session}

	if err := sshSession.Shell(); err != nil {
		_ = sshSession.Close()
		return nil, nil, nil, fmt.Errorf("failed to start shell: %w", err)
	}

	return sshSession, stdin, stdout, nil
}

func (session *Session) relayOutput(stdout io.Reader) error {
	buf := make([]byte, readBufferSize)

	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			session.emitData(buf[:n])
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}

			return err
		}
	}
}

func (session *Session) emitData(data []byte) {
	chunk := make([]byte, len(data))
	copy(chunk, data)

	session.emit(func(ctx context.Context) {
		session.handler.SessionData(ctx, chunk)
	})
}

func (session *Session) fail(logger *zap.Logger, message string, err error) {
	if session.ctx.Err() != nil {
		logger.Debug("session was torn down while connecting")
		return
	}

	session.setState(StateFailed)
	logger.Warn(message, zap.Error(err))

	session.emit(func(ctx context.Context) {
		session.handler.SessionError(ctx, err)
	})
}

func (session *Session) emit(f func(ctx context.Context)) {
	session.emitLock.Lock()
	defer session.emitLock.Unlock()

	if session.detached {
		return
	}

	f(session.ctx)
}

func (session *Session) setState(state State) {
	session.stateLock.Lock()
	defer session.stateLock.Unlock()

	// Teardown has the final word
	if session.state == StateClosed && session.ctx.Err() != nil {
		return
	}

	session.state = state
}

type dataWriter struct {
	session *Session
}

func (writer dataWriter) Write(data []byte) (int, error) {
	writer.session.emitData(data)

	return len(data), nil
}
