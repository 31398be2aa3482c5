// Package sshtest runs a real SSH server in-process for tests.
//
// The server accepts a single username/password pair, grants PTY requests and
// runs an "echo shell": every byte written to it is written back unchanged,
// except for input containing one of the control words below.
package sshtest

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"golang.org/x/crypto/ssh"
	"net"
	"strconv"
	"sync"
	"testing"
)

const (
	Greeting = "welcome to sshtest\r\n"

	// ExitWord makes the shell exit cleanly with status 0.
	ExitWord = "exit"
	// CrashWord makes the server drop the TCP connection without closing the channel.
	CrashWord = "crash"
	// StallWord makes the shell stop reading its input for good, so the channel's
	// window eventually fills up.
	StallWord = "stall"
)

type WindowChange struct {
	WidthColumns uint32
	HeightRows   uint32
}

type Server struct {
	Username string
	Password string

	listener       net.Listener
	config         *ssh.ServerConfig
	ignoreChannels bool
	closed         chan struct{}

	connsLock sync.Mutex
	conns     map[net.Conn]struct{}

	WindowChanges chan WindowChange
	PtyRequests   chan WindowChange

	wg        sync.WaitGroup
	closeOnce sync.Once
}

func New(t testing.TB) *Server {
	t.Helper()

	return newServer(t, false)
}

// NewUnresponsive returns a server that authenticates clients but never answers
// their channel open requests.
func NewUnresponsive(t testing.TB) *Server {
	t.Helper()

	return newServer(t, true)
}

func newServer(t testing.TB, ignoreChannels bool) *Server {
	t.Helper()

	_, hostKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate host key: %v", err)
	}
	hostSigner, err := ssh.NewSignerFromKey(hostKey)
	if err != nil {
		t.Fatalf("failed to create host key signer: %v", err)
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}

	server := &Server{
		Username:       "operator",
		Password:       "correct horse battery staple",
		listener:       listener,
		ignoreChannels: ignoreChannels,
		closed:         make(chan struct{}),
		conns:          make(map[net.Conn]struct{}),
		WindowChanges:  make(chan WindowChange, 16),
		PtyRequests:    make(chan WindowChange, 16),
	}

	server.config = &ssh.ServerConfig{
		PasswordCallback: func(conn ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			if conn.User() == server.Username && string(password) == server.Password {
				return &ssh.Permissions{}, nil
			}

			return nil, fmt.Errorf("password rejected for %q", conn.User())
		},
	}
	server.config.AddHostKey(hostSigner)

	server.wg.Add(1)
	go server.serve()

	t.Cleanup(server.Close)

	return server
}

func (server *Server) Host() string {
	return server.listener.Addr().(*net.TCPAddr).IP.String()
}

func (server *Server) Port() int {
	return server.listener.Addr().(*net.TCPAddr).Port
}

func (server *Server) Address() string {
	return net.JoinHostPort(server.Host(), strconv.Itoa(server.Port()))
}

// ActiveConnections returns the number of TCP connections the server currently holds open.
func (server *Server) ActiveConnections() int {
	server.connsLock.Lock()
	defer server.connsLock.Unlock()

	return len(server.conns)
}

func (server *Server) Close() {
	server.closeOnce.Do(func() {
		close(server.closed)
		_ = server.listener.Close()

		server.connsLock.Lock()
		for conn := range server.conns {
			_ = conn.Close()
		}
		server.connsLock.Unlock()

		server.wg.Wait()
	})
}

func (server *Server) serve() {
	defer server.wg.Done()

	for {
		netConn, err := server.listener.Accept()
		if err != nil {
			return
		}

		server.connsLock.Lock()
		server.conns[netConn] = struct{}{}
		server.connsLock.Unlock()

		server.wg.Add(1)
		go func() {
			defer server.wg.Done()
			defer func() {
				server.connsLock.Lock()
				delete(server.conns, netConn)
				server.connsLock.Unlock()
			}()

			server.handleConn(netConn)
		}()
	}
}

func (server *Server) handleConn(netConn net.Conn) {
	defer netConn.Close()

	sshConn, channels, requests, err := ssh.NewServerConn(netConn, server.config)
	if err != nil {
		return
	}
	defer sshConn.Close()

	go ssh.DiscardRequests(requests)

	if server.ignoreChannels {
		_ = sshConn.Wait()
		return
	}

	for newChannel := range channels {
		if newChannel.ChannelType() != "session" {
			_ = newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}

		channel, channelRequests, err := newChannel.Accept()
		if err != nil {
			continue
		}

		go server.handleSession(netConn, channel, channelRequests)
	}
}

func (server *Server) handleSession(netConn net.Conn, channel ssh.Channel, requests <-chan *ssh.Request) {
	defer channel.Close()

	for request := range requests {
		switch request.Type {
		case "pty-req":
			if dims, ok := parsePtyRequest(request.Payload); ok {
				server.notify(server.PtyRequests, dims)
			}
			_ = request.Reply(true, nil)
		case "window-change":
			if len(request.Payload) >= 8 {
				server.notify(server.WindowChanges, WindowChange{
					WidthColumns: binary.BigEndian.Uint32(request.Payload[0:4]),
					HeightRows:   binary.BigEndian.Uint32(request.Payload[4:8]),
				})
			}
			if request.WantReply {
				_ = request.Reply(true, nil)
			}
		case "shell":
			_ = request.Reply(true, nil)
			go server.echo(netConn, channel)
		default:
			if request.WantReply {
				_ = request.Reply(false, nil)
			}
		}
	}
}

func (server *Server) echo(netConn net.Conn, channel ssh.Channel) {
	if _, err := channel.Write([]byte(Greeting)); err != nil {
		return
	}

	buf := make([]byte, 4096)

	for {
		n, err := channel.Read(buf)
		if err != nil {
			return
		}
		chunk := buf[:n]

		switch {
		case bytes.Contains(chunk, []byte(CrashWord)):
			_ = netConn.Close()
			return
		case bytes.Contains(chunk, []byte(StallWord)):
			<-server.closed
			return
		case bytes.Contains(chunk, []byte(ExitWord)):
			_, _ = channel.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{0}))
			_ = channel.Close()
			return
		}

		if _, err := channel.Write(chunk); err != nil {
			return
		}
	}
}

func (server *Server) notify(ch chan WindowChange, dims WindowChange) {
	select {
	case ch <- dims:
	default:
	}
}

func parsePtyRequest(payload []byte) (WindowChange, bool) {
	var request struct {
		Term     string
		Columns  uint32
		Rows     uint32
		Width    uint32
		Height   uint32
		Modelist string
	}

	if err := ssh.Unmarshal(payload, &request); err != nil {
		return WindowChange{}, false
	}

	return WindowChange{WidthColumns: request.Columns, HeightRows: request.Rows}, true
}

// NewBlackhole returns the address of a TCP listener that accepts connections
// and never says anything, which stalls an SSH handshake indefinitely.
func NewBlackhole(t testing.TB) string {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}

	var connsLock sync.Mutex
	var conns []net.Conn

	done := make(chan struct{})
	go func() {
		defer close(done)

		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}

			connsLock.Lock()
			conns = append(conns, conn)
			connsLock.Unlock()
		}
	}()

	t.Cleanup(func() {
		_ = listener.Close()
		<-done

		connsLock.Lock()
		for _, conn := range conns {
			_ = conn.Close()
		}
		connsLock.Unlock()
	})

	return listener.Addr().String()
}
