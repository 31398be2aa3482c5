package shell

import (
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
	"time"
)

type Option func(*Session)

func WithLogger(logger *zap.Logger) Option {
	return func(session *Session) {
		session.logger = logger
	}
}

// WithConnectTimeout bounds the time from dialing until authentication completes.
func WithConnectTimeout(timeout time.Duration) Option {
	return func(session *Session) {
		session.connectTimeout = timeout
	}
}

func WithHostKeyCallback(hostKeyCallback ssh.HostKeyCallback) Option {
	return func(session *Session) {
		session.hostKeyCallback = hostKeyCallback
	}
}

func WithDialer(dialer Dialer) Option {
	return func(session *Session) {
		session.dialer = dialer
	}
}

func WithTerminalType(terminalType string) Option {
	return func(session *Session) {
		session.terminalType = terminalType
	}
}

func WithDimensions(widthColumns, heightRows uint32) Option {
	return func(session *Session) {
		if widthColumns != 0 && heightRows != 0 {
			session.widthColumns = widthColumns
			session.heightRows = heightRows
		}
	}
}
