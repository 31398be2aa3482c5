package connection

import (
	"github.com/adminpanel/relay/internal/monitor"
	"github.com/adminpanel/relay/internal/prober"
	"github.com/adminpanel/relay/internal/shell"
	"go.uber.org/zap"
)

type Option func(*Connection)

func WithLogger(logger *zap.Logger) Option {
	return func(conn *Connection) {
		conn.logger = logger
	}
}

func WithProber(hostProber prober.Prober) Option {
	return func(conn *Connection) {
		conn.prober = hostProber
	}
}

func WithMonitorOptions(opts ...monitor.Option) Option {
	return func(conn *Connection) {
		conn.monitorOpts = append(conn.monitorOpts, opts...)
	}
}

func WithSessionOptions(opts ...shell.Option) Option {
	return func(conn *Connection) {
		conn.sessionOpts = append(conn.sessionOpts, opts...)
	}
}
