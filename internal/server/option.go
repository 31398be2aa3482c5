package server

import (
	"github.com/adminpanel/relay/internal/monitor"
	"github.com/adminpanel/relay/internal/prober"
	"github.com/adminpanel/relay/internal/server/connection"
	"github.com/adminpanel/relay/internal/shell"
	"go.uber.org/zap"
	"net/http"
)

type Option func(*RelayServer)

type WebsocketOriginFunc func(*http.Request) bool
type ConnectionIDGenerator func() string

func WithLogger(logger *zap.Logger) Option {
	return func(rs *RelayServer) {
		rs.logger = logger
	}
}

func WithServerAddress(address string) Option {
	return func(rs *RelayServer) {
		rs.addresses = append(rs.addresses, address)
	}
}

func WithServerAddresses(addresses []string) Option {
	return func(rs *RelayServer) {
		rs.addresses = append(rs.addresses, addresses...)
	}
}

// WithWebsocketOriginFunc overrides the origin check. Without it only same-host
// origins (and requests with no Origin header at all) are accepted.
func WithWebsocketOriginFunc(websocketOriginFunc WebsocketOriginFunc) Option {
	return func(rs *RelayServer) {
		rs.websocketOriginFunc = websocketOriginFunc
	}
}

func WithConnectionIDGenerator(connectionIDGenerator ConnectionIDGenerator) Option {
	return func(rs *RelayServer) {
		rs.generateConnectionID = connectionIDGenerator
	}
}

// WithProber makes every client connection probe hosts with hostProber.
func WithProber(hostProber prober.Prober) Option {
	return func(rs *RelayServer) {
		rs.connectionOpts = append(rs.connectionOpts, connection.WithProber(hostProber))
	}
}

func WithMonitorOptions(opts ...monitor.Option) Option {
	return func(rs *RelayServer) {
		rs.connectionOpts = append(rs.connectionOpts, connection.WithMonitorOptions(opts...))
	}
}

func WithSessionOptions(opts ...shell.Option) Option {
	return func(rs *RelayServer) {
		rs.connectionOpts = append(rs.connectionOpts, connection.WithSessionOptions(opts...))
	}
}

func WithStaticDir(staticDir string) Option {
	return func(rs *RelayServer) {
		rs.staticDir = staticDir
	}
}

func WithMaxMessageSize(maxMessageSize int64) Option {
	return func(rs *RelayServer) {
		rs.maxMessageSize = maxMessageSize
	}
}

func WithGCPProjectID(gcpProjectID string) Option {
	return func(rs *RelayServer) {
		rs.gcpProjectID = gcpProjectID
	}
}
