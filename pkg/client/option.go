package client

import (
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"net/http"
)

type Option func(*Client)

func WithLogger(logger *zap.Logger) Option {
	return func(client *Client) {
		client.logger = logger
	}
}

// WithHeader adds headers to the websocket handshake request, e.g. an Origin.
func WithHeader(header http.Header) Option {
	return func(client *Client) {
		client.header = header
	}
}

func WithDialer(dialer *websocket.Dialer) Option {
	return func(client *Client) {
		client.dialer = dialer
	}
}

func WithEventBufferSize(size int) Option {
	return func(client *Client) {
		client.eventBufferSize = size
	}
}
