// Package copilot is a client for the copilot proxy: it multiplexes one WebSocket connection
// into many concurrent RPC calls and chat sessions, framing messages as described by the wire
// package.  A Client owns the connection; Sessions are handed out as capability objects and
// must be destroyed by their holders to release proxy resources.
package copilot

import (
	"errors"
	"net/http"
	"time"
)

var (
	// ErrNotConnected is returned by calls issued before Start, after Stop, or after the
	// connection was lost.  Callers may Start again to reconnect; sessions do not survive
	// reconnection and must be recreated.
	ErrNotConnected = errors.New(`copilot: not connected`)

	// ErrDisconnected wraps the terminal transport error that broke the connection.
	ErrDisconnected = errors.New(`copilot: connection lost`)

	// ErrSessionBusy is returned when a query is started while another query on the same
	// session is still in flight.
	ErrSessionBusy = errors.New(`copilot: query already in flight`)

	// ErrSessionDestroyed is returned by operations on a destroyed session.
	ErrSessionDestroyed = errors.New(`copilot: session destroyed`)

	// ErrSessionBroken is returned by operations on a session whose query ended abnormally
	// or whose connection was lost; the session can only be destroyed.
	ErrSessionBroken = errors.New(`copilot: session broken`)
)

// An Option adjusts a Client during construction.
type Option func(*config) error

type config struct {
	httpClient  *http.Client
	header      http.Header
	callTimeout time.Duration
	toolTimeout time.Duration
	readLimit   int64
}

func (cfg *config) init(options ...Option) error {
	cfg.callTimeout = 30 * time.Second
	cfg.toolTimeout = 30 * time.Second
	cfg.readLimit = -1
	for _, option := range options {
		err := option(cfg)
		if err != nil {
			return err
		}
	}
	return nil
}

// HTTPClient specifies the HTTP client used for the WebSocket handshake.
func HTTPClient(hc *http.Client) Option {
	return func(cfg *config) error { cfg.httpClient = hc; return nil }
}

// Header specifies additional headers sent with the WebSocket handshake, such as authorization.
func Header(h http.Header) Option {
	return func(cfg *config) error { cfg.header = h; return nil }
}

// CallTimeout specifies the default deadline applied to RPC calls whose context has none.
// Zero disables the default.
func CallTimeout(d time.Duration) Option {
	return func(cfg *config) error { cfg.callTimeout = d; return nil }
}

// ToolTimeout bounds how long a registered tool handler may run before its call is reported
// upstream as a failed tool execution so the conversation can recover.
func ToolTimeout(d time.Duration) Option {
	return func(cfg *config) error { cfg.toolTimeout = d; return nil }
}

// ReadLimit specifies the maximum size of a read message.  Defaults to -1 which imposes no limit.
func ReadLimit(limit int64) Option {
	return func(cfg *config) error { cfg.readLimit = limit; return nil }
}
