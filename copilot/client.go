package copilot

import (
	"context"
	"fmt"
	"sync"

	"github.com/swdunlop/copilot-go/copilot/wire"
	"github.com/swdunlop/html-go/hog"
	"nhooyr.io/websocket"
)

// A Client multiplexes one WebSocket connection to a copilot proxy.  Construct one with New,
// Start it, and create sessions; after a connection loss the client reports ErrDisconnected
// from Err until Start is called again.
type Client struct {
	url string
	cfg config

	mu       sync.Mutex
	tr       *transport
	d        *dispatcher
	sessions map[string]*Session
	err      error // why the last connection ended, nil while connected
}

// New returns a Client for the proxy at url, which is not yet connected.
func New(url string, options ...Option) (*Client, error) {
	c := &Client{url: url, err: ErrNotConnected}
	err := c.cfg.init(options...)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Start establishes the connection and begins decoding frames.  If the dial fails, no
// connection is left half-open.  Starting an already-connected client is an error; starting
// after Stop or a connection loss opens a fresh connection with a fresh id space, but sessions
// from the previous connection stay broken and must be recreated.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.tr != nil && c.err == nil {
		c.mu.Unlock()
		return fmt.Errorf(`copilot: client already started`)
	}
	c.mu.Unlock()

	tr, err := dialTransport(ctx, c.url, &c.cfg)
	if err != nil {
		return err
	}
	d := newDispatcher(tr, c.routeEvent)

	c.mu.Lock()
	if c.tr != nil && c.err == nil {
		// a concurrent Start won the race while we were dialing
		c.mu.Unlock()
		tr.close(websocket.StatusNormalClosure, `duplicate start`)
		return fmt.Errorf(`copilot: client already started`)
	}
	c.tr, c.d, c.err = tr, d, nil
	c.sessions = make(map[string]*Session)
	c.mu.Unlock()

	go c.readLoop(tr, d)
	return nil
}

// Stop tears down the connection, rejecting pending calls and breaking all owned sessions.
// Stopping a stopped client is a no-op.
func (c *Client) Stop(context.Context) error {
	c.disconnect(nil, fmt.Errorf(`%w: client stopped`, ErrNotConnected), websocket.StatusNormalClosure, `client stopped`)
	return nil
}

// Connected reports whether the client currently has a live connection.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tr != nil && c.err == nil
}

// Err returns why the client is not connected: nil while connected, ErrNotConnected before
// Start or after Stop, or an ErrDisconnected wrapping the transport failure.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// ListModels reports the models available through the proxy.
func (c *Client) ListModels(ctx context.Context) ([]wire.ModelInfo, error) {
	var ret wire.ModelsListResult
	err := c.call(ctx, wire.MethodModelsList, struct{}{}, &ret)
	if err != nil {
		return nil, err
	}
	return ret.Models, nil
}

// CreateSession asks the proxy for a new session and returns its handle.  The caller owns the
// session and should Destroy it to release proxy resources; the client never destroys idle
// sessions implicitly.
func (c *Client) CreateSession(ctx context.Context, cfg SessionConfig) (*Session, error) {
	params := wire.SessionCreateParams{Model: cfg.Model, Instructions: cfg.Instructions}
	for _, tool := range cfg.Tools {
		params.Tools = append(params.Tools, tool.ToolDef)
	}
	var ret wire.SessionCreateResult
	err := c.call(ctx, wire.MethodSessionCreate, params, &ret)
	if err != nil {
		return nil, err
	}
	if ret.SessionID == `` {
		return nil, fmt.Errorf(`copilot: proxy allocated an empty session id`)
	}
	s := newSession(c, ret.SessionID, cfg.Tools)
	c.mu.Lock()
	if c.sessions == nil {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	c.sessions[s.id] = s
	c.mu.Unlock()
	return s, nil
}

// call issues an RPC with the client's default call timeout applied when ctx has no deadline.
func (c *Client) call(ctx context.Context, method string, params, out any) error {
	c.mu.Lock()
	d, err := c.d, c.err
	c.mu.Unlock()
	if err != nil {
		return err
	}
	if _, ok := ctx.Deadline(); !ok && c.cfg.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.callTimeout)
		defer cancel()
	}
	return d.call(ctx, method, params, out)
}

func (c *Client) notify(ctx context.Context, method string, params any) error {
	c.mu.Lock()
	d, err := c.d, c.err
	c.mu.Unlock()
	if err != nil {
		return err
	}
	return d.notify(ctx, method, params)
}

// routeEvent forwards a session event to its session's sink; events for unknown sessions are
// dropped with a diagnostic.
func (c *Client) routeEvent(ctx context.Context, ev *wire.Event) {
	c.mu.Lock()
	s := c.sessions[ev.SessionID]
	c.mu.Unlock()
	if s == nil {
		hog.From(ctx).Warn().Str(`session`, ev.SessionID).Str(`type`, string(ev.Type)).
			Msg(`dropping event for unknown session`)
		return
	}
	s.deliver(ev)
}

// readLoop drives the transport until it fails, then tears the client down so pending calls
// reject and sessions break.
func (c *Client) readLoop(tr *transport, d *dispatcher) {
	err := tr.run(context.Background(), d.dispatch)
	c.disconnect(tr, fmt.Errorf(`%w: %w`, ErrDisconnected, err), websocket.StatusInternalError, `read failed`)
}

// disconnect tears down the given transport (or the current one when tr is nil) exactly once,
// rejecting pending calls and breaking sessions with err.
func (c *Client) disconnect(tr *transport, err error, code websocket.StatusCode, reason string) {
	c.mu.Lock()
	if c.tr == nil || (tr != nil && c.tr != tr) {
		c.mu.Unlock()
		return // already torn down, or a stale connection's read loop
	}
	tr, d := c.tr, c.d
	sessions := c.sessions
	c.err = err
	c.sessions = nil
	c.mu.Unlock()

	tr.close(code, reason)
	d.fail(err)
	for _, s := range sessions {
		s.broke(err)
	}
}

// dropSession removes a destroyed session from the registry.
func (c *Client) dropSession(id string) {
	c.mu.Lock()
	delete(c.sessions, id)
	c.mu.Unlock()
}
