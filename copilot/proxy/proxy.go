// Package proxy serves the copilot side of the wire protocol: it accepts a WebSocket, decodes
// Content-Length framed JSON-RPC requests, multiplexes sessions over the connection and
// bridges each session to a backend Engine.  The client side lives in the copilot package.
package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/swdunlop/copilot-go/copilot/host/api"
	"github.com/swdunlop/copilot-go/copilot/wire"
	"github.com/swdunlop/html-go/hog"
	"nhooyr.io/websocket"
)

// API returns an api.Option that serves the proxy at the specified route.
func API(route string, options ...Option) api.Option {
	return api.Handle(route, Handle(options...))
}

// HealthAPI returns an api.Option that serves the liveness probe at the specified route,
// answering {"ok":true} so an add-in can tell the proxy is up before dialing the WebSocket.
func HealthAPI(route string) api.Option {
	return api.Handle(route, Health())
}

// Health returns the liveness probe handler.
func Health() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(`Content-Type`, `application/json`)
		_, _ = w.Write([]byte(`{"ok":true}` + "\n"))
	})
}

// Handle returns a http.Handler that upgrades the connection to a WebSocket and serves the
// proxy protocol until the connection is closed.
func Handle(options ...Option) http.Handler {
	var cfg config
	cfg.init(options...)
	return &cfg
}

// An Option affects how the proxy serves connections.
type Option func(*config)

// Backend specifies the Engine that answers sessions.  Defaults to Echo.
func Backend(engine Engine) Option {
	return func(cfg *config) { cfg.engine = engine }
}

// ReadLimit specifies the maximum size of a read message.  Defaults to -1 which imposes no
// limit.
func ReadLimit(limit int64) Option {
	return func(cfg *config) { cfg.readLimit = limit }
}

// ToolTimeout bounds how long a turn waits for the add-in to answer a tool call.  Defaults to
// 30 seconds.
func ToolTimeout(timeout time.Duration) Option {
	return func(cfg *config) { cfg.toolTimeout = timeout }
}

type config struct {
	engine      Engine
	readLimit   int64
	toolTimeout time.Duration
}

func (cfg *config) init(options ...Option) {
	cfg.engine = Echo()
	cfg.readLimit = -1
	cfg.toolTimeout = 30 * time.Second
	for _, opt := range options {
		opt(cfg)
	}
}

// ServeHTTP implements http.Handler.
func (cfg *config) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	err := cfg.serveHTTP(w, r)
	if err != nil {
		hog.For(r).Error().Err(err).Msg(`copilot proxy error`)
	}
}

func (cfg *config) serveHTTP(w http.ResponseWriter, r *http.Request) error {
	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		return err
	}
	defer func() { _ = ws.CloseNow() }()
	ws.SetReadLimit(cfg.readLimit)

	var group sync.WaitGroup
	defer group.Wait()
	// net/http only cancels r.Context() after ServeHTTP returns, which never happens while
	// group.Wait blocks on a turn.  Cancelling here when the read loop exits ends every
	// in-flight turn along with its connection; deferred after Wait so it runs first.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	c := &conn{cfg: cfg, ws: ws, ctx: ctx, sessions: make(map[string]*session)}
	var dec wire.Decoder
	for {
		_, p, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) < 0 && ctx.Err() == nil {
				return err
			}
			return nil
		}
		for msg, err := range dec.Feed(p) {
			if err != nil {
				ferr, ok := err.(*wire.FrameError)
				if ok && ferr.Recoverable() {
					hog.From(ctx).Warn().Err(err).Msg(`skipping undecodable frame`)
					continue
				}
				_ = ws.Close(websocket.StatusProtocolError, err.Error())
				return err
			}
			req, ok := msg.(*wire.Request)
			if !ok {
				hog.From(ctx).Warn().Type(`envelope`, msg).Msg(`dropping unexpected envelope`)
				continue
			}
			group.Add(1)
			go func() {
				defer group.Done()
				c.handle(ctx, req)
			}()
		}
	}
}

// A conn is the state of one WebSocket connection: its write lock and the sessions created
// over it.
type conn struct {
	cfg *config
	ws  *websocket.Conn
	ctx context.Context // the connection's request context, used for event writes

	writeMu  sync.Mutex
	mu       sync.Mutex
	sessions map[string]*session
}

func (c *conn) send(ctx context.Context, msg wire.Message) error {
	frame, err := wire.Encode(msg)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.Write(ctx, websocket.MessageText, frame)
}

// emit sends a session event; write failures are logged, the read loop will observe the dead
// connection soon enough.
func (c *conn) emit(sessionID string, typ wire.EventType, parentID string, data any) {
	ev := &wire.Event{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Timestamp: time.Now().UTC(),
		ParentID:  parentID,
		Type:      typ,
	}
	if data != nil {
		js, err := json.Marshal(data)
		if err != nil {
			hog.From(c.ctx).Error().Err(err).Str(`type`, string(typ)).Msg(`cannot encode event`)
			return
		}
		ev.Data = js
	}
	err := c.send(c.ctx, ev)
	if err != nil {
		hog.From(c.ctx).Warn().Err(err).Str(`type`, string(typ)).Msg(`cannot send event`)
	}
}

func (c *conn) succeed(ctx context.Context, id int64, result any) {
	js, err := json.Marshal(result)
	if err != nil {
		c.fail(ctx, id, 500, fmt.Sprintf(`%v while encoding result`, err))
		return
	}
	err = c.send(ctx, &wire.Response{JSONRPC: wire.Version, ID: id, Result: js})
	if err != nil {
		hog.From(ctx).Warn().Err(err).Msg(`cannot send response`)
	}
}

func (c *conn) fail(ctx context.Context, id int64, code int, msg string) {
	err := c.send(ctx, &wire.Response{JSONRPC: wire.Version, ID: id, Error: &wire.Error{Code: code, Message: msg}})
	if err != nil {
		hog.From(ctx).Warn().Err(err).Msg(`cannot send error response`)
	}
}

// handle dispatches one decoded request.  Notifications route separately from calls, like any
// JSON-RPC peer, since they cannot be answered.
func (c *conn) handle(ctx context.Context, req *wire.Request) {
	if req.ID == 0 {
		switch req.Method {
		case wire.MethodSessionCancel:
			c.cancelSession(ctx, req.Params)
		default:
			hog.From(ctx).Warn().Str(`method`, req.Method).Msg(`dropping unknown notification`)
		}
		return
	}
	switch req.Method {
	case wire.MethodModelsList:
		c.listModels(ctx, req)
	case wire.MethodSessionCreate:
		c.createSession(ctx, req)
	case wire.MethodSessionQuery:
		c.querySession(ctx, req)
	case wire.MethodSessionSend:
		c.sendToSession(ctx, req)
	case wire.MethodSessionTools:
		c.replaceSessionTools(ctx, req)
	case wire.MethodSessionToolResult:
		c.resolveSessionTool(ctx, req)
	case wire.MethodSessionDestroy:
		c.destroySession(ctx, req)
	default:
		c.fail(ctx, req.ID, 404, fmt.Sprintf(`method %q not found`, req.Method))
	}
}

// decode unmarshals request params, failing the call with 406 when they do not fit.
func decode[T any](c *conn, ctx context.Context, req *wire.Request) (*T, bool) {
	params := new(T)
	if len(req.Params) > 0 {
		err := json.Unmarshal(req.Params, params)
		if err != nil {
			c.fail(ctx, req.ID, 406, fmt.Sprintf(`%v while decoding %s params`, err, req.Method))
			return nil, false
		}
	}
	return params, true
}

func (c *conn) listModels(ctx context.Context, req *wire.Request) {
	models, err := c.cfg.engine.Models(ctx)
	if err != nil {
		c.fail(ctx, req.ID, 500, err.Error())
		return
	}
	if models == nil {
		models = []wire.ModelInfo{}
	}
	c.succeed(ctx, req.ID, &wire.ModelsListResult{Models: models})
}

func (c *conn) createSession(ctx context.Context, req *wire.Request) {
	params, ok := decode[wire.SessionCreateParams](c, ctx, req)
	if !ok {
		return
	}
	if params.Model == `` {
		c.fail(ctx, req.ID, 406, `session.create requires a model`)
		return
	}
	s := newSession(c, params)
	c.mu.Lock()
	c.sessions[s.id] = s
	c.mu.Unlock()
	hog.From(ctx).Info().Str(`session`, s.id).Str(`model`, s.model).Msg(`session created`)
	c.succeed(ctx, req.ID, &wire.SessionCreateResult{SessionID: s.id})
}

func (c *conn) session(ctx context.Context, req *wire.Request, sessionID string) *session {
	c.mu.Lock()
	s := c.sessions[sessionID]
	c.mu.Unlock()
	if s == nil {
		c.fail(ctx, req.ID, 404, fmt.Sprintf(`session %q not found`, sessionID))
	}
	return s
}

// querySession starts a turn.  The {messageId} response is sent before the first event so the
// client sees its call resolve before it must consume the stream.
func (c *conn) querySession(ctx context.Context, req *wire.Request) {
	params, ok := decode[wire.SessionMessageParams](c, ctx, req)
	if !ok {
		return
	}
	s := c.session(ctx, req, params.SessionID)
	if s == nil {
		return
	}
	turnCtx, cancel := context.WithCancel(ctx)
	parentID, code, err := s.beginTurn(params.Content, cancel)
	if err != nil {
		cancel()
		c.fail(ctx, req.ID, code, err.Error())
		return
	}
	c.succeed(ctx, req.ID, &wire.SessionMessageResult{MessageID: parentID})
	defer cancel()
	s.run(turnCtx, parentID)
}

func (c *conn) sendToSession(ctx context.Context, req *wire.Request) {
	params, ok := decode[wire.SessionMessageParams](c, ctx, req)
	if !ok {
		return
	}
	s := c.session(ctx, req, params.SessionID)
	if s == nil {
		return
	}
	c.succeed(ctx, req.ID, &wire.SessionMessageResult{MessageID: s.append(params.Content)})
}

func (c *conn) replaceSessionTools(ctx context.Context, req *wire.Request) {
	params, ok := decode[wire.SessionToolsParams](c, ctx, req)
	if !ok {
		return
	}
	s := c.session(ctx, req, params.SessionID)
	if s == nil {
		return
	}
	s.replaceTools(params.Tools)
	c.succeed(ctx, req.ID, struct{}{})
}

func (c *conn) resolveSessionTool(ctx context.Context, req *wire.Request) {
	params, ok := decode[wire.SessionToolResultParams](c, ctx, req)
	if !ok {
		return
	}
	s := c.session(ctx, req, params.SessionID)
	if s == nil {
		return
	}
	err := s.resolveTool(params)
	if err != nil {
		c.fail(ctx, req.ID, 404, err.Error())
		return
	}
	c.succeed(ctx, req.ID, struct{}{})
}

func (c *conn) cancelSession(ctx context.Context, params json.RawMessage) {
	var ref wire.SessionRefParams
	err := json.Unmarshal(params, &ref)
	if err != nil {
		hog.From(ctx).Warn().Err(err).Msg(`dropping bad session.cancel`)
		return
	}
	c.mu.Lock()
	s := c.sessions[ref.SessionID]
	c.mu.Unlock()
	if s != nil {
		s.interrupt()
	}
}

// destroySession is idempotent, destroying an unknown or already destroyed session succeeds.
func (c *conn) destroySession(ctx context.Context, req *wire.Request) {
	params, ok := decode[wire.SessionRefParams](c, ctx, req)
	if !ok {
		return
	}
	c.mu.Lock()
	s := c.sessions[params.SessionID]
	delete(c.sessions, params.SessionID)
	c.mu.Unlock()
	if s != nil {
		s.interrupt()
		hog.From(ctx).Info().Str(`session`, s.id).Msg(`session destroyed`)
	}
	c.succeed(ctx, req.ID, struct{}{})
}
