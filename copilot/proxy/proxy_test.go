package proxy_test

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/swdunlop/copilot-go/copilot/proxy"
	"github.com/swdunlop/copilot-go/copilot/wire"
	"nhooyr.io/websocket"
)

// dial connects a bare WebSocket to a proxy so tests can speak raw frames at it.
func dial(t *testing.T, options ...proxy.Option) *rawConn {
	t.Helper()
	svr := httptest.NewServer(proxy.Handle(options...))
	t.Cleanup(svr.Close)
	ws, _, err := websocket.Dial(t.Context(), `ws`+strings.TrimPrefix(svr.URL, `http`), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.CloseNow() })
	return &rawConn{t: t, ws: ws}
}

type rawConn struct {
	t   *testing.T
	ws  *websocket.Conn
	dec wire.Decoder
}

func (c *rawConn) call(id int64, method string, params any) {
	c.t.Helper()
	req, err := wire.NewRequest(id, method, params)
	require.NoError(c.t, err)
	frame, err := wire.Encode(req)
	require.NoError(c.t, err)
	require.NoError(c.t, c.ws.Write(c.t.Context(), websocket.MessageText, frame))
}

// next reads envelopes until one decodes, failing the test after a few seconds of silence.
func (c *rawConn) next() wire.Message {
	c.t.Helper()
	ctx, cancel := context.WithTimeout(c.t.Context(), 5*time.Second)
	defer cancel()
	for {
		var got wire.Message
		c.dec.Feed(nil)(func(msg wire.Message, err error) bool {
			require.NoError(c.t, err)
			got = msg
			return false
		})
		if got != nil {
			return got
		}
		_, p, err := c.ws.Read(ctx)
		require.NoError(c.t, err)
		c.dec.Feed(p)(func(msg wire.Message, err error) bool {
			require.NoError(c.t, err)
			got = msg
			return false
		})
		if got != nil {
			return got
		}
	}
}

func (c *rawConn) response(id int64) *wire.Response {
	c.t.Helper()
	for {
		msg := c.next()
		ret, ok := msg.(*wire.Response)
		if !ok {
			continue // an event; the caller does not care here
		}
		require.Equal(c.t, id, ret.ID)
		return ret
	}
}

func TestUnknownMethod(t *testing.T) {
	c := dial(t)
	c.call(1, `models.destroy`, nil)
	ret := c.response(1)
	require.NotNil(t, ret.Error)
	assert.Equal(t, 404, ret.Error.Code)
}

func TestBadParams(t *testing.T) {
	c := dial(t)
	req, err := wire.NewRequest(1, wire.MethodSessionCreate, nil)
	require.NoError(t, err)
	req.Params = []byte(`{"model":5}`)
	frame, err := wire.Encode(req)
	require.NoError(t, err)
	require.NoError(t, c.ws.Write(t.Context(), websocket.MessageText, frame))
	ret := c.response(1)
	require.NotNil(t, ret.Error)
	assert.Equal(t, 406, ret.Error.Code)
}

func TestCreateRequiresModel(t *testing.T) {
	c := dial(t)
	c.call(1, wire.MethodSessionCreate, &wire.SessionCreateParams{})
	ret := c.response(1)
	require.NotNil(t, ret.Error)
	assert.Equal(t, 406, ret.Error.Code)
}

func TestUnknownSession(t *testing.T) {
	c := dial(t)
	c.call(1, wire.MethodSessionQuery, &wire.SessionMessageParams{SessionID: `nope`, Content: `hi`})
	ret := c.response(1)
	require.NotNil(t, ret.Error)
	assert.Equal(t, 404, ret.Error.Code)
}

func TestStrayToolResult(t *testing.T) {
	c := dial(t)
	c.call(1, wire.MethodSessionCreate, &wire.SessionCreateParams{Model: `echo`})
	ret := c.response(1)
	require.Nil(t, ret.Error)
	var created wire.SessionCreateResult
	require.NoError(t, unmarshal(t, ret.Result, &created))

	c.call(2, wire.MethodSessionToolResult, &wire.SessionToolResultParams{
		SessionID: created.SessionID, ToolCallID: `t-404`, Success: true,
	})
	ret = c.response(2)
	require.NotNil(t, ret.Error)
	assert.Equal(t, 404, ret.Error.Code)
}

func TestDestroyUnknownSessionSucceeds(t *testing.T) {
	c := dial(t)
	c.call(1, wire.MethodSessionDestroy, &wire.SessionRefParams{SessionID: `never-existed`})
	ret := c.response(1)
	assert.Nil(t, ret.Error)
}

// The {messageId} answer to session.query arrives before the turn's events, so a client can
// finish its call before it starts consuming the stream.
func TestQueryRespondsBeforeEvents(t *testing.T) {
	c := dial(t)
	c.call(1, wire.MethodSessionCreate, &wire.SessionCreateParams{Model: `echo`})
	ret := c.response(1)
	require.Nil(t, ret.Error)
	var created wire.SessionCreateResult
	require.NoError(t, unmarshal(t, ret.Result, &created))

	c.call(2, wire.MethodSessionQuery, &wire.SessionMessageParams{SessionID: created.SessionID, Content: `ping`})

	msg := c.next()
	rsp, ok := msg.(*wire.Response)
	require.True(t, ok, `expected the query response first, got %T`, msg)
	require.Nil(t, rsp.Error)

	var sawIdle bool
	for !sawIdle {
		ev, ok := c.next().(*wire.Event)
		require.True(t, ok)
		assert.Equal(t, created.SessionID, ev.SessionID)
		assert.NotEmpty(t, ev.ID)
		assert.False(t, ev.Timestamp.IsZero())
		sawIdle = ev.Type == wire.SessionIdle
	}
}

// Turns end with their connection: when the WebSocket drops mid-turn, the turn context is
// cancelled so the engine can stop instead of streaming into the void forever.
func TestConnectionDropCancelsTurn(t *testing.T) {
	cancelled := make(chan struct{})
	c := dial(t, proxy.Backend(proxy.Funcs{
		Reply: func(ctx context.Context, turn *proxy.Turn) error {
			<-ctx.Done()
			close(cancelled)
			return ctx.Err()
		},
	}))

	c.call(1, wire.MethodSessionCreate, &wire.SessionCreateParams{Model: `echo`})
	ret := c.response(1)
	require.Nil(t, ret.Error)
	var created wire.SessionCreateResult
	require.NoError(t, unmarshal(t, ret.Result, &created))

	c.call(2, wire.MethodSessionQuery, &wire.SessionMessageParams{SessionID: created.SessionID, Content: `hi`})
	ret = c.response(2)
	require.Nil(t, ret.Error) // the turn is now blocked in the engine

	require.NoError(t, c.ws.CloseNow())
	select {
	case <-cancelled:
	case <-time.After(5 * time.Second):
		t.Fatal(`turn still running after its connection dropped`)
	}
}

func TestHealth(t *testing.T) {
	w := httptest.NewRecorder()
	proxy.Health().ServeHTTP(w, httptest.NewRequest(`GET`, `/api/copilot-health`, nil))
	assert.Equal(t, 200, w.Code)
	assert.JSONEq(t, `{"ok":true}`, w.Body.String())
}

func TestEchoModels(t *testing.T) {
	models, err := proxy.Echo().Models(t.Context())
	require.NoError(t, err)
	require.Len(t, models, 1)
	assert.Equal(t, `echo`, models[0].ID)
}

func unmarshal(t *testing.T, raw []byte, out any) error {
	t.Helper()
	return json.Unmarshal(raw, out)
}
