package copilot_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/swdunlop/copilot-go/copilot"
	"github.com/swdunlop/copilot-go/copilot/proxy"
	"github.com/swdunlop/copilot-go/copilot/wire"
	"nhooyr.io/websocket"
)

// startClient runs a real proxy behind httptest and connects a client to it over WebSocket.
func startClient(t *testing.T, options ...proxy.Option) *copilot.Client {
	t.Helper()
	svr := httptest.NewServer(proxy.Handle(options...))
	t.Cleanup(svr.Close)
	client, err := copilot.New(`ws` + strings.TrimPrefix(svr.URL, `http`))
	require.NoError(t, err)
	require.NoError(t, client.Start(t.Context()))
	t.Cleanup(func() { _ = client.Stop(context.Background()) })
	return client
}

// startScripted connects a client to a bare WebSocket server that runs script in place of a
// real proxy, for tests that need a peer which answers late, out of order, or not at all.
func startScripted(t *testing.T, script func(ctx context.Context, ws *websocket.Conn), options ...copilot.Option) *copilot.Client {
	t.Helper()
	svr := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer func() { _ = ws.CloseNow() }()
		script(r.Context(), ws)
	}))
	t.Cleanup(svr.Close)
	client, err := copilot.New(`ws`+strings.TrimPrefix(svr.URL, `http`), options...)
	require.NoError(t, err)
	require.NoError(t, client.Start(t.Context()))
	t.Cleanup(func() { _ = client.Stop(context.Background()) })
	return client
}

// readRequests reads frames from ws until n requests have decoded.
func readRequests(t *testing.T, ctx context.Context, ws *websocket.Conn, dec *wire.Decoder, n int) []*wire.Request {
	t.Helper()
	var reqs []*wire.Request
	for len(reqs) < n {
		_, p, err := ws.Read(ctx)
		require.NoError(t, err)
		for msg, err := range dec.Feed(p) {
			require.NoError(t, err)
			if req, ok := msg.(*wire.Request); ok {
				reqs = append(reqs, req)
			}
		}
	}
	return reqs
}

func respond(t *testing.T, ctx context.Context, ws *websocket.Conn, id int64, result any) {
	t.Helper()
	js, err := json.Marshal(result)
	require.NoError(t, err)
	frame, err := wire.Encode(&wire.Response{JSONRPC: wire.Version, ID: id, Result: js})
	require.NoError(t, err)
	require.NoError(t, ws.Write(ctx, websocket.MessageText, frame))
}

func TestListModels(t *testing.T) {
	client := startClient(t)
	models, err := client.ListModels(t.Context())
	require.NoError(t, err)
	require.Len(t, models, 1)
	assert.Equal(t, `echo`, models[0].ID)
}

func TestQueryStreams(t *testing.T) {
	client := startClient(t)
	session, err := client.CreateSession(t.Context(), copilot.SessionConfig{Model: `echo`})
	require.NoError(t, err)

	var events []*wire.Event
	for ev, err := range session.Query(t.Context(), `one two`) {
		require.NoError(t, err)
		assert.Equal(t, session.ID(), ev.SessionID)
		events = append(events, ev)
	}
	require.NotEmpty(t, events)
	assert.Equal(t, wire.SessionIdle, events[len(events)-1].Type)

	var deltas strings.Builder
	var message string
	for _, ev := range events {
		payload, err := ev.Payload()
		require.NoError(t, err)
		switch data := payload.(type) {
		case *wire.MessageDeltaData:
			deltas.WriteString(data.Delta)
		case *wire.MessageData:
			message = data.Content
		}
	}
	assert.Equal(t, `You said: one two`, message)
	assert.Equal(t, message, deltas.String(), `the full message must equal its deltas, concatenated`)

	assert.GreaterOrEqual(t, len(session.Log()), len(events))
}

func TestToolRoundTrip(t *testing.T) {
	backend := proxy.Funcs{
		Reply: func(ctx context.Context, turn *proxy.Turn) error {
			result, err := turn.CallTool(ctx, `lookup`, json.RawMessage(`{"cell":"A1"}`))
			if err != nil {
				return err
			}
			turn.Say(`found ` + string(result))
			return nil
		},
	}
	client := startClient(t, proxy.Backend(backend))

	var gotArgs json.RawMessage
	session, err := client.CreateSession(t.Context(), copilot.SessionConfig{
		Model: `m`,
		Tools: []copilot.Tool{{
			ToolDef: wire.ToolDef{Name: `lookup`, Description: `reads a cell`},
			Handler: func(ctx context.Context, args json.RawMessage) (any, error) {
				gotArgs = args
				return map[string]int{"value": 42}, nil
			},
		}},
	})
	require.NoError(t, err)

	var types []wire.EventType
	var message string
	for ev, err := range session.Query(t.Context(), `what is in A1?`) {
		require.NoError(t, err)
		types = append(types, ev.Type)
		if ev.Type == wire.AssistantMessage {
			payload, err := ev.Payload()
			require.NoError(t, err)
			message = payload.(*wire.MessageData).Content
		}
	}
	assert.JSONEq(t, `{"cell":"A1"}`, string(gotArgs))
	assert.Equal(t, `found {"value":42}`, message)

	start := index(types, wire.ToolExecutionStart)
	complete := index(types, wire.ToolExecutionComplete)
	idle := index(types, wire.SessionIdle)
	require.GreaterOrEqual(t, start, 0)
	require.GreaterOrEqual(t, complete, 0)
	assert.Less(t, start, complete, `execution must start before it completes`)
	assert.Less(t, complete, idle, `every started tool call completes before the turn idles`)
}

// A tool call the add-in cannot handle fails the call, not the connection; here the backend
// chooses to give up, which breaks the session for further queries.
func TestMissingToolHandler(t *testing.T) {
	backend := proxy.Funcs{
		Reply: func(ctx context.Context, turn *proxy.Turn) error {
			_, err := turn.CallTool(ctx, `nonexistent`, nil)
			return err
		},
	}
	client := startClient(t, proxy.Backend(backend))
	session, err := client.CreateSession(t.Context(), copilot.SessionConfig{Model: `m`})
	require.NoError(t, err)

	var queryErr error
	for _, err := range session.Query(t.Context(), `hi`) {
		if err != nil {
			queryErr = err
			break
		}
	}
	require.Error(t, queryErr)
	assert.ErrorIs(t, queryErr, copilot.ErrSessionBroken)

	for _, err := range session.Query(t.Context(), `again`) {
		assert.ErrorIs(t, err, copilot.ErrSessionBroken)
	}
	assert.NoError(t, session.Destroy(t.Context()), `broken sessions are still destroyable`)
}

func TestQueryBusy(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	backend := proxy.Funcs{
		Reply: func(ctx context.Context, turn *proxy.Turn) error {
			close(started)
			select {
			case <-release:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	}
	client := startClient(t, proxy.Backend(backend))
	session, err := client.CreateSession(t.Context(), copilot.SessionConfig{Model: `m`})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		var last error
		for _, err := range session.Query(t.Context(), `slow`) {
			last = err
		}
		done <- last
	}()
	<-started

	for _, err := range session.Query(t.Context(), `impatient`) {
		assert.ErrorIs(t, err, copilot.ErrSessionBusy)
	}

	close(release)
	require.NoError(t, <-done)
}

func TestCancelQuery(t *testing.T) {
	first := true
	backend := proxy.Funcs{
		Reply: func(ctx context.Context, turn *proxy.Turn) error {
			if first {
				first = false
				turn.Say(`partial`)
				<-ctx.Done()
				return ctx.Err()
			}
			turn.Say(`complete`)
			return nil
		},
	}
	client := startClient(t, proxy.Backend(backend))
	session, err := client.CreateSession(t.Context(), copilot.SessionConfig{Model: `m`})
	require.NoError(t, err)

	for ev, err := range session.Query(t.Context(), `first`) {
		require.NoError(t, err)
		if ev.Type == wire.AssistantMessageDelta {
			break // abandon the turn after the first delta
		}
	}

	// Cancellation is best effort; the proxy may briefly report the session busy while the
	// abandoned turn winds down.
	deadline := time.Now().Add(5 * time.Second)
	for {
		sawIdle, queryErr := false, error(nil)
		for ev, err := range session.Query(t.Context(), `second`) {
			if err != nil {
				queryErr = err
				break
			}
			sawIdle = sawIdle || ev.Type == wire.SessionIdle
		}
		if queryErr == nil {
			assert.True(t, sawIdle)
			return
		}
		require.True(t, time.Now().Before(deadline), `session never became usable again: %v`, queryErr)
		time.Sleep(10 * time.Millisecond)
	}
}

func TestDestroyIdempotent(t *testing.T) {
	client := startClient(t)
	session, err := client.CreateSession(t.Context(), copilot.SessionConfig{Model: `echo`})
	require.NoError(t, err)

	require.NoError(t, session.Destroy(t.Context()))
	require.NoError(t, session.Destroy(t.Context()))

	_, err = session.Send(t.Context(), `anyone there?`)
	assert.ErrorIs(t, err, copilot.ErrSessionDestroyed)
	for _, err := range session.Query(t.Context(), `hello?`) {
		assert.ErrorIs(t, err, copilot.ErrSessionDestroyed)
	}
}

func TestSend(t *testing.T) {
	client := startClient(t)
	session, err := client.CreateSession(t.Context(), copilot.SessionConfig{Model: `echo`})
	require.NoError(t, err)
	id, err := session.Send(t.Context(), `for later`)
	require.NoError(t, err)
	assert.NotEmpty(t, id)
}

func TestRegisterTools(t *testing.T) {
	called := false
	backend := proxy.Funcs{
		Reply: func(ctx context.Context, turn *proxy.Turn) error {
			if len(turn.Tools) == 0 {
				return nil
			}
			_, err := turn.CallTool(ctx, turn.Tools[0].Name, nil)
			return err
		},
	}
	client := startClient(t, proxy.Backend(backend))
	session, err := client.CreateSession(t.Context(), copilot.SessionConfig{Model: `m`})
	require.NoError(t, err)

	err = session.RegisterTools(t.Context(), copilot.Tool{
		ToolDef: wire.ToolDef{Name: `late`},
		Handler: func(ctx context.Context, args json.RawMessage) (any, error) {
			called = true
			return `ok`, nil
		},
	})
	require.NoError(t, err)

	for _, err := range session.Query(t.Context(), `use the tool`) {
		require.NoError(t, err)
	}
	assert.True(t, called, `tools registered after session creation still answer calls`)
}

func TestStopRejectsEverything(t *testing.T) {
	client := startClient(t)
	session, err := client.CreateSession(t.Context(), copilot.SessionConfig{Model: `echo`})
	require.NoError(t, err)

	require.NoError(t, client.Stop(t.Context()))
	assert.False(t, client.Connected())
	assert.ErrorIs(t, client.Err(), copilot.ErrNotConnected)

	_, err = client.ListModels(t.Context())
	assert.ErrorIs(t, err, copilot.ErrNotConnected)

	for _, err := range session.Query(t.Context(), `hello?`) {
		assert.ErrorIs(t, err, copilot.ErrSessionBroken)
	}
}

func TestServerDisconnect(t *testing.T) {
	svr := httptest.NewServer(proxy.Handle())
	t.Cleanup(svr.Close)
	client, err := copilot.New(`ws` + strings.TrimPrefix(svr.URL, `http`))
	require.NoError(t, err)
	require.NoError(t, client.Start(t.Context()))
	t.Cleanup(func() { _ = client.Stop(context.Background()) })

	svr.CloseClientConnections()
	require.Eventually(t, func() bool { return !client.Connected() }, 5*time.Second, 10*time.Millisecond)
	assert.ErrorIs(t, client.Err(), copilot.ErrDisconnected)

	_, err = client.ListModels(t.Context())
	assert.Error(t, err)
}

// Stopping and restarting yields a fresh connection; sessions from the old connection stay
// broken and must be recreated.
func TestRestart(t *testing.T) {
	svr := httptest.NewServer(proxy.Handle())
	t.Cleanup(svr.Close)
	client, err := copilot.New(`ws` + strings.TrimPrefix(svr.URL, `http`))
	require.NoError(t, err)
	require.NoError(t, client.Start(t.Context()))
	t.Cleanup(func() { _ = client.Stop(context.Background()) })

	old, err := client.CreateSession(t.Context(), copilot.SessionConfig{Model: `echo`})
	require.NoError(t, err)

	require.NoError(t, client.Stop(t.Context()))
	require.NoError(t, client.Start(t.Context()))
	assert.True(t, client.Connected())

	_, err = client.ListModels(t.Context())
	require.NoError(t, err)

	for _, err := range old.Query(t.Context(), `hello?`) {
		assert.ErrorIs(t, err, copilot.ErrSessionBroken)
	}
	fresh, err := client.CreateSession(t.Context(), copilot.SessionConfig{Model: `echo`})
	require.NoError(t, err)
	assert.NotEqual(t, old.ID(), fresh.ID())
}

func TestConcurrentCalls(t *testing.T) {
	client := startClient(t)
	var group sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		group.Add(1)
		go func() {
			defer group.Done()
			_, errs[i] = client.ListModels(t.Context())
		}()
	}
	group.Wait()
	for _, err := range errs {
		assert.NoError(t, err)
	}
}

// Responses resolve the call with the matching id, not the call that asked first.
func TestOutOfOrderResponses(t *testing.T) {
	firstArrived := make(chan struct{})
	client := startScripted(t, func(ctx context.Context, ws *websocket.Conn) {
		var dec wire.Decoder
		reqs := readRequests(t, ctx, ws, &dec, 1)
		close(firstArrived)
		reqs = append(reqs, readRequests(t, ctx, ws, &dec, 1)...)
		for i := len(reqs) - 1; i >= 0; i-- {
			switch reqs[i].Method {
			case wire.MethodModelsList:
				respond(t, ctx, ws, reqs[i].ID, &wire.ModelsListResult{Models: []wire.ModelInfo{{ID: `m1`}}})
			case wire.MethodSessionCreate:
				respond(t, ctx, ws, reqs[i].ID, &wire.SessionCreateResult{SessionID: `s1`})
			}
		}
		_, _, _ = ws.Read(ctx) // hold the connection open until the client stops
	})

	models := make(chan []wire.ModelInfo, 1)
	go func() {
		got, err := client.ListModels(t.Context())
		assert.NoError(t, err)
		models <- got
	}()
	<-firstArrived

	// The second call is answered first, while the first is still pending.
	session, err := client.CreateSession(t.Context(), copilot.SessionConfig{Model: `m1`})
	require.NoError(t, err)
	assert.Equal(t, `s1`, session.ID())

	got := <-models
	require.Len(t, got, 1)
	assert.Equal(t, `m1`, got[0].ID)
}

// A call the server never answers rejects at the client's call timeout instead of hanging.
func TestCallTimeout(t *testing.T) {
	client := startScripted(t, func(ctx context.Context, ws *websocket.Conn) {
		_, _, _ = ws.Read(ctx) // swallow the request and stay silent
		_, _, _ = ws.Read(ctx)
	}, copilot.CallTimeout(100*time.Millisecond))

	_, err := client.ListModels(t.Context())
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

// Losing the connection rejects every pending call, not just one.
func TestDisconnectRejectsPendingCalls(t *testing.T) {
	client := startScripted(t, func(ctx context.Context, ws *websocket.Conn) {
		var dec wire.Decoder
		readRequests(t, ctx, ws, &dec, 2) // then return, dropping the connection
	})

	errs := make(chan error, 2)
	for range 2 {
		go func() {
			_, err := client.ListModels(t.Context())
			errs <- err
		}()
	}
	for range 2 {
		assert.ErrorIs(t, <-errs, copilot.ErrDisconnected)
	}
}

// Concurrent Starts settle on one connection; the losers report already started instead of
// leaking a second transport.
func TestConcurrentStart(t *testing.T) {
	svr := httptest.NewServer(proxy.Handle())
	t.Cleanup(svr.Close)
	client, err := copilot.New(`ws` + strings.TrimPrefix(svr.URL, `http`))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Stop(context.Background()) })

	var group sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		group.Add(1)
		go func() {
			defer group.Done()
			errs[i] = client.Start(t.Context())
		}()
	}
	group.Wait()

	var started int
	for _, err := range errs {
		if err == nil {
			started++
		}
	}
	assert.Equal(t, 1, started, `exactly one Start wins`)
	assert.True(t, client.Connected())
	_, err = client.ListModels(t.Context())
	assert.NoError(t, err)
}

func TestStartTwice(t *testing.T) {
	client := startClient(t)
	assert.Error(t, client.Start(t.Context()))
}

func index(types []wire.EventType, want wire.EventType) int {
	for i, typ := range types {
		if typ == want {
			return i
		}
	}
	return -1
}
