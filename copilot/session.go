package copilot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/swdunlop/copilot-go/copilot/wire"
	"github.com/swdunlop/html-go/hog"
)

// A ToolHandler implements a tool the backend may invoke during a query.  The returned value is
// marshaled as the tool result; a returned error is reported upstream as a failed execution.
type ToolHandler func(ctx context.Context, args json.RawMessage) (any, error)

// A Tool pairs a wire-level tool declaration with its local handler.
type Tool struct {
	wire.ToolDef
	Handler ToolHandler
}

// SessionConfig configures a new session, see Client.CreateSession.
type SessionConfig struct {
	Model        string
	Instructions string
	Tools        []Tool
}

type sessionState int

const (
	stateIdle sessionState = iota
	stateQuerying
	stateBroken
	stateDestroyed
)

// A Session is one logical conversation with the backend.  At most one query may be in flight
// per session; events received for the session are kept in an ordered log for replay.
type Session struct {
	id string
	c  *Client

	mu          sync.Mutex
	state       sessionState
	brokenErr   error
	tools       map[string]ToolHandler
	log         []*wire.Event
	queue       []*wire.Event
	kick        chan struct{}
	outstanding map[string]struct{} // tool call ids awaiting completion
}

func newSession(c *Client, id string, tools []Tool) *Session {
	s := &Session{
		id:          id,
		c:           c,
		tools:       make(map[string]ToolHandler, len(tools)),
		kick:        make(chan struct{}, 1),
		outstanding: make(map[string]struct{}),
	}
	for _, tool := range tools {
		s.tools[tool.Name] = tool.Handler
	}
	return s
}

// ID returns the opaque session id allocated by the proxy.
func (s *Session) ID() string { return s.id }

// Log returns the ordered log of events received for this session, including events received
// after a cancelled query.
func (s *Session) Log() []*wire.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*wire.Event(nil), s.log...)
}

// ToolHandler returns the registered handler for the named tool, or nil.
func (s *Session) ToolHandler(name string) ToolHandler {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tools[name]
}

// RegisterTools associates handlers with tool names and declares them to the backend, replacing
// any prior declarations for this session.
func (s *Session) RegisterTools(ctx context.Context, tools ...Tool) error {
	defs := make([]wire.ToolDef, 0, len(tools))
	s.mu.Lock()
	if err := s.usableLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	for _, tool := range tools {
		s.tools[tool.Name] = tool.Handler
		defs = append(defs, tool.ToolDef)
	}
	s.mu.Unlock()
	return s.c.call(ctx, wire.MethodSessionTools, wire.SessionToolsParams{SessionID: s.id, Tools: defs}, nil)
}

// Send enqueues a user message without waiting for the backend to answer it and returns the
// message id.  Events produced by the message accumulate in the session log.
func (s *Session) Send(ctx context.Context, content string) (string, error) {
	s.mu.Lock()
	err := s.usableLocked()
	s.mu.Unlock()
	if err != nil {
		return ``, err
	}
	var ret wire.SessionMessageResult
	err = s.c.call(ctx, wire.MethodSessionSend, wire.SessionMessageParams{SessionID: s.id, Content: content}, &ret)
	if err != nil {
		return ``, err
	}
	return ret.MessageID, nil
}

// Query sends a user message and yields the events of the resulting turn in receipt order until
// the turn's session.idle event, which is the last value yielded.  The consumer suspends the
// sequence between events.  Breaking out of the sequence or cancelling ctx sends a best-effort
// session.cancel upstream and stops the sequence; the session remains usable and late events for
// the cancelled turn are absorbed into the session log.
//
// When a tool.execution_start event names a registered tool, the handler runs after that event
// is yielded and its result is relayed upstream before the next event is yielded.
func (s *Session) Query(ctx context.Context, content string) iter.Seq2[*wire.Event, error] {
	return func(yield func(*wire.Event, error) bool) {
		err := s.beginQuery()
		if err != nil {
			yield(nil, err)
			return
		}
		var ret wire.SessionMessageResult
		err = s.c.call(ctx, wire.MethodSessionQuery, wire.SessionMessageParams{SessionID: s.id, Content: content}, &ret)
		if err != nil {
			s.endQuery()
			yield(nil, err)
			return
		}
		for {
			ev, err := s.nextEvent(ctx)
			if err != nil {
				if ctx.Err() != nil {
					s.sendCancel()
				}
				s.endQuery()
				yield(nil, err)
				return
			}
			if !yield(ev, nil) {
				s.sendCancel()
				s.endQuery()
				return
			}
			switch ev.Type {
			case wire.SessionIdle:
				s.endQuery()
				return
			case wire.ToolExecutionStart:
				s.relayToolResult(ctx, ev)
			}
		}
	}
}

// Destroy releases the session on the proxy and makes the session unusable.  Any in-flight
// query is cancelled first.  Destroy is idempotent.
func (s *Session) Destroy(ctx context.Context) error {
	s.mu.Lock()
	if s.state == stateDestroyed {
		s.mu.Unlock()
		return nil
	}
	querying := s.state == stateQuerying
	s.state = stateDestroyed
	s.brokenErr = ErrSessionDestroyed
	s.mu.Unlock()
	s.wake()

	if querying {
		s.sendCancel()
	}
	s.c.dropSession(s.id)
	err := s.c.call(ctx, wire.MethodSessionDestroy, wire.SessionRefParams{SessionID: s.id}, nil)
	if errors.Is(err, ErrNotConnected) {
		return nil // nothing to release; the proxy dropped the session with the connection
	}
	return err
}

// deliver accepts an event from the dispatcher on the read loop.  Events outside an active
// query are logged and otherwise discarded, which also absorbs late events after cancellation.
func (s *Session) deliver(ev *wire.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == stateDestroyed {
		return
	}
	s.log = append(s.log, ev)
	switch ev.Type {
	case wire.SessionError:
		msg := `backend terminated the turn`
		if data, err := ev.Payload(); err == nil {
			msg = data.(*wire.ErrorData).Message
		}
		s.state = stateBroken
		s.brokenErr = errors.New(msg)
		s.wake()
		return
	case wire.ToolExecutionStart:
		if data, err := ev.Payload(); err == nil {
			s.outstanding[data.(*wire.ToolStartData).ToolCallID] = struct{}{}
		}
	case wire.ToolExecutionComplete:
		if data, err := ev.Payload(); err == nil {
			delete(s.outstanding, data.(*wire.ToolCompleteData).ToolCallID)
		}
	}
	if s.state != stateQuerying {
		return
	}
	s.queue = append(s.queue, ev)
	s.wake()
}

// broke marks the session unusable after a transport failure or client stop.
func (s *Session) broke(err error) {
	s.mu.Lock()
	if s.state != stateDestroyed {
		s.state = stateBroken
		s.brokenErr = err
	}
	s.mu.Unlock()
	s.wake()
}

func (s *Session) usableLocked() error {
	switch s.state {
	case stateDestroyed:
		return ErrSessionDestroyed
	case stateBroken:
		return fmt.Errorf(`%w: %w`, ErrSessionBroken, s.brokenErr)
	}
	return nil
}

func (s *Session) beginQuery() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usableLocked(); err != nil {
		return err
	}
	if s.state == stateQuerying {
		return ErrSessionBusy
	}
	s.state = stateQuerying
	s.queue = nil
	return nil
}

func (s *Session) endQuery() {
	s.mu.Lock()
	if s.state == stateQuerying {
		s.state = stateIdle
	}
	s.queue = nil
	s.mu.Unlock()
}

// nextEvent suspends until an event for the active query arrives, the context ends, or the
// session breaks.
func (s *Session) nextEvent(ctx context.Context) (*wire.Event, error) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			ev := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return ev, nil
		}
		if err := s.usableLocked(); err != nil {
			s.mu.Unlock()
			return nil, err
		}
		s.mu.Unlock()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.kick:
		}
	}
}

// relayToolResult runs the registered handler for a tool call and relays its result upstream.
// A missing or failing handler reports a failed execution instead of hanging the turn; the
// handler is bounded by the client's tool timeout.
func (s *Session) relayToolResult(ctx context.Context, ev *wire.Event) {
	payload, err := ev.Payload()
	if err != nil {
		return
	}
	start := payload.(*wire.ToolStartData)
	params := wire.SessionToolResultParams{SessionID: s.id, ToolCallID: start.ToolCallID}

	handler := s.ToolHandler(start.ToolName)
	if handler == nil {
		params.Error = fmt.Sprintf(`no handler registered for tool %q`, start.ToolName)
	} else {
		tctx, cancel := context.WithTimeout(ctx, s.c.cfg.toolTimeout)
		result, err := handler(tctx, start.Arguments)
		cancel()
		switch {
		case err != nil:
			params.Error = err.Error()
		default:
			js, err := json.Marshal(result)
			if err != nil {
				params.Error = fmt.Sprintf(`unencodable result from tool %q: %v`, start.ToolName, err)
			} else {
				params.Success, params.Result = true, js
			}
		}
	}
	err = s.c.call(ctx, wire.MethodSessionToolResult, params, nil)
	if err != nil {
		hog.From(ctx).Warn().Err(err).Str(`session`, s.id).Str(`tool`, start.ToolName).
			Msg(`cannot relay tool result`)
	}
}

// sendCancel best-effort notifies the proxy that the in-flight query should stop.  The proxy
// may still emit events for tool calls already in flight; deliver absorbs them.
func (s *Session) sendCancel() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = s.c.notify(ctx, wire.MethodSessionCancel, wire.SessionRefParams{SessionID: s.id})
}

func (s *Session) wake() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}
