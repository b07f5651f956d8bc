package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/swdunlop/copilot-go/copilot/wire"
	"github.com/swdunlop/html-go/hog"
)

// A session is one conversation owned by a connection.  Sessions die with their connection;
// there is no resumption after a reconnect.
type session struct {
	id           string
	conn         *conn
	model        string
	instructions string

	mu      sync.Mutex
	tools   []wire.ToolDef
	history []Message
	busy    bool
	broken  bool
	cancel  context.CancelFunc // cancels the in-flight turn, nil when idle
	waiters map[string]chan *wire.SessionToolResultParams
}

func newSession(c *conn, params *wire.SessionCreateParams) *session {
	return &session{
		id:           uuid.NewString(),
		conn:         c,
		model:        params.Model,
		instructions: params.Instructions,
		tools:        params.Tools,
		waiters:      make(map[string]chan *wire.SessionToolResultParams),
	}
}

// beginTurn admits a query, recording the user message and the turn's cancel function.  It
// reports 409 while another query is in flight and 500 once an earlier turn has failed.
func (s *session) beginTurn(content string, cancel context.CancelFunc) (parentID string, code int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.broken {
		return ``, 500, fmt.Errorf(`session %q has failed and cannot be queried`, s.id)
	}
	if s.busy {
		return ``, 409, fmt.Errorf(`session %q already has a query in flight`, s.id)
	}
	s.busy = true
	s.cancel = cancel
	parentID = uuid.NewString()
	s.history = append(s.history, Message{Role: RoleUser, Content: content})
	return parentID, 0, nil
}

// run drives one assistant turn to completion and emits its terminal event.
func (s *session) run(ctx context.Context, parentID string) {
	turn := s.turn(parentID)
	err := s.conn.cfg.engine.Respond(ctx, turn)
	final := turn.content.String()

	s.mu.Lock()
	s.busy = false
	s.cancel = nil
	switch {
	case err == nil:
		s.history = append(s.history, Message{Role: RoleAssistant, Content: final})
	case errors.Is(err, context.Canceled):
		// cancelled turns end silently, the client has already moved on
	default:
		s.broken = true
	}
	s.mu.Unlock()

	switch {
	case err == nil:
		s.emit(wire.AssistantMessage, parentID, &wire.MessageData{MessageID: turn.messageID, Content: final})
		s.emit(wire.SessionIdle, parentID, nil)
	case errors.Is(err, context.Canceled):
	default:
		hog.From(ctx).Error().Err(err).Str(`session`, s.id).Msg(`turn failed`)
		s.emit(wire.SessionError, parentID, &wire.ErrorData{Message: err.Error()})
	}
}

// turn snapshots the session state an Engine may look at while responding.
func (s *session) turn(parentID string) *Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &Turn{
		Model:        s.model,
		Instructions: s.instructions,
		History:      append([]Message(nil), s.history...),
		Tools:        append([]wire.ToolDef(nil), s.tools...),
		session:      s,
		parentID:     parentID,
		messageID:    uuid.NewString(),
	}
}

// append records an enqueued user message without starting a turn.
func (s *session) append(content string) (messageID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, Message{Role: RoleUser, Content: content})
	return uuid.NewString()
}

// replaceTools swaps the session's tool declarations for subsequent turns.
func (s *session) replaceTools(tools []wire.ToolDef) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tools = tools
}

// interrupt cancels the in-flight turn, if any.
func (s *session) interrupt() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// resolveTool hands a tool result from the add-in to the CallTool waiting for it.
func (s *session) resolveTool(ret *wire.SessionToolResultParams) error {
	s.mu.Lock()
	ch := s.waiters[ret.ToolCallID]
	delete(s.waiters, ret.ToolCallID)
	s.mu.Unlock()
	if ch == nil {
		return fmt.Errorf(`no tool call %q is waiting for a result`, ret.ToolCallID)
	}
	ch <- ret // cap 1, never blocks
	return nil
}

func (s *session) emit(typ wire.EventType, parentID string, data any) {
	s.conn.emit(s.id, typ, parentID, data)
}

// A Turn is one assistant response in progress.  Engines stream text with Say and round-trip
// tool calls with CallTool; the proxy emits the full assistant message and the idle event when
// Respond returns.
type Turn struct {
	Model        string
	Instructions string
	History      []Message // oldest first, ending with the user message that started the turn
	Tools        []wire.ToolDef

	session   *session
	parentID  string
	messageID string
	content   strings.Builder
}

// Say streams a piece of assistant text to the add-in.  The final assistant message is the
// concatenation of everything said during the turn.
func (t *Turn) Say(delta string) {
	t.content.WriteString(delta)
	t.session.emit(wire.AssistantMessageDelta, t.parentID, &wire.MessageDeltaData{
		MessageID: t.messageID,
		Delta:     delta,
	})
}

// ErrToolTimeout reports a tool call the add-in never answered within the proxy's tool budget.
var ErrToolTimeout = errors.New(`timed out waiting for a tool result`)

// CallTool asks the add-in to execute a tool and waits for its result.  The wait is bounded by
// the proxy's tool timeout and the turn context; either way the call is completed on the wire
// before CallTool returns.
func (t *Turn) CallTool(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
	s := t.session
	callID := uuid.NewString()
	ch := make(chan *wire.SessionToolResultParams, 1)
	s.mu.Lock()
	s.waiters[callID] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.waiters, callID)
		s.mu.Unlock()
	}()

	s.emit(wire.ToolExecutionStart, t.parentID, &wire.ToolStartData{
		ToolCallID: callID,
		ToolName:   name,
		Arguments:  args,
	})

	timeout := time.NewTimer(s.conn.cfg.toolTimeout)
	defer timeout.Stop()
	var ret *wire.SessionToolResultParams
	select {
	case ret = <-ch:
	case <-timeout.C:
		s.emit(wire.ToolExecutionComplete, t.parentID, &wire.ToolCompleteData{
			ToolCallID: callID, Success: false, Error: ErrToolTimeout.Error(),
		})
		return nil, fmt.Errorf(`%w for %q after %v`, ErrToolTimeout, name, s.conn.cfg.toolTimeout)
	case <-ctx.Done():
		s.emit(wire.ToolExecutionComplete, t.parentID, &wire.ToolCompleteData{
			ToolCallID: callID, Success: false, Error: `turn cancelled`,
		})
		return nil, ctx.Err()
	}

	s.emit(wire.ToolExecutionComplete, t.parentID, &wire.ToolCompleteData{
		ToolCallID: callID, Success: ret.Success, Result: ret.Result, Error: ret.Error,
	})
	if !ret.Success {
		return nil, fmt.Errorf(`tool %q failed: %s`, name, ret.Error)
	}
	return ret.Result, nil
}
