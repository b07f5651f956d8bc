package wire

import (
	"encoding/json"
	"time"
)

// Version is the JSON-RPC version stamped on every request and response.
const Version = `2.0`

// A Message is one decoded envelope from the wire: a *Request, *Response or *Event.
type Message interface{ message() }

// A Request is a message sent from a client to the proxy.  A request with a zero ID is a
// notification and will never receive a Response.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

func (*Request) message() {}

// NewRequest constructs a Request with the given ID, marshaling params.  A zero id produces a
// notification.
func NewRequest(id int64, method string, params any) (*Request, error) {
	req := &Request{JSONRPC: Version, ID: id, Method: method}
	if params != nil {
		js, err := json.Marshal(params)
		if err != nil {
			return nil, err
		}
		req.Params = js
	}
	return req, nil
}

// A Response answers the Request with the matching ID.  Exactly one of Result and Error is set.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

func (*Response) message() {}

// An Error is the error member of a Response.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Error implements the error interface so RPC errors can be returned directly to callers.
func (e *Error) Error() string { return e.Message }

// An Event is an unsolicited envelope scoped to a session by its SessionID.  Events have no
// "jsonrpc" member; they are distinguished on the wire by the presence of "type".
type Event struct {
	ID        string          `json:"id"`
	SessionID string          `json:"sessionId"`
	Timestamp time.Time       `json:"timestamp"`
	ParentID  string          `json:"parentId,omitempty"`
	Type      EventType       `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
}

func (*Event) message() {}

// EventType discriminates the closed set of session event payloads.
type EventType string

const (
	// SessionIdle ends a query's event sequence; it has no payload.
	SessionIdle EventType = `session.idle`

	// AssistantMessage carries a complete assistant message, see MessageData.
	AssistantMessage EventType = `assistant.message`

	// AssistantMessageDelta carries an incremental piece of an assistant message, see
	// MessageDeltaData.  Deltas for the same message id concatenate in receipt order into the
	// content of the matching AssistantMessage.
	AssistantMessageDelta EventType = `assistant.message_delta`

	// ToolExecutionStart announces a backend-initiated tool call, see ToolStartData.
	ToolExecutionStart EventType = `tool.execution_start`

	// ToolExecutionComplete reports the outcome of a tool call, see ToolCompleteData.  Every
	// ToolExecutionStart is paired with exactly one ToolExecutionComplete before the turn goes
	// idle, unless the turn ends in an error first.
	ToolExecutionComplete EventType = `tool.execution_complete`

	// SessionError ends a query's event sequence abnormally, see ErrorData.  The session is no
	// longer queryable but remains destroyable.
	SessionError EventType = `session.error`
)

// ErrorData is the payload of a SessionError event.
type ErrorData struct {
	Message string `json:"message"`
}

// MessageData is the payload of an AssistantMessage event.
type MessageData struct {
	MessageID string `json:"messageId"`
	Content   string `json:"content"`
}

// MessageDeltaData is the payload of an AssistantMessageDelta event.
type MessageDeltaData struct {
	MessageID string `json:"messageId"`
	Delta     string `json:"delta"`
}

// ToolStartData is the payload of a ToolExecutionStart event.
type ToolStartData struct {
	ToolCallID string          `json:"toolCallId"`
	ToolName   string          `json:"toolName"`
	Arguments  json.RawMessage `json:"arguments,omitempty"`
}

// ToolCompleteData is the payload of a ToolExecutionComplete event.
type ToolCompleteData struct {
	ToolCallID string          `json:"toolCallId"`
	Success    bool            `json:"success"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// Payload decodes the event data into its typed payload based on the event type.  SessionIdle
// events return nil.  Unknown event types return ErrUnknownEvent so consumers can skip them
// without guessing at their structure.
func (ev *Event) Payload() (any, error) {
	switch ev.Type {
	case SessionIdle:
		return nil, nil
	case AssistantMessage:
		return decodeData[MessageData](ev.Data)
	case AssistantMessageDelta:
		return decodeData[MessageDeltaData](ev.Data)
	case ToolExecutionStart:
		return decodeData[ToolStartData](ev.Data)
	case ToolExecutionComplete:
		return decodeData[ToolCompleteData](ev.Data)
	case SessionError:
		return decodeData[ErrorData](ev.Data)
	}
	return nil, ErrUnknownEvent
}

func decodeData[T any](raw json.RawMessage) (*T, error) {
	data := new(T)
	err := json.Unmarshal(raw, data)
	if err != nil {
		return nil, err
	}
	return data, nil
}

// ModelInfo describes one model reported by models.list.
type ModelInfo struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Provider string `json:"provider,omitempty"`
}

// A ToolDef declares a tool the backend may invoke: a name, a human description and a JSON schema
// for its arguments.
type ToolDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// Params and results for the RPC methods, see doc.go for the method directory.
type (
	// ModelsListResult is the result of models.list.
	ModelsListResult struct {
		Models []ModelInfo `json:"models"`
	}

	// SessionCreateParams are the params of session.create.
	SessionCreateParams struct {
		Model        string    `json:"model"`
		Instructions string    `json:"instructions,omitempty"`
		Tools        []ToolDef `json:"tools,omitempty"`
	}

	// SessionCreateResult is the result of session.create.
	SessionCreateResult struct {
		SessionID string `json:"sessionId"`
	}

	// SessionMessageParams are the params of session.query and session.send.
	SessionMessageParams struct {
		SessionID string `json:"sessionId"`
		Content   string `json:"content"`
	}

	// SessionMessageResult is the result of session.query and session.send.
	SessionMessageResult struct {
		MessageID string `json:"messageId"`
	}

	// SessionToolsParams are the params of session.tools.
	SessionToolsParams struct {
		SessionID string    `json:"sessionId"`
		Tools     []ToolDef `json:"tools"`
	}

	// SessionToolResultParams are the params of session.toolResult.
	SessionToolResultParams struct {
		SessionID  string          `json:"sessionId"`
		ToolCallID string          `json:"toolCallId"`
		Success    bool            `json:"success"`
		Result     json.RawMessage `json:"result,omitempty"`
		Error      string          `json:"error,omitempty"`
	}

	// SessionRefParams are the params of session.cancel and session.destroy.
	SessionRefParams struct {
		SessionID string `json:"sessionId"`
	}
)

// RPC method names, see doc.go.
const (
	MethodModelsList        = `models.list`
	MethodSessionCreate     = `session.create`
	MethodSessionQuery      = `session.query`
	MethodSessionSend       = `session.send`
	MethodSessionTools      = `session.tools`
	MethodSessionToolResult = `session.toolResult`
	MethodSessionCancel     = `session.cancel`
	MethodSessionDestroy    = `session.destroy`
)
