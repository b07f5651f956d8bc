// Package openai answers copilot sessions with an OpenAI-compatible chat completions API,
// which includes local servers like Ollama and vLLM.  Assistant text streams through
// Turn.Say as it arrives; tool calls requested by the model round-trip through
// Turn.CallTool and feed back into the conversation as tool messages.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/swdunlop/copilot-go/copilot/proxy"
	"github.com/swdunlop/copilot-go/copilot/wire"
	"github.com/tmaxmax/go-sse"
)

// Engine returns a proxy.Engine backed by an OpenAI-compatible API.
func Engine(options ...Option) proxy.Engine {
	eng := &engine{
		baseURL:       `https://api.openai.com`,
		client:        http.DefaultClient,
		maxToolRounds: 8,
	}
	for _, option := range options {
		option(eng)
	}
	eng.baseURL = strings.TrimRight(eng.baseURL, `/`)
	return eng
}

// An Option adjusts the engine configuration.
type Option func(*engine)

// BaseURL specifies the API base, like "http://localhost:11434" for Ollama.  Defaults to the
// OpenAI API.
func BaseURL(url string) Option { return func(eng *engine) { eng.baseURL = url } }

// APIKey specifies the bearer token sent with each request.  Local servers generally do not
// need one.
func APIKey(key string) Option { return func(eng *engine) { eng.apiKey = key } }

// HTTPClient overrides the HTTP client used for API requests.
func HTTPClient(client *http.Client) Option { return func(eng *engine) { eng.client = client } }

// MaxToolRounds bounds how many rounds of tool calls one turn may make before the engine gives
// up on the model.  Defaults to 8.
func MaxToolRounds(n int) Option { return func(eng *engine) { eng.maxToolRounds = n } }

type engine struct {
	baseURL       string
	apiKey        string
	client        *http.Client
	maxToolRounds int
}

// Models lists the models the API offers.
func (eng *engine) Models(ctx context.Context) ([]wire.ModelInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, eng.baseURL+`/v1/models`, nil)
	if err != nil {
		return nil, err
	}
	eng.authorize(req)
	resp, err := eng.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, apiError(resp)
	}
	var list struct {
		Data []struct {
			ID      string `json:"id"`
			OwnedBy string `json:"owned_by"`
		} `json:"data"`
	}
	err = json.NewDecoder(resp.Body).Decode(&list)
	if err != nil {
		return nil, fmt.Errorf(`%w while decoding model list`, err)
	}
	models := make([]wire.ModelInfo, 0, len(list.Data))
	for _, it := range list.Data {
		models = append(models, wire.ModelInfo{ID: it.ID, Name: it.ID, Provider: it.OwnedBy})
	}
	return models, nil
}

// Respond streams one assistant turn, looping while the model keeps asking for tools.
func (eng *engine) Respond(ctx context.Context, turn *proxy.Turn) error {
	messages := make([]chatMessage, 0, len(turn.History)+1)
	if turn.Instructions != `` {
		messages = append(messages, chatMessage{Role: `system`, Content: turn.Instructions})
	}
	for _, msg := range turn.History {
		messages = append(messages, chatMessage{Role: msg.Role, Content: msg.Content})
	}
	tools := convertTools(turn.Tools)

	for round := 0; round <= eng.maxToolRounds; round++ {
		calls, err := eng.stream(ctx, turn, messages, tools)
		if err != nil {
			return err
		}
		if len(calls) == 0 {
			return nil
		}
		messages = append(messages, chatMessage{Role: `assistant`, ToolCalls: calls})
		for _, call := range calls {
			result, err := turn.CallTool(ctx, call.Function.Name, json.RawMessage(call.Function.Arguments))
			content := string(result)
			if err != nil {
				content = fmt.Sprintf(`error: %v`, err)
			}
			messages = append(messages, chatMessage{Role: `tool`, ToolCallID: call.ID, Content: content})
		}
	}
	return fmt.Errorf(`model exceeded %d rounds of tool calls`, eng.maxToolRounds)
}

// stream runs one chat completion, saying content deltas as they arrive and returning any tool
// calls the model accumulated across the stream.
func (eng *engine) stream(ctx context.Context, turn *proxy.Turn, messages []chatMessage, tools []chatTool) ([]toolCall, error) {
	body, err := json.Marshal(&chatRequest{
		Model:    turn.Model,
		Messages: messages,
		Tools:    tools,
		Stream:   true,
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, eng.baseURL+`/v1/chat/completions`, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set(`Content-Type`, `application/json`)
	req.Header.Set(`Accept`, `text/event-stream`)
	eng.authorize(req)
	resp, err := eng.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, apiError(resp)
	}

	var calls []toolCall
	for ev, err := range sse.Read(resp.Body, nil) {
		if err != nil {
			return nil, fmt.Errorf(`%w while reading completion stream`, err)
		}
		if ev.Data == `[DONE]` {
			break
		}
		var chunk chatChunk
		err = json.Unmarshal([]byte(ev.Data), &chunk)
		if err != nil {
			continue // some servers interleave comments and keepalives
		}
		for _, choice := range chunk.Choices {
			if choice.Delta.Content != `` {
				turn.Say(choice.Delta.Content)
			}
			for _, delta := range choice.Delta.ToolCalls {
				calls = accumulate(calls, delta)
			}
		}
	}
	return calls, nil
}

func (eng *engine) authorize(req *http.Request) {
	if eng.apiKey != `` {
		req.Header.Set(`Authorization`, `Bearer `+eng.apiKey)
	}
}

func apiError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return fmt.Errorf(`API error %d: %s`, resp.StatusCode, bytes.TrimSpace(body))
}

// accumulate merges a streamed tool call fragment into the call at its index; ids and names
// arrive once, arguments arrive in pieces.
func accumulate(calls []toolCall, delta toolCallDelta) []toolCall {
	for len(calls) <= delta.Index {
		calls = append(calls, toolCall{Type: `function`})
	}
	call := &calls[delta.Index]
	if delta.ID != `` {
		call.ID = delta.ID
	}
	if delta.Function.Name != `` {
		call.Function.Name = delta.Function.Name
	}
	call.Function.Arguments += delta.Function.Arguments
	return calls
}

func convertTools(defs []wire.ToolDef) []chatTool {
	if len(defs) == 0 {
		return nil
	}
	tools := make([]chatTool, 0, len(defs))
	for _, def := range defs {
		params := def.Parameters
		if len(params) == 0 {
			params = json.RawMessage(`{"type":"object","properties":{}}`)
		}
		tools = append(tools, chatTool{Type: `function`, Function: chatToolFunc{
			Name:        def.Name,
			Description: def.Description,
			Parameters:  params,
		}})
	}
	return tools
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Tools    []chatTool    `json:"tools,omitempty"`
	Stream   bool          `json:"stream"`
}

type chatMessage struct {
	Role       string     `json:"role"`
	Content    string     `json:"content,omitempty"`
	ToolCalls  []toolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

type chatTool struct {
	Type     string       `json:"type"`
	Function chatToolFunc `json:"function"`
}

type chatToolFunc struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type toolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function toolCallFunc `json:"function"`
}

type toolCallFunc struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type chatChunk struct {
	Choices []struct {
		Delta struct {
			Content   string          `json:"content"`
			ToolCalls []toolCallDelta `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

type toolCallDelta struct {
	Index    int    `json:"index"`
	ID       string `json:"id"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}
