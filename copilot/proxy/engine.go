package proxy

import (
	"context"
	"strings"

	"github.com/swdunlop/copilot-go/copilot/wire"
)

// An Engine is the backend a proxy answers with.  Models reports the models the backend offers
// and Respond produces one assistant turn, streaming text with Turn.Say and invoking add-in
// tools with Turn.CallTool.  Respond is called at most once at a time per session.
type Engine interface {
	Models(ctx context.Context) ([]wire.ModelInfo, error)
	Respond(ctx context.Context, turn *Turn) error
}

// Roles used in session history messages.
const (
	RoleUser      = `user`
	RoleAssistant = `assistant`
)

// A Message is one entry in a session's conversation history.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Funcs adapts plain functions into an Engine, which is convenient for tests and small
// scripted backends.  A nil ListModels reports no models; a nil Respond says nothing.
type Funcs struct {
	ListModels func(ctx context.Context) ([]wire.ModelInfo, error)
	Reply      func(ctx context.Context, turn *Turn) error
}

func (fn Funcs) Models(ctx context.Context) ([]wire.ModelInfo, error) {
	if fn.ListModels == nil {
		return nil, nil
	}
	return fn.ListModels(ctx)
}

func (fn Funcs) Respond(ctx context.Context, turn *Turn) error {
	if fn.Reply == nil {
		return nil
	}
	return fn.Reply(ctx, turn)
}

// Echo returns an Engine that parrots the user's last message back in word-sized deltas.  It
// backs the proxy when no real backend is configured, which is enough to exercise a taskpane
// during development.
func Echo() Engine { return echoEngine{} }

type echoEngine struct{}

func (echoEngine) Models(ctx context.Context) ([]wire.ModelInfo, error) {
	return []wire.ModelInfo{{ID: `echo`, Name: `Echo`, Provider: `local`}}, nil
}

func (echoEngine) Respond(ctx context.Context, turn *Turn) error {
	last := ``
	for i := len(turn.History) - 1; i >= 0; i-- {
		if turn.History[i].Role == RoleUser {
			last = turn.History[i].Content
			break
		}
	}
	turn.Say(`You said:`)
	for _, word := range strings.Fields(last) {
		if err := ctx.Err(); err != nil {
			return err
		}
		turn.Say(` ` + word)
	}
	return nil
}
