package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/swdunlop/copilot-go/copilot"
	"github.com/swdunlop/copilot-go/copilot/wire"
	"github.com/swdunlop/zugzug-go"
	"github.com/swdunlop/zugzug-go/zug/parser"
)

func init() {
	tasks = append(tasks, zugzug.Tasks{
		{Name: "models", Use: "Lists the models a running proxy offers", Fn: listModels, Settings: proxySettings},
		{Name: "chat", Use: "Sends its arguments to a running proxy as one query and streams the reply", Fn: chat,
			Parser: parser.New(
				parser.String(&chatModel, "model", "m", "The model to create the session with"),
			), Settings: proxySettings},
		{Name: "health", Use: "Checks the liveness probe of a running proxy", Fn: checkHealth, Settings: proxySettings},
	}...)
}

var proxySettings = zugzug.Settings{
	{Var: &proxyURL, Name: `COPILOT_URL`,
		Use: "WebSocket URL of the proxy (default: ws://localhost:3000/api/copilot)"},
}

func listModels(ctx context.Context) error {
	client, err := connect(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = client.Stop(ctx) }()
	models, err := client.ListModels(ctx)
	if err != nil {
		return err
	}
	for _, model := range models {
		fmt.Printf("%s\t%s\t%s\n", model.ID, model.Name, model.Provider)
	}
	return nil
}

func chat(ctx context.Context) error {
	content := strings.Join(parser.Args(ctx), ` `)
	if content == `` {
		return errors.New(`nothing to say; pass the message as arguments`)
	}
	client, err := connect(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = client.Stop(ctx) }()

	model := chatModel
	if model == `` {
		models, err := client.ListModels(ctx)
		if err != nil {
			return err
		}
		if len(models) == 0 {
			return errors.New(`the proxy offers no models`)
		}
		model = models[0].ID
	}
	session, err := client.CreateSession(ctx, copilot.SessionConfig{Model: model})
	if err != nil {
		return err
	}
	defer func() { _ = session.Destroy(ctx) }()

	for ev, err := range session.Query(ctx, content) {
		if err != nil {
			return err
		}
		payload, err := ev.Payload()
		if err != nil {
			continue
		}
		switch data := payload.(type) {
		case *wire.MessageDeltaData:
			fmt.Print(data.Delta)
		case *wire.ToolStartData:
			fmt.Fprintf(os.Stderr, "\n(running %s)\n", data.ToolName)
		case nil: // session.idle
			fmt.Println()
		}
	}
	return nil
}

func checkHealth(ctx context.Context) error {
	url := healthURL(proxyURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	var status struct {
		OK bool `json:"ok"`
	}
	err = json.NewDecoder(resp.Body).Decode(&status)
	if err != nil {
		return err
	}
	if !status.OK {
		return fmt.Errorf(`%s reports it is not ok`, url)
	}
	fmt.Println(`ok`)
	return nil
}

// healthURL derives the liveness probe URL from the proxy WebSocket URL.
func healthURL(url string) string {
	url = strings.Replace(url, `ws://`, `http://`, 1)
	url = strings.Replace(url, `wss://`, `https://`, 1)
	return strings.TrimSuffix(url, `/api/copilot`) + `/api/copilot-health`
}

func connect(ctx context.Context) (*copilot.Client, error) {
	client, err := copilot.New(proxyURL)
	if err != nil {
		return nil, err
	}
	err = client.Start(ctx)
	if err != nil {
		return nil, err
	}
	return client, nil
}

var (
	proxyURL  = `ws://localhost:3000/api/copilot`
	chatModel string
)
