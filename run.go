package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/swdunlop/copilot-go/copilot/host"
	"github.com/swdunlop/copilot-go/copilot/host/api"
	"github.com/swdunlop/copilot-go/copilot/host/esbuild"
	"github.com/swdunlop/copilot-go/copilot/host/local"
	"github.com/swdunlop/copilot-go/copilot/host/reload"
	"github.com/swdunlop/copilot-go/copilot/host/tailscale"
	"github.com/swdunlop/copilot-go/copilot/host/www"
	"github.com/swdunlop/copilot-go/copilot/proxy"
	"github.com/swdunlop/copilot-go/copilot/proxy/openai"
	"github.com/swdunlop/zugzug-go"
	"github.com/swdunlop/zugzug-go/zug/parser"
)

func init() {
	tasks = append(tasks, zugzug.Tasks{
		{Name: "serve", Use: "Serves the taskpane and the copilot proxy", Fn: serve, Parser: parser.New(
			parser.String(&wwwDir, "www", "d", "The directory of built taskpane assets to serve"),
			parser.String(&uiFile, "ui", "u", "The taskpane entry point to build with esbuild"),
		), Settings: zugzug.Settings{
			{Var: &listenNetwork, Name: `LISTEN_NETWORK`,
				Use: "Listening network for the address (default: \"tcp\" if Tailscale not used)"},
			{Var: &listenAddress, Name: `LISTEN_ADDRESS`,
				Use: "Listening address for the service (default: localhost:3000 if TCP used)"},

			{Var: &openaiBaseURL, Name: `OPENAI_BASE_URL`,
				Use: "Base URL of an OpenAI-compatible API; without it the proxy echoes"},
			{Var: &openaiAPIKey, Name: `OPENAI_API_KEY`,
				Use: "Bearer token for the OpenAI-compatible API"},

			{Var: &tailscaleHostname, Name: `TAILSCALE_HOSTNAME`,
				Use: "Specifies the hostname on your Tailscale network"},
			{Var: &tailscaleFunnel, Name: `TAILSCALE_FUNNEL`,
				Use: "Enables internet access via a Tailscale funnel"},
			{Var: &tailscaleListen, Name: `TAILSCALE_LISTEN`,
				Use: "Listening address for clients from your Tailscale network (default: \":443\" or \":80\")"},
			{Var: &tailscaleDir, Name: `TAILSCALE_DIR`,
				Use: "State directory for Tailscale"},
			{Var: &noTailscaleTLS, Name: `NO_TAILSCALE_TLS`,
				Use: "Disables TLS for Tailscale"},
		}},
	}...)
}

func serve(ctx context.Context) error {
	var options []host.Option
	if uiFile != `` {
		if wwwDir == `` {
			return errors.New("esbuild requires a www directory")
		}
		options = append(options, esbuild.Rig(
			esbuild.EntryPoint(uiFile),
			esbuild.Output(wwwDir),
		))
	}
	if wwwDir != `` {
		options = append(options, www.Rig(wwwDir), reload.Rig(reload.Route))
	}

	backend := proxy.Echo()
	if openaiBaseURL != `` || openaiAPIKey != `` {
		var engineOptions []openai.Option
		if openaiBaseURL != `` {
			engineOptions = append(engineOptions, openai.BaseURL(openaiBaseURL))
		}
		if openaiAPIKey != `` {
			engineOptions = append(engineOptions, openai.APIKey(openaiAPIKey))
		}
		backend = openai.Engine(engineOptions...)
	}
	options = append(options, api.Rig(
		proxy.API(`GET /api/copilot`, proxy.Backend(backend)),
		proxy.HealthAPI(`GET /api/copilot-health`),
	))

	var tailscaleOptions []tailscale.Option
	useTailscale := false
	if tailscaleFunnel {
		if noTailscaleTLS {
			return errors.New("Tailscale funnel requires TLS")
		}
		if tailscaleListen != `` {
			return errors.New("You cannot combine TAILSCALE_FUNNEL with TAILSCALE_LISTEN")
		}
		tailscaleListen = `:443`

		useTailscale = true
		tailscaleOptions = append(tailscaleOptions, tailscale.Funnel())
	} else if tailscaleListen != "" {
		useTailscale = true
	} else if noTailscaleTLS {
		tailscaleListen = `:80`
	} else {
		tailscaleListen = `:443`
	}
	if tailscaleHostname != `` {
		useTailscale = true
		tailscaleOptions = append(tailscaleOptions, tailscale.Hostname(tailscaleHostname))
	}
	if noTailscaleTLS {
		tailscaleListen = `:80`
		tailscaleOptions = append(tailscaleOptions, tailscale.NoTLS())
	}
	if tailscaleDir != `` {
		tailscaleOptions = append(tailscaleOptions, tailscale.Dir(tailscaleDir))
	}

	switch {
	case useTailscale:
		options = append(options, tailscale.Rig(tailscaleListen, tailscaleOptions...))
	case listenNetwork != `` && listenNetwork != `tcp`:
		if listenAddress == `` {
			return fmt.Errorf(`LISTEN_ADDRESS must be specified for LISTEN_NETWORK other than "tcp"`)
		}
		options = append(options, local.Rig(local.Listen(listenNetwork, listenAddress)))
	}
	if listenAddress == `` {
		listenAddress = `localhost:3000`
	}
	return host.Serve(ctx, listenAddress, options...)
}

var (
	wwwDir string
	uiFile string

	listenNetwork string
	listenAddress string

	openaiBaseURL string
	openaiAPIKey  string

	tailscaleFunnel   bool
	tailscaleHostname string
	tailscaleListen   string
	tailscaleDir      string
	noTailscaleTLS    bool
)
