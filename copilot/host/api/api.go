// Package api mounts HTTP handlers on a copilot host.
package api

import (
	"io/fs"
	"net/http"

	"github.com/swdunlop/copilot-go/copilot/host"
)

// Rig returns a host option that serves the configured handlers.
func Rig(options ...Option) host.Option {
	var cfg config
	cfg.apply(options...)
	return cfg.hostOption
}

// FS returns an option that serves the given file system at any of the given patterns.
func FS(filesystem fs.FS, patterns ...string) Option {
	return func(cfg *config) error {
		fs := http.FileServer(http.FS(filesystem))
		for _, pattern := range patterns {
			cfg.patternHandlers = append(cfg.patternHandlers, patternHandler{pattern, fs})
		}
		return nil
	}
}

// Use returns an option that applies the given middleware to all subsequent handlers.  You can
// stack middleware multiple times; the earliest middleware added is the outermost layer and
// therefore runs first.
func Use(fn func(http.Handler) http.Handler) Option {
	return func(cfg *config) error {
		cfg.middleware = append(cfg.middleware, fn)
		return nil
	}
}

// HandleFunc accepts a http.ServeMux pattern and a handler function.
func HandleFunc(pattern string, fn func(w http.ResponseWriter, r *http.Request)) Option {
	return Handle(pattern, http.HandlerFunc(fn))
}

// Handle accepts a http.ServeMux pattern and a http.Handler.
func Handle(pattern string, handler http.Handler) Option {
	return func(cfg *config) error {
		for i := len(cfg.middleware) - 1; i >= 0; i-- {
			handler = cfg.middleware[i](handler)
		}
		cfg.patternHandlers = append(cfg.patternHandlers, patternHandler{
			pattern: pattern,
			handler: handler,
		})
		return nil
	}
}

// Group organizes a group of options into a single option, isolating their middleware so it
// does not affect handlers outside of the group.
func Group(options ...Option) Option {
	return func(cfg *config) error {
		middleware := cfg.middleware
		defer func() { cfg.middleware = middleware }()
		for _, option := range options {
			err := option(cfg)
			if err != nil {
				return err
			}
		}
		return nil
	}
}

// An Option adds handlers or middleware to the API.
type Option func(*config) error

type config struct {
	middleware      []func(http.Handler) http.Handler
	patternHandlers []patternHandler
	err             error
}

// HostMux adds the configured handlers to the provided ServeMux, implementing hook.Mux.
func (cfg *config) HostMux(mux *http.ServeMux) {
	for _, it := range cfg.patternHandlers {
		mux.Handle(it.pattern, it.handler)
	}
}

type patternHandler struct {
	pattern string
	handler http.Handler
}

func (cfg *config) apply(options ...Option) {
	for _, option := range options {
		if cfg.err != nil {
			return
		}
		cfg.err = option(cfg)
	}
}

func (cfg *config) hostOption(h *host.Config) error {
	if cfg.err != nil {
		return cfg.err
	}
	h.Hook(cfg)
	return nil
}
