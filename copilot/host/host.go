// Package host assembles the HTTP pieces of a copilot dev server: the proxy endpoint, the
// taskpane assets and their rebuild pipeline, rigged together from hooks.  Taskpanes can
// observe rebuilds by subscribing to server sent events at /_copilot/reload.
package host

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"github.com/rs/zerolog/pkgerrors"
	"github.com/swdunlop/copilot-go/copilot/host/hook"
	"github.com/swdunlop/copilot-go/copilot/host/watcher"
	"github.com/swdunlop/html-go/hog"
)

func init() {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: `2006-01-02 15:04:05`}).With().Timestamp().Logger()
	zlog.Logger = log
	zerolog.DefaultContextLogger = &log
	zerolog.ErrorStackMarshaler = pkgerrors.MarshalStack
}

// Main is intended to be used as your main function; it serves a host with the given options
// until interrupted.
func Main(address string, options ...Option) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	return Serve(ctx, address, options...)
}

// Serve runs a host with the given options, listening at address unless a listener hook such as
// tailscale overrides it.
func Serve(ctx context.Context, address string, options ...Option) error {
	cfg, err := New(options...)
	if err != nil {
		return err
	}
	return cfg.Serve(ctx, address)
}

// New returns a new host configuration.
func New(options ...Option) (*Config, error) {
	cfg := new(Config)
	err := cfg.Apply(options...)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// An Option is a function that adjusts a Config before it serves.
type Option func(*Config) error

// Apply groups options into a single option.
func Apply(options ...Option) Option {
	return func(cfg *Config) error { return cfg.Apply(options...) }
}

// A Config is a host configuration.
type Config struct {
	serving bool
	hooks   []any
	done    <-chan struct{} // closed when the host starts to shut down
	watch   []watch
}

type watch struct {
	dir      string
	patterns []string
}

// Done returns a channel that is closed when the host starts to shut down.  This is nil until
// Serve is called.
func (cfg *Config) Done() <-chan struct{} { return cfg.done }

// Hook adds hooks to the configuration, see the hook package for interfaces that hooks can
// implement.  This is normally done by options.
func (cfg *Config) Hook(hooks ...any) { cfg.hooks = append(cfg.hooks, hooks...) }

// Watch asks the host to notify reload hooks when a file in dir matching any of the glob
// patterns changes.  This is normally done by options like esbuild.
func (cfg *Config) Watch(dir string, patterns ...string) error {
	cfg.watch = append(cfg.watch, watch{dir, patterns})
	return nil
}

// Apply applies the given options to the config; it may not be called while serving.
func (cfg *Config) Apply(options ...Option) error {
	if cfg.serving {
		return errors.New(`cannot apply options while a host is serving`)
	}
	for _, option := range options {
		err := option(cfg)
		if err != nil {
			return err
		}
	}
	return nil
}

// Serve runs the configured host as a server until the context is cancelled.
func (cfg *Config) Serve(ctx context.Context, address string) error {
	if cfg.serving {
		return errors.New(`host is already serving`)
	}
	cfg.serving = true
	defer func() { cfg.serving = false }()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	cfg.done = ctx.Done()
	defer func() { cfg.done = nil }()

	hooks := hook.Order(cfg.hooks...)

	var mux http.ServeMux
	for _, it := range hooks {
		if impl, ok := it.(hook.Mux); ok {
			impl.HostMux(&mux)
		}
	}

	var svr http.Server
	svr.Handler = &mux
	for _, it := range hooks {
		if impl, ok := it.(hook.Server); ok {
			impl.HostServer(&svr)
		}
	}

	lr, err := cfg.listen(ctx, hooks, address)
	if err != nil {
		return err
	}
	// no need to defer lr.Close, svr.Shutdown will close it

	stopWatch, err := cfg.startWatchers(hooks, ctx.Done())
	if err != nil {
		_ = lr.Close()
		return err
	}
	defer stopWatch()

	go func() {
		<-ctx.Done()
		_ = svr.Shutdown(context.Background())
	}()

	hog.From(ctx).Info().Str(`address`, lr.Addr().String()).Msg(`starting copilot host`)
	err = svr.Serve(lr)
	hog.From(ctx).Info().Err(err).Msg(`copilot host stopped`)
	if err == http.ErrServerClosed {
		return nil
	}
	_ = lr.Close() // just in case, since we did not have a shutdown or server close
	return err
}

// listen finds a hook.Listen implementation, or falls back to a TCP listener at address.
func (cfg *Config) listen(ctx context.Context, hooks []any, address string) (net.Listener, error) {
	for _, it := range hooks {
		if impl, ok := it.(hook.Listen); ok {
			return impl.Listen(ctx)
		}
	}
	var lcf net.ListenConfig
	for _, it := range hooks {
		if impl, ok := it.(hook.Listener); ok {
			impl.HostListener(&lcf)
		}
	}
	return lcf.Listen(ctx, `tcp`, address)
}

// startWatchers wires the registered watch specs to the reload hooks and returns a function
// that shuts the watchers down.
func (cfg *Config) startWatchers(hooks []any, done <-chan struct{}) (func(), error) {
	var reloaders []hook.Reloader
	for _, it := range hooks {
		if impl, ok := it.(hook.Reloader); ok {
			reloaders = append(reloaders, impl)
		}
	}
	if len(cfg.watch) == 0 || len(reloaders) == 0 {
		return func() {}, nil
	}
	watchers := make([]watcher.Interface, 0, len(cfg.watch))
	stop := func() {
		for _, wr := range watchers {
			wr.Shutdown()
		}
	}
	for _, it := range cfg.watch {
		wr, err := watcher.Start(watcher.Directory(it.dir), watcher.Include(it.patterns...))
		if err != nil {
			stop()
			return nil, err
		}
		watchers = append(watchers, wr)
		go func() {
			for {
				select {
				case <-done:
					return
				case <-wr.Alert():
					for _, impl := range reloaders {
						impl.HostReload()
					}
				}
			}
		}()
	}
	return stop, nil
}
