// Package esbuild bundles the taskpane UI with esbuild and rebuilds it when its sources
// change.  The built outputs are registered with the host's watch list so taskpanes reload
// when a rebuild lands.
package esbuild

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	esbuild "github.com/evanw/esbuild/pkg/api"
	"github.com/swdunlop/copilot-go/copilot/host"
)

// Rig returns a host option that builds the configured entry points once at startup and keeps
// rebuilding them as they change.
func Rig(options ...Option) host.Option {
	var cfg config
	cfg.build.LogLevel = esbuild.LogLevelInfo
	cfg.build.Bundle = true
	cfg.build.Write = true
	for _, option := range options {
		option(&cfg)
	}
	return cfg.hostOption
}

// Option is a function that can manipulate the esbuild API build options structure.
type Option func(*config)

// Output sets the output directory for the build.
func Output(outdir string) Option {
	return func(cfg *config) { cfg.build.Outdir = outdir }
}

// Outfile sets a single output file for the build, for single entry point builds.
func Outfile(outfile string) Option {
	return func(cfg *config) { cfg.build.Outfile = outfile }
}

// EntryPoint appends entry points to the build.
func EntryPoint(entryPoints ...string) Option {
	return func(cfg *config) { cfg.build.EntryPoints = append(cfg.build.EntryPoints, entryPoints...) }
}

// Bundle controls whether esbuild bundles dependencies into the output; the default is true.
func Bundle(ok bool) Option {
	return func(cfg *config) { cfg.build.Bundle = ok }
}

// BuildOption manipulates the esbuild API build options structure directly.
// See https://esbuild.github.io/api for information on how to use esbuild options.
func BuildOption(fn func(*esbuild.BuildOptions)) Option {
	return func(cfg *config) { fn(&cfg.build) }
}

// WatchOption manipulates the esbuild API watch options structure directly.
func WatchOption(fn func(*esbuild.WatchOptions)) Option {
	return func(cfg *config) { fn(&cfg.watch) }
}

type config struct {
	build esbuild.BuildOptions
	watch esbuild.WatchOptions
}

func (cfg *config) hostOption(h *host.Config) error {
	if cfg.build.Outdir == `` && cfg.build.Outfile == `` {
		return fmt.Errorf(`esbuild: no output directory or file specified`)
	}
	if len(cfg.build.EntryPoints) == 0 {
		return fmt.Errorf(`esbuild: no entry points specified`)
	}
	errCh := make(chan error)
	go cfg.buildAndWatch(errCh, h.Done())
	err := <-errCh
	if err != nil {
		return err
	}
	if cfg.build.Outdir != `` {
		err := h.Watch(cfg.build.Outdir, `*.html`, `*.css`, `*.js`)
		if err != nil {
			return err
		}
	}
	if cfg.build.Outfile != `` {
		err := h.Watch(filepath.Dir(cfg.build.Outfile), filepath.Base(cfg.build.Outfile))
		if err != nil {
			return err
		}
	}
	return nil
}

func (cfg *config) buildAndWatch(errCh chan<- error, doneCh <-chan struct{}) {
	ctx, ctxErr := esbuild.Context(cfg.build)
	if ctxErr != nil {
		printErrors(ctxErr.Errors)
		if len(ctxErr.Errors) > 0 {
			errCh <- fmt.Errorf(`esbuild failed to start`)
			return
		}
	}
	errCh <- nil
	defer ctx.Dispose()
	ret := esbuild.Build(cfg.build)
	printErrors(ret.Errors)
	err := ctx.Watch(cfg.watch)
	if err != nil {
		printErrors([]esbuild.Message{{Text: err.Error()}})
		return
	}
	<-doneCh
}

func printErrors(errors []esbuild.Message) {
	var buf bytes.Buffer
	for i, err := range errors {
		if i == 0 {
			fmt.Fprintf(&buf, "!! esbuild: ")
		} else {
			fmt.Fprintf(&buf, "   esbuild: ")
		}
		fmt.Fprintf(&buf, "%s\n", strings.ReplaceAll(err.Text, "\n", "\n            "))
	}
	if buf.Len() > 0 {
		_, _ = os.Stderr.Write(buf.Bytes())
	}
}
