// Package hook defines interfaces that the host recognizes and applies at various stages of
// assembling a copilot dev server.
package hook

import (
	"context"
	"net"
	"net/http"
	"sort"
)

// Listen hooks provide the listener the host serves on; at most one may be configured.
type Listen interface {
	Listen(ctx context.Context) (net.Listener, error)
}

// Listener hooks are called when the host is setting up a new listener configuration.
type Listener interface {
	HostListener(*net.ListenConfig)
}

// Server hooks are called when the host is setting up a new HTTP server.
type Server interface {
	HostServer(*http.Server)
}

// Mux hooks are called when the host is setting up a new HTTP multiplexer.
type Mux interface {
	HostMux(*http.ServeMux)
}

// Reloader hooks are told when watched inputs change so they can notify connected taskpanes.
type Reloader interface {
	HostReload()
}

// Order returns the provided hooks in the order they were provided with adjustments made so
// that all dependent hooks are run after their dependencies.  Cyclic dependencies do not
// produce an error; the order is simply best effort.
func Order(hooks ...any) []any {
	dependencies := make(map[string][]int, len(hooks))
	for i, hook := range hooks {
		if provider, ok := hook.(Provider); ok {
			for _, name := range provider.Provides() {
				dependencies[name] = append(dependencies[name], i)
			}
		}
	}
	order := make([]any, 0, len(hooks))
	placed := make([]bool, len(hooks))
	var place func(int)
	place = func(i int) {
		if placed[i] {
			return
		}
		placed[i] = true
		if dependent, ok := hooks[i].(Dependent); ok {
			names := dependent.DependsOn()
			items := make([]int, 0, len(names))
			for _, name := range names {
				items = append(items, dependencies[name]...)
			}
			sort.Ints(items) // preserve the original order as much as possible
			for _, j := range items {
				place(j)
			}
		}
		order = append(order, hooks[i])
	}
	for i := range hooks {
		place(i)
	}
	return order
}

// A Provider provides a name so that it can be referenced by a Dependent.
type Provider interface {
	Provides() []string
}

// A Dependent hook will not be called until all of its dependencies have been provided.
type Dependent interface {
	DependsOn() []string
}
