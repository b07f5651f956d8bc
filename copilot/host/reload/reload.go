// Package reload broadcasts rebuild notifications to connected taskpanes over server sent
// events.  The taskpane subscribes with an EventSource and reloads itself on any message.
package reload

import (
	"net/http"

	"github.com/swdunlop/copilot-go/copilot/host"
	"github.com/tmaxmax/go-sse"
)

// Route is the default subscription endpoint.
const Route = `/_copilot/reload`

// Rig returns a host option that serves the reload channel at route, or at Route if route is
// empty.  The host pings the channel whenever a watched input changes.
func Rig(route string) host.Option {
	if route == `` {
		route = Route
	}
	return func(h *host.Config) error {
		h.Hook(&broadcaster{route: route, sse: &sse.Server{}})
		return nil
	}
}

type broadcaster struct {
	route string
	sse   *sse.Server
}

// HostMux implements hook.Mux.
func (b *broadcaster) HostMux(mux *http.ServeMux) { mux.Handle(`GET `+b.route, b.sse) }

// HostReload implements hook.Reloader by pinging every subscriber.
func (b *broadcaster) HostReload() {
	msg := &sse.Message{}
	msg.AppendData(`reload`)
	_ = b.sse.Publish(msg)
}
