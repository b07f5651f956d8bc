package copilot

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/swdunlop/copilot-go/copilot/wire"
	"github.com/swdunlop/html-go/hog"
)

// A dispatcher matches responses to pending calls by id and routes session events to their
// sessions.  Ids are allocated monotonically per connection; a dispatcher dies with its
// transport and is never reused.
type dispatcher struct {
	tr     *transport
	route  func(context.Context, *wire.Event)
	nextID atomic.Int64

	mu      sync.Mutex
	pending map[int64]chan *wire.Response
	err     error // terminal; set once by fail
}

func newDispatcher(tr *transport, route func(context.Context, *wire.Event)) *dispatcher {
	return &dispatcher{tr: tr, route: route, pending: make(map[int64]chan *wire.Response)}
}

// call sends a request and suspends until its response arrives, the context ends, or the
// connection fails.  Responses may resolve in any order relative to other calls.
func (d *dispatcher) call(ctx context.Context, method string, params, out any) error {
	id := d.nextID.Add(1)
	req, err := wire.NewRequest(id, method, params)
	if err != nil {
		return fmt.Errorf(`%w encoding %s params`, err, method)
	}

	ch := make(chan *wire.Response, 1)
	d.mu.Lock()
	if d.err != nil {
		err := d.err
		d.mu.Unlock()
		return err
	}
	d.pending[id] = ch
	d.mu.Unlock()

	err = d.tr.send(ctx, req)
	if err != nil {
		d.forget(id)
		return err
	}

	select {
	case <-ctx.Done():
		d.forget(id)
		return fmt.Errorf(`%w waiting for %s response`, ctx.Err(), method)
	case ret := <-ch:
		if ret == nil {
			d.mu.Lock()
			err := d.err
			d.mu.Unlock()
			return err
		}
		if ret.Error != nil {
			return fmt.Errorf(`%s failed: %w`, method, ret.Error)
		}
		if out == nil || ret.Result == nil {
			return nil
		}
		return json.Unmarshal(ret.Result, out)
	}
}

// notify sends a request without an id and does not wait for a reply.
func (d *dispatcher) notify(ctx context.Context, method string, params any) error {
	req, err := wire.NewRequest(0, method, params)
	if err != nil {
		return fmt.Errorf(`%w encoding %s params`, err, method)
	}
	return d.tr.send(ctx, req)
}

// dispatch handles one decoded message on the read loop.  Anything that matches neither a
// pending call nor a session is dropped with a diagnostic rather than corrupting state.
func (d *dispatcher) dispatch(ctx context.Context, msg wire.Message) {
	switch msg := msg.(type) {
	case *wire.Response:
		d.mu.Lock()
		ch := d.pending[msg.ID]
		delete(d.pending, msg.ID)
		d.mu.Unlock()
		if ch == nil {
			hog.From(ctx).Warn().Int64(`id`, msg.ID).Msg(`dropping response without a pending call`)
			return
		}
		ch <- msg
	case *wire.Event:
		d.route(ctx, msg)
	default:
		hog.From(ctx).Warn().Type(`envelope`, msg).Msg(`dropping unexpected envelope`)
	}
}

// fail terminates the dispatcher: every pending call is rejected with err and later calls are
// rejected immediately without touching the network.
func (d *dispatcher) fail(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return
	}
	d.err = err
	for id, ch := range d.pending {
		delete(d.pending, id)
		close(ch)
	}
}

func (d *dispatcher) forget(id int64) {
	d.mu.Lock()
	delete(d.pending, id)
	d.mu.Unlock()
}
