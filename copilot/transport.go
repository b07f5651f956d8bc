package copilot

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/swdunlop/copilot-go/copilot/wire"
	"github.com/swdunlop/html-go/hog"
	"nhooyr.io/websocket"
)

// A transport owns one WebSocket connection and presents it as a duplex stream of wire
// messages.  Writes may come from any goroutine; reads happen on the single run loop.
type transport struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	once    sync.Once
}

func dialTransport(ctx context.Context, url string, cfg *config) (*transport, error) {
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPClient: cfg.httpClient,
		HTTPHeader: cfg.header,
	})
	if err != nil {
		return nil, fmt.Errorf(`%w dialing %q`, err, url)
	}
	conn.SetReadLimit(cfg.readLimit)
	return &transport{conn: conn}, nil
}

// send frames and writes one message.  The write mutex keeps concurrent callers from
// interleaving frames.
func (t *transport) send(ctx context.Context, msg wire.Message) error {
	frame, err := wire.Encode(msg)
	if err != nil {
		return err
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.conn.Write(ctx, websocket.MessageText, frame)
}

// run reads and decodes frames until the connection fails, feeding each decoded message to
// dispatch in receipt order.  Recoverable frame errors skip the bad frame; header-level frame
// errors tear the connection down rather than guess at resynchronization.
func (t *transport) run(ctx context.Context, dispatch func(context.Context, wire.Message)) error {
	var dec wire.Decoder
	for {
		_, p, err := t.conn.Read(ctx)
		if err != nil {
			return err
		}
		for msg, err := range dec.Feed(p) {
			if err != nil {
				var ferr *wire.FrameError
				if errors.As(err, &ferr) && ferr.Recoverable() {
					hog.From(ctx).Warn().Err(err).Msg(`skipping bad frame`)
					continue
				}
				t.close(websocket.StatusProtocolError, `bad frame`)
				return err
			}
			dispatch(ctx, msg)
		}
	}
}

// close is idempotent; later calls are no-ops.
func (t *transport) close(code websocket.StatusCode, reason string) {
	t.once.Do(func() {
		_ = t.conn.Close(code, reason)
	})
}
