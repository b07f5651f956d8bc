package wire

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"strconv"
	"strings"
)

// ErrUnknownEvent is returned by Event.Payload for event types outside the known set.
var ErrUnknownEvent = errors.New(`unknown event type`)

// maxHeaderBytes bounds the header block of a frame; a peer that streams this much without a
// blank-line separator is not speaking the protocol.
const maxHeaderBytes = 4 << 10

const (
	headerSeparator     = "\r\n\r\n"
	headerContentLength = `content-length`
)

// Encode marshals the message and wraps it in a Content-Length frame.
func Encode(msg Message) ([]byte, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf(`%w while encoding %T`, err, msg)
	}
	return AppendFrame(nil, body), nil
}

// AppendFrame appends a Content-Length frame carrying body to dst and returns the result.
func AppendFrame(dst, body []byte) []byte {
	dst = append(dst, `Content-Length: `...)
	dst = strconv.AppendInt(dst, int64(len(body)), 10)
	dst = append(dst, headerSeparator...)
	return append(dst, body...)
}

// A FrameError reports a frame that could not be decoded.  Discard is the number of buffered
// bytes the decoder skipped to resynchronize at the next frame boundary; zero means no safe
// resumption point exists and the connection should be torn down.
type FrameError struct {
	Reason  string
	Err     error
	Discard int
}

func (e *FrameError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf(`bad frame: %s: %v`, e.Reason, e.Err)
	}
	return `bad frame: ` + e.Reason
}

func (e *FrameError) Unwrap() error { return e.Err }

// Recoverable reports whether the decoder resynchronized past the bad frame, leaving any later
// frames in the buffer decodable.
func (e *FrameError) Recoverable() bool { return e.Discard > 0 }

// A Decoder incrementally decodes Content-Length frames from a byte stream.  The zero value is
// ready for use.  A Decoder is not safe for concurrent use.
type Decoder struct {
	buf []byte
}

// Buffered returns the number of bytes retained for the next Feed.
func (d *Decoder) Buffered() int { return len(d.buf) }

// Feed appends p to the decode buffer and yields the complete envelopes it contains, retaining
// any trailing partial frame.  The sequence is finite and Feed may be called again afterward; a
// partial frame is never parsed.  A frame whose body fails to decode yields a recoverable
// *FrameError and decoding continues with the next frame; a malformed header block yields an
// unrecoverable *FrameError and the sequence ends.
func (d *Decoder) Feed(p []byte) iter.Seq2[Message, error] {
	d.buf = append(d.buf, p...)
	return func(yield func(Message, error) bool) {
		for {
			body, ferr := d.next()
			if ferr != nil {
				yield(nil, ferr)
				return
			}
			if body == nil {
				return // partial frame, wait for more bytes
			}
			msg, err := Decode(body)
			if err != nil {
				if !yield(nil, &FrameError{Reason: `undecodable body`, Err: err, Discard: len(body)}) {
					return
				}
				continue
			}
			if !yield(msg, nil) {
				return
			}
		}
	}
}

// next extracts one complete frame body from the buffer, or returns nil if more bytes are
// needed.  Header errors are unrecoverable: the byte offset of the next frame is unknowable.
func (d *Decoder) next() ([]byte, *FrameError) {
	sep := bytes.Index(d.buf, []byte(headerSeparator))
	if sep < 0 {
		if len(d.buf) > maxHeaderBytes {
			return nil, &FrameError{Reason: `unterminated header block`}
		}
		return nil, nil
	}
	size, ferr := parseHeaders(d.buf[:sep])
	if ferr != nil {
		return nil, ferr
	}
	start := sep + len(headerSeparator)
	if len(d.buf) < start+size {
		return nil, nil // body not fully buffered yet
	}
	body := d.buf[start : start+size]
	d.buf = append(d.buf[:0:0], d.buf[start+size:]...)
	return body, nil
}

// parseHeaders parses the CRLF-separated header block and returns the Content-Length value.
// Header names are case-insensitive and unknown headers are ignored.
func parseHeaders(block []byte) (int, *FrameError) {
	size := -1
	for _, line := range strings.Split(string(block), "\r\n") {
		if line == `` {
			continue
		}
		name, value, ok := strings.Cut(line, `:`)
		if !ok {
			return 0, &FrameError{Reason: fmt.Sprintf(`header line %q lacks a colon`, line)}
		}
		if strings.ToLower(strings.TrimSpace(name)) != headerContentLength {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil || n < 0 {
			return 0, &FrameError{Reason: fmt.Sprintf(`non-numeric Content-Length %q`, strings.TrimSpace(value))}
		}
		size = n
	}
	if size < 0 {
		return 0, &FrameError{Reason: `missing Content-Length header`}
	}
	return size, nil
}

// Decode classifies and unmarshals one frame body into a *Request, *Response or *Event.
func Decode(body []byte) (Message, error) {
	var probe struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      json.RawMessage `json:"id"`
		Method  string          `json:"method"`
		Result  json.RawMessage `json:"result"`
		Error   json.RawMessage `json:"error"`
		Type    string          `json:"type"`
	}
	err := json.Unmarshal(body, &probe)
	if err != nil {
		return nil, err
	}
	switch {
	case probe.Type != ``:
		ev := new(Event)
		err = json.Unmarshal(body, ev)
		if err != nil {
			return nil, err
		}
		if ev.SessionID == `` {
			return nil, fmt.Errorf(`event %q lacks a session id`, ev.Type)
		}
		return ev, nil
	case probe.Method != ``:
		req := new(Request)
		err = json.Unmarshal(body, req)
		if err != nil {
			return nil, err
		}
		return req, nil
	case probe.Result != nil || probe.Error != nil:
		if probe.ID == nil {
			return nil, errors.New(`response lacks an id`)
		}
		ret := new(Response)
		err = json.Unmarshal(body, ret)
		if err != nil {
			return nil, err
		}
		if ret.Result != nil && ret.Error != nil {
			return nil, errors.New(`response has both result and error`)
		}
		return ret, nil
	}
	return nil, errors.New(`envelope is not a request, response or event`)
}
