package stream

import (
	"bytes"
	"errors"
	"fmt"
	"io"
)

// WriteFrame writes e as "event: <type>\ndata: <json>\n\n". The JSON payload
// never contains a raw newline, so one data line is enough.
func WriteFrame(w io.Writer, e Event) error {
	if bytes.ContainsAny(e.Data, "\r\n") {
		return fmt.Errorf("event %s: payload spans lines", e.Type)
	}
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Type, e.Data)
	return err
}

// MaxFrameSize bounds how much the decoder buffers for a single frame.
const MaxFrameSize = 4 << 20

var ErrFrameTooLarge = errors.New("sse frame exceeds size limit")

// Decoder turns an SSE byte stream into events. It accumulates input until a
// frame boundary (a blank line), decodes the frame and hands it out. Feed may
// be called with arbitrary chunk sizes.
type Decoder struct {
	pending []byte // incomplete line
	typ     string
	data    bytes.Buffer
	hasData bool
	size    int
}

func NewDecoder() *Decoder {
	return &Decoder{}
}

// Feed consumes p and returns every event completed by it.
func (d *Decoder) Feed(p []byte) ([]Event, error) {
	var out []Event
	d.pending = append(d.pending, p...)

	for {
		i := bytes.IndexByte(d.pending, '\n')
		if i < 0 {
			break
		}
		line := d.pending[:i]
		d.pending = d.pending[i+1:]
		line = bytes.TrimSuffix(line, []byte{'\r'})

		if ev, ok := d.processLine(line); ok {
			out = append(out, ev)
		}
		if d.size > MaxFrameSize {
			return out, ErrFrameTooLarge
		}
	}

	if len(d.pending) > MaxFrameSize {
		return out, ErrFrameTooLarge
	}
	// Reclaim the consumed prefix.
	if len(d.pending) == 0 {
		d.pending = d.pending[:0:0]
	}
	return out, nil
}

func (d *Decoder) processLine(line []byte) (Event, bool) {
	if len(line) == 0 {
		return d.dispatch()
	}
	if line[0] == ':' {
		return Event{}, false
	}

	field, value := line, []byte(nil)
	if i := bytes.IndexByte(line, ':'); i >= 0 {
		field, value = line[:i], line[i+1:]
		value = bytes.TrimPrefix(value, []byte{' '})
	}

	switch string(field) {
	case "event":
		d.typ = string(value)
	case "data":
		if d.hasData {
			d.data.WriteByte('\n')
		}
		d.data.Write(value)
		d.hasData = true
		d.size += len(value)
	}
	// id and retry are not used by this protocol.
	return Event{}, false
}

func (d *Decoder) dispatch() (Event, bool) {
	defer d.reset()
	if !d.hasData {
		return Event{}, false
	}
	typ := d.typ
	if typ == "" {
		typ = "message"
	}
	data := make([]byte, d.data.Len())
	copy(data, d.data.Bytes())
	return Event{Type: EventType(typ), Data: data}, true
}

func (d *Decoder) reset() {
	d.typ = ""
	d.data.Reset()
	d.hasData = false
	d.size = 0
}

// Decode reads r to the end, calling fn for every event. A trailing frame
// without its blank line is discarded, as browsers do.
func Decode(r io.Reader, fn func(Event) error) error {
	d := NewDecoder()
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			events, ferr := d.Feed(buf[:n])
			for _, ev := range events {
				if cerr := fn(ev); cerr != nil {
					return cerr
				}
			}
			if ferr != nil {
				return ferr
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
