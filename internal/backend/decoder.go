package backend

import (
	"bytes"
	"encoding/json"
)

// LineDecoder splits a byte stream into newline-delimited JSON messages.
// A partial trailing line is held until the next Feed or Flush.
type LineDecoder struct {
	buf []byte
}

// Feed appends chunk and returns events for every completed line.
func (d *LineDecoder) Feed(chunk []byte) []Event {
	d.buf = append(d.buf, chunk...)

	var out []Event
	for {
		i := bytes.IndexByte(d.buf, '\n')
		if i < 0 {
			break
		}
		line := d.buf[:i]
		if ev, ok := decodeLine(line); ok {
			out = append(out, ev)
		}
		d.buf = d.buf[i+1:]
	}

	// Compact so a long-running stream doesn't pin the old backing array.
	if len(d.buf) == 0 {
		d.buf = nil
	} else if cap(d.buf) > 4*len(d.buf)+4096 {
		d.buf = append([]byte(nil), d.buf...)
	}
	return out
}

// Flush decodes whatever partial line remains at end of stream.
func (d *LineDecoder) Flush() []Event {
	rest := d.buf
	d.buf = nil
	if ev, ok := decodeLine(rest); ok {
		return []Event{ev}
	}
	return nil
}

// Pending reports the number of buffered bytes not yet terminated by a newline.
func (d *LineDecoder) Pending() int {
	return len(d.buf)
}

func decodeLine(line []byte) (Event, bool) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return Event{}, false
	}
	if !json.Valid(line) {
		return Event{Kind: EventRaw, Text: string(line)}, true
	}

	raw := make(json.RawMessage, len(line))
	copy(raw, line)
	msg := StreamMessage{Raw: raw}

	// Any valid JSON is a message; type and subtype are read only when
	// the line is an object and they are strings.
	var fields map[string]json.RawMessage
	if json.Unmarshal(line, &fields) == nil {
		msg.Type = stringField(fields["type"])
		msg.Subtype = stringField(fields["subtype"])
	}
	return Event{Kind: EventMessage, Message: msg}, true
}

func stringField(raw json.RawMessage) string {
	var s string
	if len(raw) == 0 || json.Unmarshal(raw, &s) != nil {
		return ""
	}
	return s
}
