package live

import (
	"bytes"
	"strings"
)

// sseEvent is one complete server-sent event.
type sseEvent struct {
	Type string
	Data string
}

// sseParser accumulates raw stream chunks and yields complete events.
// Partial lines spanning chunk boundaries are carried over; comment lines
// (keepalives) are dropped. An event is dispatched at its blank-line
// terminator, with multiple data lines joined by newlines.
type sseParser struct {
	buffer []byte
	typ    string
	data   []string
}

func (p *sseParser) feed(chunk []byte) []sseEvent {
	p.buffer = append(p.buffer, chunk...)

	var events []sseEvent
	for {
		idx := bytes.IndexByte(p.buffer, '\n')
		if idx == -1 {
			return events
		}
		line := strings.TrimRight(string(p.buffer[:idx]), "\r")
		p.buffer = p.buffer[idx+1:]

		switch {
		case line == "":
			if len(p.data) > 0 {
				events = append(events, sseEvent{Type: p.typ, Data: strings.Join(p.data, "\n")})
			}
			p.typ = ""
			p.data = nil
		case strings.HasPrefix(line, ":"):
			// comment
		case strings.HasPrefix(line, "event:"):
			p.typ = trimFieldValue(line, "event:")
		case strings.HasPrefix(line, "data:"):
			p.data = append(p.data, trimFieldValue(line, "data:"))
		}
	}
}

// trimFieldValue strips the field name and at most one leading space.
func trimFieldValue(line, field string) string {
	v := strings.TrimPrefix(line, field)
	return strings.TrimPrefix(v, " ")
}
