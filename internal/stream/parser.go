package stream

import (
	"bytes"

	"github.com/mark3labs/swarmwatch/internal/logger"
)

var dataPrefix = []byte("data:")

// Parser assembles SSE lines from arbitrarily split chunks and decodes the
// "data:" lines into events. It keeps no state besides the unterminated
// tail of the last chunk, so server emission order is preserved.
type Parser struct {
	buf       []byte
	malformed int
}

// NewParser creates a Parser with an empty line buffer.
func NewParser() *Parser {
	return &Parser{}
}

// Feed appends chunk to the line buffer and returns the events completed by
// it. A trailing partial line is retained until a later Feed or Flush.
func (p *Parser) Feed(chunk []byte) []Event {
	p.buf = append(p.buf, chunk...)

	var events []Event
	start := 0
	for {
		i := bytes.IndexByte(p.buf[start:], '\n')
		if i < 0 {
			break
		}
		if ev, ok := p.parseLine(p.buf[start : start+i]); ok {
			events = append(events, ev)
		}
		start += i + 1
	}

	n := copy(p.buf, p.buf[start:])
	p.buf = p.buf[:n]
	return events
}

// Flush parses whatever is left in the buffer as a final line. It is called
// once the stream has ended; servers sometimes omit the last newline.
func (p *Parser) Flush() []Event {
	if len(p.buf) == 0 {
		return nil
	}
	line := p.buf
	p.buf = nil
	if ev, ok := p.parseLine(line); ok {
		return []Event{ev}
	}
	return nil
}

// Malformed returns how many data lines failed to decode.
func (p *Parser) Malformed() int {
	return p.malformed
}

// Pending reports whether a partial line is buffered.
func (p *Parser) Pending() bool {
	return len(p.buf) > 0
}

func (p *Parser) parseLine(line []byte) (Event, bool) {
	line = bytes.TrimSuffix(line, []byte("\r"))
	if !bytes.HasPrefix(line, dataPrefix) {
		// Blank separators, comments, "event:" and "id:" fields.
		return Event{}, false
	}
	data := bytes.TrimPrefix(line[len(dataPrefix):], []byte(" "))
	if len(bytes.TrimSpace(data)) == 0 || bytes.Equal(data, []byte("[DONE]")) {
		return Event{}, false
	}

	ev, err := Decode(data)
	if err != nil {
		p.malformed++
		logger.Warn("Discarding malformed SSE frame: %v | raw: %s", err, truncate(data, 200))
		return Event{}, false
	}
	return ev, true
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
