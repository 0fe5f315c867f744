package ami

import (
	"bufio"
	"io"
	"strings"
)

// maxLine bounds a single AMI header line. Command responses can carry long
// output lines; anything beyond this is a protocol violation.
const maxLine = 1 << 20

// Parser reads an AMI byte stream and emits Events.
type Parser struct {
	scanner *bufio.Scanner
}

// NewParser creates a Parser that reads from the given reader.
func NewParser(r io.Reader) *Parser {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), maxLine)
	return &Parser{scanner: sc}
}

// Next reads the next frame from the stream.
// Returns the frame and true if one was read, or a zero Event and false at EOF.
func (p *Parser) Next() (Event, bool) {
	var headers []header

	for p.scanner.Scan() {
		line := p.scanner.Text()

		// Strip trailing \r if present (AMI uses \r\n)
		line = strings.TrimRight(line, "\r")

		// Blank line marks end of a frame
		if line == "" {
			if len(headers) > 0 {
				return Event{headers: headers}, true
			}
			continue
		}

		// Parse "Key: Value" format
		idx := strings.Index(line, ": ")
		if idx < 0 {
			// Some AMI lines (like the banner) don't have ": " — skip them
			// unless we're already collecting headers
			if len(headers) == 0 {
				continue
			}
			// Malformed line inside a frame — include as-is with empty key
			headers = append(headers, header{Key: "", Value: line})
			continue
		}

		key := line[:idx]
		value := line[idx+2:]
		headers = append(headers, header{Key: key, Value: value})
	}

	// EOF — return any pending frame
	if len(headers) > 0 {
		return Event{headers: headers}, true
	}
	return Event{}, false
}

// ParseAll reads all frames from the stream and returns them.
func (p *Parser) ParseAll() []Event {
	var events []Event
	for {
		evt, ok := p.Next()
		if !ok {
			break
		}
		events = append(events, evt)
	}
	return events
}

// ParseBytes is a convenience function that parses all frames from a byte slice.
func ParseBytes(data []byte) []Event {
	return NewParser(strings.NewReader(string(data))).ParseAll()
}
