package logfile

import (
	"bufio"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/agendo/agendo/internal/session"
)

// Line is one parsed log line.
type Line struct {
	Stream Stream
	Body   string
	// Event is non-nil when the body is a serialized canonical event.
	Event *session.Event
}

// linePattern matches "[<stream>] <body>".
var linePattern = regexp.MustCompile(`^\[(stdout|stderr|system|user)\] (.*)$`)

// eventPattern matches the canonical event body "[<id>|<type>] <json>".
var eventPattern = regexp.MustCompile(`^\[(\d+)\|([a-z:-]+)\] (\{.*)$`)

// ParseLine parses one log line. Unparseable lines return an error; callers
// typically skip them (the log may interleave partial writes after a crash).
func ParseLine(raw string) (*Line, error) {
	m := linePattern.FindStringSubmatch(raw)
	if m == nil {
		return nil, fmt.Errorf("malformed log line")
	}
	line := &Line{Stream: Stream(m[1]), Body: m[2]}

	if em := eventPattern.FindStringSubmatch(line.Body); em != nil {
		ev, err := session.UnmarshalEvent([]byte(em[3]))
		if err == nil {
			line.Event = ev
		}
	}
	return line, nil
}

// ReplayEvents reads the log file and returns canonical events with id > after,
// in file order. The log is the only durable history; SSE reconnects replay
// from it before attaching to the live stream.
func ReplayEvents(path string, after int64) ([]*session.Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var events []*session.Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line, err := ParseLine(scanner.Text())
		if err != nil {
			continue
		}
		if line.Event != nil && line.Event.ID > after {
			events = append(events, line.Event)
		}
	}
	return events, scanner.Err()
}

// ReadFrom returns the raw file content from the given byte offset, plus the
// new end offset. Used by the SSE log stream for catchup + resume.
func ReadFrom(path string, offset int64) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", offset, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", offset, err
	}
	size := info.Size()
	if offset < 0 || offset > size {
		offset = 0
	}
	if offset == size {
		return "", offset, nil
	}
	buf := make([]byte, size-offset)
	if _, err := f.ReadAt(buf, offset); err != nil {
		return "", offset, err
	}
	return string(buf), size, nil
}

// ParseOffset parses a Last-Event-ID header value as a byte offset.
func ParseOffset(header string) int64 {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	n, err := strconv.ParseInt(header, 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
