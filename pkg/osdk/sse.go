package osdk

import (
	"bufio"
	"io"
	"strings"
)

// Event is one server-sent event block. Comment-only blocks (keep-alives)
// are reported with Comment set and no Data.
type Event struct {
	Name    string
	Data    string
	Comment string
}

const maxEventSize = 1 << 20

// ReadEvents parses an event stream and calls fn per block until r is
// exhausted or fn returns an error, which is passed through.
func ReadEvents(r io.Reader, fn func(Event) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxEventSize)

	var (
		ev      Event
		data    []string
		pending bool
	)
	flush := func() error {
		if !pending {
			return nil
		}
		ev.Data = strings.Join(data, "\n")
		err := fn(ev)
		ev, data, pending = Event{}, nil, false
		return err
	}

	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			if err := flush(); err != nil {
				return err
			}
			continue
		}
		pending = true
		if strings.HasPrefix(line, ":") {
			ev.Comment = strings.TrimSpace(line[1:])
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			ev.Name = value
		case "data":
			data = append(data, value)
		}
	}
	if err := sc.Err(); err != nil {
		return err
	}
	return flush()
}
