package provider

import (
	"bufio"
	"io"
	"strings"
)

// sseEvent is one server-sent event.
type sseEvent struct {
	Event string
	Data  string
}

// readSSE calls fn for every event in r until EOF, the "[DONE]" sentinel,
// or fn returns false.
func readSSE(r io.Reader, fn func(sseEvent) bool) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var ev sseEvent
	var data []string
	flush := func() bool {
		if len(data) == 0 {
			ev = sseEvent{}
			return true
		}
		ev.Data = strings.Join(data, "\n")
		data = data[:0]
		if ev.Data == "[DONE]" {
			return false
		}
		cont := fn(ev)
		ev = sseEvent{}
		return cont
	}

	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if !flush() {
				return nil
			}
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event:"):
			ev.Event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := sc.Err(); err != nil {
		return err
	}
	flush()
	return nil
}
