package logbuf

import (
	"log/slog"
	"sync"
	"time"
)

// Entry is a single log entry captured from slog.
type Entry struct {
	Time      time.Time      `json:"time"`
	Level     string         `json:"level"`
	Component string         `json:"component,omitempty"`
	Message   string         `json:"message"`
	Attrs     map[string]any `json:"attrs,omitempty"`
}

// Filter selects entries in Query. Zero fields match everything.
type Filter struct {
	Since     time.Time
	MinLevel  slog.Level
	Component string // e.g. "dialogue", "relay", "teams"
	Limit     int    // newest entries kept when more match
}

// Buffer is a thread-safe ring buffer for log entries.
type Buffer struct {
	mu      sync.Mutex
	entries []Entry
	size    int
	pos     int
	count   int
}

// New creates a new ring buffer that holds up to size entries.
func New(size int) *Buffer {
	if size <= 0 {
		size = 1
	}
	return &Buffer{
		entries: make([]Entry, size),
		size:    size,
	}
}

// Write appends an entry to the ring buffer.
func (b *Buffer) Write(e Entry) {
	b.mu.Lock()
	b.entries[b.pos] = e
	b.pos = (b.pos + 1) % b.size
	if b.count < b.size {
		b.count++
	}
	b.mu.Unlock()
}

// Query returns entries matching f, oldest first.
func (b *Buffer) Query(f Filter) []Entry {
	b.mu.Lock()
	defer b.mu.Unlock()

	var result []Entry

	// Walk the ring buffer oldest-first
	start := 0
	if b.count == b.size {
		start = b.pos
	}

	for i := 0; i < b.count; i++ {
		e := b.entries[(start+i)%b.size]

		if !f.Since.IsZero() && e.Time.Before(f.Since) {
			continue
		}
		if ParseLevel(e.Level) < f.MinLevel {
			continue
		}
		if f.Component != "" && e.Component != f.Component {
			continue
		}
		result = append(result, e)
	}

	if f.Limit > 0 && len(result) > f.Limit {
		result = result[len(result)-f.Limit:]
	}
	return result
}

// ParseLevel converts a level name ("debug", "WARN", ...) to slog.Level.
// Unknown names map to INFO.
func ParseLevel(s string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return l
}
