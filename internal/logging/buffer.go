package logging

import (
	"encoding/json"
	"sync"
	"time"
)

// Entry is one captured log line
type Entry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Component string    `json:"component,omitempty"`
	Message   string    `json:"message"`
	Raw       string    `json:"raw"`
}

// Buffer is a thread-safe ring buffer of recent log lines
type Buffer struct {
	mu      sync.RWMutex
	entries []Entry
	size    int
	head    int
	count   int
	now     func() time.Time
}

// NewBuffer creates a buffer holding the last size entries
func NewBuffer(size int) *Buffer {
	if size <= 0 {
		size = 1000
	}
	return &Buffer{
		entries: make([]Entry, size),
		size:    size,
		now:     time.Now,
	}
}

// Write implements io.Writer. Each call is expected to carry one zerolog
// JSON line.
func (b *Buffer) Write(p []byte) (int, error) {
	entry := parseLine(p)
	if entry.Timestamp.IsZero() {
		entry.Timestamp = b.now()
	}

	b.mu.Lock()
	b.entries[b.head] = entry
	b.head = (b.head + 1) % b.size
	if b.count < b.size {
		b.count++
	}
	b.mu.Unlock()
	return len(p), nil
}

// Entries returns the captured entries in chronological order
func (b *Buffer) Entries() []Entry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	result := make([]Entry, b.count)
	start := 0
	if b.count == b.size {
		start = b.head
	}
	for i := 0; i < b.count; i++ {
		result[i] = b.entries[(start+i)%b.size]
	}
	return result
}

// Recent returns the last n entries, optionally only those at level
func (b *Buffer) Recent(n int, level string) []Entry {
	entries := b.Entries()
	if level != "" {
		filtered := entries[:0]
		for _, e := range entries {
			if e.Level == level {
				filtered = append(filtered, e)
			}
		}
		entries = filtered
	}
	if n > 0 && len(entries) > n {
		entries = entries[len(entries)-n:]
	}
	return entries
}

// Clear drops every entry
func (b *Buffer) Clear() {
	b.mu.Lock()
	b.head = 0
	b.count = 0
	b.mu.Unlock()
}

func parseLine(p []byte) Entry {
	raw := string(p)
	for len(raw) > 0 && (raw[len(raw)-1] == '\n' || raw[len(raw)-1] == '\r') {
		raw = raw[:len(raw)-1]
	}
	entry := Entry{Level: "info", Message: raw, Raw: raw}

	var line struct {
		Time      string `json:"time"`
		Level     string `json:"level"`
		Component string `json:"component"`
		Message   string `json:"message"`
	}
	if err := json.Unmarshal(p, &line); err != nil {
		return entry
	}
	if ts, err := time.Parse(time.RFC3339, line.Time); err == nil {
		entry.Timestamp = ts
	}
	entry.Component = line.Component
	if line.Level != "" {
		entry.Level = line.Level
	}
	if line.Message != "" {
		entry.Message = line.Message
	}
	return entry
}
