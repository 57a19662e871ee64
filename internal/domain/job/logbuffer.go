package job

import (
	"time"

	"github.com/latticeworks/dispatchq/internal/domain/model"
)

// DefaultLogCap is the maximum number of log entries retained per job.
const DefaultLogCap = 1000

// MaxErrorLength bounds stored failure messages; longer messages are truncated.
const MaxErrorLength = 500

// LogBuffer is a fixed-capacity append-only buffer of job log entries with
// ring semantics: once full, appending evicts the oldest entry. It keeps the
// bounded-logs invariant explicit and testable independent of storage.
type LogBuffer struct {
	cap     int
	entries []model.LogEntry
}

// NewLogBuffer creates a buffer holding at most capacity entries.
// Non-positive capacities fall back to DefaultLogCap.
func NewLogBuffer(capacity int) *LogBuffer {
	if capacity <= 0 {
		capacity = DefaultLogCap
	}
	return &LogBuffer{cap: capacity}
}

// NewLogBufferFrom seeds a buffer with existing entries, trimming from the
// front if they already exceed the capacity.
func NewLogBufferFrom(capacity int, entries []model.LogEntry) *LogBuffer {
	b := NewLogBuffer(capacity)
	if len(entries) > b.cap {
		entries = entries[len(entries)-b.cap:]
	}
	b.entries = append(b.entries, entries...)
	return b
}

// Append adds an entry, evicting the oldest when the buffer is full.
func (b *LogBuffer) Append(entry model.LogEntry) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	if len(b.entries) >= b.cap {
		drop := len(b.entries) - b.cap + 1
		b.entries = b.entries[drop:]
	}
	b.entries = append(b.entries, entry)
}

// Len returns the number of retained entries.
func (b *LogBuffer) Len() int {
	return len(b.entries)
}

// Cap returns the buffer capacity.
func (b *LogBuffer) Cap() int {
	return b.cap
}

// Entries returns the retained entries, oldest first.
func (b *LogBuffer) Entries() []model.LogEntry {
	out := make([]model.LogEntry, len(b.entries))
	copy(out, b.entries)
	return out
}

// TruncateError bounds a failure message to MaxErrorLength characters.
func TruncateError(msg string) string {
	if len(msg) <= MaxErrorLength {
		return msg
	}
	return msg[:MaxErrorLength]
}
