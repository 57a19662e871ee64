package job

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/latticeworks/dispatchq/internal/domain/model"
)

func entryAt(i int) model.LogEntry {
	return model.LogEntry{
		Timestamp: time.Date(2025, 6, 1, 12, 0, i, 0, time.UTC),
		Level:     "info",
		Message:   fmt.Sprintf("entry %d", i),
	}
}

func TestNewLogBuffer_DefaultsCapacity(t *testing.T) {
	assert.Equal(t, DefaultLogCap, NewLogBuffer(0).Cap())
	assert.Equal(t, DefaultLogCap, NewLogBuffer(-5).Cap())
	assert.Equal(t, 10, NewLogBuffer(10).Cap())
}

func TestLogBuffer_AppendEvictsOldest(t *testing.T) {
	b := NewLogBuffer(3)

	for i := range 5 {
		b.Append(entryAt(i))
	}

	require.Equal(t, 3, b.Len())
	entries := b.Entries()
	assert.Equal(t, "entry 2", entries[0].Message)
	assert.Equal(t, "entry 3", entries[1].Message)
	assert.Equal(t, "entry 4", entries[2].Message)
}

func TestLogBuffer_AppendStampsMissingTimestamp(t *testing.T) {
	b := NewLogBuffer(3)
	b.Append(model.LogEntry{Level: "info", Message: "no timestamp"})

	entries := b.Entries()
	require.Len(t, entries, 1)
	assert.False(t, entries[0].Timestamp.IsZero())
}

func TestNewLogBufferFrom_TrimsOverflow(t *testing.T) {
	seed := make([]model.LogEntry, 5)
	for i := range seed {
		seed[i] = entryAt(i)
	}

	b := NewLogBufferFrom(3, seed)
	require.Equal(t, 3, b.Len())
	assert.Equal(t, "entry 2", b.Entries()[0].Message)

	// Within capacity the seed passes through untouched.
	b = NewLogBufferFrom(10, seed[:2])
	assert.Equal(t, 2, b.Len())
}

func TestLogBuffer_EntriesReturnsCopy(t *testing.T) {
	b := NewLogBuffer(3)
	b.Append(entryAt(0))

	entries := b.Entries()
	entries[0].Message = "mutated"

	assert.Equal(t, "entry 0", b.Entries()[0].Message)
}

func TestTruncateError(t *testing.T) {
	short := "boom"
	assert.Equal(t, short, TruncateError(short))

	long := strings.Repeat("x", MaxErrorLength+100)
	got := TruncateError(long)
	assert.Len(t, got, MaxErrorLength)
}
