package audit

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"ambassador/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSink struct {
	mu     sync.Mutex
	events []store.AuditEvent
	fail   bool
}

func (f *fakeSink) AppendAuditEvents(ctx context.Context, events []store.AuditEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return assert.AnError
	}
	f.events = append(f.events, events...)
	return nil
}

func newEvent(id string) store.AuditEvent {
	return store.AuditEvent{EventID: id, Timestamp: time.Now(), EventType: "tool_invocation", Severity: "info"}
}

func TestBuffer_AddAndFlush(t *testing.T) {
	sink := &fakeSink{}
	b, err := New(Config{Size: 10, FlushInterval: time.Hour}, sink)
	require.NoError(t, err)

	b.Add(newEvent("1"))
	b.Add(newEvent("2"))

	require.NoError(t, b.Flush(context.Background()))
	assert.Len(t, sink.events, 2)

	stats := b.Stats()
	assert.Equal(t, uint64(2), stats.Received)
	assert.Equal(t, uint64(2), stats.Flushed)
	assert.Equal(t, 0, stats.CurrentSize)
}

func TestBuffer_DropsWhenFullWithoutSpill(t *testing.T) {
	sink := &fakeSink{}
	b, err := New(Config{Size: 2, FlushInterval: time.Hour, SpillToDisk: false}, sink)
	require.NoError(t, err)

	b.Add(newEvent("1"))
	b.Add(newEvent("2"))
	b.Add(newEvent("3")) // evicts "1"

	stats := b.Stats()
	assert.Equal(t, uint64(3), stats.Received)
	assert.Equal(t, uint64(1), stats.Dropped)
	assert.Equal(t, 2, stats.CurrentSize)
}

func TestBuffer_SpillsToDiskWhenFull(t *testing.T) {
	dir := t.TempDir()
	spillPath := filepath.Join(dir, "spill.jsonl")
	sink := &fakeSink{}
	b, err := New(Config{Size: 1, FlushInterval: time.Hour, SpillToDisk: true, SpillPath: spillPath}, sink)
	require.NoError(t, err)

	b.Add(newEvent("1"))
	b.Add(newEvent("2")) // evicts "1" to disk
	require.NoError(t, b.Shutdown(context.Background()))

	data, err := os.ReadFile(spillPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"1"`)

	stats := b.Stats()
	assert.Equal(t, uint64(1), stats.Spilled)
}

func TestBuffer_FlushErrorRebuffers(t *testing.T) {
	sink := &fakeSink{fail: true}
	b, err := New(Config{Size: 10, FlushInterval: time.Hour}, sink)
	require.NoError(t, err)

	b.Add(newEvent("1"))
	err = b.Flush(context.Background())
	assert.Error(t, err)

	stats := b.Stats()
	assert.Equal(t, 1, stats.CurrentSize, "failed flush should re-buffer the event")
	assert.Equal(t, uint64(0), stats.Flushed)
}

func TestBuffer_StartAndShutdown(t *testing.T) {
	sink := &fakeSink{}
	b, err := New(Config{Size: 10, FlushInterval: 10 * time.Millisecond}, sink)
	require.NoError(t, err)

	b.Add(newEvent("1"))
	b.Start()
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, b.Shutdown(context.Background()))
	assert.Len(t, sink.events, 1)
}
