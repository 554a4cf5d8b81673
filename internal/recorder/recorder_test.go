package recorder

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"fasto-agent/internal/events"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorderRotation(t *testing.T) {
	dir := t.TempDir()
	r, err := NewRecorder(dir)
	require.NoError(t, err)

	for i := 0; i < MaxRotatedFiles+2; i++ {
		require.NoError(t, r.Start("test"))
		r.Record(events.Event{Payload: events.Speak{Text: "hello"}, Time: time.Now()})
		time.Sleep(10 * time.Millisecond)
	}
	require.NoError(t, r.Close())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, MaxRotatedFiles)
}

func TestRecordWritesEntries(t *testing.T) {
	r, err := NewRecorder(t.TempDir())
	require.NoError(t, err)

	// Before Start nothing is written.
	r.Record(events.Event{Payload: events.Speak{Text: "lost"}})
	assert.Equal(t, 0, r.Written())
	assert.Empty(t, r.Path())

	require.NoError(t, r.Start("tab/1"))
	assert.Contains(t, filepath.Base(r.Path()), "trace_tab-1_")

	ts := time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)
	r.Record(events.Event{Payload: events.Workflow{RunID: "r1", Type: "create-shift", Status: "step", Step: "ask-date", Action: "ask"}, Time: ts})
	r.Record(events.Event{Payload: events.ActionResult{ID: "a1", Type: "lead.rename", Success: true, Message: "Renamed."}, Time: ts})
	assert.Equal(t, 2, r.Written())
	path := r.Path()
	require.NoError(t, r.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var lines []map[string]any
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var m map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &m))
		lines = append(lines, m)
	}
	require.Len(t, lines, 2)
	assert.Equal(t, "fasto-workflow", lines[0]["type"])
	assert.Equal(t, "tab/1", lines[0]["session_id"])
	detail := lines[0]["detail"].(map[string]any)
	assert.Equal(t, "ask-date", detail["step"])
	assert.Equal(t, "fastoActionResult", lines[1]["type"])
}

func TestRunRecordsHubEvents(t *testing.T) {
	r, err := NewRecorder(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, r.Start("live"))
	defer r.Close()

	hub := events.NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx, hub)
		close(done)
	}()

	require.Eventually(t, func() bool { return hub.Subscribers() == 1 }, time.Second, 5*time.Millisecond)
	hub.Publish(events.NavigationResult{URL: "/leads", Outcome: "routed"})
	hub.Publish(events.Command{Command: "open leads"})
	require.Eventually(t, func() bool { return r.Written() == 2 }, time.Second, 5*time.Millisecond)

	cancel()
	<-done
	assert.Equal(t, 0, hub.Subscribers())
}
