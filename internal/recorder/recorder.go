// Package recorder keeps a rotating JSONL flight log of automation events so
// a failed run can be replayed step by step after the fact.
package recorder

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"fasto-agent/internal/events"
)

const (
	MaxRotatedFiles = 3
	TraceDir        = "data/traces"
)

// Entry is one line of a trace file.
type Entry struct {
	Timestamp time.Time      `json:"ts"`
	Kind      events.Kind    `json:"type"`
	SessionID string         `json:"session_id,omitempty"`
	Detail    events.Payload `json:"detail"`
}

// Recorder writes hub events to the current trace file.
type Recorder struct {
	mu        sync.Mutex
	file      *os.File
	encoder   *json.Encoder
	basePath  string
	sessionID string
	written   int
}

// NewRecorder creates a recorder and ensures its directory exists.
func NewRecorder(basePath string) (*Recorder, error) {
	if basePath == "" {
		basePath = TraceDir
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, err
	}
	return &Recorder{basePath: basePath}, nil
}

// Start opens a new trace for sessionID, deleting older traces so at most
// MaxRotatedFiles remain including the new one.
func (r *Recorder) Start(sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file != nil {
		_ = r.file.Close()
		r.file = nil
		r.encoder = nil
	}

	if err := r.rotate(); err != nil {
		return fmt.Errorf("rotate traces: %w", err)
	}

	name := fmt.Sprintf("trace_%s_%d.jsonl", safeName(sessionID), time.Now().UnixMilli())
	f, err := os.Create(filepath.Join(r.basePath, name))
	if err != nil {
		return err
	}
	r.file = f
	r.encoder = json.NewEncoder(f)
	r.sessionID = sessionID
	r.written = 0
	return nil
}

// Path returns the current trace file, or "" before Start.
func (r *Recorder) Path() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return ""
	}
	return r.file.Name()
}

// Written reports how many entries the current trace holds.
func (r *Recorder) Written() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.written
}

// Record appends ev to the trace. It is a no-op before Start.
func (r *Recorder) Record(ev events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.encoder == nil || ev.Payload == nil {
		return
	}
	ts := ev.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	if err := r.encoder.Encode(Entry{
		Timestamp: ts,
		Kind:      ev.Kind(),
		SessionID: r.sessionID,
		Detail:    ev.Payload,
	}); err == nil {
		r.written++
	}
}

// Run records every hub event until ctx ends.
func (r *Recorder) Run(ctx context.Context, hub *events.Hub) {
	ch, cancel := hub.Subscribe(512)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			r.Record(ev)
		}
	}
}

// rotate keeps only the newest MaxRotatedFiles-1 traces.
func (r *Recorder) rotate() error {
	entries, err := os.ReadDir(r.basePath)
	if err != nil {
		return err
	}

	type trace struct {
		name string
		mod  time.Time
	}
	var traces []trace
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".jsonl" {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		traces = append(traces, trace{e.Name(), info.ModTime()})
	}

	sort.Slice(traces, func(i, j int) bool {
		if traces[i].mod.Equal(traces[j].mod) {
			return traces[i].name > traces[j].name
		}
		return traces[i].mod.After(traces[j].mod)
	})

	keep := MaxRotatedFiles - 1
	for i := keep; i < len(traces); i++ {
		_ = os.Remove(filepath.Join(r.basePath, traces[i].name))
	}
	return nil
}

// Close finishes the current trace.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	r.encoder = nil
	return err
}

func safeName(s string) string {
	if s == "" {
		return "session"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '-'
	}, s)
}
