// Package contextstore remembers the most recently touched entity of each kind
// for the lifetime of a browser session, so later commands can resolve "that
// lead" or "this project" without an explicit id.
package contextstore

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// Kind is an entity kind the assistant can refer back to.
type Kind string

const (
	KindLead      Kind = "lead"
	KindProject   Kind = "project"
	KindInvoice   Kind = "invoice"
	KindSchedule  Kind = "schedule"
	KindWorkOrder Kind = "work_order"
	KindExpense   Kind = "expense"
	KindPayment   Kind = "payment"
)

// Kinds lists every kind in a stable order.
var Kinds = []Kind{KindLead, KindProject, KindInvoice, KindSchedule, KindWorkOrder, KindExpense, KindPayment}

// Key returns the storage key for a kind, e.g. "lastLeadId".
func (k Kind) Key() string {
	var b strings.Builder
	b.WriteString("last")
	for _, part := range strings.Split(string(k), "_") {
		if part == "" {
			continue
		}
		b.WriteString(strings.ToUpper(part[:1]))
		b.WriteString(part[1:])
	}
	b.WriteString("Id")
	return b.String()
}

// Store is session-scoped key/value storage. There is no expiry; the last
// write wins.
type Store interface {
	Set(ctx context.Context, key, value string) error
	Get(ctx context.Context, key string) (string, bool, error)
	Snapshot(ctx context.Context) (map[string]string, error)
	Clear(ctx context.Context) error
}

// Memory is an in-process Store.
type Memory struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{values: make(map[string]string)}
}

func (m *Memory) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}

func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[key]
	return v, ok, nil
}

func (m *Memory) Snapshot(_ context.Context) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]string, len(m.values))
	for k, v := range m.values {
		out[k] = v
	}
	return out, nil
}

func (m *Memory) Clear(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values = make(map[string]string)
	return nil
}

// Context is the typed facade used by handlers and workflows.
type Context struct {
	store Store
}

// New wraps a Store. A nil store gets an in-memory one.
func New(store Store) *Context {
	if store == nil {
		store = NewMemory()
	}
	return &Context{store: store}
}

// SetLast records id as the last touched entity of kind. Empty ids are ignored.
func (c *Context) SetLast(ctx context.Context, kind Kind, id string) error {
	if id == "" {
		return nil
	}
	return c.store.Set(ctx, kind.Key(), id)
}

// GetLast returns the last id recorded for kind.
func (c *Context) GetLast(ctx context.Context, kind Kind) (string, bool) {
	v, ok, err := c.store.Get(ctx, kind.Key())
	if err != nil || v == "" {
		return "", false
	}
	return v, ok
}

func (c *Context) SetLastLeadID(ctx context.Context, id string) error {
	return c.SetLast(ctx, KindLead, id)
}

func (c *Context) LastLeadID(ctx context.Context) (string, bool) {
	return c.GetLast(ctx, KindLead)
}

func (c *Context) SetLastProjectID(ctx context.Context, id string) error {
	return c.SetLast(ctx, KindProject, id)
}

func (c *Context) LastProjectID(ctx context.Context) (string, bool) {
	return c.GetLast(ctx, KindProject)
}

func (c *Context) SetLastInvoiceID(ctx context.Context, id string) error {
	return c.SetLast(ctx, KindInvoice, id)
}

func (c *Context) LastInvoiceID(ctx context.Context) (string, bool) {
	return c.GetLast(ctx, KindInvoice)
}

func (c *Context) SetLastScheduleID(ctx context.Context, id string) error {
	return c.SetLast(ctx, KindSchedule, id)
}

func (c *Context) LastScheduleID(ctx context.Context) (string, bool) {
	return c.GetLast(ctx, KindSchedule)
}

func (c *Context) SetLastWorkOrderID(ctx context.Context, id string) error {
	return c.SetLast(ctx, KindWorkOrder, id)
}

func (c *Context) LastWorkOrderID(ctx context.Context) (string, bool) {
	return c.GetLast(ctx, KindWorkOrder)
}

// Summary returns every recorded last-entity key and its id.
func (c *Context) Summary(ctx context.Context) (map[string]string, error) {
	return c.store.Snapshot(ctx)
}

// SummaryKeys returns the summary keys sorted, for stable rendering.
func SummaryKeys(summary map[string]string) []string {
	keys := make([]string, 0, len(summary))
	for k := range summary {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ClearAll resets every key.
func (c *Context) ClearAll(ctx context.Context) error {
	return c.store.Clear(ctx)
}

