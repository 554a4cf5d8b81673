package handlers

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"fasto-agent/internal/backend"
	"fasto-agent/internal/bus"
	"fasto-agent/internal/contextstore"
	"fasto-agent/internal/dom"
	"fasto-agent/internal/dom/domtest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	bus     *bus.Bus
	doc     *domtest.Document
	backend *backend.SQLite
	context *contextstore.Context
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := backend.OpenSQLite(filepath.Join(t.TempDir(), "fasto.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	doc := domtest.New()
	act := dom.NewActuator(doc,
		dom.WithTimeouts(dom.Timeouts{Element: 20 * time.Millisecond, Menu: 10 * time.Millisecond, Dialog: 20 * time.Millisecond}),
		dom.WithHighlight(0),
		dom.WithFrameInterval(time.Millisecond),
	)
	f := &fixture{bus: bus.New(nil), doc: doc, backend: db, context: contextstore.New(nil)}
	RegisterAll(f.bus, Deps{Actuator: act, Backend: db, Context: f.context})
	return f
}

func (f *fixture) dispatch(typ string, payload map[string]any) bus.Result {
	return f.bus.Dispatch(context.Background(), bus.Action{Type: typ, Payload: payload})
}

func TestUpdateFallsBackToBackendWhenControlsMissing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	lead, err := f.backend.Create(ctx, "lead", map[string]any{"name": "Ann Smith"})
	require.NoError(t, err)

	res := f.dispatch("lead.rename", map[string]any{"name": "ann smith", "new_name": "Annie Smith"})
	require.True(t, res.Success, res.Message)
	assert.True(t, res.Fallback)
	assert.Contains(t, res.Message, "couldn't find the on-screen controls")

	got, err := f.backend.Get(ctx, "lead", lead.ID)
	require.NoError(t, err)
	assert.Equal(t, "Annie Smith", got.Name)

	last, ok := f.context.LastLeadID(ctx)
	require.True(t, ok)
	assert.Equal(t, lead.ID, last)
}

func TestUpdateDrivesUIWhenControlsPresent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	lead, err := f.backend.Create(ctx, "lead", map[string]any{"name": "Ann Smith"})
	require.NoError(t, err)

	row := f.doc.Add("tr", map[string]string{dom.EntityAttr("lead"): lead.ID})
	edit := row.Child("button", map[string]string{dom.AttrAction: "edit-lead"})
	dialog := f.doc.Add("div", map[string]string{dom.AttrDialog: "lead-form"}).SetVisible(false)
	edit.OnClick(func(*domtest.Element) { dialog.SetVisible(true) })
	input := dialog.Child("input", map[string]string{dom.AttrField: "name", "value": "Ann Smith"})
	saved := 0
	dialog.Child("button", map[string]string{dom.AttrAction: "save-lead"}).
		OnClick(func(*domtest.Element) { saved++ })

	res := f.dispatch("lead.rename", map[string]any{"id": lead.ID, "new_name": "Annie Smith"})
	require.True(t, res.Success, res.Message)
	assert.False(t, res.Fallback)
	assert.Equal(t, "Annie Smith", input.Value())
	assert.Equal(t, 1, saved)

	got, err := f.backend.Get(ctx, "lead", lead.ID)
	require.NoError(t, err)
	assert.Equal(t, "Ann Smith", got.Name, "UI path must not write the backend directly")
}

func TestAddNoteUsesRememberedEntity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	wo, err := f.backend.Create(ctx, "work_order", map[string]any{"title": "Replace flashing"})
	require.NoError(t, err)
	require.NoError(t, f.context.SetLastWorkOrderID(ctx, wo.ID))

	res := f.dispatch("work-order.add_note", map[string]any{"note": "Customer prefers mornings"})
	require.True(t, res.Success, res.Message)
	assert.True(t, res.Fallback)

	notes, err := f.backend.Notes(ctx, "work_order", wo.ID)
	require.NoError(t, err)
	require.Len(t, notes, 1)
	assert.Equal(t, "Customer prefers mornings", notes[0].Body)
}

func TestCreateFallbackRemembersNewID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res := f.dispatch("expense.create", map[string]any{"fields": map[string]any{"description": "Shingles", "amount": "420.00"}})
	require.True(t, res.Success, res.Message)
	assert.True(t, res.Fallback)
	assert.Contains(t, res.Message, `"Shingles"`)

	id, ok := f.context.GetLast(ctx, contextstore.KindExpense)
	require.True(t, ok)
	assert.Equal(t, res.Data["id"], id)
}

func TestMarkPaidSetsStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inv, err := f.backend.Create(ctx, "invoice", map[string]any{"title": "INV-1001", "status": "sent"})
	require.NoError(t, err)
	require.NoError(t, f.context.SetLastInvoiceID(ctx, inv.ID))

	res := f.dispatch("invoice.mark_paid", nil)
	require.True(t, res.Success, res.Message)

	got, err := f.backend.Get(ctx, "invoice", inv.ID)
	require.NoError(t, err)
	assert.Equal(t, "paid", got.Fields["status"])
}

func TestUnresolvableTarget(t *testing.T) {
	f := newFixture(t)

	res := f.dispatch("project.set_status", map[string]any{"status": "done"})
	assert.True(t, res.Handled)
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "which project")

	res = f.dispatch("project.set_status", map[string]any{"name": "Nobody", "status": "done"})
	assert.False(t, res.Success)
}

func TestUnknownTypesAreNotHandled(t *testing.T) {
	f := newFixture(t)

	res := f.dispatch("vehicle.update", map[string]any{"id": "1"})
	assert.False(t, res.Handled)
	assert.Contains(t, res.Message, "handler not available")

	res = f.dispatch("lead.archive", map[string]any{"id": "1"})
	assert.False(t, res.Handled)
}

func TestSplitType(t *testing.T) {
	tests := []struct {
		in         string
		kind, verb string
		ok         bool
	}{
		{"lead.rename", "lead", "rename", true},
		{"work-order.add-note", "work_order", "add_note", true},
		{"Invoice.Mark_Paid", "invoice", "mark_paid", true},
		{"lead", "", "", false},
		{".rename", "", "", false},
		{"lead.", "", "", false},
	}
	for _, tt := range tests {
		kind, verb, ok := splitType(tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
		assert.Equal(t, tt.kind, kind, tt.in)
		assert.Equal(t, tt.verb, verb, tt.in)
	}
}
