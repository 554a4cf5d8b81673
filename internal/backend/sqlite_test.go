package backend

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *SQLite {
	t.Helper()
	db, err := OpenSQLite(filepath.Join(t.TempDir(), "fasto.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestSQLiteCreateGetUpdate(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	lead, err := db.Create(ctx, "lead", map[string]any{"name": "Jane Roofer", "status": "new"})
	require.NoError(t, err)
	assert.NotEmpty(t, lead.ID)
	assert.Equal(t, "Jane Roofer", lead.Name)

	got, err := db.Get(ctx, "lead", lead.ID)
	require.NoError(t, err)
	assert.Equal(t, "new", got.Fields["status"])

	updated, err := db.Update(ctx, "lead", lead.ID, map[string]any{"status": "qualified", "name": "Jane Q. Roofer"})
	require.NoError(t, err)
	assert.Equal(t, "Jane Q. Roofer", updated.Name)

	got, err = db.Get(ctx, "lead", lead.ID)
	require.NoError(t, err)
	assert.Equal(t, "qualified", got.Fields["status"])
	assert.Equal(t, "Jane Q. Roofer", got.Name)
}

func TestSQLiteGetWrongKind(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	p, err := db.Create(ctx, "project", map[string]any{"name": "Oak St"})
	require.NoError(t, err)

	_, err = db.Get(ctx, "lead", p.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = db.Update(ctx, "lead", p.ID, map[string]any{"x": 1})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteFindByName(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	_, err := db.Create(ctx, "project", map[string]any{"name": "Roof Repair - 123 Oak St"})
	require.NoError(t, err)
	exact, err := db.Create(ctx, "project", map[string]any{"name": "Oak"})
	require.NoError(t, err)

	found, err := db.FindByName(ctx, "project", "oak")
	require.NoError(t, err)
	assert.Equal(t, exact.ID, found.ID)

	found, err = db.FindByName(ctx, "project", "123 oak")
	require.NoError(t, err)
	assert.Equal(t, "Roof Repair - 123 Oak St", found.Name)

	_, err = db.FindByName(ctx, "project", "maple")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = db.FindByName(ctx, "project", "  ")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteNotes(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	lead, err := db.Create(ctx, "lead", map[string]any{"name": "Bob"})
	require.NoError(t, err)

	_, err = db.AddNote(ctx, "lead", lead.ID, "called, left voicemail")
	require.NoError(t, err)
	_, err = db.AddNote(ctx, "lead", lead.ID, "wants a quote Friday")
	require.NoError(t, err)

	notes, err := db.Notes(ctx, "lead", lead.ID)
	require.NoError(t, err)
	require.Len(t, notes, 2)
	assert.Equal(t, "called, left voicemail", notes[0].Body)

	_, err = db.AddNote(ctx, "lead", "missing", "x")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDisplayName(t *testing.T) {
	assert.Equal(t, "Roof", DisplayName(map[string]any{"title": "Roof"}))
	assert.Equal(t, "Job", DisplayName(map[string]any{"name": " ", "job_name": "Job"}))
	assert.Equal(t, "", DisplayName(map[string]any{"amount": 12}))
}
