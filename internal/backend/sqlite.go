package backend

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Fixed width so lexical order matches time order.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

const schema = `
CREATE TABLE IF NOT EXISTS entities (
    id TEXT PRIMARY KEY,
    kind TEXT NOT NULL,
    name TEXT,
    fields TEXT,
    created_at TEXT,
    updated_at TEXT
);
CREATE INDEX IF NOT EXISTS idx_entities_kind_name ON entities(kind, name);

CREATE TABLE IF NOT EXISTS notes (
    id TEXT PRIMARY KEY,
    entity_id TEXT NOT NULL,
    body TEXT,
    created_at TEXT,
    FOREIGN KEY (entity_id) REFERENCES entities(id)
);
`

// SQLite stores entities as JSON field bags keyed by kind.
type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens (creating if needed) the database at dsn.
func OpenSQLite(dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dsn, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect sqlite %s: %w", dsn, err)
	}
	// One writer at a time; sqlite serialises anyway.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	log.Printf("[backend] sqlite ready at %s", dsn)
	return &SQLite{db: db, now: time.Now}, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) Create(ctx context.Context, kind string, fields map[string]any) (Entity, error) {
	if fields == nil {
		fields = map[string]any{}
	}
	raw, err := json.Marshal(fields)
	if err != nil {
		return Entity{}, fmt.Errorf("encode fields: %w", err)
	}
	now := s.now().UTC()
	e := Entity{
		ID:        uuid.New().String(),
		Kind:      kind,
		Name:      DisplayName(fields),
		Fields:    fields,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO entities (id, kind, name, fields, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, kind, e.Name, string(raw), now.Format(timeFormat), now.Format(timeFormat),
	)
	if err != nil {
		return Entity{}, fmt.Errorf("create %s: %w", kind, err)
	}
	return e, nil
}

// Update merges fields into the stored record.
func (s *SQLite) Update(ctx context.Context, kind, id string, fields map[string]any) (Entity, error) {
	e, err := s.Get(ctx, kind, id)
	if err != nil {
		return Entity{}, err
	}
	for k, v := range fields {
		e.Fields[k] = v
	}
	if name := DisplayName(e.Fields); name != "" {
		e.Name = name
	}
	raw, err := json.Marshal(e.Fields)
	if err != nil {
		return Entity{}, fmt.Errorf("encode fields: %w", err)
	}
	e.UpdatedAt = s.now().UTC()
	_, err = s.db.ExecContext(ctx,
		`UPDATE entities SET name = ?, fields = ?, updated_at = ? WHERE id = ? AND kind = ?`,
		e.Name, string(raw), e.UpdatedAt.Format(timeFormat), id, kind,
	)
	if err != nil {
		return Entity{}, fmt.Errorf("update %s %s: %w", kind, id, err)
	}
	return e, nil
}

func (s *SQLite) Get(ctx context.Context, kind, id string) (Entity, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, kind, name, fields, created_at, updated_at FROM entities WHERE id = ? AND kind = ?`, id, kind)
	return scanEntity(row)
}

// FindByName prefers an exact case-insensitive match, then the most recently
// updated partial match.
func (s *SQLite) FindByName(ctx context.Context, kind, name string) (Entity, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Entity{}, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT id, kind, name, fields, created_at, updated_at FROM entities
         WHERE kind = ? AND lower(name) = lower(?) ORDER BY updated_at DESC LIMIT 1`, kind, name)
	e, err := scanEntity(row)
	if !errors.Is(err, ErrNotFound) {
		return e, err
	}
	row = s.db.QueryRowContext(ctx,
		`SELECT id, kind, name, fields, created_at, updated_at FROM entities
         WHERE kind = ? AND lower(name) LIKE '%' || lower(?) || '%' ORDER BY updated_at DESC LIMIT 1`, kind, name)
	return scanEntity(row)
}

func (s *SQLite) AddNote(ctx context.Context, kind, id, body string) (Note, error) {
	if _, err := s.Get(ctx, kind, id); err != nil {
		return Note{}, err
	}
	n := Note{ID: uuid.New().String(), EntityID: id, Body: body, CreatedAt: s.now().UTC()}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO notes (id, entity_id, body, created_at) VALUES (?, ?, ?, ?)`,
		n.ID, id, body, n.CreatedAt.Format(timeFormat))
	if err != nil {
		return Note{}, fmt.Errorf("add note to %s %s: %w", kind, id, err)
	}
	return n, nil
}

func (s *SQLite) Notes(ctx context.Context, kind, id string) ([]Note, error) {
	if _, err := s.Get(ctx, kind, id); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, entity_id, body, created_at FROM notes WHERE entity_id = ? ORDER BY created_at, rowid`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var notes []Note
	for rows.Next() {
		var n Note
		var created string
		if err := rows.Scan(&n.ID, &n.EntityID, &n.Body, &created); err != nil {
			return nil, err
		}
		n.CreatedAt, _ = time.Parse(timeFormat, created)
		notes = append(notes, n)
	}
	return notes, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntity(row rowScanner) (Entity, error) {
	var (
		e                    Entity
		name, raw            sql.NullString
		createdAt, updatedAt string
	)
	if err := row.Scan(&e.ID, &e.Kind, &name, &raw, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Entity{}, ErrNotFound
		}
		return Entity{}, err
	}
	e.Name = name.String
	e.Fields = map[string]any{}
	if raw.Valid && raw.String != "" {
		if err := json.Unmarshal([]byte(raw.String), &e.Fields); err != nil {
			return Entity{}, fmt.Errorf("decode fields for %s: %w", e.ID, err)
		}
	}
	e.CreatedAt, _ = time.Parse(timeFormat, createdAt)
	e.UpdatedAt, _ = time.Parse(timeFormat, updatedAt)
	return e, nil
}
