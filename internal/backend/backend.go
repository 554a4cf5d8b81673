// Package backend is the direct-mutation path used when the on-screen
// controls for an entity cannot be found.
package backend

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNotFound is returned when an entity does not exist.
var ErrNotFound = errors.New("entity not found")

// Entity is a generic back-office record (lead, project, invoice, ...).
type Entity struct {
	ID        string         `json:"id"`
	Kind      string         `json:"kind"`
	Name      string         `json:"name"`
	Fields    map[string]any `json:"fields"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Note is a free-text note attached to an entity.
type Note struct {
	ID        string    `json:"id"`
	EntityID  string    `json:"entity_id"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// Backend performs entity mutations without going through the UI.
type Backend interface {
	Create(ctx context.Context, kind string, fields map[string]any) (Entity, error)
	Update(ctx context.Context, kind, id string, fields map[string]any) (Entity, error)
	Get(ctx context.Context, kind, id string) (Entity, error)
	FindByName(ctx context.Context, kind, name string) (Entity, error)
	AddNote(ctx context.Context, kind, id, body string) (Note, error)
	Notes(ctx context.Context, kind, id string) ([]Note, error)
	Close() error
}

// nameKeys are consulted in order to derive a display name from fields.
var nameKeys = []string{"name", "title", "job_name", "customer_name", "description"}

// DisplayName picks the most descriptive name field.
func DisplayName(fields map[string]any) string {
	for _, k := range nameKeys {
		if v, ok := fields[k]; ok {
			if s := strings.TrimSpace(fmt.Sprint(v)); s != "" {
				return s
			}
		}
	}
	return ""
}
