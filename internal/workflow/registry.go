package workflow

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Registry holds workflow definitions by type.
type Registry struct {
	mu   sync.RWMutex
	defs map[Type]*Definition
}

// NewRegistry creates a registry seeded with defs.
func NewRegistry(defs ...*Definition) (*Registry, error) {
	r := &Registry{defs: make(map[Type]*Definition)}
	for _, d := range defs {
		if err := r.Register(d); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register validates and adds d, replacing any definition of the same type.
func (r *Registry) Register(d *Definition) error {
	if err := d.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.defs[d.Type]; ok {
		log.Printf("[workflow] %s from %s replaces %s", d.Type, d.Source, prev.Source)
	}
	r.defs[d.Type] = d
	return nil
}

// Get implements Lookup.
func (r *Registry) Get(t Type) (*Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.defs[t]
	return d, ok
}

// List returns every definition ordered by type.
func (r *Registry) List() []*Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Definition, 0, len(r.defs))
	for _, d := range r.defs {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}

// Match finds the workflow whose longest trigger phrase occurs in text.
func (r *Registry) Match(text string) (*Definition, bool) {
	s := strings.ToLower(strings.Join(strings.Fields(text), " "))
	var (
		best    *Definition
		bestLen int
	)
	for _, d := range r.List() {
		for _, t := range d.Triggers {
			t = strings.ToLower(t)
			if len(t) > bestLen && containsWord(s, t) {
				best, bestLen = d, len(t)
			}
		}
	}
	return best, best != nil
}

// LoadDir registers every *.yaml and *.yml definition in dir. A missing
// directory is not an error.
func (r *Registry) LoadDir(dir string) (int, error) {
	if dir == "" {
		return 0, nil
	}
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read workflows dir: %w", err)
	}
	n := 0
	for _, e := range entries {
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if e.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		d, err := LoadFile(path)
		if err != nil {
			return n, err
		}
		if err := r.Register(d); err != nil {
			return n, fmt.Errorf("%s: %w", path, err)
		}
		n++
	}
	log.Printf("[workflow] loaded %d definitions from %s", n, dir)
	return n, nil
}
