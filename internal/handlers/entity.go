// Package handlers implements the domain action handlers registered on the
// bus. Every handler tries the on-screen controls first and falls back to a
// direct backend mutation when an element cannot be found.
package handlers

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"

	"fasto-agent/internal/backend"
	"fasto-agent/internal/bus"
	"fasto-agent/internal/contextstore"
	"fasto-agent/internal/dom"
	"fasto-agent/internal/events"
	"fasto-agent/internal/navigation"
)

// FallbackNote is appended to every result produced by the backend path.
const FallbackNote = "I couldn't find the on-screen controls, so I updated it directly"

// Verbs understood by every entity handler. Action types are "<kind>.<verb>".
const (
	VerbCreate    = "create"
	VerbUpdate    = "update"
	VerbRename    = "rename"
	VerbSetStatus = "set_status"
	VerbMarkPaid  = "mark_paid"
	VerbAddNote   = "add_note"
	VerbOpen      = "open"
)

// Navigator moves the page to an entity's list view.
type Navigator interface {
	Perform(ctx context.Context, target, tab string) (navigation.Outcome, error)
}

// Profile describes one entity kind's slice of the attribute contract.
type Profile struct {
	Kind contextstore.Kind
	// Label is the spoken noun, e.g. "work order".
	Label string
	// Route is the list page that renders tagged rows.
	Route string
	// NameField holds the entity's display name.
	NameField string
	// SelectFields are filled through dropdowns instead of text inputs.
	SelectFields []string
	// Data-fasto-action verbs and the dialog name.
	CreateAction string
	EditAction   string
	NoteAction   string
	SaveAction   string
	Dialog       string
}

// Type returns the action type for verb.
func (s Profile) Type(verb string) string { return string(s.Kind) + "." + verb }

func (s Profile) isSelect(field string) bool {
	for _, f := range s.SelectFields {
		if f == field {
			return true
		}
	}
	return false
}

// Deps are the collaborators shared by all entity handlers.
type Deps struct {
	Actuator  *dom.Actuator
	Navigator Navigator
	Backend   backend.Backend
	Context   *contextstore.Context
	Events    events.Sink
}

// EntityHandler services every verb for one entity kind.
type EntityHandler struct {
	profile Profile
	deps Deps
}

// NewEntityHandler builds a handler for profile.
func NewEntityHandler(profile Profile, deps Deps) *EntityHandler {
	if deps.Events == nil {
		deps.Events = events.Discard
	}
	if deps.Context == nil {
		deps.Context = contextstore.New(nil)
	}
	return &EntityHandler{profile: profile, deps: deps}
}

// Profile returns the handler's entity description.
func (h *EntityHandler) Profile() Profile { return h.profile }

// Handle implements bus.Handler.
func (h *EntityHandler) Handle(ctx context.Context, a bus.Action) (bus.Result, error) {
	kind, verb, ok := splitType(a.Type)
	if !ok || kind != string(h.profile.Kind) {
		return bus.NotHandled(), nil
	}

	var (
		res bus.Result
		err error
	)
	switch verb {
	case VerbCreate:
		res, err = h.create(ctx, a)
	case VerbUpdate, VerbRename, VerbSetStatus, VerbMarkPaid:
		res, err = h.update(ctx, a, verb)
	case VerbAddNote:
		res, err = h.addNote(ctx, a)
	case VerbOpen:
		res, err = h.open(ctx, a)
	default:
		return bus.NotHandled(), nil
	}
	if err != nil {
		return res, err
	}
	res.Handled = true
	h.deps.Events.Publish(events.ActionComplete{Success: res.Success, Message: res.Message})
	return res, nil
}

// splitType normalises "work-order.update" to ("work_order", "update").
func splitType(t string) (string, string, bool) {
	i := strings.LastIndex(t, ".")
	if i <= 0 || i == len(t)-1 {
		return "", "", false
	}
	kind := strings.ReplaceAll(strings.ToLower(t[:i]), "-", "_")
	verb := strings.ReplaceAll(strings.ToLower(t[i+1:]), "-", "_")
	return kind, verb, true
}

// fields collects the values an action wants written.
func (h *EntityHandler) fields(a bus.Action, verb string) map[string]any {
	out := map[string]any{}
	if m, ok := a.Payload["fields"].(map[string]any); ok {
		for k, v := range m {
			out[k] = v
		}
	}
	switch verb {
	case VerbRename:
		if n := a.String("new_name"); n != "" {
			out[h.profile.NameField] = n
		}
	case VerbSetStatus:
		if s := a.String("status"); s != "" {
			out["status"] = s
		}
	case VerbMarkPaid:
		out["status"] = "paid"
	}
	return out
}

// resolveID finds the target entity: explicit id, then lookup by name, then
// the last id remembered for this kind.
func (h *EntityHandler) resolveID(ctx context.Context, a bus.Action) (string, error) {
	if id := a.String("id"); id != "" {
		return id, nil
	}
	if name := a.String("name"); name != "" && h.deps.Backend != nil {
		e, err := h.deps.Backend.FindByName(ctx, string(h.profile.Kind), name)
		if err == nil {
			return e.ID, nil
		}
		if !errors.Is(err, backend.ErrNotFound) {
			return "", err
		}
		return "", fmt.Errorf("no %s named %q: %w", h.profile.Label, name, backend.ErrNotFound)
	}
	if id, ok := h.deps.Context.GetLast(ctx, h.profile.Kind); ok {
		return id, nil
	}
	return "", fmt.Errorf("no %s in context: %w", h.profile.Label, backend.ErrNotFound)
}

func (h *EntityHandler) create(ctx context.Context, a bus.Action) (bus.Result, error) {
	fields := h.fields(a, VerbCreate)
	if len(fields) == 0 {
		return bus.Result{Message: fmt.Sprintf("I need some details to create a %s.", h.profile.Label)}, nil
	}

	if h.uiCreate(ctx, fields) {
		name := backend.DisplayName(fields)
		if h.deps.Backend != nil && name != "" {
			if e, err := h.deps.Backend.FindByName(ctx, string(h.profile.Kind), name); err == nil {
				h.remember(ctx, e.ID)
			}
		}
		return bus.Result{Success: true, Message: fmt.Sprintf("Created the %s%s.", h.profile.Label, quoted(name))}, nil
	}

	if h.deps.Backend == nil {
		return bus.Result{Message: fmt.Sprintf("I couldn't find the on-screen controls to create the %s.", h.profile.Label)}, nil
	}
	e, err := h.deps.Backend.Create(ctx, string(h.profile.Kind), fields)
	if err != nil {
		return bus.Result{}, fmt.Errorf("create %s: %w", h.profile.Label, err)
	}
	h.remember(ctx, e.ID)
	return bus.Result{
		Success:  true,
		Fallback: true,
		Message:  fmt.Sprintf("Created the %s%s. %s.", h.profile.Label, quoted(e.Name), FallbackNote),
		Data:     map[string]any{"id": e.ID},
	}, nil
}

func (h *EntityHandler) update(ctx context.Context, a bus.Action, verb string) (bus.Result, error) {
	fields := h.fields(a, verb)
	if len(fields) == 0 {
		return bus.Result{Message: fmt.Sprintf("What should I change on the %s?", h.profile.Label)}, nil
	}
	id, err := h.resolveID(ctx, a)
	if err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			return bus.Result{Message: fmt.Sprintf("I couldn't tell which %s you mean.", h.profile.Label)}, nil
		}
		return bus.Result{}, err
	}

	if h.uiEdit(ctx, id, fields) {
		h.remember(ctx, id)
		return bus.Result{
			Success: true,
			Message: fmt.Sprintf("Updated the %s.", h.profile.Label),
			Data:    map[string]any{"id": id},
		}, nil
	}

	if h.deps.Backend == nil {
		return bus.Result{Message: fmt.Sprintf("I couldn't find the on-screen controls for that %s.", h.profile.Label)}, nil
	}
	e, err := h.deps.Backend.Update(ctx, string(h.profile.Kind), id, fields)
	if err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			return bus.Result{Message: fmt.Sprintf("I couldn't find that %s.", h.profile.Label)}, nil
		}
		return bus.Result{}, fmt.Errorf("update %s %s: %w", h.profile.Label, id, err)
	}
	h.remember(ctx, e.ID)
	return bus.Result{
		Success:  true,
		Fallback: true,
		Message:  fmt.Sprintf("Updated the %s%s. %s.", h.profile.Label, quoted(e.Name), FallbackNote),
		Data:     map[string]any{"id": e.ID},
	}, nil
}

func (h *EntityHandler) addNote(ctx context.Context, a bus.Action) (bus.Result, error) {
	body := strings.TrimSpace(a.String("note"))
	if body == "" {
		return bus.Result{Message: "What should the note say?"}, nil
	}
	id, err := h.resolveID(ctx, a)
	if err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			return bus.Result{Message: fmt.Sprintf("I couldn't tell which %s you mean.", h.profile.Label)}, nil
		}
		return bus.Result{}, err
	}

	if h.uiNote(ctx, id, body) {
		h.remember(ctx, id)
		return bus.Result{Success: true, Message: fmt.Sprintf("Added the note to the %s.", h.profile.Label)}, nil
	}

	if h.deps.Backend == nil {
		return bus.Result{Message: fmt.Sprintf("I couldn't find the note controls for that %s.", h.profile.Label)}, nil
	}
	n, err := h.deps.Backend.AddNote(ctx, string(h.profile.Kind), id, body)
	if err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			return bus.Result{Message: fmt.Sprintf("I couldn't find that %s.", h.profile.Label)}, nil
		}
		return bus.Result{}, fmt.Errorf("add note to %s %s: %w", h.profile.Label, id, err)
	}
	h.remember(ctx, id)
	return bus.Result{
		Success:  true,
		Fallback: true,
		Message:  fmt.Sprintf("Added the note to the %s. %s.", h.profile.Label, FallbackNote),
		Data:     map[string]any{"id": id, "note_id": n.ID},
	}, nil
}

// open lands on the entity's detail view. There is no backend equivalent.
func (h *EntityHandler) open(ctx context.Context, a bus.Action) (bus.Result, error) {
	id, err := h.resolveID(ctx, a)
	if err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			return bus.Result{Message: fmt.Sprintf("I couldn't tell which %s you mean.", h.profile.Label)}, nil
		}
		return bus.Result{}, err
	}
	h.goToList(ctx)
	if h.deps.Actuator == nil || !h.deps.Actuator.Click(ctx, h.rowLocator(id)) {
		return bus.Result{Message: fmt.Sprintf("I couldn't find that %s on screen.", h.profile.Label)}, nil
	}
	h.remember(ctx, id)
	return bus.Result{Success: true, Message: fmt.Sprintf("Here's the %s.", h.profile.Label), Data: map[string]any{"id": id}}, nil
}

func (h *EntityHandler) remember(ctx context.Context, id string) {
	if err := h.deps.Context.SetLast(ctx, h.profile.Kind, id); err != nil {
		log.Printf("[handlers:%s] remember %s: %v", h.profile.Kind, id, err)
	}
}

func (h *EntityHandler) rowLocator(id string) string {
	return fmt.Sprintf(`[%s="%s"]`, dom.EntityAttr(string(h.profile.Kind)), id)
}

func (h *EntityHandler) goToList(ctx context.Context) {
	if h.deps.Navigator == nil || h.profile.Route == "" {
		return
	}
	if _, err := h.deps.Navigator.Perform(ctx, h.profile.Route, ""); err != nil {
		log.Printf("[handlers:%s] navigate %s: %v", h.profile.Kind, h.profile.Route, err)
	}
}

func (h *EntityHandler) uiCreate(ctx context.Context, fields map[string]any) bool {
	act := h.deps.Actuator
	if act == nil || h.profile.CreateAction == "" {
		return false
	}
	h.goToList(ctx)
	if !act.Click(ctx, "action:"+h.profile.CreateAction) {
		log.Printf("[handlers:%s] create control not found", h.profile.Kind)
		return false
	}
	return h.fillAndSave(ctx, fields)
}

func (h *EntityHandler) uiEdit(ctx context.Context, id string, fields map[string]any) bool {
	act := h.deps.Actuator
	if act == nil || h.profile.EditAction == "" {
		return false
	}
	h.goToList(ctx)
	row := h.rowLocator(id)
	trigger := fmt.Sprintf(`%s [%s="%s"]`, row, dom.AttrAction, h.profile.EditAction)
	if !act.Click(ctx, trigger) {
		log.Printf("[handlers:%s] edit control for %s not found", h.profile.Kind, id)
		return false
	}
	return h.fillAndSave(ctx, fields)
}

func (h *EntityHandler) uiNote(ctx context.Context, id, body string) bool {
	act := h.deps.Actuator
	if act == nil || h.profile.NoteAction == "" {
		return false
	}
	h.goToList(ctx)
	trigger := fmt.Sprintf(`%s [%s="%s"]`, h.rowLocator(id), dom.AttrAction, h.profile.NoteAction)
	if !act.Click(ctx, trigger) {
		return false
	}
	if !act.FillInputField(ctx, "field:note", body) {
		return false
	}
	return act.Click(ctx, "action:save-note")
}

// fillAndSave waits for the form dialog, writes fields in a stable order and
// clicks save. Any missing element aborts the UI path.
func (h *EntityHandler) fillAndSave(ctx context.Context, fields map[string]any) bool {
	act := h.deps.Actuator
	if h.profile.Dialog != "" {
		if _, ok := act.WaitForDialog(ctx, h.profile.Dialog, 0); !ok {
			log.Printf("[handlers:%s] dialog %s not found", h.profile.Kind, h.profile.Dialog)
			return false
		}
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := fmt.Sprint(fields[k])
		var ok bool
		if h.profile.isSelect(k) {
			ok = act.SelectDropdownOption(ctx, "field:"+k, v, nil)
		} else {
			ok = act.FillInputField(ctx, "field:"+k, v)
		}
		if !ok {
			log.Printf("[handlers:%s] field %s not found", h.profile.Kind, k)
			return false
		}
	}
	return act.Click(ctx, "action:"+h.profile.SaveAction)
}

func quoted(name string) string {
	if name == "" {
		return ""
	}
	return fmt.Sprintf(" %q", name)
}
