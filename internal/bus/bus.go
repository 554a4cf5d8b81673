// Package bus connects high-level intents to whichever registered handler
// currently owns the capability to fulfil them.
package bus

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"fasto-agent/internal/events"

	"github.com/google/uuid"
)

// ErrHandlerUnavailable is reported when no registered handler claims an action.
var ErrHandlerUnavailable = errors.New("handler not available")

// Action is a domain request such as "rename lead".
type Action struct {
	ID      string         `json:"id"`
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload,omitempty"`
}

// String returns the payload value for key as a string, or "".
func (a Action) String(key string) string {
	v, ok := a.Payload[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// Result is the uniform outcome correlated back to an Action.
type Result struct {
	ActionID string         `json:"action_id"`
	Type     string         `json:"type"`
	Success  bool           `json:"success"`
	Message  string         `json:"message"`
	Data     map[string]any `json:"data,omitempty"`
	// Handled is false when the handler does not own the action type.
	Handled bool `json:"handled"`
	// Fallback marks results produced by a direct backend mutation.
	Fallback bool `json:"fallback,omitempty"`
}

// NotHandled is returned by handlers for action types they do not own.
func NotHandled() Result { return Result{} }

// Handler services actions. It inspects Action.Type and returns NotHandled
// for types it does not own.
type Handler interface {
	Handle(ctx context.Context, a Action) (Result, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, a Action) (Result, error)

func (f HandlerFunc) Handle(ctx context.Context, a Action) (Result, error) { return f(ctx, a) }

// Bus dispatches actions to registered handlers in registration order.
type Bus struct {
	mu       sync.RWMutex
	handlers []registration
	nextID   int
	sink     events.Sink
}

type registration struct {
	id int
	h  Handler
}

// New creates a bus that mirrors requests and results onto sink.
func New(sink events.Sink) *Bus {
	if sink == nil {
		sink = events.Discard
	}
	return &Bus{sink: sink}
}

// Register adds h and returns a function that removes it again.
func (b *Bus) Register(h Handler) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.handlers = append(b.handlers, registration{id: id, h: h})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for i, r := range b.handlers {
				if r.id == id {
					b.handlers = append(b.handlers[:i:i], b.handlers[i+1:]...)
					return
				}
			}
		})
	}
}

// Handlers reports the number of registered handlers.
func (b *Bus) Handlers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers)
}

// Dispatch offers a to every handler until one claims it. Handler errors and
// panics become failed results; Dispatch itself never fails.
func (b *Bus) Dispatch(ctx context.Context, a Action) Result {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	b.sink.Publish(events.ActionRequest{ID: a.ID, Type: a.Type, Payload: a.Payload})

	b.mu.RLock()
	handlers := make([]Handler, len(b.handlers))
	for i, r := range b.handlers {
		handlers[i] = r.h
	}
	b.mu.RUnlock()

	res := Result{
		Message: fmt.Sprintf("%v for %q", ErrHandlerUnavailable, a.Type),
	}
	for _, h := range handlers {
		r := b.invoke(ctx, h, a)
		if r.Handled {
			res = r
			break
		}
	}
	res.ActionID = a.ID
	res.Type = a.Type

	if !res.Handled {
		log.Printf("[bus] %s %s: no handler", a.Type, a.ID)
	} else {
		log.Printf("[bus] %s %s: success=%v fallback=%v %s", a.Type, a.ID, res.Success, res.Fallback, res.Message)
	}
	b.sink.Publish(events.ActionResult{
		ID:       a.ID,
		Type:     a.Type,
		Success:  res.Success,
		Message:  res.Message,
		Fallback: res.Fallback,
		Data:     res.Data,
	})
	return res
}

func (b *Bus) invoke(ctx context.Context, h Handler, a Action) (res Result) {
	defer func() {
		if p := recover(); p != nil {
			res = Result{Handled: true, Message: fmt.Sprintf("%s failed: %v", a.Type, p)}
		}
	}()
	r, err := h.Handle(ctx, a)
	if err != nil {
		return Result{Handled: true, Message: fmt.Sprintf("%s failed: %v", a.Type, err), Data: r.Data}
	}
	return r
}
