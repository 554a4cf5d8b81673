package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHubDeliversToAllSubscribers(t *testing.T) {
	hub := NewHub()
	a, cancelA := hub.Subscribe(4)
	defer cancelA()
	b, cancelB := hub.Subscribe(4)
	defer cancelB()

	hub.Publish(Speak{Text: "hello"})

	for _, ch := range []<-chan Event{a, b} {
		select {
		case ev := <-ch:
			assert.Equal(t, KindSpeak, ev.Kind())
			assert.Equal(t, "hello", ev.Payload.(Speak).Text)
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	}
}

func TestHubFiltersByKind(t *testing.T) {
	hub := NewHub()
	ch, cancel := hub.Subscribe(4, KindActionResult)
	defer cancel()

	hub.Publish(Speak{Text: "ignored"})
	hub.Publish(ActionResult{ID: "a1", Success: true})

	ev := <-ch
	assert.Equal(t, KindActionResult, ev.Kind())
	select {
	case extra := <-ch:
		t.Fatalf("unexpected event %v", extra.Kind())
	default:
	}
}

func TestHubDropsWhenSubscriberIsFull(t *testing.T) {
	hub := NewHub()
	ch, cancel := hub.Subscribe(1)
	defer cancel()

	hub.Publish(Speak{Text: "one"})
	hub.Publish(Speak{Text: "two"})

	ev := <-ch
	assert.Equal(t, "one", ev.Payload.(Speak).Text)
	assert.Len(t, ch, 0)
}

func TestHubUnsubscribeClosesChannel(t *testing.T) {
	hub := NewHub()
	ch, cancel := hub.Subscribe(1)
	require.Equal(t, 1, hub.Subscribers())

	cancel()
	cancel()

	_, ok := <-ch
	assert.False(t, ok)
	assert.Equal(t, 0, hub.Subscribers())
	hub.Publish(Speak{Text: "after"})
}

func TestEventMarshalJSON(t *testing.T) {
	ev := Event{Payload: Navigate{URL: "/projects", Tab: "work-orders"}, Time: time.UnixMilli(1700000000000)}
	raw, err := json.Marshal(ev)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, "fasto-navigate", decoded["type"])
	assert.Equal(t, float64(1700000000000), decoded["ts"])
	detail := decoded["detail"].(map[string]any)
	assert.Equal(t, "/projects", detail["url"])
	assert.Equal(t, "work-orders", detail["tab"])
}
