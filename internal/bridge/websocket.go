package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"fasto-agent/internal/assistant"
	"fasto-agent/internal/events"
	"fasto-agent/internal/workflow"

	"github.com/gorilla/websocket"
)

// replyPayload delivers a reply on the stream of the connection that asked.
type replyPayload struct {
	assistant.Reply
}

func (replyPayload) Kind() events.Kind { return KindReply }

// inbound is a client message. Commands use the same shape the page
// dispatches: {"type":"fastoCommand","detail":{"command":"open leads"}}.
type inbound struct {
	Type   string `json:"type"`
	Detail struct {
		Command string `json:"command"`
		Value   string `json:"value"`
	} `json:"detail"`
}

const (
	inboundInput  = "fastoWorkflowInput"
	inboundCancel = "fastoWorkflowCancel"
)

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[bridge] upgrade: %v", err)
		return
	}
	log.Printf("[bridge] client connected from %s", r.RemoteAddr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, unsubscribe := s.hub.Subscribe(256)
	defer unsubscribe()
	replies := make(chan events.Event, 8)

	go s.writeLoop(ctx, conn, stream, replies)

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg inbound
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("[bridge] read: %v", err)
			}
			return
		}
		ch := s.route(msg)
		if ch == nil {
			continue
		}
		go func() {
			select {
			case reply := <-ch:
				select {
				case replies <- events.Event{Payload: replyPayload{reply}, Time: time.Now()}:
				case <-ctx.Done():
				}
			case <-ctx.Done():
			}
		}()
	}
}

// route turns a client message into a queued command. Unknown messages are
// ignored.
func (s *Server) route(msg inbound) <-chan assistant.Reply {
	switch msg.Type {
	case string(events.KindCommand), "command", "":
		text := strings.TrimSpace(msg.Detail.Command)
		if text == "" {
			return nil
		}
		return s.assistant.Submit(text)
	case inboundInput:
		value := strings.TrimSpace(msg.Detail.Value)
		if value == "" {
			return nil
		}
		return s.assistant.Input(value)
	case inboundCancel:
		out := make(chan assistant.Reply, 1)
		snap, err := s.assistant.Runner().Cancel()
		reply := assistant.Reply{Intent: assistant.IntentCancel}
		if errors.Is(err, workflow.ErrNoActiveWorkflow) {
			reply.Error = err.Error()
		} else {
			reply.Workflow = &snap
		}
		out <- reply
		return out
	default:
		log.Printf("[bridge] ignoring message type %q", msg.Type)
		return nil
	}
}

// writeLoop owns every write on conn.
func (s *Server) writeLoop(ctx context.Context, conn *websocket.Conn, stream <-chan events.Event, replies <-chan events.Event) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	write := func(ev events.Event) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		data, err := json.Marshal(ev)
		if err != nil {
			log.Printf("[bridge] encode %s: %v", ev.Kind(), err)
			return true
		}
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return false
		}
		return true
	}

	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		case ev, ok := <-stream:
			if !ok || !write(ev) {
				return
			}
		case ev := <-replies:
			if !write(ev) {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
