package mcp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"fasto-agent/internal/assistant"
	"fasto-agent/internal/queue"
)

// replyTimeout bounds how long a tool waits for its place in the queue and
// the command itself.
const replyTimeout = 2 * time.Minute

func getStringArg(args map[string]interface{}, key string) string {
	val, ok := args[key]
	if !ok || val == nil {
		return ""
	}
	switch v := val.(type) {
	case string:
		return strings.TrimSpace(v)
	default:
		return fmt.Sprintf("%v", v)
	}
}

func getIntArg(args map[string]interface{}, key string, fallback int) int {
	val, ok := args[key]
	if !ok {
		return fallback
	}
	switch v := val.(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return fallback
	}
}

// getMapArg accepts an object argument, tolerating a missing key.
func getMapArg(args map[string]interface{}, key string) map[string]interface{} {
	if m, ok := args[key].(map[string]interface{}); ok {
		return m
	}
	return map[string]interface{}{}
}

func awaitReply(ctx context.Context, ch <-chan assistant.Reply) (assistant.Reply, error) {
	ctx, cancel := context.WithTimeout(ctx, replyTimeout)
	defer cancel()
	select {
	case r := <-ch:
		return r, nil
	case <-ctx.Done():
		return assistant.Reply{}, fmt.Errorf("waiting for reply: %w", ctx.Err())
	}
}

// runQueued runs fn on the command queue and waits for it, so tool calls
// never interleave with spoken commands.
func runQueued(ctx context.Context, q *queue.Queue, name string, fn queue.Task) error {
	done := q.Enqueue(name, fn)
	ctx, cancel := context.WithTimeout(ctx, replyTimeout)
	defer cancel()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("waiting for %s: %w", name, ctx.Err())
	}
}

var errUnavailable = errors.New("component unavailable")
