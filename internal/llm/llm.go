// Package llm is the language model adapter used by the chat core.
package llm

import (
	"context"
	"errors"
	"time"

	"plantly.app/plantly-server/internal/metrics"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Request is one chat completion call. Zero Model means the client default.
type Request struct {
	Messages    []Message
	Model       string
	Temperature float32
	JSON        bool // ask the provider for a JSON object body
	MaxTokens   int32
}

type Client interface {
	Complete(ctx context.Context, req Request) (string, error)
}

var ErrEmptyRequest = errors.New("llm request has no messages")

// ClientFunc adapts a function to Client.
type ClientFunc func(ctx context.Context, req Request) (string, error)

func (f ClientFunc) Complete(ctx context.Context, req Request) (string, error) {
	return f(ctx, req)
}

// WithTimeout bounds every call made through c.
func WithTimeout(c Client, d time.Duration) Client {
	if d <= 0 {
		return c
	}
	return ClientFunc(func(ctx context.Context, req Request) (string, error) {
		ctx, cancel := context.WithTimeout(ctx, d)
		defer cancel()
		return c.Complete(ctx, req)
	})
}

// WithMetrics records call latency under the provider label.
func WithMetrics(c Client, provider string) Client {
	return ClientFunc(func(ctx context.Context, req Request) (string, error) {
		op := "text"
		if req.JSON {
			op = "json"
		}
		start := time.Now()
		out, err := c.Complete(ctx, req)
		metrics.ObserveLLM(provider, op, start, err)
		return out, err
	})
}
