// Package push sends reminder notifications to registered device tokens.
package push

import (
	"context"
	"errors"
)

// ErrNoTokens occurs when a message has no recipients
var ErrNoTokens = errors.New("push: message has no tokens")

// Message is one notification addressed to several device tokens
type Message struct {
	Title string
	Body  string
	// Data is delivered to the client's notification click handler
	Data   map[string]string
	Tokens []string
	// ClickPath opened by web clients when the notification is clicked
	ClickPath string
}

// TokenResult is the outcome for a single token of a multicast send
type TokenResult struct {
	Token     string
	Success   bool
	MessageID string
	Err       error
	// Unregistered tokens will never be deliverable again
	Unregistered bool
}

// BatchResult of a multicast send
type BatchResult struct {
	SuccessCount int
	FailureCount int
	Responses    []TokenResult
}

// StaleTokens reported as permanently undeliverable
func (r *BatchResult) StaleTokens() []string {
	if r == nil {
		return nil
	}

	var tokens []string
	for _, resp := range r.Responses {
		if !resp.Success && resp.Unregistered {
			tokens = append(tokens, resp.Token)
		}
	}

	return tokens
}

func (r *BatchResult) add(res TokenResult) {
	if res.Success {
		r.SuccessCount++
	} else {
		r.FailureCount++
	}

	r.Responses = append(r.Responses, res)
}

// Sender delivers one message to all of its tokens in a single request.
// An error is returned only when the request cannot be made; per-token
// failures are reported in the BatchResult.
type Sender interface {
	SendMulticast(ctx context.Context, message *Message) (*BatchResult, error)
}

func shortToken(token string) string {
	if len(token) <= 20 {
		return token
	}

	return token[:20] + "..."
}
