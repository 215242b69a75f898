package push

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/gregdel/pushover"
)

// PushoverClient is the part of the pushover app used here
type PushoverClient interface {
	SendMessage(message *pushover.Message, recipient *pushover.Recipient) (*pushover.Response, error)
}

// Pushover sends through the Pushover API. Each token is a Pushover user or
// group key, and the API takes one recipient per request, so a multicast is
// one request per token folded into a single BatchResult.
type Pushover struct {
	app    PushoverClient
	logger *log.Logger
}

// NewPushover creates a sender for the application API token
func NewPushover(apiToken string, logger *log.Logger) *Pushover {
	return NewPushoverWithClient(pushover.New(apiToken), logger)
}

// NewPushoverWithClient wraps an existing client
func NewPushoverWithClient(app PushoverClient, logger *log.Logger) *Pushover {
	return &Pushover{app: app, logger: logger}
}

// rejected reports whether the API answered the request with errors,
// as opposed to the request never getting an answer
func rejected(err error) bool {
	var apiErrs pushover.Errors
	return errors.As(err, &apiErrs)
}

func invalidRecipient(err error) bool {
	if errors.Is(err, pushover.ErrInvalidRecipientToken) ||
		errors.Is(err, pushover.ErrInvalidRecipient) ||
		errors.Is(err, pushover.ErrEmptyRecipientToken) {
		return true
	}

	var apiErrs pushover.Errors
	if !errors.As(err, &apiErrs) {
		return false
	}

	for _, e := range apiErrs {
		e = strings.ToLower(e)
		if strings.Contains(e, "user") && (strings.Contains(e, "invalid") || strings.Contains(e, "not a valid")) {
			return true
		}
	}

	return false
}

// SendMulticast sends message to every recipient key
func (p *Pushover) SendMulticast(ctx context.Context, message *Message) (*BatchResult, error) {
	if len(message.Tokens) == 0 {
		return nil, ErrNoTokens
	}

	result := &BatchResult{}
	// answered counts requests the API responded to, successful or not
	answered := 0
	var lastErr error
	for _, token := range message.Tokens {
		if err := ctx.Err(); err != nil {
			result.add(TokenResult{Token: token, Err: err})
			lastErr = err
			continue
		}

		msg := pushover.NewMessageWithTitle(message.Body, message.Title)

		resp, err := p.app.SendMessage(msg, pushover.NewRecipient(token))
		if err == nil && resp != nil && resp.Status != 1 {
			err = resp.Errors
			if len(resp.Errors) == 0 {
				err = fmt.Errorf("pushover status %d", resp.Status)
			}
		}
		if err != nil {
			res := TokenResult{Token: token, Err: err, Unregistered: invalidRecipient(err)}
			switch {
			case res.Unregistered, rejected(err), resp != nil:
				answered++
			default:
				lastErr = err
			}

			p.logger.Printf("[Pushover] Failed to send to recipient %s: %v", shortToken(token), err)
			result.add(res)
			continue
		}

		answered++
		res := TokenResult{Token: token, Success: true}
		if resp != nil {
			res.MessageID = resp.ID
		}
		result.add(res)
	}

	// no request got an answer, so the API itself is unreachable
	if answered == 0 && lastErr != nil {
		return nil, fmt.Errorf("failed to reach pushover: %w", lastErr)
	}

	p.logger.Printf("[Pushover] Sent: %d success, %d failures", result.SuccessCount, result.FailureCount)
	return result, nil
}
