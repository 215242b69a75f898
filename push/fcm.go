package push

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
)

// fcmMaxTokens is the SendEachForMulticast limit
const fcmMaxTokens = 500

var errNoResponse = errors.New("no response for token")

// Multicaster is the part of the FCM messaging client used here
type Multicaster interface {
	SendEachForMulticast(ctx context.Context, message *messaging.MulticastMessage) (*messaging.BatchResponse, error)
}

// FCM sends through Firebase Cloud Messaging
type FCM struct {
	client Multicaster
	logger *log.Logger
	icon   string
}

// NewFCM wraps a messaging client
func NewFCM(client Multicaster, logger *log.Logger) *FCM {
	return &FCM{
		client: client,
		logger: logger,
		icon:   "/vite.svg",
	}
}

// NewFCMFromApp creates the messaging client of an initialized firebase app
func NewFCMFromApp(ctx context.Context, app *firebase.App, logger *log.Logger) (*FCM, error) {
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get messaging client: %w", err)
	}

	logger.Println("[FCM] Client initialized successfully")
	return NewFCM(client, logger), nil
}

func (f *FCM) multicast(message *Message, tokens []string) *messaging.MulticastMessage {
	webpush := &messaging.WebpushConfig{
		Notification: &messaging.WebpushNotification{
			Title:              message.Title,
			Body:               message.Body,
			Icon:               f.icon,
			Badge:              f.icon,
			Tag:                "medication-reminder",
			RequireInteraction: true,
			Actions: []*messaging.WebpushNotificationAction{
				{Action: "mark-taken", Title: "Mark as Taken"},
				{Action: "dismiss", Title: "Dismiss"},
			},
		},
	}
	// FCM only accepts absolute HTTPS links, clients read relative paths from the data payload
	if strings.HasPrefix(message.ClickPath, "https://") {
		webpush.FCMOptions = &messaging.WebpushFCMOptions{Link: message.ClickPath}
	}

	return &messaging.MulticastMessage{
		Tokens: tokens,
		Notification: &messaging.Notification{
			Title: message.Title,
			Body:  message.Body,
		},
		Data:    message.Data,
		Webpush: webpush,
	}
}

func stale(err error) bool {
	return messaging.IsUnregistered(err) || messaging.IsSenderIDMismatch(err)
}

// SendMulticast sends message to every token, in chunks of the FCM limit
func (f *FCM) SendMulticast(ctx context.Context, message *Message) (*BatchResult, error) {
	if len(message.Tokens) == 0 {
		return nil, ErrNoTokens
	}

	result := &BatchResult{}
	for start := 0; start < len(message.Tokens); start += fcmMaxTokens {
		end := start + fcmMaxTokens
		if end > len(message.Tokens) {
			end = len(message.Tokens)
		}
		tokens := message.Tokens[start:end]

		response, err := f.client.SendEachForMulticast(ctx, f.multicast(message, tokens))
		if err != nil {
			if start == 0 {
				return nil, fmt.Errorf("failed to send FCM multicast message: %w", err)
			}

			// earlier chunks went out, report the rest as failed
			f.logger.Printf("[FCM] Failed to send chunk of %d tokens: %v", len(message.Tokens)-start, err)
			for _, token := range message.Tokens[start:] {
				result.add(TokenResult{Token: token, Err: err})
			}
			break
		}

		var responses []*messaging.SendResponse
		if response != nil {
			responses = response.Responses
		}

		for i, token := range tokens {
			var resp *messaging.SendResponse
			if i < len(responses) {
				resp = responses[i]
			}

			res := TokenResult{Token: token}
			switch {
			case resp == nil:
				res.Err = errNoResponse
			case resp.Success:
				res.Success = true
				res.MessageID = resp.MessageID
			default:
				res.Err = resp.Error
				res.Unregistered = stale(res.Err)
			}
			if !res.Success {
				f.logger.Printf("[FCM] Failed to send to token %s: %v", shortToken(token), res.Err)
			}

			result.add(res)
		}
	}

	f.logger.Printf("[FCM] Multicast sent: %d success, %d failures", result.SuccessCount, result.FailureCount)
	return result, nil
}
