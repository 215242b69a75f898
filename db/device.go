package db

import (
	"time"
)

// Device is a push notification endpoint registered by one browser or device
type Device struct {
	ID          string    `json:"id" gorm:"primaryKey" firestore:"-"`
	UserID      string    `json:"userId" gorm:"primaryKey" firestore:"-"`
	Token       string    `json:"token" gorm:"index;not null" firestore:"token"`
	Platform    string    `json:"platform" firestore:"platform"`
	CreatedAt   time.Time `json:"createdAt" firestore:"createdAt"`
	LastUpdated time.Time `json:"lastUpdated" firestore:"lastUpdated"`
}

// Tokens returns the non-empty tokens of devices
func Tokens(devices []*Device) []string {
	tokens := make([]string, 0, len(devices))
	for _, device := range devices {
		if device != nil && device.Token != "" {
			tokens = append(tokens, device.Token)
		}
	}

	return tokens
}
