package config

import "time"

// Store backends
const (
	StoreBadger    = "badger"
	StoreSQL       = "sql"
	StoreFirestore = "firestore"
)

// Push providers
const (
	PushFCM      = "fcm"
	PushPushover = "pushover"
)

// Config for application setup
type Config interface {
	StoreBackend() (string, error)
	BadgerPath() (string, error)
	DatabaseURL() string
	SQLitePath() string

	PushProvider() (string, error)
	PushoverAPIToken() (string, error)
	FirebaseServiceAccountKey() ([]byte, error)
	FirebaseCredentialsFile() string
	FirebaseProjectID() string

	Location() (*time.Location, error)
	AppName() string
	ClickPath() string
	QueryTimeout() (time.Duration, error)
	SendTimeout() (time.Duration, error)
	DispatchConcurrency() (int, error)
	SkipTakenDoses() (bool, error)
	DedupeNotifications() (bool, error)
	PruneStaleTokens() (bool, error)

	ServiceSecret() (string, error)
	Port() string
}
