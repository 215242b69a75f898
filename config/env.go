package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	// StoreBackendEnv name
	StoreBackendEnv = "STORE_BACKEND"
	// BadgerPathEnv name
	BadgerPathEnv = "BADGER_PATH"
	// DatabaseURLEnv name
	DatabaseURLEnv = "DATABASE_URL"
	// SQLitePathEnv name
	SQLitePathEnv = "SQLITE_PATH"
	// PushProviderEnv name
	PushProviderEnv = "PUSH_PROVIDER"
	// PushoverAPITokenEnv name
	PushoverAPITokenEnv = "PUSHOVER_API_TOKEN"
	// FirebaseServiceAccountKeyEnv name
	FirebaseServiceAccountKeyEnv = "FIREBASE_SERVICE_ACCOUNT_KEY"
	// FirebaseCredentialsFileEnv name
	FirebaseCredentialsFileEnv = "GOOGLE_APPLICATION_CREDENTIALS"
	// FirebaseProjectIDEnv name
	FirebaseProjectIDEnv = "FIREBASE_PROJECT_ID"
	// LocalTimezoneEnv name
	LocalTimezoneEnv = "LOCAL_TIMEZONE"
	// AppNameEnv name
	AppNameEnv = "APP_NAME"
	// ClickPathEnv name
	ClickPathEnv = "CLICK_PATH"
	// QueryTimeoutEnv name
	QueryTimeoutEnv = "QUERY_TIMEOUT"
	// SendTimeoutEnv name
	SendTimeoutEnv = "SEND_TIMEOUT"
	// DispatchConcurrencyEnv name
	DispatchConcurrencyEnv = "DISPATCH_CONCURRENCY"
	// SkipTakenDosesEnv name
	SkipTakenDosesEnv = "SKIP_TAKEN_DOSES"
	// DedupeNotificationsEnv name
	DedupeNotificationsEnv = "DEDUPE_NOTIFICATIONS"
	// PruneStaleTokensEnv name
	PruneStaleTokensEnv = "PRUNE_STALE_TOKENS"
	// ServiceSecretEnv name
	ServiceSecretEnv = "SERVICE_SECRET"
	// PortEnv name
	PortEnv = "PORT"
)

const (
	defaultSQLitePath          = "medilens.db"
	defaultAppName             = "MediLens"
	defaultClickPath           = "/dashboard"
	defaultQueryTimeout        = 5 * time.Second
	defaultSendTimeout         = 5 * time.Second
	defaultDispatchConcurrency = 8
	defaultPort                = "8080"
)

var (
	// ErrEnvVariableNotSet occurs when an environment variable is not set
	ErrEnvVariableNotSet = errors.New("environment variable is not set")
	// ErrInvalidValue occurs when an environment variable cannot be parsed
	ErrInvalidValue = errors.New("environment variable has an invalid value")
)

// Env variable Config implementation
type Env struct {
}

// LoadDotEnv reads a .env file into the process environment when one exists.
// Variables already set in the environment win.
func LoadDotEnv(filenames ...string) error {
	err := godotenv.Load(filenames...)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to load dotenv file: %w", err)
	}

	return nil
}

func lookup(name string) (string, bool) {
	val, ok := os.LookupEnv(name)
	if !ok {
		return "", false
	}

	val = strings.TrimSpace(val)
	return val, val != ""
}

func required(name, what string) (string, error) {
	val, ok := lookup(name)
	if !ok {
		return "", fmt.Errorf(
			"unable to get %s from env variable %s: %w",
			what,
			name,
			ErrEnvVariableNotSet,
		)
	}

	return val, nil
}

func withDefault(name, def string) string {
	if val, ok := lookup(name); ok {
		return val
	}

	return def
}

func durationOr(name string, def time.Duration) (time.Duration, error) {
	val, ok := lookup(name)
	if !ok {
		return def, nil
	}

	d, err := time.ParseDuration(val)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("%s=%q is not a positive duration: %w", name, val, ErrInvalidValue)
	}

	return d, nil
}

func boolOr(name string, def bool) (bool, error) {
	val, ok := lookup(name)
	if !ok {
		return def, nil
	}

	b, err := strconv.ParseBool(val)
	if err != nil {
		return false, fmt.Errorf("%s=%q is not a boolean: %w", name, val, ErrInvalidValue)
	}

	return b, nil
}

// StoreBackend selects the medication schedule store
func (e *Env) StoreBackend() (string, error) {
	val := strings.ToLower(withDefault(StoreBackendEnv, StoreBadger))
	switch val {
	case StoreBadger, StoreSQL, StoreFirestore:
		return val, nil
	}

	return "", fmt.Errorf("%s=%q is not one of badger, sql, firestore: %w", StoreBackendEnv, val, ErrInvalidValue)
}

// BadgerPath for the database directory
func (e *Env) BadgerPath() (string, error) {
	return required(BadgerPathEnv, "badger path")
}

// DatabaseURL is the postgres DSN, empty selects sqlite
func (e *Env) DatabaseURL() string {
	return withDefault(DatabaseURLEnv, "")
}

// SQLitePath for the sqlite database file
func (e *Env) SQLitePath() string {
	return withDefault(SQLitePathEnv, defaultSQLitePath)
}

// PushProvider selects the push notification service
func (e *Env) PushProvider() (string, error) {
	val := strings.ToLower(withDefault(PushProviderEnv, PushFCM))
	switch val {
	case PushFCM, PushPushover:
		return val, nil
	}

	return "", fmt.Errorf("%s=%q is not one of fcm, pushover: %w", PushProviderEnv, val, ErrInvalidValue)
}

// PushoverAPIToken getter
func (e *Env) PushoverAPIToken() (string, error) {
	return required(PushoverAPITokenEnv, "pushover API token")
}

// FirebaseServiceAccountKey returns the service account JSON document
func (e *Env) FirebaseServiceAccountKey() ([]byte, error) {
	val, err := required(FirebaseServiceAccountKeyEnv, "firebase service account key")
	if err != nil {
		return nil, err
	}

	data := []byte(val)
	if !json.Valid(data) {
		return nil, fmt.Errorf("%s does not contain valid JSON: %w", FirebaseServiceAccountKeyEnv, ErrInvalidValue)
	}

	return data, nil
}

// FirebaseCredentialsFile path, empty means application default credentials
func (e *Env) FirebaseCredentialsFile() string {
	return withDefault(FirebaseCredentialsFileEnv, "")
}

// FirebaseProjectID getter, empty lets the credentials decide
func (e *Env) FirebaseProjectID() string {
	return withDefault(FirebaseProjectIDEnv, "")
}

// Location used to format the current wall-clock minute
func (e *Env) Location() (*time.Location, error) {
	name := withDefault(LocalTimezoneEnv, "Local")

	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("%s=%q: %v: %w", LocalTimezoneEnv, name, err, ErrInvalidValue)
	}

	return loc, nil
}

// AppName used in the notification title
func (e *Env) AppName() string {
	return withDefault(AppNameEnv, defaultAppName)
}

// ClickPath opened when a notification is clicked
func (e *Env) ClickPath() string {
	return withDefault(ClickPathEnv, defaultClickPath)
}

// QueryTimeout bounds the due-dose scan
func (e *Env) QueryTimeout() (time.Duration, error) {
	return durationOr(QueryTimeoutEnv, defaultQueryTimeout)
}

// SendTimeout bounds a single reminder delivery
func (e *Env) SendTimeout() (time.Duration, error) {
	return durationOr(SendTimeoutEnv, defaultSendTimeout)
}

// DispatchConcurrency is the number of reminders delivered at once
func (e *Env) DispatchConcurrency() (int, error) {
	val, ok := lookup(DispatchConcurrencyEnv)
	if !ok {
		return defaultDispatchConcurrency, nil
	}

	n, err := strconv.Atoi(val)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("%s=%q is not a positive integer: %w", DispatchConcurrencyEnv, val, ErrInvalidValue)
	}

	return n, nil
}

// SkipTakenDoses suppresses reminders for doses already marked taken today
func (e *Env) SkipTakenDoses() (bool, error) {
	return boolOr(SkipTakenDosesEnv, false)
}

// DedupeNotifications records each delivery and skips repeats within a day
func (e *Env) DedupeNotifications() (bool, error) {
	return boolOr(DedupeNotificationsEnv, false)
}

// PruneStaleTokens removes tokens the push service reports as unregistered
func (e *Env) PruneStaleTokens() (bool, error) {
	return boolOr(PruneStaleTokensEnv, true)
}

// ServiceSecret signs service and dose acknowledgment tokens
func (e *Env) ServiceSecret() (string, error) {
	return required(ServiceSecretEnv, "service secret")
}

// Port for the HTTP server
func (e *Env) Port() string {
	return withDefault(PortEnv, defaultPort)
}
