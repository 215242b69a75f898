package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestEnvDefaults(t *testing.T) {
	for _, name := range []string{
		StoreBackendEnv, PushProviderEnv, QueryTimeoutEnv, SendTimeoutEnv,
		DispatchConcurrencyEnv, SkipTakenDosesEnv, DedupeNotificationsEnv,
		PruneStaleTokensEnv, AppNameEnv, PortEnv,
	} {
		t.Setenv(name, "")
	}

	e := &Env{}

	if backend, err := e.StoreBackend(); err != nil || backend != StoreBadger {
		t.Fatalf("StoreBackend() = %q, %v", backend, err)
	}
	if provider, err := e.PushProvider(); err != nil || provider != PushFCM {
		t.Fatalf("PushProvider() = %q, %v", provider, err)
	}
	if d, err := e.QueryTimeout(); err != nil || d != 5*time.Second {
		t.Fatalf("QueryTimeout() = %v, %v", d, err)
	}
	if n, err := e.DispatchConcurrency(); err != nil || n != 8 {
		t.Fatalf("DispatchConcurrency() = %d, %v", n, err)
	}
	if skip, err := e.SkipTakenDoses(); err != nil || skip {
		t.Fatalf("SkipTakenDoses() = %v, %v", skip, err)
	}
	if dedupe, err := e.DedupeNotifications(); err != nil || dedupe {
		t.Fatalf("DedupeNotifications() = %v, %v", dedupe, err)
	}
	if prune, err := e.PruneStaleTokens(); err != nil || !prune {
		t.Fatalf("PruneStaleTokens() = %v, %v", prune, err)
	}
	if name := e.AppName(); name != "MediLens" {
		t.Fatalf("AppName() = %q", name)
	}
	if port := e.Port(); port != "8080" {
		t.Fatalf("Port() = %q", port)
	}
}

func TestEnvRequired(t *testing.T) {
	t.Setenv(BadgerPathEnv, "")
	t.Setenv(ServiceSecretEnv, "")

	e := &Env{}

	if _, err := e.BadgerPath(); !errors.Is(err, ErrEnvVariableNotSet) {
		t.Fatalf("BadgerPath() error = %v, want ErrEnvVariableNotSet", err)
	}
	if _, err := e.ServiceSecret(); !errors.Is(err, ErrEnvVariableNotSet) {
		t.Fatalf("ServiceSecret() error = %v, want ErrEnvVariableNotSet", err)
	}

	t.Setenv(BadgerPathEnv, "/var/lib/medilens")
	if path, err := e.BadgerPath(); err != nil || path != "/var/lib/medilens" {
		t.Fatalf("BadgerPath() = %q, %v", path, err)
	}
}

func TestEnvInvalidValues(t *testing.T) {
	e := &Env{}

	cases := []struct {
		name string
		env  string
		val  string
		call func() error
	}{
		{"store", StoreBackendEnv, "mongo", func() error { _, err := e.StoreBackend(); return err }},
		{"push", PushProviderEnv, "apns", func() error { _, err := e.PushProvider(); return err }},
		{"timeout", QueryTimeoutEnv, "soon", func() error { _, err := e.QueryTimeout(); return err }},
		{"negative timeout", SendTimeoutEnv, "-1s", func() error { _, err := e.SendTimeout(); return err }},
		{"concurrency", DispatchConcurrencyEnv, "0", func() error { _, err := e.DispatchConcurrency(); return err }},
		{"bool", DedupeNotificationsEnv, "maybe", func() error { _, err := e.DedupeNotifications(); return err }},
		{"timezone", LocalTimezoneEnv, "Mars/Olympus", func() error { _, err := e.Location(); return err }},
		{"service account", FirebaseServiceAccountKeyEnv, "{not json", func() error { _, err := e.FirebaseServiceAccountKey(); return err }},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			t.Setenv(c.env, c.val)
			if err := c.call(); !errors.Is(err, ErrInvalidValue) {
				t.Fatalf("error = %v, want ErrInvalidValue", err)
			}
		})
	}
}

func TestEnvServiceAccountKey(t *testing.T) {
	t.Setenv(FirebaseServiceAccountKeyEnv, `{"type":"service_account","project_id":"medilens"}`)

	data, err := (&Env{}).FirebaseServiceAccountKey()
	if err != nil {
		t.Fatalf("FirebaseServiceAccountKey() error = %v", err)
	}
	if len(data) == 0 {
		t.Fatal("expected key data")
	}
}

func TestLoadDotEnv(t *testing.T) {
	if err := LoadDotEnv(filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Fatalf("missing dotenv file should be ignored, got %v", err)
	}

	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("APP_NAME=PillPal\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	t.Setenv(AppNameEnv, "")
	os.Unsetenv(AppNameEnv)
	if err := LoadDotEnv(path); err != nil {
		t.Fatalf("LoadDotEnv() error = %v", err)
	}
	t.Cleanup(func() { os.Unsetenv(AppNameEnv) })

	if name := (&Env{}).AppName(); name != "PillPal" {
		t.Fatalf("AppName() = %q, want PillPal", name)
	}
}
