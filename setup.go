package main

import (
	"context"
	"errors"
	"fmt"
	golog "log"

	firebase "firebase.google.com/go/v4"
	"git.0xdad.com/tblyler/medilens/auth"
	"git.0xdad.com/tblyler/medilens/config"
	"git.0xdad.com/tblyler/medilens/db"
	"git.0xdad.com/tblyler/medilens/push"
	"git.0xdad.com/tblyler/medilens/reminder"
	"google.golang.org/api/option"
)

// app holds everything a command needs, built from the config
type app struct {
	cfg      config.Config
	logger   *golog.Logger
	store    db.Store
	firebase *firebase.App
}

func (a *app) Close() error {
	if a.store == nil {
		return nil
	}

	return a.store.Close()
}

func usesFirebase(cfg config.Config) (bool, error) {
	backend, err := cfg.StoreBackend()
	if err != nil {
		return false, err
	}

	provider, err := cfg.PushProvider()
	if err != nil {
		return false, err
	}

	return backend == config.StoreFirestore || provider == config.PushFCM, nil
}

// newFirebaseApp prefers the service account key in the environment,
// then a credentials file, then application default credentials
func newFirebaseApp(ctx context.Context, cfg config.Config) (*firebase.App, error) {
	var opts []option.ClientOption

	key, err := cfg.FirebaseServiceAccountKey()
	switch {
	case err == nil:
		opts = append(opts, option.WithCredentialsJSON(key))
	case !errors.Is(err, config.ErrEnvVariableNotSet):
		return nil, err
	case cfg.FirebaseCredentialsFile() != "":
		opts = append(opts, option.WithCredentialsFile(cfg.FirebaseCredentialsFile()))
	}

	var fbConfig *firebase.Config
	if projectID := cfg.FirebaseProjectID(); projectID != "" {
		fbConfig = &firebase.Config{ProjectID: projectID}
	}

	fb, err := firebase.NewApp(ctx, fbConfig, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Firebase app: %w", err)
	}

	return fb, nil
}

func openStore(ctx context.Context, cfg config.Config, fb *firebase.App, logger *golog.Logger) (db.Store, error) {
	backend, err := cfg.StoreBackend()
	if err != nil {
		return nil, err
	}

	switch backend {
	case config.StoreSQL:
		return db.NewSQL(cfg.DatabaseURL(), cfg.SQLitePath(), logger)

	case config.StoreFirestore:
		client, err := fb.Firestore(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get firestore client: %w", err)
		}

		return db.NewFirestore(client, logger), nil
	}

	badgerPath, err := cfg.BadgerPath()
	if err != nil {
		return nil, err
	}

	return db.NewBadger(badgerPath, logger)
}

// newApp performs all setup. Any error here happens before scanning.
func newApp(ctx context.Context, cfg config.Config, logger *golog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	needsFirebase, err := usesFirebase(cfg)
	if err != nil {
		return nil, err
	}

	if needsFirebase {
		a.firebase, err = newFirebaseApp(ctx, cfg)
		if err != nil {
			return nil, err
		}
	}

	a.store, err = openStore(ctx, cfg, a.firebase, logger)
	if err != nil {
		return nil, err
	}

	return a, nil
}

func (a *app) sender(ctx context.Context) (push.Sender, error) {
	provider, err := a.cfg.PushProvider()
	if err != nil {
		return nil, err
	}

	if provider == config.PushPushover {
		token, err := a.cfg.PushoverAPIToken()
		if err != nil {
			return nil, err
		}

		return push.NewPushover(token, a.logger), nil
	}

	return push.NewFCMFromApp(ctx, a.firebase, a.logger)
}

// signer is nil when no service secret is configured
func (a *app) signer() (*auth.Signer, error) {
	secret, err := a.cfg.ServiceSecret()
	if errors.Is(err, config.ErrEnvVariableNotSet) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return auth.NewSigner(secret)
}

func (a *app) runner(ctx context.Context, signer *auth.Signer) (*reminder.Runner, error) {
	sender, err := a.sender(ctx)
	if err != nil {
		return nil, err
	}

	location, err := a.cfg.Location()
	if err != nil {
		return nil, err
	}

	queryTimeout, err := a.cfg.QueryTimeout()
	if err != nil {
		return nil, err
	}

	sendTimeout, err := a.cfg.SendTimeout()
	if err != nil {
		return nil, err
	}

	concurrency, err := a.cfg.DispatchConcurrency()
	if err != nil {
		return nil, err
	}

	skipTaken, err := a.cfg.SkipTakenDoses()
	if err != nil {
		return nil, err
	}

	dedupe, err := a.cfg.DedupeNotifications()
	if err != nil {
		return nil, err
	}

	prune, err := a.cfg.PruneStaleTokens()
	if err != nil {
		return nil, err
	}

	scanner := reminder.NewScanner(a.store, reminder.NewClock(), location, a.logger)
	scanner.SkipTaken = skipTaken

	dispatcher := reminder.NewDispatcher(a.store, sender, reminder.Options{
		AppName:          a.cfg.AppName(),
		ClickPath:        a.cfg.ClickPath(),
		Concurrency:      concurrency,
		SendTimeout:      sendTimeout,
		PruneStaleTokens: prune,
	}, a.logger)
	if dedupe {
		dispatcher.SetDeliveryLog(a.store)
	}
	if signer != nil {
		dispatcher.SetAckSigner(signer)
	}

	return reminder.NewRunner(scanner, dispatcher, queryTimeout, a.logger), nil
}
