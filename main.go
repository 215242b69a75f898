package main

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	golog "log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"git.0xdad.com/tblyler/medilens/config"
	"git.0xdad.com/tblyler/medilens/db"
	"git.0xdad.com/tblyler/medilens/server"
	"git.0xdad.com/tblyler/medilens/trigger"
	"github.com/google/uuid"
)

func errLog(messages ...interface{}) {
	fmt.Fprintln(os.Stderr, messages...)
}

func log(messages ...interface{}) {
	fmt.Println(messages...)
}

func help() {
	errLog(`usage: medilens <command>

  run                 scan for doses due this minute and send reminders
  serve               run every minute and serve HTTP
  user add|get|list
  medication add|list
  device add|list
  dose take
  token               print a service token`)
}

type prompter struct {
	scanner *bufio.Scanner
}

func (p prompter) ask(prompt string) string {
	fmt.Print(prompt + ": ")
	p.scanner.Scan()

	return string(bytes.TrimSpace(p.scanner.Bytes()))
}

func (p prompter) required(prompt string) (string, error) {
	val := p.ask(prompt)
	if val == "" {
		return "", fmt.Errorf("failed to get %s from STDIN prompt: %v", prompt, p.scanner.Err())
	}

	return val, nil
}

func (p prompter) user(ctx context.Context, store db.Store) (*db.User, error) {
	username, err := p.required("username")
	if err != nil {
		return nil, err
	}

	user, err := store.GetUser(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("failed to lookup username %s: %w", username, err)
	}

	return user, nil
}

func run(ctx context.Context, a *app) error {
	signer, err := a.signer()
	if err != nil {
		return err
	}

	runner, err := a.runner(ctx, signer)
	if err != nil {
		return err
	}

	_, err = runner.RunOnce(ctx)
	return err
}

func serve(ctx context.Context, a *app) error {
	signer, err := a.signer()
	if err != nil {
		return err
	}

	runner, err := a.runner(ctx, signer)
	if err != nil {
		return err
	}

	location, err := a.cfg.Location()
	if err != nil {
		return err
	}

	cron, err := trigger.NewCron(trigger.EveryMinute, location, func(ctx context.Context) error {
		_, err := runner.RunOnce(ctx)
		return err
	}, time.Minute, a.logger)
	if err != nil {
		return err
	}

	var tokens server.Tokens
	if signer != nil {
		tokens = signer
	} else {
		a.logger.Printf("[Server] %s not set, service routes and dose acknowledgment disabled", config.ServiceSecretEnv)
	}

	handler := server.New(runner, a.store, tokens, a.logger)
	handler.SetLocation(location)

	srv := &http.Server{
		Addr:              ":" + a.cfg.Port(),
		Handler:           handler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errs := make(chan error, 1)
	go func() {
		a.logger.Printf("[Server] Listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
		close(errs)
	}()

	cron.Start()

	select {
	case err := <-errs:
		cron.Stop(context.Background())
		return err
	case <-ctx.Done():
	}

	a.logger.Println("[Server] Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}

	return cron.Stop(shutdownCtx)
}

func parseScheduleTimes(input string) ([]string, error) {
	var times []string
	for _, t := range strings.Split(input, ",") {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}

		if !db.ValidDoseTime(t) {
			return nil, fmt.Errorf("schedule time %q is not HH:MM: %w", t, db.ErrInvalidDoseTime)
		}

		times = append(times, t)
	}

	return times, nil
}

func main() {
	lenArgs := len(os.Args)
	if lenArgs <= 1 {
		help()
		errLog("must supply at least one argument")
		os.Exit(1)
	}

	err := func() error {
		if err := config.LoadDotEnv(); err != nil {
			return err
		}

		ctx := context.Background()
		input := prompter{scanner: bufio.NewScanner(os.Stdin)}
		cfg := &config.Env{}
		logger := golog.New(os.Stdout, "[medilens] ", golog.LstdFlags)

		a, err := newApp(ctx, cfg, logger)
		if err != nil {
			return err
		}

		defer a.Close()

		switch os.Args[1] {
		case "run":
			return run(ctx, a)

		case "serve":
			return serve(ctx, a)

		case "token":
			signer, err := a.signer()
			if err != nil {
				return err
			}

			if signer == nil {
				return fmt.Errorf("unable to sign a service token: %s: %w", config.ServiceSecretEnv, config.ErrEnvVariableNotSet)
			}

			token, err := signer.IssueServiceToken()
			if err != nil {
				return err
			}

			log(token)

		case "user":
			if lenArgs < 3 {
				return errors.New("must supply an argument to the user command")
			}

			switch os.Args[2] {
			case "add":
				username, err := input.required("username")
				if err != nil {
					return err
				}

				id := uuid.New().String()
				err = a.store.AddUser(ctx, &db.User{
					ID:        id,
					Name:      username,
					CreatedAt: time.Now(),
				})
				if err != nil {
					return fmt.Errorf("failed to insert username %s: %w", username, err)
				}

				log("created user id", id)

			case "get":
				user, err := input.user(ctx, a.store)
				if err != nil {
					return err
				}

				log(user)

			case "list":
				users, err := a.store.ListUsers(ctx)
				if err != nil {
					return err
				}

				for _, user := range users {
					log(user)
				}

			default:
				return fmt.Errorf("unknown user command %s", os.Args[2])
			}

		case "medication":
			if lenArgs < 3 {
				return errors.New("must supply an argument to the medication command")
			}

			user, err := input.user(ctx, a.store)
			if err != nil {
				return err
			}

			switch os.Args[2] {
			case "add":
				name, err := input.required("name")
				if err != nil {
					return err
				}

				dosage := input.ask("dosage")

				scheduleTimes, err := parseScheduleTimes(input.ask("schedule times (HH:MM, comma separated)"))
				if err != nil {
					return err
				}

				notify := strings.ToLower(input.ask("enable notifications [Y/n]"))

				medication := &db.Medication{
					ID:                  uuid.New().String(),
					UserID:              user.ID,
					Name:                name,
					Dosage:              dosage,
					ScheduleTimes:       scheduleTimes,
					EnableNotifications: notify != "n" && notify != "no",
					CreatedAt:           time.Now(),
				}

				if err := a.store.PutMedication(ctx, medication); err != nil {
					return err
				}

				log(medication)

			case "list":
				medications, err := a.store.ListMedicationsForUser(ctx, user.ID)
				if err != nil {
					return err
				}

				for _, medication := range medications {
					log(medication)
				}

			default:
				return fmt.Errorf("unknown medication command %s", os.Args[2])
			}

		case "device":
			if lenArgs < 3 {
				return errors.New("must supply an argument to the device command")
			}

			user, err := input.user(ctx, a.store)
			if err != nil {
				return err
			}

			switch os.Args[2] {
			case "add":
				token, err := input.required("push token")
				if err != nil {
					return err
				}

				deviceID := input.ask("device id [default]")
				if deviceID == "" {
					deviceID = "default"
				}

				now := time.Now()
				device := &db.Device{
					ID:          deviceID,
					UserID:      user.ID,
					Token:       token,
					Platform:    input.ask("platform"),
					CreatedAt:   now,
					LastUpdated: now,
				}

				if err := a.store.PutDevice(ctx, device); err != nil {
					return err
				}

				log(device)

			case "list":
				devices, err := a.store.ListDevicesForUser(ctx, user.ID)
				if err != nil {
					return err
				}

				for _, device := range devices {
					log(device)
				}

			default:
				return fmt.Errorf("unknown device command %s", os.Args[2])
			}

		case "dose":
			if lenArgs < 3 || os.Args[2] != "take" {
				return errors.New("usage: dose take")
			}

			user, err := input.user(ctx, a.store)
			if err != nil {
				return err
			}

			medicationID, err := input.required("medication id")
			if err != nil {
				return err
			}

			doseTime, err := input.required("dose time")
			if err != nil {
				return err
			}

			location, err := a.cfg.Location()
			if err != nil {
				return err
			}

			if err := a.store.MarkDoseTaken(ctx, user.ID, medicationID, doseTime, time.Now().In(location)); err != nil {
				return err
			}

			log("marked", medicationID, "at", doseTime, "taken")

		default:
			help()
			return fmt.Errorf("unknown command %s", os.Args[1])
		}

		return nil
	}()

	if err != nil {
		errLog(err.Error())
		os.Exit(1)
	}
}
