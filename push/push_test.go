package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"testing"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"github.com/gregdel/pushover"
	"google.golang.org/api/option"
)

var discard = log.New(io.Discard, "", 0)

// fakeMulticaster fails calls from errFrom onwards with err, and drops the
// last short responses of every call
type fakeMulticaster struct {
	calls    []*messaging.MulticastMessage
	err      error
	errFrom  int
	short    int
	failures map[string]error
}

func (f *fakeMulticaster) SendEachForMulticast(ctx context.Context, message *messaging.MulticastMessage) (*messaging.BatchResponse, error) {
	f.calls = append(f.calls, message)
	if f.err != nil && len(f.calls) > f.errFrom {
		return nil, f.err
	}

	response := &messaging.BatchResponse{}
	for i, token := range message.Tokens {
		if err, ok := f.failures[token]; ok {
			response.FailureCount++
			response.Responses = append(response.Responses, &messaging.SendResponse{Error: err})
			continue
		}

		response.SuccessCount++
		response.Responses = append(response.Responses, &messaging.SendResponse{Success: true, MessageID: fmt.Sprint("msg-", i)})
	}

	if f.short > 0 && f.short <= len(response.Responses) {
		response.Responses = response.Responses[:len(response.Responses)-f.short]
	}

	return response, nil
}

func reminderMessage(tokens ...string) *Message {
	return &Message{
		Title:     "MediLens Reminder",
		Body:      "Time to take Aspirin (81mg)",
		Data:      map[string]string{"medicineId": "m1", "doseTime": "08:00", "userId": "u1"},
		Tokens:    tokens,
		ClickPath: "/dashboard",
	}
}

func TestFCMSendMulticast(t *testing.T) {
	client := &fakeMulticaster{failures: map[string]error{"tokB": errors.New("requested entity was not found")}}
	sender := NewFCM(client, discard)

	result, err := sender.SendMulticast(context.Background(), reminderMessage("tokA", "tokB"))
	if err != nil {
		t.Fatalf("SendMulticast: %v", err)
	}

	if len(client.calls) != 1 {
		t.Fatalf("calls = %d, want 1", len(client.calls))
	}
	call := client.calls[0]
	if len(call.Tokens) != 2 || call.Tokens[0] != "tokA" || call.Tokens[1] != "tokB" {
		t.Fatalf("tokens = %v", call.Tokens)
	}
	if call.Notification.Title != "MediLens Reminder" || call.Notification.Body != "Time to take Aspirin (81mg)" {
		t.Fatalf("notification = %+v", call.Notification)
	}
	if call.Data["medicineId"] != "m1" || call.Data["doseTime"] != "08:00" || call.Data["userId"] != "u1" {
		t.Fatalf("data = %v", call.Data)
	}
	if call.Webpush == nil || call.Webpush.Notification.Tag != "medication-reminder" || len(call.Webpush.Notification.Actions) != 2 {
		t.Fatalf("webpush = %+v", call.Webpush)
	}
	if call.Webpush.FCMOptions != nil {
		t.Fatalf("relative click path must not become an FCM link: %+v", call.Webpush.FCMOptions)
	}

	if result.SuccessCount != 1 || result.FailureCount != 1 {
		t.Fatalf("result = %d success, %d failure", result.SuccessCount, result.FailureCount)
	}
	if result.Responses[1].Token != "tokB" || result.Responses[1].Success || result.Responses[1].Err == nil {
		t.Fatalf("tokB response = %+v", result.Responses[1])
	}
	if stale := result.StaleTokens(); len(stale) != 0 {
		t.Fatalf("a generic error is not a stale token: %v", stale)
	}
}

func TestFCMAbsoluteLink(t *testing.T) {
	client := &fakeMulticaster{}
	message := reminderMessage("tokA")
	message.ClickPath = "https://medilens.example/dashboard"

	if _, err := NewFCM(client, discard).SendMulticast(context.Background(), message); err != nil {
		t.Fatal(err)
	}
	if opts := client.calls[0].Webpush.FCMOptions; opts == nil || opts.Link != message.ClickPath {
		t.Fatalf("FCMOptions = %+v", opts)
	}
}

func TestFCMChunksLargeBatches(t *testing.T) {
	client := &fakeMulticaster{}

	tokens := make([]string, fcmMaxTokens+1)
	for i := range tokens {
		tokens[i] = fmt.Sprint("tok-", i)
	}

	result, err := NewFCM(client, discard).SendMulticast(context.Background(), reminderMessage(tokens...))
	if err != nil {
		t.Fatal(err)
	}
	if len(client.calls) != 2 || len(client.calls[1].Tokens) != 1 {
		t.Fatalf("calls = %d", len(client.calls))
	}
	if result.SuccessCount != len(tokens) {
		t.Fatalf("SuccessCount = %d, want %d", result.SuccessCount, len(tokens))
	}
}

func TestFCMTransportFailure(t *testing.T) {
	client := &fakeMulticaster{err: errors.New("auth: invalid credentials")}

	if _, err := NewFCM(client, discard).SendMulticast(context.Background(), reminderMessage("tokA")); err == nil {
		t.Fatal("expected an error when the request cannot be made")
	}
	if _, err := NewFCM(client, discard).SendMulticast(context.Background(), reminderMessage()); !errors.Is(err, ErrNoTokens) {
		t.Fatalf("error = %v, want ErrNoTokens", err)
	}
}

func TestFCMLaterChunkFailure(t *testing.T) {
	failure := errors.New("context deadline exceeded")
	client := &fakeMulticaster{err: failure, errFrom: 1}

	tokens := make([]string, fcmMaxTokens+2)
	for i := range tokens {
		tokens[i] = fmt.Sprint("tok-", i)
	}

	result, err := NewFCM(client, discard).SendMulticast(context.Background(), reminderMessage(tokens...))
	if err != nil {
		t.Fatalf("the first chunk was delivered, want a partial result: %v", err)
	}
	if result.SuccessCount != fcmMaxTokens || result.FailureCount != 2 {
		t.Fatalf("result = %d success, %d failure", result.SuccessCount, result.FailureCount)
	}
	if res := result.Responses[len(result.Responses)-1]; res.Token != tokens[len(tokens)-1] || !errors.Is(res.Err, failure) {
		t.Fatalf("last response = %+v", res)
	}
}

func TestFCMMissingResponses(t *testing.T) {
	client := &fakeMulticaster{short: 1}

	result, err := NewFCM(client, discard).SendMulticast(context.Background(), reminderMessage("tokA", "tokB"))
	if err != nil {
		t.Fatal(err)
	}
	if result.SuccessCount != 1 || result.FailureCount != 1 || len(result.Responses) != 2 {
		t.Fatalf("result = %+v", result)
	}
	if res := result.Responses[1]; res.Token != "tokB" || res.Err == nil || res.Unregistered {
		t.Fatalf("tokB response = %+v", res)
	}
}

// fcmAPI serves the FCM v1 send endpoint, answering UNREGISTERED for the
// staleToken and NOT_FOUND without an FCM error code for brokenToken
func fcmAPI(t *testing.T) *FCM {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Message struct {
				Token string `json:"token"`
			} `json:"message"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		switch req.Message.Token {
		case "staleToken":
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `{"error":{"code":404,"message":"Requested entity was not found.","status":"NOT_FOUND","details":[{"@type":"type.googleapis.com/google.firebase.fcm.v1.FcmError","errorCode":"UNREGISTERED"}]}}`)
		case "brokenToken":
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `{"error":{"code":404,"message":"Requested entity was not found.","status":"NOT_FOUND"}}`)
		default:
			fmt.Fprint(w, `{"name":"projects/medilens-test/messages/1"}`)
		}
	}))
	t.Cleanup(srv.Close)

	ctx := context.Background()
	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: "medilens-test"},
		option.WithEndpoint(srv.URL), option.WithoutAuthentication())
	if err != nil {
		t.Fatal(err)
	}

	sender, err := NewFCMFromApp(ctx, app, discard)
	if err != nil {
		t.Fatal(err)
	}

	return sender
}

func TestFCMUnregisteredToken(t *testing.T) {
	sender := fcmAPI(t)

	result, err := sender.SendMulticast(context.Background(), reminderMessage("goodToken", "staleToken", "brokenToken"))
	if err != nil {
		t.Fatalf("SendMulticast: %v", err)
	}
	if result.SuccessCount != 1 || result.FailureCount != 2 {
		t.Fatalf("result = %d success, %d failure", result.SuccessCount, result.FailureCount)
	}
	if stale := result.StaleTokens(); len(stale) != 1 || stale[0] != "staleToken" {
		t.Fatalf("stale = %v", stale)
	}
}

func TestFCMStalePredicate(t *testing.T) {
	if stale(nil) || stale(errors.New("requested entity was not found")) {
		t.Fatal("only FCM error codes mark a token stale")
	}
}

// fakePushover fails the nth request with errs[n]
type fakePushover struct {
	requests int
	errs     []error
}

func (f *fakePushover) SendMessage(message *pushover.Message, recipient *pushover.Recipient) (*pushover.Response, error) {
	n := f.requests
	f.requests++

	if n < len(f.errs) && f.errs[n] != nil {
		return nil, f.errs[n]
	}

	return &pushover.Response{Status: 1, ID: fmt.Sprint("req-", n)}, nil
}

func TestPushoverSendMulticast(t *testing.T) {
	client := &fakePushover{errs: []error{nil, pushover.ErrInvalidRecipientToken}}
	sender := NewPushoverWithClient(client, discard)

	result, err := sender.SendMulticast(context.Background(), reminderMessage("keyA", "keyB"))
	if err != nil {
		t.Fatalf("SendMulticast: %v", err)
	}
	if client.requests != 2 {
		t.Fatalf("requests = %d, want 2", client.requests)
	}
	if result.SuccessCount != 1 || result.FailureCount != 1 {
		t.Fatalf("result = %+v", result)
	}
	if result.Responses[0].MessageID != "req-0" {
		t.Fatalf("message id = %q", result.Responses[0].MessageID)
	}
	if stale := result.StaleTokens(); len(stale) != 1 || stale[0] != "keyB" {
		t.Fatalf("stale = %v", stale)
	}
}

func TestPushoverUnreachable(t *testing.T) {
	failure := errors.New("dial tcp: connection refused")
	client := &fakePushover{errs: []error{failure, failure}}

	_, err := NewPushoverWithClient(client, discard).SendMulticast(context.Background(), reminderMessage("keyA", "keyB"))
	if !errors.Is(err, failure) {
		t.Fatalf("error = %v, want %v", err, failure)
	}

	if _, err := NewPushoverWithClient(client, discard).SendMulticast(context.Background(), reminderMessage()); !errors.Is(err, ErrNoTokens) {
		t.Fatalf("error = %v, want ErrNoTokens", err)
	}
}

const (
	pushoverApp   = "azGDORePK8gMaC0QOYAMyEEuzJnyUi"
	pushoverKeyOK = "uQiRzpo4DXghDmr9QzzfQu27cmVRsG"
	pushoverKeyNo = "gznej3rKEVAvPUxu9vvNnqpmZpokzF"
)

// pushoverAPI answers like the Pushover messages endpoint, rejecting every
// user key except pushoverKeyOK
func pushoverAPI(t *testing.T, handler http.HandlerFunc) {
	t.Helper()

	if handler == nil {
		handler = func(w http.ResponseWriter, r *http.Request) {
			if r.FormValue("user") != pushoverKeyOK {
				w.WriteHeader(http.StatusBadRequest)
				fmt.Fprintln(w, `{"user":"invalid","errors":["user identifier is not a valid user, group, or subscribed user key"],"status":0,"request":"r-bad"}`)
				return
			}

			w.Header().Set("X-Limit-App-Limit", "10000")
			w.Header().Set("X-Limit-App-Remaining", "9999")
			w.Header().Set("X-Limit-App-Reset", "1393653600")
			fmt.Fprintln(w, `{"status":1,"request":"r-ok"}`)
		}
	}

	srv := httptest.NewServer(handler)
	endpoint := pushover.APIEndpoint
	pushover.APIEndpoint = srv.URL
	t.Cleanup(func() {
		pushover.APIEndpoint = endpoint
		srv.Close()
	})
}

func TestPushoverRejectedKey(t *testing.T) {
	pushoverAPI(t, nil)

	result, err := NewPushover(pushoverApp, discard).SendMulticast(context.Background(), reminderMessage(pushoverKeyNo))
	if err != nil {
		t.Fatalf("a rejected user key is not an unreachable API: %v", err)
	}
	if result.SuccessCount != 0 || result.FailureCount != 1 {
		t.Fatalf("result = %+v", result)
	}
	if stale := result.StaleTokens(); len(stale) != 1 || stale[0] != pushoverKeyNo {
		t.Fatalf("stale = %v", stale)
	}
}

func TestPushoverMixedKeys(t *testing.T) {
	pushoverAPI(t, nil)

	result, err := NewPushover(pushoverApp, discard).SendMulticast(context.Background(), reminderMessage(pushoverKeyOK, pushoverKeyNo))
	if err != nil {
		t.Fatal(err)
	}
	if result.SuccessCount != 1 || result.FailureCount != 1 {
		t.Fatalf("result = %+v", result)
	}
	if result.Responses[0].MessageID != "r-ok" {
		t.Fatalf("message id = %q", result.Responses[0].MessageID)
	}
	if stale := result.StaleTokens(); len(stale) != 1 || stale[0] != pushoverKeyNo {
		t.Fatalf("stale = %v", stale)
	}
}

func TestPushoverOtherRejection(t *testing.T) {
	pushoverAPI(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprintln(w, `{"errors":["message cannot be blank"],"status":0,"request":"r-bad"}`)
	})

	result, err := NewPushover(pushoverApp, discard).SendMulticast(context.Background(), reminderMessage(pushoverKeyOK))
	if err != nil {
		t.Fatalf("SendMulticast: %v", err)
	}
	if result.FailureCount != 1 || len(result.StaleTokens()) != 0 {
		t.Fatalf("only an invalid user key marks the key stale: %+v", result)
	}
}

func TestPushoverServerError(t *testing.T) {
	pushoverAPI(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	_, err := NewPushover(pushoverApp, discard).SendMulticast(context.Background(), reminderMessage(pushoverKeyOK, pushoverKeyNo))
	if !errors.Is(err, pushover.ErrHTTPPushover) {
		t.Fatalf("error = %v, want %v", err, pushover.ErrHTTPPushover)
	}
}
