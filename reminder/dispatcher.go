package reminder

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"git.0xdad.com/tblyler/medilens/db"
	"git.0xdad.com/tblyler/medilens/push"
	"golang.org/x/sync/errgroup"
)

// ErrMalformedEvent occurs when an event has no medication to describe
var ErrMalformedEvent = errors.New("reminder event has no medication")

// DeviceRegistry resolves and prunes a user's device tokens
type DeviceRegistry interface {
	ListDevicesForUser(ctx context.Context, userID string) ([]*db.Device, error)
	RemoveDeviceToken(ctx context.Context, userID, token string) error
}

// DeliveryLog records deliveries so repeats within a day can be skipped
type DeliveryLog interface {
	MarkDelivered(ctx context.Context, key db.DeliveryKey) (bool, error)
	UnmarkDelivered(ctx context.Context, key db.DeliveryKey) error
}

// AckSigner issues the token a notification click presents to mark its dose taken
type AckSigner interface {
	IssueAckToken(userID, medicationID, doseTime string) (string, error)
}

// Status of one delivery
type Status string

// Delivery statuses
const (
	StatusSent      Status = "sent"
	StatusNoDevices Status = "no_devices"
	StatusDuplicate Status = "duplicate"
	StatusFailed    Status = "failed"
)

// Outcome of delivering one event
type Outcome struct {
	UserID       string   `json:"userId"`
	MedicationID string   `json:"medicineId"`
	DoseTime     string   `json:"doseTime"`
	Status       Status   `json:"status"`
	SuccessCount int      `json:"successCount"`
	FailureCount int      `json:"failureCount"`
	Pruned       []string `json:"pruned,omitempty"`
	Error        string   `json:"error,omitempty"`
	Err          error    `json:"-"`
}

// Report of one dispatch pass
type Report struct {
	Events    int       `json:"events"`
	Sent      int       `json:"sent"`
	NoDevices int       `json:"noDevices"`
	Duplicate int       `json:"duplicate"`
	Failed    int       `json:"failed"`
	Successes int       `json:"successes"`
	Failures  int       `json:"failures"`
	Outcomes  []Outcome `json:"outcomes"`
}

func (r *Report) add(o Outcome) {
	r.Events++
	r.Successes += o.SuccessCount
	r.Failures += o.FailureCount

	switch o.Status {
	case StatusSent:
		r.Sent++
	case StatusNoDevices:
		r.NoDevices++
	case StatusDuplicate:
		r.Duplicate++
	default:
		r.Failed++
	}

	r.Outcomes = append(r.Outcomes, o)
}

// Options for a Dispatcher
type Options struct {
	AppName   string
	ClickPath string
	// Concurrency is the number of events delivered at once, at least 1
	Concurrency int
	// SendTimeout bounds one event's delivery, zero for none
	SendTimeout time.Duration
	// PruneStaleTokens removes tokens the push service reports as unregistered
	PruneStaleTokens bool
}

// Dispatcher delivers reminder events
type Dispatcher struct {
	devices    DeviceRegistry
	sender     push.Sender
	opts       Options
	logger     *log.Logger
	deliveries DeliveryLog
	signer     AckSigner
}

// NewDispatcher sends through sender to the devices in registry
func NewDispatcher(devices DeviceRegistry, sender push.Sender, opts Options, logger *log.Logger) *Dispatcher {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.AppName == "" {
		opts.AppName = "MediLens"
	}

	return &Dispatcher{
		devices: devices,
		sender:  sender,
		opts:    opts,
		logger:  logger,
	}
}

// SetDeliveryLog turns on deduplication against log
func (d *Dispatcher) SetDeliveryLog(deliveries DeliveryLog) {
	d.deliveries = deliveries
}

// SetAckSigner adds an ack token to every notification
func (d *Dispatcher) SetAckSigner(signer AckSigner) {
	d.signer = signer
}

func failed(e Event, err error) Outcome {
	return Outcome{
		UserID:       e.UserID,
		MedicationID: e.MedicationID,
		DoseTime:     e.DoseTime,
		Status:       StatusFailed,
		Error:        err.Error(),
		Err:          err,
	}
}

// Dispatch delivers every event. A failure delivering one event never
// affects the others.
func (d *Dispatcher) Dispatch(ctx context.Context, events []Event) *Report {
	outcomes := make([]Outcome, len(events))

	var g errgroup.Group
	g.SetLimit(d.opts.Concurrency)
	for i := range events {
		g.Go(func() error {
			outcomes[i] = d.deliverRecovered(ctx, events[i])
			return nil
		})
	}
	g.Wait()

	report := &Report{Outcomes: make([]Outcome, 0, len(outcomes))}
	for _, o := range outcomes {
		report.add(o)
	}

	return report
}

func (d *Dispatcher) deliverRecovered(ctx context.Context, e Event) (outcome Outcome) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Printf("[Dispatcher] Panic delivering %s to user %s: %v", e.MedicationID, e.UserID, r)
			outcome = failed(e, fmt.Errorf("panic: %v", r))
		}
	}()

	return d.Deliver(ctx, e)
}

// Message composes the notification for e
func (d *Dispatcher) Message(e Event, tokens []string) *push.Message {
	data := map[string]string{
		"medicineId":   e.MedicationID,
		"doseTime":     e.DoseTime,
		"userId":       e.UserID,
		"click_action": d.opts.ClickPath,
	}

	if d.signer != nil {
		ack, err := d.signer.IssueAckToken(e.UserID, e.MedicationID, e.DoseTime)
		if err != nil {
			// the notification still goes out, it just can't be acknowledged from the click
			d.logger.Printf("[Dispatcher] Failed to issue ack token for %s: %v", e.MedicationID, err)
		} else {
			data["ackToken"] = ack
		}
	}

	return &push.Message{
		Title:     d.opts.AppName + " Reminder",
		Body:      fmt.Sprintf("Time to take %s (%s)", e.Medication.Name, e.Medication.Dosage),
		Data:      data,
		Tokens:    tokens,
		ClickPath: d.opts.ClickPath,
	}
}

// Deliver sends one multicast notification for e to all of the owner's devices
func (d *Dispatcher) Deliver(ctx context.Context, e Event) Outcome {
	if e.Medication == nil {
		return failed(e, ErrMalformedEvent)
	}

	if d.opts.SendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.opts.SendTimeout)
		defer cancel()
	}

	outcome := Outcome{UserID: e.UserID, MedicationID: e.MedicationID, DoseTime: e.DoseTime}

	devices, err := d.devices.ListDevicesForUser(ctx, e.UserID)
	if err != nil {
		d.logger.Printf("[Dispatcher] Error getting device tokens for user %s: %v", e.UserID, err)
		return failed(e, fmt.Errorf("failed to list devices for user %s: %w", e.UserID, err))
	}

	tokens := db.Tokens(devices)
	if len(tokens) == 0 {
		d.logger.Printf("[Dispatcher] No device tokens for user %s, skipping %s", e.UserID, e.Medication.Name)
		outcome.Status = StatusNoDevices
		return outcome
	}

	marked := false
	if d.deliveries != nil {
		first, err := d.deliveries.MarkDelivered(ctx, e.DeliveryKey())
		switch {
		case err != nil:
			d.logger.Printf("[Dispatcher] Failed to record delivery %s, sending anyway: %v", e.DeliveryKey(), err)
		case !first:
			d.logger.Printf("[Dispatcher] Already delivered %s", e.DeliveryKey())
			outcome.Status = StatusDuplicate
			return outcome
		default:
			marked = true
		}
	}

	result, err := d.sender.SendMulticast(ctx, d.Message(e, tokens))
	if err != nil {
		d.logger.Printf("[Dispatcher] Error sending reminder for %s to user %s: %v", e.Medication.Name, e.UserID, err)
		if marked {
			// the send may have timed out, the record still has to go
			if uerr := d.deliveries.UnmarkDelivered(context.WithoutCancel(ctx), e.DeliveryKey()); uerr != nil {
				d.logger.Printf("[Dispatcher] Failed to remove delivery record %s: %v", e.DeliveryKey(), uerr)
			}
		}
		return failed(e, err)
	}

	outcome.Status = StatusSent
	outcome.SuccessCount = result.SuccessCount
	outcome.FailureCount = result.FailureCount
	d.logger.Printf("[Dispatcher] Reminder for %s at %s to user %s: %d success, %d failures",
		e.Medication.Name, e.DoseTime, e.UserID, result.SuccessCount, result.FailureCount)

	if d.opts.PruneStaleTokens {
		for _, token := range result.StaleTokens() {
			if err := d.devices.RemoveDeviceToken(ctx, e.UserID, token); err != nil {
				d.logger.Printf("[Dispatcher] Failed to remove stale token for user %s: %v", e.UserID, err)
				continue
			}

			outcome.Pruned = append(outcome.Pruned, token)
		}

		if len(outcome.Pruned) > 0 {
			d.logger.Printf("[Dispatcher] Removed %d stale tokens for user %s", len(outcome.Pruned), e.UserID)
		}
	}

	return outcome
}
