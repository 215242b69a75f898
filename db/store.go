package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrNotFound occurs when a record does not exist
	ErrNotFound = errors.New("record not found")
	// ErrAlreadyExists occurs when inserting a record that exists
	ErrAlreadyExists = errors.New("record already exists")
	// ErrInvalidID occurs when an id is empty or contains the key separator
	ErrInvalidID = errors.New("invalid id")
	// ErrInvalidDoseTime occurs when a time of day is not HH:MM
	ErrInvalidDoseTime = errors.New("invalid dose time")
)

// DeliveryTTL is how long delivery records are kept
const DeliveryTTL = 48 * time.Hour

// DeliveryKey identifies one reminder delivery for one dose on one day
type DeliveryKey struct {
	UserID       string
	MedicationID string
	DoseTime     string
	// Day in YYYY-MM-DD
	Day string
}

func (k DeliveryKey) String() string {
	return strings.Join([]string{k.Day, k.UserID, k.MedicationID, k.DoseTime}, ":")
}

// Store is the medication schedule store and device registry
type Store interface {
	AddUser(ctx context.Context, user *User) error
	GetUser(ctx context.Context, username string) (*User, error)
	ListUsers(ctx context.Context) ([]*User, error)

	PutMedication(ctx context.Context, medication *Medication) error
	GetMedication(ctx context.Context, userID, medicationID string) (*Medication, error)
	RemoveMedication(ctx context.Context, medication *Medication) error
	ListMedicationsForUser(ctx context.Context, userID string) ([]*Medication, error)
	// ListNotifiableMedications across all users with notifications enabled
	ListNotifiableMedications(ctx context.Context) ([]*Medication, error)
	// ListMedicationsDueAt across all users with notifications enabled and doseTime scheduled
	ListMedicationsDueAt(ctx context.Context, doseTime string) ([]*Medication, error)
	// MarkDoseTaken records the dose taken on the calendar day of at in at's location
	MarkDoseTaken(ctx context.Context, userID, medicationID, doseTime string, at time.Time) error

	PutDevice(ctx context.Context, device *Device) error
	ListDevicesForUser(ctx context.Context, userID string) ([]*Device, error)
	RemoveDeviceToken(ctx context.Context, userID, token string) error

	// MarkDelivered records a delivery and reports whether this was the first record for key
	MarkDelivered(ctx context.Context, key DeliveryKey) (bool, error)
	// UnmarkDelivered removes the record for key so a later pass can retry it
	UnmarkDelivered(ctx context.Context, key DeliveryKey) error

	Close() error
}

func validateID(kind, id string) error {
	if id == "" || strings.ContainsAny(id, ":/") {
		return fmt.Errorf("%s id %q: %w", kind, id, ErrInvalidID)
	}

	return nil
}

func validateMedication(medication *Medication) error {
	if err := validateID("user", medication.UserID); err != nil {
		return err
	}

	if err := validateID("medication", medication.ID); err != nil {
		return err
	}

	for _, t := range medication.ScheduleTimes {
		if !ValidDoseTime(t) {
			return fmt.Errorf("medication %s schedule time %q: %w", medication.ID, t, ErrInvalidDoseTime)
		}
	}

	return nil
}

func validateDevice(device *Device) error {
	if err := validateID("user", device.UserID); err != nil {
		return err
	}

	if err := validateID("device", device.ID); err != nil {
		return err
	}

	if device.Token == "" {
		return fmt.Errorf("device %s has no token: %w", device.ID, ErrInvalidID)
	}

	return nil
}

func takenDose(doseTime string, at time.Time) (Dose, error) {
	if !ValidDoseTime(doseTime) {
		return Dose{}, fmt.Errorf("%q: %w", doseTime, ErrInvalidDoseTime)
	}

	// the day is taken in at's location, callers pass the reminder location
	date := at.Format(DoseDateLayout)
	at = at.UTC()
	return Dose{Time: doseTime, Date: date, Status: DoseTaken, TakenAt: &at}, nil
}

func markDose(medication *Medication, doseTime string, at time.Time) error {
	dose, err := takenDose(doseTime, at)
	if err != nil {
		return err
	}

	medication.UpsertDose(dose)
	return nil
}

var (
	_ Store = (*Badger)(nil)
	_ Store = (*SQL)(nil)
	_ Store = (*Firestore)(nil)
)
