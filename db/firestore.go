package db

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Firestore collection names, documents live at users/{userId}/medicines/{id}
// and users/{userId}/devices/{id}
const (
	usersCollection      = "users"
	medicinesCollection  = "medicines"
	devicesCollection    = "devices"
	deliveriesCollection = "reminderDeliveries"
)

// Firestore db implementation
type Firestore struct {
	client *firestore.Client
	logger *log.Logger
}

// NewFirestore wraps an initialized firestore client
func NewFirestore(client *firestore.Client, logger *log.Logger) *Firestore {
	return &Firestore{client: client, logger: logger}
}

// Close the client
func (f *Firestore) Close() error {
	return f.client.Close()
}

func (f *Firestore) skip(ref *firestore.DocumentRef, err error) {
	if f.logger != nil {
		f.logger.Printf("[Firestore] skipping malformed document %s: %v", ref.Path, err)
	}
}

func (f *Firestore) user(userID string) *firestore.DocumentRef {
	return f.client.Collection(usersCollection).Doc(userID)
}

func (f *Firestore) medication(userID, medicationID string) *firestore.DocumentRef {
	return f.user(userID).Collection(medicinesCollection).Doc(medicationID)
}

// ownerID recovers the user id from users/{userId}/{collection}/{id}
func ownerID(ref *firestore.DocumentRef) string {
	if ref == nil || ref.Parent == nil || ref.Parent.Parent == nil {
		return ""
	}

	return ref.Parent.Parent.ID
}

func firestoreNotFound(err error) bool {
	return status.Code(err) == codes.NotFound
}

func decodeMedication(doc *firestore.DocumentSnapshot) (*Medication, error) {
	medication := &Medication{}
	if err := doc.DataTo(medication); err != nil {
		return nil, err
	}

	medication.ID = doc.Ref.ID
	medication.UserID = ownerID(doc.Ref)
	if medication.UserID == "" {
		return nil, fmt.Errorf("document has no owning user: %w", ErrInvalidID)
	}

	return medication, nil
}

func (f *Firestore) decodeMedications(iter *firestore.DocumentIterator) ([]*Medication, error) {
	defer iter.Stop()

	var medications []*Medication
	for {
		doc, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			return medications, nil
		}
		if err != nil {
			return nil, err
		}

		medication, err := decodeMedication(doc)
		if err != nil {
			f.skip(doc.Ref, err)
			continue
		}

		medications = append(medications, medication)
	}
}

// AddUser to the database
func (f *Firestore) AddUser(ctx context.Context, user *User) error {
	if err := validateID("user", user.ID); err != nil {
		return err
	}

	existing, err := f.GetUser(ctx, user.Name)
	if err == nil && existing != nil {
		return fmt.Errorf("user %s: %w", user.Name, ErrAlreadyExists)
	}
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}

	_, err = f.user(user.ID).Create(ctx, user)
	if status.Code(err) == codes.AlreadyExists {
		return fmt.Errorf("user %s: %w", user.ID, ErrAlreadyExists)
	}

	return err
}

// GetUser by name
func (f *Firestore) GetUser(ctx context.Context, username string) (*User, error) {
	iter := f.client.Collection(usersCollection).Where("name", "==", username).Limit(1).Documents(ctx)
	defer iter.Stop()

	doc, err := iter.Next()
	if errors.Is(err, iterator.Done) {
		return nil, fmt.Errorf("user %s: %w", username, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query user %s: %w", username, err)
	}

	user := &User{}
	if err := doc.DataTo(user); err != nil {
		return nil, fmt.Errorf("failed to decode user %s: %w", username, err)
	}
	user.ID = doc.Ref.ID

	return user, nil
}

// ListUsers from the database
func (f *Firestore) ListUsers(ctx context.Context) ([]*User, error) {
	docs, err := f.client.Collection(usersCollection).Documents(ctx).GetAll()
	if err != nil {
		return nil, err
	}

	users := make([]*User, 0, len(docs))
	for _, doc := range docs {
		user := &User{}
		if err := doc.DataTo(user); err != nil {
			f.skip(doc.Ref, err)
			continue
		}
		user.ID = doc.Ref.ID

		users = append(users, user)
	}

	return users, nil
}

// PutMedication writes users/{userId}/medicines/{id}
func (f *Firestore) PutMedication(ctx context.Context, medication *Medication) error {
	if err := validateMedication(medication); err != nil {
		return err
	}

	_, err := f.medication(medication.UserID, medication.ID).Set(ctx, medication)
	return err
}

// GetMedication from the database
func (f *Firestore) GetMedication(ctx context.Context, userID, medicationID string) (*Medication, error) {
	doc, err := f.medication(userID, medicationID).Get(ctx)
	if firestoreNotFound(err) {
		return nil, fmt.Errorf("medication %s for user %s: %w", medicationID, userID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	return decodeMedication(doc)
}

// RemoveMedication from the database
func (f *Firestore) RemoveMedication(ctx context.Context, medication *Medication) error {
	_, err := f.medication(medication.UserID, medication.ID).Delete(ctx)
	return err
}

// ListMedicationsForUser from the database
func (f *Firestore) ListMedicationsForUser(ctx context.Context, userID string) ([]*Medication, error) {
	return f.decodeMedications(f.user(userID).Collection(medicinesCollection).Documents(ctx))
}

// ListNotifiableMedications is a collection group query over every user's medicines
func (f *Firestore) ListNotifiableMedications(ctx context.Context) ([]*Medication, error) {
	query := f.client.CollectionGroup(medicinesCollection).
		Where("enableNotifications", "==", true)

	return f.decodeMedications(query.Documents(ctx))
}

// ListMedicationsDueAt narrows the collection group query with array-contains on scheduleTimes.
// That query needs the collection group index in firestore.indexes.json; until it is
// deployed the notifiable medications are filtered in memory instead.
func (f *Firestore) ListMedicationsDueAt(ctx context.Context, doseTime string) ([]*Medication, error) {
	if !ValidDoseTime(doseTime) {
		return nil, fmt.Errorf("%q: %w", doseTime, ErrInvalidDoseTime)
	}

	query := f.client.CollectionGroup(medicinesCollection).
		Where("enableNotifications", "==", true).
		Where("scheduleTimes", "array-contains", doseTime)

	medications, err := f.decodeMedications(query.Documents(ctx))
	return f.dueAtOrFallback(medications, err, doseTime, func() ([]*Medication, error) {
		return f.ListNotifiableMedications(ctx)
	})
}

// dueAtOrFallback runs fallback when the due-at query failed for a missing index
func (f *Firestore) dueAtOrFallback(medications []*Medication, err error, doseTime string, fallback func() ([]*Medication, error)) ([]*Medication, error) {
	if status.Code(err) != codes.FailedPrecondition {
		return medications, err
	}

	if f.logger != nil {
		f.logger.Printf("[Firestore] scheduleTimes index missing, filtering notifiable medications for %s: %v", doseTime, err)
	}
	notifiable, err := fallback()
	if err != nil {
		return nil, err
	}

	var due []*Medication
	for _, m := range notifiable {
		if m.HasScheduleTime(doseTime) {
			due = append(due, m)
		}
	}

	return due, nil
}

// MarkDoseTaken upserts the taken status inside a transaction
func (f *Firestore) MarkDoseTaken(ctx context.Context, userID, medicationID, doseTime string, at time.Time) error {
	ref := f.medication(userID, medicationID)

	return f.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		doc, err := tx.Get(ref)
		if firestoreNotFound(err) {
			return fmt.Errorf("medication %s for user %s: %w", medicationID, userID, ErrNotFound)
		}
		if err != nil {
			return err
		}

		medication, err := decodeMedication(doc)
		if err != nil {
			return err
		}

		if err := markDose(medication, doseTime, at); err != nil {
			return err
		}

		return tx.Update(ref, []firestore.Update{{Path: "doses", Value: medication.Doses}})
	})
}

// PutDevice writes users/{userId}/devices/{id}, keeping createdAt on refresh
func (f *Firestore) PutDevice(ctx context.Context, device *Device) error {
	if err := validateDevice(device); err != nil {
		return err
	}

	ref := f.user(device.UserID).Collection(devicesCollection).Doc(device.ID)

	return f.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		doc, err := tx.Get(ref)
		if err != nil && !firestoreNotFound(err) {
			return err
		}

		if err == nil {
			existing := &Device{}
			if doc.DataTo(existing) == nil && !existing.CreatedAt.IsZero() {
				device.CreatedAt = existing.CreatedAt
			}
		}

		return tx.Set(ref, device)
	})
}

// ListDevicesForUser from the database
func (f *Firestore) ListDevicesForUser(ctx context.Context, userID string) ([]*Device, error) {
	docs, err := f.user(userID).Collection(devicesCollection).Documents(ctx).GetAll()
	if err != nil {
		return nil, err
	}

	devices := make([]*Device, 0, len(docs))
	for _, doc := range docs {
		device := &Device{}
		if err := doc.DataTo(device); err != nil {
			f.skip(doc.Ref, err)
			continue
		}
		device.ID = doc.Ref.ID
		device.UserID = userID

		devices = append(devices, device)
	}

	return devices, nil
}

// RemoveDeviceToken deletes every device of the user registered with token
func (f *Firestore) RemoveDeviceToken(ctx context.Context, userID, token string) error {
	docs, err := f.user(userID).Collection(devicesCollection).Where("token", "==", token).Documents(ctx).GetAll()
	if err != nil {
		return err
	}

	for _, doc := range docs {
		if _, err := doc.Ref.Delete(ctx); err != nil {
			return err
		}
	}

	return nil
}

// MarkDelivered creates reminderDeliveries/{key}, reporting false when it already exists.
// expiresAt is meant for a Firestore TTL policy.
func (f *Firestore) MarkDelivered(ctx context.Context, key DeliveryKey) (bool, error) {
	now := time.Now().UTC()

	_, err := f.client.Collection(deliveriesCollection).Doc(key.String()).Create(ctx, map[string]interface{}{
		"userId":     key.UserID,
		"medicineId": key.MedicationID,
		"doseTime":   key.DoseTime,
		"day":        key.Day,
		"createdAt":  now,
		"expiresAt":  now.Add(DeliveryTTL),
	})
	if status.Code(err) == codes.AlreadyExists {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	return true, nil
}

// UnmarkDelivered deletes reminderDeliveries/{key}, a missing document is not an error
func (f *Firestore) UnmarkDelivered(ctx context.Context, key DeliveryKey) error {
	_, err := f.client.Collection(deliveriesCollection).Doc(key.String()).Delete(ctx)
	return err
}
