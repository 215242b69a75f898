package db

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/dgraph-io/badger"
)

// Badger db implementation
type Badger struct {
	db       *badger.DB
	logger   *log.Logger
	cancelGC func()
	wg       sync.WaitGroup
}

// NewBadger creates a new badger instance for the given path
func NewBadger(dbPath string, logger *log.Logger) (*Badger, error) {
	db, err := badger.Open(badger.DefaultOptions(dbPath).WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("failed to open badger db at path %s: %w", dbPath, err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	b := &Badger{
		db:       db,
		logger:   logger,
		cancelGC: cancel,
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()

		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				for b.db.RunValueLogGC(0.5) == nil && ctx.Err() == nil {
				}

			case <-ctx.Done():
				return
			}
		}
	}()

	return b, nil
}

// Close the database
func (b *Badger) Close() error {
	b.cancelGC()
	b.wg.Wait()

	return b.db.Close()
}

func medicationKey(userID, medicationID string) []byte {
	return []byte("medication:" + userID + ":" + medicationID)
}

func medicationUserPrefix(userID string) []byte {
	return []byte("medication:" + userID + ":")
}

func dueKey(doseTime, userID, medicationID string) []byte {
	return []byte("due:" + doseTime + ":" + userID + ":" + medicationID)
}

func duePrefix(doseTime string) []byte {
	return []byte("due:" + doseTime + ":")
}

func deviceKey(userID, deviceID string) []byte {
	return []byte("device:" + userID + ":" + deviceID)
}

func deviceUserPrefix(userID string) []byte {
	return []byte("device:" + userID + ":")
}

func deliveryKey(key DeliveryKey) []byte {
	return []byte("delivered:" + key.String())
}

// prefixValues calls fn with the key and value of every item under prefix
func prefixValues(tx *badger.Txn, prefix []byte, fn func(key, val []byte) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix

	it := tx.NewIterator(opts)
	defer it.Close()

	for it.Rewind(); it.Valid(); it.Next() {
		item := it.Item()
		key := item.KeyCopy(nil)

		err := item.Value(func(val []byte) error {
			return fn(key, val)
		})
		if err != nil {
			return err
		}
	}

	return nil
}

func getJSON(tx *badger.Txn, key []byte, v interface{}) error {
	item, err := tx.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return fmt.Errorf("key %s: %w", string(key), ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to get key %s: %w", string(key), err)
	}

	return item.Value(func(val []byte) error {
		if err := json.Unmarshal(val, v); err != nil {
			return fmt.Errorf("failed to unmarshal value for key %s: %w", string(key), err)
		}

		return nil
	})
}

func setJSON(tx *badger.Txn, key []byte, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to JSON marshal value for key %s: %w", string(key), err)
	}

	return tx.Set(key, data)
}

func (b *Badger) skip(key []byte, err error) {
	if b.logger != nil {
		b.logger.Printf("[Badger] skipping malformed record %s: %v", string(key), err)
	}
}

// AddUser to the database
func (b *Badger) AddUser(ctx context.Context, user *User) error {
	if err := validateID("user", user.ID); err != nil {
		return err
	}

	return b.db.Update(func(tx *badger.Txn) error {
		key := user.badgerKey()
		if _, err := tx.Get(key); err == nil {
			return fmt.Errorf("user %s: %w", user.Name, ErrAlreadyExists)
		}

		return setJSON(tx, key, user)
	})
}

// GetUser from the database
func (b *Badger) GetUser(ctx context.Context, username string) (user *User, err error) {
	err = b.db.View(func(tx *badger.Txn) error {
		user = &User{}
		if err := getJSON(tx, badgerKeyForUsername(username), user); err != nil {
			return fmt.Errorf("failed to get user value for username %s: %w", username, err)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return user, nil
}

// ListUsers from the database
func (b *Badger) ListUsers(ctx context.Context) (users []*User, err error) {
	err = b.db.View(func(tx *badger.Txn) error {
		return prefixValues(tx, []byte("user:"), func(key, val []byte) error {
			user := &User{}
			if err := json.Unmarshal(val, user); err != nil {
				return fmt.Errorf("failed to unmarshal user value for user key %s: %w", string(key), err)
			}

			users = append(users, user)
			return nil
		})
	})

	return
}

// PutMedication inserts or replaces a medication and its schedule index entries
func (b *Badger) PutMedication(ctx context.Context, medication *Medication) error {
	if err := validateMedication(medication); err != nil {
		return err
	}

	return b.db.Update(func(tx *badger.Txn) error {
		return b.putMedication(tx, medication)
	})
}

func (b *Badger) putMedication(tx *badger.Txn, medication *Medication) error {
	existing := &Medication{}
	err := getJSON(tx, medicationKey(medication.UserID, medication.ID), existing)
	switch {
	case err == nil:
		if err := deleteDueKeys(tx, existing); err != nil {
			return err
		}
	case !errors.Is(err, ErrNotFound):
		// an undecodable record is overwritten, its index keys are found by scan
		if err := deleteDueKeysByScan(tx, medication.UserID, medication.ID); err != nil {
			return err
		}
	}

	if err := setJSON(tx, medicationKey(medication.UserID, medication.ID), medication); err != nil {
		return err
	}

	if !medication.EnableNotifications {
		return nil
	}

	for _, t := range medication.DistinctScheduleTimes() {
		if err := tx.Set(dueKey(t, medication.UserID, medication.ID), nil); err != nil {
			return err
		}
	}

	return nil
}

func deleteDueKeys(tx *badger.Txn, medication *Medication) error {
	for _, t := range medication.DistinctScheduleTimes() {
		if err := tx.Delete(dueKey(t, medication.UserID, medication.ID)); err != nil {
			return err
		}
	}

	return nil
}

func deleteDueKeysByScan(tx *badger.Txn, userID, medicationID string) error {
	suffix := []byte(":" + userID + ":" + medicationID)

	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte("due:")
	opts.PrefetchValues = false

	it := tx.NewIterator(opts)
	var keys [][]byte
	for it.Rewind(); it.Valid(); it.Next() {
		if key := it.Item().KeyCopy(nil); bytes.HasSuffix(key, suffix) {
			keys = append(keys, key)
		}
	}
	it.Close()

	for _, key := range keys {
		if err := tx.Delete(key); err != nil {
			return err
		}
	}

	return nil
}

// GetMedication from the database
func (b *Badger) GetMedication(ctx context.Context, userID, medicationID string) (medication *Medication, err error) {
	err = b.db.View(func(tx *badger.Txn) error {
		medication = &Medication{}
		return getJSON(tx, medicationKey(userID, medicationID), medication)
	})
	if err != nil {
		return nil, err
	}

	return medication, nil
}

// RemoveMedication from the database
func (b *Badger) RemoveMedication(ctx context.Context, medication *Medication) error {
	return b.db.Update(func(tx *badger.Txn) error {
		if err := deleteDueKeysByScan(tx, medication.UserID, medication.ID); err != nil {
			return err
		}

		return tx.Delete(medicationKey(medication.UserID, medication.ID))
	})
}

// ListMedicationsForUser from the database
func (b *Badger) ListMedicationsForUser(ctx context.Context, userID string) (medications []*Medication, err error) {
	err = b.db.View(func(tx *badger.Txn) error {
		return prefixValues(tx, medicationUserPrefix(userID), func(key, val []byte) error {
			medication := &Medication{}
			if err := json.Unmarshal(val, medication); err != nil {
				return fmt.Errorf("failed to unmarshal medication value for medication key %s: %w", string(key), err)
			}

			medications = append(medications, medication)
			return nil
		})
	})

	return
}

// ListNotifiableMedications scans every user's medications
func (b *Badger) ListNotifiableMedications(ctx context.Context) (medications []*Medication, err error) {
	err = b.db.View(func(tx *badger.Txn) error {
		return prefixValues(tx, []byte("medication:"), func(key, val []byte) error {
			if err := ctx.Err(); err != nil {
				return err
			}

			medication := &Medication{}
			if err := json.Unmarshal(val, medication); err != nil {
				b.skip(key, err)
				return nil
			}

			if medication.EnableNotifications {
				medications = append(medications, medication)
			}

			return nil
		})
	})

	return
}

// ListMedicationsDueAt reads the schedule index for doseTime
func (b *Badger) ListMedicationsDueAt(ctx context.Context, doseTime string) (medications []*Medication, err error) {
	if !ValidDoseTime(doseTime) {
		return nil, fmt.Errorf("%q: %w", doseTime, ErrInvalidDoseTime)
	}

	prefix := duePrefix(doseTime)

	err = b.db.View(func(tx *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false

		it := tx.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}

			key := it.Item().KeyCopy(nil)
			ids := bytes.SplitN(bytes.TrimPrefix(key, prefix), []byte(":"), 2)
			if len(ids) != 2 {
				b.skip(key, ErrInvalidID)
				continue
			}

			medication := &Medication{}
			err := getJSON(tx, medicationKey(string(ids[0]), string(ids[1])), medication)
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err != nil {
				b.skip(key, err)
				continue
			}

			if medication.EnableNotifications {
				medications = append(medications, medication)
			}
		}

		return nil
	})

	return
}

// MarkDoseTaken upserts the taken status for one dose time
func (b *Badger) MarkDoseTaken(ctx context.Context, userID, medicationID, doseTime string, at time.Time) error {
	return b.db.Update(func(tx *badger.Txn) error {
		medication := &Medication{}
		if err := getJSON(tx, medicationKey(userID, medicationID), medication); err != nil {
			return err
		}

		if err := markDose(medication, doseTime, at); err != nil {
			return err
		}

		return setJSON(tx, medicationKey(userID, medicationID), medication)
	})
}

// PutDevice inserts or refreshes a device token
func (b *Badger) PutDevice(ctx context.Context, device *Device) error {
	if err := validateDevice(device); err != nil {
		return err
	}

	return b.db.Update(func(tx *badger.Txn) error {
		existing := &Device{}
		err := getJSON(tx, deviceKey(device.UserID, device.ID), existing)
		if err == nil && !existing.CreatedAt.IsZero() {
			device.CreatedAt = existing.CreatedAt
		}

		return setJSON(tx, deviceKey(device.UserID, device.ID), device)
	})
}

// ListDevicesForUser from the database
func (b *Badger) ListDevicesForUser(ctx context.Context, userID string) (devices []*Device, err error) {
	err = b.db.View(func(tx *badger.Txn) error {
		return prefixValues(tx, deviceUserPrefix(userID), func(key, val []byte) error {
			device := &Device{}
			if err := json.Unmarshal(val, device); err != nil {
				b.skip(key, err)
				return nil
			}

			devices = append(devices, device)
			return nil
		})
	})

	return
}

// RemoveDeviceToken deletes every device of the user registered with token
func (b *Badger) RemoveDeviceToken(ctx context.Context, userID, token string) error {
	return b.db.Update(func(tx *badger.Txn) error {
		var keys [][]byte
		err := prefixValues(tx, deviceUserPrefix(userID), func(key, val []byte) error {
			device := &Device{}
			if err := json.Unmarshal(val, device); err == nil && device.Token == token {
				keys = append(keys, key)
			}

			return nil
		})
		if err != nil {
			return err
		}

		for _, key := range keys {
			if err := tx.Delete(key); err != nil {
				return err
			}
		}

		return nil
	})
}

// MarkDelivered writes a delivery record that expires after DeliveryTTL
func (b *Badger) MarkDelivered(ctx context.Context, key DeliveryKey) (bool, error) {
	first := false
	err := b.db.Update(func(tx *badger.Txn) error {
		k := deliveryKey(key)
		if _, err := tx.Get(k); err == nil {
			return nil
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		first = true
		return tx.SetEntry(badger.NewEntry(k, []byte(time.Now().UTC().Format(time.RFC3339))).WithTTL(DeliveryTTL))
	})
	if errors.Is(err, badger.ErrConflict) {
		// a concurrent transaction wrote the same record
		return false, nil
	}
	if err != nil {
		return false, err
	}

	return first, nil
}

// UnmarkDelivered deletes the delivery record for key
func (b *Badger) UnmarkDelivered(ctx context.Context, key DeliveryKey) error {
	return b.db.Update(func(tx *badger.Txn) error {
		return tx.Delete(deliveryKey(key))
	})
}
