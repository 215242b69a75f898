package db

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

// medicationSlot indexes enabled medications by schedule time
type medicationSlot struct {
	UserID       string `gorm:"primaryKey"`
	MedicationID string `gorm:"primaryKey"`
	DoseTime     string `gorm:"primaryKey;index"`
}

func (medicationSlot) TableName() string {
	return "medication_slots"
}

type delivery struct {
	Key       string    `gorm:"primaryKey"`
	CreatedAt time.Time `gorm:"index"`
}

func (delivery) TableName() string {
	return "deliveries"
}

// SQL db implementation backed by gorm
type SQL struct {
	db     *gorm.DB
	logger *log.Logger
}

// NewSQL connects to PostgreSQL when databaseURL is set, otherwise to SQLite at sqlitePath
func NewSQL(databaseURL, sqlitePath string, logger *log.Logger) (*SQL, error) {
	if databaseURL != "" {
		return OpenSQL(postgres.Open(databaseURL), logger)
	}

	return OpenSQL(sqlite.Open(sqlitePath), logger)
}

// OpenSQL opens the dialector and migrates the schema
func OpenSQL(dialector gorm.Dialector, logger *log.Logger) (*SQL, error) {
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Warn),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", dialector.Name(), err)
	}

	if err := db.AutoMigrate(&User{}, &Medication{}, &medicationSlot{}, &Device{}, &delivery{}); err != nil {
		return nil, fmt.Errorf("failed to migrate %s database: %w", dialector.Name(), err)
	}

	if logger != nil {
		logger.Printf("[SQL] connected via %s", strings.ToLower(db.Dialector.Name()))
	}

	return &SQL{db: db, logger: logger}, nil
}

// Close the database
func (s *SQL) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}

	return sqlDB.Close()
}

func notFound(err error, format string, args ...interface{}) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf(format+": %w", append(args, ErrNotFound)...)
	}

	return fmt.Errorf(format+": %w", append(args, err)...)
}

// AddUser to the database
func (s *SQL) AddUser(ctx context.Context, user *User) error {
	if err := validateID("user", user.ID); err != nil {
		return err
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&User{}).Where("id = ? OR name = ?", user.ID, user.Name).Count(&count).Error; err != nil {
			return err
		}

		if count > 0 {
			return fmt.Errorf("user %s: %w", user.Name, ErrAlreadyExists)
		}

		err := tx.Create(user).Error
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return fmt.Errorf("user %s: %w", user.Name, ErrAlreadyExists)
		}

		return err
	})
}

// GetUser from the database
func (s *SQL) GetUser(ctx context.Context, username string) (*User, error) {
	user := &User{}
	if err := s.db.WithContext(ctx).Where("name = ?", username).First(user).Error; err != nil {
		return nil, notFound(err, "failed to get user %s", username)
	}

	return user, nil
}

// ListUsers from the database
func (s *SQL) ListUsers(ctx context.Context) ([]*User, error) {
	var users []*User
	if err := s.db.WithContext(ctx).Order("name ASC").Find(&users).Error; err != nil {
		return nil, err
	}

	return users, nil
}

// PutMedication upserts a medication and rewrites its schedule slots
func (s *SQL) PutMedication(ctx context.Context, medication *Medication) error {
	if err := validateMedication(medication); err != nil {
		return err
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(medication).Error; err != nil {
			return fmt.Errorf("failed to save medication %s: %w", medication.ID, err)
		}

		if err := tx.Where("user_id = ? AND medication_id = ?", medication.UserID, medication.ID).
			Delete(&medicationSlot{}).Error; err != nil {
			return err
		}

		if !medication.EnableNotifications {
			return nil
		}

		times := medication.DistinctScheduleTimes()
		if len(times) == 0 {
			return nil
		}

		slots := make([]medicationSlot, 0, len(times))
		for _, t := range times {
			slots = append(slots, medicationSlot{UserID: medication.UserID, MedicationID: medication.ID, DoseTime: t})
		}

		return tx.Create(&slots).Error
	})
}

// GetMedication from the database
func (s *SQL) GetMedication(ctx context.Context, userID, medicationID string) (*Medication, error) {
	medication := &Medication{}
	err := s.db.WithContext(ctx).Where("user_id = ? AND id = ?", userID, medicationID).First(medication).Error
	if err != nil {
		return nil, notFound(err, "failed to get medication %s for user %s", medicationID, userID)
	}

	return medication, nil
}

// RemoveMedication from the database
func (s *SQL) RemoveMedication(ctx context.Context, medication *Medication) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("user_id = ? AND medication_id = ?", medication.UserID, medication.ID).
			Delete(&medicationSlot{}).Error; err != nil {
			return err
		}

		return tx.Where("user_id = ? AND id = ?", medication.UserID, medication.ID).Delete(&Medication{}).Error
	})
}

// ListMedicationsForUser from the database
func (s *SQL) ListMedicationsForUser(ctx context.Context, userID string) ([]*Medication, error) {
	var medications []*Medication
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Order("created_at ASC").Find(&medications).Error; err != nil {
		return nil, err
	}

	return medications, nil
}

// ListNotifiableMedications across all users
func (s *SQL) ListNotifiableMedications(ctx context.Context) ([]*Medication, error) {
	var medications []*Medication
	if err := s.db.WithContext(ctx).Where("enable_notifications = ?", true).Find(&medications).Error; err != nil {
		return nil, err
	}

	return medications, nil
}

// ListMedicationsDueAt joins the schedule slots for doseTime
func (s *SQL) ListMedicationsDueAt(ctx context.Context, doseTime string) ([]*Medication, error) {
	if !ValidDoseTime(doseTime) {
		return nil, fmt.Errorf("%q: %w", doseTime, ErrInvalidDoseTime)
	}

	var medications []*Medication
	err := s.db.WithContext(ctx).
		Joins("JOIN medication_slots ON medication_slots.user_id = medications.user_id AND medication_slots.medication_id = medications.id").
		Where("medication_slots.dose_time = ? AND medications.enable_notifications = ?", doseTime, true).
		Find(&medications).Error
	if err != nil {
		return nil, err
	}

	return medications, nil
}

// MarkDoseTaken upserts the taken status for one dose time
func (s *SQL) MarkDoseTaken(ctx context.Context, userID, medicationID, doseTime string, at time.Time) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		medication := &Medication{}
		if err := tx.Where("user_id = ? AND id = ?", userID, medicationID).First(medication).Error; err != nil {
			return notFound(err, "failed to get medication %s for user %s", medicationID, userID)
		}

		if err := markDose(medication, doseTime, at); err != nil {
			return err
		}

		return tx.Model(medication).Select("Doses").Updates(medication).Error
	})
}

// PutDevice inserts or refreshes a device token (atomic upsert)
func (s *SQL) PutDevice(ctx context.Context, device *Device) error {
	if err := validateDevice(device); err != nil {
		return err
	}

	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}, {Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"token", "platform", "last_updated"}),
	}).Create(device).Error
}

// ListDevicesForUser from the database
func (s *SQL) ListDevicesForUser(ctx context.Context, userID string) ([]*Device, error) {
	var devices []*Device
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Find(&devices).Error; err != nil {
		return nil, err
	}

	return devices, nil
}

// RemoveDeviceToken deletes every device of the user registered with token
func (s *SQL) RemoveDeviceToken(ctx context.Context, userID, token string) error {
	return s.db.WithContext(ctx).Where("user_id = ? AND token = ?", userID, token).Delete(&Device{}).Error
}

// MarkDelivered inserts a delivery record, expiring records older than DeliveryTTL
func (s *SQL) MarkDelivered(ctx context.Context, key DeliveryKey) (bool, error) {
	now := time.Now().UTC()
	db := s.db.WithContext(ctx)

	if err := db.Where("created_at < ?", now.Add(-DeliveryTTL)).Delete(&delivery{}).Error; err != nil {
		return false, err
	}

	result := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&delivery{Key: key.String(), CreatedAt: now})
	if result.Error != nil {
		return false, result.Error
	}

	return result.RowsAffected == 1, nil
}

// UnmarkDelivered deletes the delivery record for key
func (s *SQL) UnmarkDelivered(ctx context.Context, key DeliveryKey) error {
	return s.db.WithContext(ctx).Delete(&delivery{Key: key.String()}).Error
}
