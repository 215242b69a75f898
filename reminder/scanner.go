// Package reminder finds the doses due in the current minute and delivers
// a push notification for each of them to the owner's devices.
package reminder

import (
	"context"
	"fmt"
	"log"
	"time"

	"git.0xdad.com/tblyler/medilens/db"
)

// DayLayout formats the calendar day of a reminder
const DayLayout = "2006-01-02"

// Event is one dose due now. It only lives for one scan and dispatch pass.
type Event struct {
	UserID       string
	MedicationID string
	DoseTime     string
	// Day the dose is due on, in the scanner's location
	Day        string
	Medication *db.Medication
}

// DeliveryKey identifies the event for delivery records
func (e Event) DeliveryKey() db.DeliveryKey {
	return db.DeliveryKey{
		UserID:       e.UserID,
		MedicationID: e.MedicationID,
		DoseTime:     e.DoseTime,
		Day:          e.Day,
	}
}

// MedicationSource is queried across all users for due medications
type MedicationSource interface {
	ListMedicationsDueAt(ctx context.Context, doseTime string) ([]*db.Medication, error)
}

// Scanner turns the current minute into reminder events
type Scanner struct {
	source   MedicationSource
	clock    Clock
	location *time.Location
	logger   *log.Logger

	// SkipTaken drops doses already marked taken today
	SkipTaken bool
}

// NewScanner creates a scanner reading the clock in location
func NewScanner(source MedicationSource, clock Clock, location *time.Location, logger *log.Logger) *Scanner {
	if location == nil {
		location = time.Local
	}

	return &Scanner{
		source:   source,
		clock:    clock,
		location: location,
		logger:   logger,
	}
}

// Scan returns one event per medication with notifications enabled and a
// schedule time equal to the current HH:MM. A query failure fails the scan.
func (s *Scanner) Scan(ctx context.Context) ([]Event, error) {
	now := s.clock.Now().In(s.location)
	doseTime := now.Format(db.DoseTimeLayout)
	day := now.Format(DayLayout)

	medications, err := s.source.ListMedicationsDueAt(ctx, doseTime)
	if err != nil {
		return nil, fmt.Errorf("failed to query medications due at %s: %w", doseTime, err)
	}

	seen := make(map[string]struct{}, len(medications))
	events := make([]Event, 0, len(medications))
	for _, m := range medications {
		// malformed records are skipped without complaint
		if m == nil || m.UserID == "" || m.ID == "" || len(m.ScheduleTimes) == 0 {
			continue
		}

		if !m.EnableNotifications || !m.HasScheduleTime(doseTime) {
			continue
		}

		id := m.UserID + "/" + m.ID
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}

		if s.SkipTaken && m.TakenOn(doseTime, now) {
			s.logger.Printf("[Scanner] %s at %s already taken by user %s, skipping", m.Name, doseTime, m.UserID)
			continue
		}

		events = append(events, Event{
			UserID:       m.UserID,
			MedicationID: m.ID,
			DoseTime:     doseTime,
			Day:          day,
			Medication:   m,
		})
	}

	s.logger.Printf("[Scanner] %d reminders due at %s", len(events), doseTime)
	return events, nil
}
