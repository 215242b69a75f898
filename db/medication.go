package db

import (
	"time"
)

// DoseStatus of a single scheduled dose
type DoseStatus string

const (
	// DosePending has not been acknowledged
	DosePending DoseStatus = "pending"
	// DoseTaken was acknowledged by the user
	DoseTaken DoseStatus = "taken"
)

// DoseTimeLayout is the 24-hour HH:MM format used for schedule times
const DoseTimeLayout = "15:04"

// DoseDateLayout is the calendar day a dose record belongs to
const DoseDateLayout = "2006-01-02"

// Dose status for one schedule time on one day. Records written before
// doses were dated have an empty Date.
type Dose struct {
	Time    string     `json:"time" firestore:"time"`
	Date    string     `json:"date,omitempty" firestore:"date,omitempty"`
	Status  DoseStatus `json:"status" firestore:"status"`
	TakenAt *time.Time `json:"takenAt,omitempty" firestore:"takenAt,omitempty"`
}

// Medication information for a user
type Medication struct {
	ID                  string    `json:"id" gorm:"primaryKey" firestore:"-"`
	UserID              string    `json:"userId" gorm:"primaryKey" firestore:"-"`
	Name                string    `json:"name" firestore:"name"`
	Dosage              string    `json:"dosage" firestore:"dosage"`
	ScheduleTimes       []string  `json:"scheduleTimes" gorm:"serializer:json" firestore:"scheduleTimes"`
	EnableNotifications bool      `json:"enableNotifications" gorm:"index" firestore:"enableNotifications"`
	Doses               []Dose    `json:"doses,omitempty" gorm:"serializer:json" firestore:"doses,omitempty"`
	CreatedAt           time.Time `json:"createdAt" firestore:"createdAt"`
}

// ValidDoseTime reports whether s is a 24-hour HH:MM time of day
func ValidDoseTime(s string) bool {
	if len(s) != len(DoseTimeLayout) {
		return false
	}

	_, err := time.Parse(DoseTimeLayout, s)
	return err == nil
}

// HasScheduleTime reports whether doseTime is one of the medication's schedule times
func (m *Medication) HasScheduleTime(doseTime string) bool {
	for _, t := range m.ScheduleTimes {
		if t == doseTime {
			return true
		}
	}

	return false
}

// DistinctScheduleTimes in their original order
func (m *Medication) DistinctScheduleTimes() []string {
	seen := make(map[string]struct{}, len(m.ScheduleTimes))
	times := make([]string, 0, len(m.ScheduleTimes))
	for _, t := range m.ScheduleTimes {
		if _, ok := seen[t]; ok {
			continue
		}

		seen[t] = struct{}{}
		times = append(times, t)
	}

	return times
}

// DoseFor returns the governing dose record for doseTime, or nil.
// When several records share a time the last one wins.
func (m *Medication) DoseFor(doseTime string) *Dose {
	for i := len(m.Doses) - 1; i >= 0; i-- {
		if m.Doses[i].Time == doseTime {
			return &m.Doses[i]
		}
	}

	return nil
}

// DoseOn returns the last record for doseTime on date, or nil. An empty
// date finds undated records.
func (m *Medication) DoseOn(doseTime, date string) *Dose {
	for i := len(m.Doses) - 1; i >= 0; i-- {
		if m.Doses[i].Time == doseTime && m.Doses[i].Date == date {
			return &m.Doses[i]
		}
	}

	return nil
}

// UpsertDose replaces the records for dose.Time on dose.Date with dose,
// appending when none exists. Undated records for the time are replaced
// too, records of other days are kept.
func (m *Medication) UpsertDose(dose Dose) {
	doses := m.Doses[:0:0]
	for _, d := range m.Doses {
		if d.Time != dose.Time || (d.Date != dose.Date && d.Date != "") {
			doses = append(doses, d)
		}
	}

	m.Doses = append(doses, dose)
}

// TakenOn reports whether the dose at doseTime was marked taken on the
// calendar day of day. A record dated that day decides, otherwise an
// undated record counts when its TakenAt falls on the day.
func (m *Medication) TakenOn(doseTime string, day time.Time) bool {
	if dose := m.DoseOn(doseTime, day.Format(DoseDateLayout)); dose != nil {
		return dose.Status == DoseTaken
	}

	dose := m.DoseOn(doseTime, "")
	if dose == nil || dose.Status != DoseTaken {
		return false
	}

	if dose.TakenAt == nil {
		return true
	}

	taken := dose.TakenAt.In(day.Location())
	y1, m1, d1 := taken.Date()
	y2, m2, d2 := day.Date()
	return y1 == y2 && m1 == m2 && d1 == d2
}
