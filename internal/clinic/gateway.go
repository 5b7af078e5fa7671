// Package clinic is the narrow gateway over patient/doctor/appointment/queue
// storage consumed by the reception process. It has no knowledge of process
// state; every operation is a single atomic unit of work.
package clinic

import (
	"context"
	"errors"
	"time"
)

// ErrPatientNotFound indicates no patient row matches the lookup.
var ErrPatientNotFound = errors.New("clinic: patient not found")

// Slot-booking outcomes relayed verbatim to the patient. These are normal
// business results, not errors.
const (
	ReasonAlreadyBooked   = "Patient already has a scheduled appointment with this doctor."
	ReasonNoScheduleFmt   = "No schedule found for this doctor on %s day."
	ReasonAllSlotsTaken   = "All 15-minute slots are already booked for this doctor."
	SlotIntervalMinutes   = 15
	WalkInMinutesPerEntry = 15
	AppointmentSlotLayout = "2006-01-02 15:04:05"
	scheduleClockLayout   = "15:04:05"
	statusScheduled       = "scheduled"
)

// Availability reports whether a doctor has a schedule window covering the
// requested instant.
type Availability struct {
	Available bool  `json:"available"`
	DoctorID  int64 `json:"doctor_id,omitempty"`
}

// PatientRecord is a registered patient row.
type PatientRecord struct {
	ID      int64  `json:"patient_id"`
	Name    string `json:"name"`
	Phone   string `json:"phone_number"`
	Gender  string `json:"gender"`
	Age     string `json:"age"`
	Address string `json:"address"`
}

// Registration carries the fields required to register a new patient.
type Registration struct {
	Name    string
	Phone   string
	Gender  string
	Age     string
	Address string
}

// RegistrationResult reports the patient id owning the phone number after a
// registration attempt. Registering an already-known phone is idempotent.
type RegistrationResult struct {
	PatientID         int64
	AlreadyRegistered bool
}

// QueueOutcome reports whether an enqueue created a new unseen entry.
type QueueOutcome struct {
	AlreadyQueued bool
}

// SlotResult is the outcome of a booking attempt. When Booked is false,
// Reason carries the human-readable explanation.
type SlotResult struct {
	Booked   bool      `json:"booked"`
	SlotTime time.Time `json:"slot_time,omitempty"`
	Reason   string    `json:"reason,omitempty"`
}

// DiagnosisEntry is one row of the diagnosis/medicines catalog.
type DiagnosisEntry struct {
	Diagnosis string   `json:"diagnosis"`
	Medicines []string `json:"medicines"`
}

// Gateway is the clinical data contract consumed by the reception process.
type Gateway interface {
	// LookupDoctorAvailability reports true iff a schedule row for the named
	// doctor (case-insensitive) covers at's weekday and time of day.
	LookupDoctorAvailability(ctx context.Context, name string, at time.Time) (Availability, error)

	// LookupPatientByPhone returns the patient owning the phone number, or
	// ErrPatientNotFound.
	LookupPatientByPhone(ctx context.Context, phone string) (*PatientRecord, error)

	// HasConfirmedAppointmentToday reports whether a scheduled appointment
	// exists for the pair within now's calendar day.
	HasConfirmedAppointmentToday(ctx context.Context, patientID, doctorID int64, now time.Time) (bool, error)

	// RegisterPatient allocates the next sequential patient id, or reports
	// the existing id when the phone is already registered.
	RegisterPatient(ctx context.Context, reg Registration) (RegistrationResult, error)

	// EstimateWalkInWait returns 15 minutes per unseen queue entry for the
	// doctor.
	EstimateWalkInWait(ctx context.Context, doctorID int64) (int, error)

	// EnqueueWalkIn adds the patient to the doctor's walk-in queue unless an
	// unseen entry for the pair already exists.
	EnqueueWalkIn(ctx context.Context, patientID, doctorID int64, now time.Time) (QueueOutcome, error)

	// BookNextAvailableSlot runs the deterministic greedy 15-minute slot
	// search. The conflict check is re-verified as part of the insert.
	BookNextAvailableSlot(ctx context.Context, patientID, doctorID int64, now time.Time) (SlotResult, error)

	// DiagnosisCatalog lists the diagnosis/medicines catalog.
	DiagnosisCatalog(ctx context.Context) ([]DiagnosisEntry, error)
}

// scheduleDayFor picks the booking day: today when the current hour is before
// noon, otherwise tomorrow.
func scheduleDayFor(now time.Time) (weekday string, date time.Time) {
	if now.Hour() < 12 {
		return now.Weekday().String(), now
	}
	tomorrow := now.AddDate(0, 0, 1)
	return tomorrow.Weekday().String(), tomorrow
}

// slotTimes walks the 15-minute-aligned candidate slots of one schedule
// window on the given date, in order.
func slotTimes(date time.Time, start, end time.Time) []time.Time {
	windowStart := time.Date(date.Year(), date.Month(), date.Day(),
		start.Hour(), start.Minute(), start.Second(), 0, date.Location())
	windowEnd := time.Date(date.Year(), date.Month(), date.Day(),
		end.Hour(), end.Minute(), end.Second(), 0, date.Location())

	var slots []time.Time
	for slot := windowStart; !slot.Add(SlotIntervalMinutes * time.Minute).After(windowEnd); slot = slot.Add(SlotIntervalMinutes * time.Minute) {
		slots = append(slots, slot)
	}
	return slots
}

func parseClock(s string) (time.Time, error) {
	return time.Parse(scheduleClockLayout, s)
}
