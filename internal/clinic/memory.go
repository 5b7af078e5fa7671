package clinic

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// ScheduleWindow is one doctor schedule row: a weekday plus a start/end
// time-of-day window in "15:04:05" form.
type ScheduleWindow struct {
	DoctorID   int64
	DoctorName string
	DayOfWeek  string
	StartTime  string
	EndTime    string
}

type appointment struct {
	patientID int64
	doctorID  int64
	at        time.Time
	status    string
}

type queueEntry struct {
	patientID int64
	doctorID  int64
	queuedAt  time.Time
	seen      bool
}

// MemoryGateway is an in-memory Gateway used by tests and local development.
// Semantics match the Postgres implementation, including the deterministic
// slot search.
type MemoryGateway struct {
	mu           sync.Mutex
	schedule     []ScheduleWindow
	patients     map[string]PatientRecord // keyed by phone
	appointments []appointment
	queue        []queueEntry
	catalog      []DiagnosisEntry
}

var _ Gateway = (*MemoryGateway)(nil)

// NewMemoryGateway creates an empty in-memory gateway.
func NewMemoryGateway() *MemoryGateway {
	return &MemoryGateway{
		patients: make(map[string]PatientRecord),
	}
}

// AddScheduleWindow appends one doctor schedule row.
func (g *MemoryGateway) AddScheduleWindow(w ScheduleWindow) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.schedule = append(g.schedule, w)
}

// AddPatient registers a patient fixture.
func (g *MemoryGateway) AddPatient(p PatientRecord) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.patients[p.Phone] = p
}

// AddAppointment inserts a scheduled appointment fixture.
func (g *MemoryGateway) AddAppointment(patientID, doctorID int64, at time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.appointments = append(g.appointments, appointment{
		patientID: patientID,
		doctorID:  doctorID,
		at:        at,
		status:    statusScheduled,
	})
}

// AddQueueEntry inserts a walk-in queue fixture.
func (g *MemoryGateway) AddQueueEntry(patientID, doctorID int64, seen bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.queue = append(g.queue, queueEntry{
		patientID: patientID,
		doctorID:  doctorID,
		queuedAt:  time.Now().UTC(),
		seen:      seen,
	})
}

// SetCatalog replaces the diagnosis/medicines catalog.
func (g *MemoryGateway) SetCatalog(entries []DiagnosisEntry) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.catalog = append([]DiagnosisEntry(nil), entries...)
}

// Appointments returns a copy of all scheduled appointment times for a
// doctor. Test helper.
func (g *MemoryGateway) Appointments(doctorID int64) []time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []time.Time
	for _, a := range g.appointments {
		if a.doctorID == doctorID && a.status == statusScheduled {
			out = append(out, a.at)
		}
	}
	return out
}

func (g *MemoryGateway) LookupDoctorAvailability(_ context.Context, name string, at time.Time) (Availability, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	weekday := at.Weekday().String()
	tod, err := parseClock(at.Format(scheduleClockLayout))
	if err != nil {
		return Availability{}, fmt.Errorf("clinic: parse time of day: %w", err)
	}

	for _, w := range g.schedule {
		if !strings.EqualFold(w.DoctorName, name) || w.DayOfWeek != weekday {
			continue
		}
		start, err := parseClock(w.StartTime)
		if err != nil {
			return Availability{}, fmt.Errorf("clinic: bad schedule start %q: %w", w.StartTime, err)
		}
		end, err := parseClock(w.EndTime)
		if err != nil {
			return Availability{}, fmt.Errorf("clinic: bad schedule end %q: %w", w.EndTime, err)
		}
		if !tod.Before(start) && !tod.After(end) {
			return Availability{Available: true, DoctorID: w.DoctorID}, nil
		}
	}
	return Availability{}, nil
}

func (g *MemoryGateway) LookupPatientByPhone(_ context.Context, phone string) (*PatientRecord, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	p, ok := g.patients[phone]
	if !ok {
		return nil, ErrPatientNotFound
	}
	rec := p
	return &rec, nil
}

func (g *MemoryGateway) HasConfirmedAppointmentToday(_ context.Context, patientID, doctorID int64, now time.Time) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	dayEnd := dayStart.AddDate(0, 0, 1)

	for _, a := range g.appointments {
		if a.patientID == patientID && a.doctorID == doctorID && a.status == statusScheduled &&
			!a.at.Before(dayStart) && a.at.Before(dayEnd) {
			return true, nil
		}
	}
	return false, nil
}

func (g *MemoryGateway) RegisterPatient(_ context.Context, reg Registration) (RegistrationResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if existing, ok := g.patients[reg.Phone]; ok {
		return RegistrationResult{PatientID: existing.ID, AlreadyRegistered: true}, nil
	}

	var maxID int64
	for _, p := range g.patients {
		if p.ID > maxID {
			maxID = p.ID
		}
	}
	rec := PatientRecord{
		ID:      maxID + 1,
		Name:    reg.Name,
		Phone:   reg.Phone,
		Gender:  reg.Gender,
		Age:     reg.Age,
		Address: reg.Address,
	}
	g.patients[reg.Phone] = rec
	return RegistrationResult{PatientID: rec.ID}, nil
}

func (g *MemoryGateway) EstimateWalkInWait(_ context.Context, doctorID int64) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	count := 0
	for _, q := range g.queue {
		if q.doctorID == doctorID && !q.seen {
			count++
		}
	}
	return count * WalkInMinutesPerEntry, nil
}

func (g *MemoryGateway) EnqueueWalkIn(_ context.Context, patientID, doctorID int64, now time.Time) (QueueOutcome, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, q := range g.queue {
		if q.patientID == patientID && q.doctorID == doctorID && !q.seen {
			return QueueOutcome{AlreadyQueued: true}, nil
		}
	}
	g.queue = append(g.queue, queueEntry{
		patientID: patientID,
		doctorID:  doctorID,
		queuedAt:  now,
	})
	return QueueOutcome{}, nil
}

func (g *MemoryGateway) BookNextAvailableSlot(_ context.Context, patientID, doctorID int64, now time.Time) (SlotResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, a := range g.appointments {
		if a.patientID == patientID && a.doctorID == doctorID && a.status == statusScheduled && !a.at.Before(now) {
			return SlotResult{Reason: ReasonAlreadyBooked}, nil
		}
	}

	weekday, date := scheduleDayFor(now)

	var windows []ScheduleWindow
	for _, w := range g.schedule {
		if w.DoctorID == doctorID && w.DayOfWeek == weekday {
			windows = append(windows, w)
		}
	}
	if len(windows) == 0 {
		return SlotResult{Reason: fmt.Sprintf(ReasonNoScheduleFmt, weekday)}, nil
	}

	for _, w := range windows {
		start, err := parseClock(w.StartTime)
		if err != nil {
			return SlotResult{}, fmt.Errorf("clinic: bad schedule start %q: %w", w.StartTime, err)
		}
		end, err := parseClock(w.EndTime)
		if err != nil {
			return SlotResult{}, fmt.Errorf("clinic: bad schedule end %q: %w", w.EndTime, err)
		}
		for _, slot := range slotTimes(date, start, end) {
			if g.slotTakenLocked(doctorID, slot) {
				continue
			}
			g.appointments = append(g.appointments, appointment{
				patientID: patientID,
				doctorID:  doctorID,
				at:        slot,
				status:    statusScheduled,
			})
			return SlotResult{Booked: true, SlotTime: slot}, nil
		}
	}
	return SlotResult{Reason: ReasonAllSlotsTaken}, nil
}

func (g *MemoryGateway) slotTakenLocked(doctorID int64, slot time.Time) bool {
	for _, a := range g.appointments {
		if a.doctorID == doctorID && a.status == statusScheduled && a.at.Equal(slot) {
			return true
		}
	}
	return false
}

func (g *MemoryGateway) DiagnosisCatalog(_ context.Context) ([]DiagnosisEntry, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]DiagnosisEntry(nil), g.catalog...), nil
}
