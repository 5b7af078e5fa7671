package clinic

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
)

// db is the subset of pgxpool.Pool used by the gateway; pgxmock satisfies it
// in tests.
type db interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PostgresGateway stores clinical data in the relational database.
type PostgresGateway struct {
	db db
}

var _ Gateway = (*PostgresGateway)(nil)

// NewPostgresGateway initializes a gateway backed by pgx.
func NewPostgresGateway(db db) *PostgresGateway {
	if db == nil {
		panic("clinic: pgx pool required")
	}
	return &PostgresGateway{db: db}
}

func (g *PostgresGateway) LookupDoctorAvailability(ctx context.Context, name string, at time.Time) (Availability, error) {
	query := `
		SELECT doctor_id FROM doctor_schedule
		WHERE LOWER(name) = LOWER($1)
		AND day_of_week = $2
		AND start_time <= $3::time
		AND end_time >= $3::time
		LIMIT 1
	`
	var doctorID int64
	err := g.db.QueryRow(ctx, query, name, at.Weekday().String(), at.Format(scheduleClockLayout)).Scan(&doctorID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Availability{}, nil
		}
		return Availability{}, fmt.Errorf("clinic: availability lookup failed: %w", err)
	}
	return Availability{Available: true, DoctorID: doctorID}, nil
}

func (g *PostgresGateway) LookupPatientByPhone(ctx context.Context, phone string) (*PatientRecord, error) {
	query := `
		SELECT patient_id, name, phone, gender, age, address FROM patients
		WHERE phone = $1
	`
	var rec PatientRecord
	err := g.db.QueryRow(ctx, query, phone).Scan(
		&rec.ID,
		&rec.Name,
		&rec.Phone,
		&rec.Gender,
		&rec.Age,
		&rec.Address,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPatientNotFound
		}
		return nil, fmt.Errorf("clinic: patient lookup failed: %w", err)
	}
	return &rec, nil
}

func (g *PostgresGateway) HasConfirmedAppointmentToday(ctx context.Context, patientID, doctorID int64, now time.Time) (bool, error) {
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	dayEnd := dayStart.AddDate(0, 0, 1)

	query := `
		SELECT EXISTS (
			SELECT 1 FROM appointments
			WHERE patient_id = $1 AND doctor_id = $2
			AND appointment_datetime >= $3 AND appointment_datetime < $4
			AND status = 'scheduled'
		)
	`
	var exists bool
	if err := g.db.QueryRow(ctx, query, patientID, doctorID, dayStart, dayEnd).Scan(&exists); err != nil {
		return false, fmt.Errorf("clinic: appointment check failed: %w", err)
	}
	return exists, nil
}

func (g *PostgresGateway) RegisterPatient(ctx context.Context, reg Registration) (RegistrationResult, error) {
	// The phone unique constraint is the write-time conflict check; the
	// max+1 id allocation can collide under concurrent registrations, so a
	// losing insert is retried.
	const attempts = 3
	for i := 0; i < attempts; i++ {
		insert := `
			INSERT INTO patients (patient_id, name, phone, gender, age, address)
			SELECT COALESCE(MAX(patient_id), 0) + 1, $1, $2, $3, $4, $5 FROM patients
			ON CONFLICT (phone) DO NOTHING
			RETURNING patient_id
		`
		var patientID int64
		err := g.db.QueryRow(ctx, insert, reg.Name, reg.Phone, reg.Gender, reg.Age, reg.Address).Scan(&patientID)
		if err == nil {
			return RegistrationResult{PatientID: patientID}, nil
		}
		if errors.Is(err, pgx.ErrNoRows) {
			// Phone already registered; report the existing id.
			existing, lookupErr := g.LookupPatientByPhone(ctx, reg.Phone)
			if lookupErr != nil {
				return RegistrationResult{}, fmt.Errorf("clinic: lookup after registration conflict failed: %w", lookupErr)
			}
			return RegistrationResult{PatientID: existing.ID, AlreadyRegistered: true}, nil
		}
		if isUniqueViolation(err) {
			continue
		}
		return RegistrationResult{}, fmt.Errorf("clinic: register patient failed: %w", err)
	}
	return RegistrationResult{}, fmt.Errorf("clinic: register patient failed after %d attempts", attempts)
}

func (g *PostgresGateway) EstimateWalkInWait(ctx context.Context, doctorID int64) (int, error) {
	query := `
		SELECT COUNT(*) FROM doctor_queue
		WHERE doctor_id = $1 AND seen = FALSE
	`
	var count int
	if err := g.db.QueryRow(ctx, query, doctorID).Scan(&count); err != nil {
		return 0, fmt.Errorf("clinic: wait estimate failed: %w", err)
	}
	return count * WalkInMinutesPerEntry, nil
}

func (g *PostgresGateway) EnqueueWalkIn(ctx context.Context, patientID, doctorID int64, now time.Time) (QueueOutcome, error) {
	insert := `
		INSERT INTO doctor_queue (patient_id, doctor_id, queued_at, seen)
		SELECT $1, $2, $3, FALSE
		WHERE NOT EXISTS (
			SELECT 1 FROM doctor_queue
			WHERE patient_id = $1 AND doctor_id = $2 AND seen = FALSE
		)
	`
	tag, err := g.db.Exec(ctx, insert, patientID, doctorID, now)
	if err != nil {
		return QueueOutcome{}, fmt.Errorf("clinic: enqueue walk-in failed: %w", err)
	}
	return QueueOutcome{AlreadyQueued: tag.RowsAffected() == 0}, nil
}

func (g *PostgresGateway) BookNextAvailableSlot(ctx context.Context, patientID, doctorID int64, now time.Time) (SlotResult, error) {
	tx, err := g.db.Begin(ctx)
	if err != nil {
		return SlotResult{}, fmt.Errorf("clinic: begin booking tx failed: %w", err)
	}
	defer tx.Rollback(ctx)

	var alreadyBooked bool
	err = tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM appointments
			WHERE patient_id = $1 AND doctor_id = $2
			AND appointment_datetime >= $3 AND status = 'scheduled'
		)
	`, patientID, doctorID, now).Scan(&alreadyBooked)
	if err != nil {
		return SlotResult{}, fmt.Errorf("clinic: future appointment check failed: %w", err)
	}
	if alreadyBooked {
		return SlotResult{Reason: ReasonAlreadyBooked}, nil
	}

	weekday, date := scheduleDayFor(now)

	rows, err := tx.Query(ctx, `
		SELECT start_time, end_time FROM doctor_schedule
		WHERE doctor_id = $1 AND day_of_week = $2
		ORDER BY id
	`, doctorID, weekday)
	if err != nil {
		return SlotResult{}, fmt.Errorf("clinic: schedule fetch failed: %w", err)
	}

	type window struct{ start, end time.Time }
	var windows []window
	for rows.Next() {
		var startT, endT pgtype.Time
		if err := rows.Scan(&startT, &endT); err != nil {
			rows.Close()
			return SlotResult{}, fmt.Errorf("clinic: schedule scan failed: %w", err)
		}
		windows = append(windows, window{start: clockFromMicros(startT.Microseconds), end: clockFromMicros(endT.Microseconds)})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return SlotResult{}, fmt.Errorf("clinic: schedule rows failed: %w", err)
	}

	if len(windows) == 0 {
		return SlotResult{Reason: fmt.Sprintf(ReasonNoScheduleFmt, weekday)}, nil
	}

	for _, w := range windows {
		for _, slot := range slotTimes(date, w.start, w.end) {
			// Re-verify the conflict as part of the insert so two
			// concurrent bookings cannot take the same slot.
			tag, err := tx.Exec(ctx, `
				INSERT INTO appointments (patient_id, doctor_id, appointment_datetime, status)
				SELECT $1, $2, $3, 'scheduled'
				WHERE NOT EXISTS (
					SELECT 1 FROM appointments
					WHERE doctor_id = $2 AND appointment_datetime = $3 AND status = 'scheduled'
				)
			`, patientID, doctorID, slot)
			if err != nil {
				return SlotResult{}, fmt.Errorf("clinic: slot insert failed: %w", err)
			}
			if tag.RowsAffected() == 1 {
				if err := tx.Commit(ctx); err != nil {
					return SlotResult{}, fmt.Errorf("clinic: booking commit failed: %w", err)
				}
				return SlotResult{Booked: true, SlotTime: slot}, nil
			}
		}
	}
	return SlotResult{Reason: ReasonAllSlotsTaken}, nil
}

func (g *PostgresGateway) DiagnosisCatalog(ctx context.Context) ([]DiagnosisEntry, error) {
	rows, err := g.db.Query(ctx, `SELECT diagnosis, medicines FROM diagnosis_medicines`)
	if err != nil {
		return nil, fmt.Errorf("clinic: catalog fetch failed: %w", err)
	}
	defer rows.Close()

	var entries []DiagnosisEntry
	for rows.Next() {
		var diagnosis, medicines string
		if err := rows.Scan(&diagnosis, &medicines); err != nil {
			return nil, fmt.Errorf("clinic: catalog scan failed: %w", err)
		}
		entries = append(entries, DiagnosisEntry{
			Diagnosis: diagnosis,
			Medicines: splitMedicines(medicines),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("clinic: catalog rows failed: %w", err)
	}
	return entries, nil
}

// splitMedicines converts the catalog's comma-separated medicines column
// into a trimmed list.
func splitMedicines(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func clockFromMicros(micros int64) time.Time {
	return time.Time{}.Add(time.Duration(micros) * time.Microsecond)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
