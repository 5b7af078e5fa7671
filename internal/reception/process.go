package reception

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/clinicops/reception/internal/clinic"
	"github.com/clinicops/reception/internal/document"
)

// run drives one instance from its current step to done. Every transition is
// persisted before the next step executes, so a crash at any point resumes
// exactly where it left off. A canceled run context parks the instance
// without touching its state.
func (h *Host) run(in *instance) {
	defer h.wg.Done()
	ctx := h.runCtx

	for {
		in.mu.Lock()
		step := in.st.Step
		in.mu.Unlock()

		var err error
		switch step {
		case StepCheckDoctor:
			err = h.checkDoctor(ctx, in)
		case StepGetPhone:
			err = h.getPhone(ctx, in)
		case StepLookupPatient:
			err = h.lookupPatient(ctx, in)
		case StepRegisterPatient:
			err = h.registerPatient(ctx, in)
		case StepCheckAppointment:
			err = h.checkAppointment(ctx, in)
		case StepGeneratePrescription:
			err = h.generatePrescription(ctx, in)
		case StepDiagnosisGeneration:
			err = h.generateDiagnosis(ctx, in)
		case StepFinalizePrescription:
			err = h.finalizePrescription(ctx, in)
		case StepCalculateWait:
			err = h.calculateWait(ctx, in)
		case StepMakeDecision:
			err = h.makeDecision(ctx, in)
		case StepAddToQueue:
			err = h.addToQueue(ctx, in)
		case StepBookAppointment:
			err = h.bookAppointment(ctx, in)
		case StepDone:
			h.finish(in)
			return
		default:
			err = fmt.Errorf("reception: unrecognized step %q", step)
		}

		if err != nil {
			if ctx.Err() != nil {
				// Host shutdown; the instance resumes from its persisted
				// step later.
				return
			}
			h.fail(ctx, in, step, err)
		}
	}
}

// finish closes the completion channel and records the terminal outcome.
func (h *Host) finish(in *instance) {
	in.mu.Lock()
	select {
	case <-in.done:
		in.mu.Unlock()
		return
	default:
	}
	close(in.done)
	id := in.st.ID
	result := in.st.Result
	failed := in.failed
	in.mu.Unlock()

	outcome := "completed"
	if failed {
		outcome = "failed"
	}
	h.metrics.ObserveResult(outcome)
	h.logger.Info("reception process finished", "process_id", id, "outcome", outcome, "result", result)
}

// fail records a terminal failure result; a retry-exhausted step never
// silently skips.
func (h *Host) fail(ctx context.Context, in *instance, step Step, err error) {
	h.logger.Error("step failed", "process_id", in.snapshot().ID, "step", step, "error", err)
	in.mu.Lock()
	in.failed = true
	in.mu.Unlock()
	if aerr := h.advance(ctx, in, func(s *State) {
		s.Result = fmt.Sprintf("Reception process failed at step %s: %v", step, err)
		s.Step = StepDone
	}); aerr != nil {
		h.logger.Error("persist failure result", "process_id", in.snapshot().ID, "error", aerr)
	}
}

// advance applies a state mutation and persists the new snapshot. The
// instance lock is held across the store write so Query never reports a
// transition the store has not yet recorded.
func (h *Host) advance(ctx context.Context, in *instance, mutate func(*State)) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	mutate(in.st)
	in.st.UpdatedAt = h.now()

	if err := h.store.SaveState(ctx, in.st.Clone()); err != nil {
		return fmt.Errorf("reception: persist state: %w", err)
	}
	return nil
}

// awaitSignal parks until the signal's state field is set. No polling and no
// deadline; an unsignaled instance stays suspended indefinitely.
func (h *Host) awaitSignal(ctx context.Context, in *instance, signal string, set func(*State) bool) error {
	for {
		in.mu.Lock()
		if set(in.st) {
			in.mu.Unlock()
			return nil
		}
		ch := make(chan struct{})
		in.waiters[signal] = append(in.waiters[signal], ch)
		in.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// pause sleeps for d, cancellable by host shutdown.
func (h *Host) pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Host) checkDoctor(ctx context.Context, in *instance) error {
	st := in.snapshot()
	avail, err := runJournaled(ctx, h, st.ID, "check_doctor", h.queryBudget, func(ctx context.Context) (clinic.Availability, error) {
		return h.gateway.LookupDoctorAvailability(ctx, st.DoctorName, h.now())
	})
	if err != nil {
		return err
	}

	if !avail.Available {
		return h.advance(ctx, in, func(s *State) {
			no := false
			s.DoctorAvailable = &no
			s.Result = fmt.Sprintf("Dr. %s is not available at this time. Please try again later or choose another doctor.", s.DoctorName)
			s.Step = StepDone
		})
	}
	return h.advance(ctx, in, func(s *State) {
		yes := true
		s.DoctorAvailable = &yes
		s.DoctorID = avail.DoctorID
		s.Step = StepGetPhone
	})
}

func (h *Host) getPhone(ctx context.Context, in *instance) error {
	err := h.awaitSignal(ctx, in, SignalPhoneNumber, func(s *State) bool { return s.PhoneNumber != "" })
	if err != nil {
		return err
	}
	return h.advance(ctx, in, func(s *State) { s.Step = StepLookupPatient })
}

// lookupByPhone treats "not found" as a nil record so the outcome can be
// journaled as data.
func (h *Host) lookupByPhone(ctx context.Context, phone string) (*clinic.PatientRecord, error) {
	rec, err := h.gateway.LookupPatientByPhone(ctx, phone)
	if errors.Is(err, clinic.ErrPatientNotFound) {
		return nil, nil
	}
	return rec, err
}

func (h *Host) lookupPatient(ctx context.Context, in *instance) error {
	st := in.snapshot()
	rec, err := runJournaled(ctx, h, st.ID, "lookup_patient", h.queryBudget, func(ctx context.Context) (*clinic.PatientRecord, error) {
		return h.lookupByPhone(ctx, st.PhoneNumber)
	})
	if err != nil {
		return err
	}

	if rec == nil {
		return h.advance(ctx, in, func(s *State) { s.Step = StepRegisterPatient })
	}
	return h.advance(ctx, in, func(s *State) {
		s.PatientInfo = patientInfoFromRecord(rec)
		s.Step = StepCheckAppointment
	})
}

func (h *Host) registerPatient(ctx context.Context, in *instance) error {
	err := h.awaitSignal(ctx, in, SignalPatientInfo, func(s *State) bool { return s.PatientInfo != nil })
	if err != nil {
		return err
	}

	st := in.snapshot()
	_, err = runJournaled(ctx, h, st.ID, "register_patient", h.queryBudget, func(ctx context.Context) (clinic.RegistrationResult, error) {
		return h.gateway.RegisterPatient(ctx, clinic.Registration{
			Name:    st.PatientInfo.Name,
			Phone:   st.PhoneNumber,
			Gender:  st.PatientInfo.Gender,
			Age:     st.PatientInfo.Age,
			Address: st.PatientInfo.Address,
		})
	})
	if err != nil {
		return err
	}

	// Read the row back so the process carries the allocated patient id.
	rec, err := runJournaled(ctx, h, st.ID, "register_patient.verify", h.queryBudget, func(ctx context.Context) (*clinic.PatientRecord, error) {
		return h.lookupByPhone(ctx, st.PhoneNumber)
	})
	if err != nil {
		return err
	}

	if rec == nil {
		return h.advance(ctx, in, func(s *State) {
			s.Result = fmt.Sprintf("Registration failed for phone number %s. Please try again.", s.PhoneNumber)
			s.Step = StepDone
		})
	}
	return h.advance(ctx, in, func(s *State) {
		s.PatientInfo = patientInfoFromRecord(rec)
		s.Step = StepCheckAppointment
	})
}

func (h *Host) checkAppointment(ctx context.Context, in *instance) error {
	st := in.snapshot()
	has, err := runJournaled(ctx, h, st.ID, "check_appointment", h.queryBudget, func(ctx context.Context) (bool, error) {
		return h.gateway.HasConfirmedAppointmentToday(ctx, st.PatientInfo.PatientID, st.DoctorID, h.now())
	})
	if err != nil {
		return err
	}

	next := StepCalculateWait
	if has {
		next = StepGeneratePrescription
	}
	return h.advance(ctx, in, func(s *State) { s.Step = next })
}

func (h *Host) generatePrescription(ctx context.Context, in *instance) error {
	st := in.snapshot()
	art, err := runJournaled(ctx, h, st.ID, "generate_prescription", h.documentBudget, func(ctx context.Context) (document.Artifact, error) {
		return h.docs.RenderDraft(ctx, document.DraftFields{
			Name:    st.PatientInfo.Name,
			Phone:   st.PatientInfo.PhoneNumber,
			Age:     st.PatientInfo.Age,
			Gender:  st.PatientInfo.Gender,
			Address: st.PatientInfo.Address,
		})
	})
	if err != nil {
		return err
	}

	// Persist the draft before the consultation pause so status polls can
	// announce it while the consult is still in progress.
	if err := h.advance(ctx, in, func(s *State) {
		s.Draft = &Draft{ArtifactID: art.ID, URL: art.URL}
	}); err != nil {
		return err
	}

	if err := h.pause(ctx, h.consultDelay); err != nil {
		return err
	}
	return h.advance(ctx, in, func(s *State) { s.Step = StepDiagnosisGeneration })
}

func (h *Host) generateDiagnosis(ctx context.Context, in *instance) error {
	st := in.snapshot()
	entry, err := runJournaled(ctx, h, st.ID, "diagnosis_generation", h.queryBudget, func(ctx context.Context) (clinic.DiagnosisEntry, error) {
		return h.diagnosis.Pick(ctx)
	})
	if err != nil {
		return err
	}

	return h.advance(ctx, in, func(s *State) {
		s.Diagnosis = entry.Diagnosis
		s.Medicines = entry.Medicines
		s.Step = StepFinalizePrescription
	})
}

func (h *Host) finalizePrescription(ctx context.Context, in *instance) error {
	st := in.snapshot()
	url, err := runJournaled(ctx, h, st.ID, "finalize_prescription", h.documentBudget, func(ctx context.Context) (string, error) {
		u, err := h.docs.Finalize(ctx, st.Draft.ArtifactID, st.Diagnosis, st.Medicines)
		if errors.Is(err, document.ErrDraftNotFound) {
			// The draft is gone; retrying cannot bring it back.
			return "", backoff.Permanent(err)
		}
		return u, err
	})
	if err != nil {
		return err
	}

	return h.advance(ctx, in, func(s *State) {
		s.Result = fmt.Sprintf("Consultation completed for %s!\n Final prescription with diagnosis: %s\n Diagnosis: %s",
			s.PatientInfo.Name, url, s.Diagnosis)
		s.Step = StepDone
	})
}

func (h *Host) calculateWait(ctx context.Context, in *instance) error {
	st := in.snapshot()
	mins, err := runJournaled(ctx, h, st.ID, "calculate_wait", h.queryBudget, func(ctx context.Context) (int, error) {
		return h.gateway.EstimateWalkInWait(ctx, st.DoctorID)
	})
	if err != nil {
		return err
	}

	return h.advance(ctx, in, func(s *State) {
		s.WaitTimeMinutes = &mins
		s.Step = StepMakeDecision
	})
}

func (h *Host) makeDecision(ctx context.Context, in *instance) error {
	err := h.awaitSignal(ctx, in, SignalDecision, func(s *State) bool { return s.Decision != "" })
	if err != nil {
		return err
	}

	in.mu.Lock()
	decision := in.st.Decision
	in.mu.Unlock()

	next := StepBookAppointment
	if decision == DecisionContinue {
		next = StepAddToQueue
	}
	return h.advance(ctx, in, func(s *State) { s.Step = next })
}

func (h *Host) addToQueue(ctx context.Context, in *instance) error {
	st := in.snapshot()
	_, err := runJournaled(ctx, h, st.ID, "add_to_queue", h.queryBudget, func(ctx context.Context) (clinic.QueueOutcome, error) {
		return h.gateway.EnqueueWalkIn(ctx, st.PatientInfo.PatientID, st.DoctorID, h.now())
	})
	if err != nil {
		return err
	}

	if err := h.pause(ctx, h.settleDelay); err != nil {
		return err
	}
	return h.advance(ctx, in, func(s *State) { s.Step = StepGeneratePrescription })
}

func (h *Host) bookAppointment(ctx context.Context, in *instance) error {
	st := in.snapshot()
	res, err := runJournaled(ctx, h, st.ID, "book_appointment", h.documentBudget, func(ctx context.Context) (clinic.SlotResult, error) {
		return h.gateway.BookNextAvailableSlot(ctx, st.PatientInfo.PatientID, st.DoctorID, h.now())
	})
	if err != nil {
		return err
	}

	if !res.Booked {
		return h.advance(ctx, in, func(s *State) {
			s.Result = fmt.Sprintf("Booking failed: %s", res.Reason)
			s.Step = StepDone
		})
	}
	return h.advance(ctx, in, func(s *State) {
		s.Result = fmt.Sprintf("Appointment scheduled successfully!\n Patient: %s\n Doctor: Dr. %s\n Appointment time: %s\n Please arrive 15 minutes early.",
			s.PatientInfo.Name, s.DoctorName, res.SlotTime.Format(clinic.AppointmentSlotLayout))
		s.Step = StepDone
	})
}

func patientInfoFromRecord(rec *clinic.PatientRecord) *PatientInfo {
	return &PatientInfo{
		PatientID:   rec.ID,
		Name:        rec.Name,
		PhoneNumber: rec.Phone,
		Gender:      rec.Gender,
		Age:         rec.Age,
		Address:     rec.Address,
	}
}
