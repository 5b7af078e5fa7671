package reception

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/clinicops/reception/internal/clinic"
	"github.com/clinicops/reception/internal/document"
)

// tuesdayMorning falls inside Dr. Smith's Tuesday 09:00-12:00 window.
func tuesdayMorning() time.Time {
	return time.Date(2025, 6, 10, 10, 0, 0, 0, time.UTC)
}

// tuesdayAfternoon is past noon, so book-later targets the next day.
func tuesdayAfternoon() time.Time {
	return time.Date(2025, 6, 10, 13, 30, 0, 0, time.UTC)
}

func seededGateway() *clinic.MemoryGateway {
	g := clinic.NewMemoryGateway()
	g.AddScheduleWindow(clinic.ScheduleWindow{
		DoctorID:   1,
		DoctorName: "Smith",
		DayOfWeek:  "Tuesday",
		StartTime:  "09:00:00",
		EndTime:    "12:00:00",
	})
	g.AddPatient(clinic.PatientRecord{
		ID:      7,
		Name:    "Asha Verma",
		Phone:   "+91 98765 43210",
		Gender:  "female",
		Age:     "34",
		Address: "12 Lake Road",
	})
	g.SetCatalog([]clinic.DiagnosisEntry{
		{Diagnosis: "Seasonal Flu", Medicines: []string{"Paracetamol", "Rest"}},
		{Diagnosis: "Migraine", Medicines: []string{"Sumatriptan"}},
	})
	return g
}

type stubDocs struct {
	mu      sync.Mutex
	renders int
	finals  int
}

func (d *stubDocs) RenderDraft(_ context.Context, _ document.DraftFields) (document.Artifact, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.renders++
	id := fmt.Sprintf("draft-%d", d.renders)
	return document.Artifact{ID: id, URL: "http://clinic.test/static/prescriptions/" + id + ".txt"}, nil
}

func (d *stubDocs) Finalize(_ context.Context, draftID, _ string, _ []string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.finals++
	return "http://clinic.test/static/prescriptions/" + draftID + "_final.txt", nil
}

func (d *stubDocs) renderCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.renders
}

// countingGateway records how many times each operation runs, to prove the
// journal suppresses re-invocation across a resume.
type countingGateway struct {
	clinic.Gateway
	mu    sync.Mutex
	calls map[string]int
}

func newCountingGateway(inner clinic.Gateway) *countingGateway {
	return &countingGateway{Gateway: inner, calls: make(map[string]int)}
}

func (g *countingGateway) bump(op string) {
	g.mu.Lock()
	g.calls[op]++
	g.mu.Unlock()
}

func (g *countingGateway) count(op string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[op]
}

func (g *countingGateway) LookupDoctorAvailability(ctx context.Context, name string, at time.Time) (clinic.Availability, error) {
	g.bump("availability")
	return g.Gateway.LookupDoctorAvailability(ctx, name, at)
}

func (g *countingGateway) LookupPatientByPhone(ctx context.Context, phone string) (*clinic.PatientRecord, error) {
	g.bump("lookup")
	return g.Gateway.LookupPatientByPhone(ctx, phone)
}

func (g *countingGateway) RegisterPatient(ctx context.Context, reg clinic.Registration) (clinic.RegistrationResult, error) {
	g.bump("register")
	return g.Gateway.RegisterPatient(ctx, reg)
}

func newTestHost(t *testing.T, gw clinic.Gateway, store ProcessStore) (*Host, *stubDocs) {
	t.Helper()
	docs := &stubDocs{}
	picker := clinic.NewDiagnosisPicker(gw.(clinic.CatalogSource), clinic.FirstSelector(), nil)
	h := NewHost(gw, docs, picker, store, nil,
		WithClock(tuesdayMorning),
		WithConsultDelay(10*time.Millisecond),
		WithQueueSettleDelay(time.Millisecond),
	)
	t.Cleanup(h.Close)
	return h, docs
}

func awaitStep(t *testing.T, h *Host, id string, want Step) *State {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		st, err := h.Query(context.Background(), id)
		if err != nil {
			t.Fatalf("Query: %v", err)
		}
		if st.Step == want {
			return st
		}
		time.Sleep(2 * time.Millisecond)
	}
	st, _ := h.Query(context.Background(), id)
	t.Fatalf("process never reached step %s (at %s)", want, st.Step)
	return nil
}

func TestReturningPatientWithAppointmentGetsPrescription(t *testing.T) {
	gw := seededGateway()
	gw.AddAppointment(7, 1, tuesdayMorning().Add(time.Hour))
	h, _ := newTestHost(t, gw, NewMemoryStore())
	ctx := context.Background()

	id, err := h.Start(ctx, "Smith")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	awaitStep(t, h, id, StepGetPhone)

	if err := h.Signal(ctx, id, SignalPhoneNumber, "+91 98765 43210"); err != nil {
		t.Fatalf("Signal phone: %v", err)
	}

	result, err := h.AwaitResult(ctx, id, 2*time.Second)
	if err != nil {
		t.Fatalf("AwaitResult: %v", err)
	}
	want := "Consultation completed for Asha Verma!\n Final prescription with diagnosis: http://clinic.test/static/prescriptions/draft-1_final.txt\n Diagnosis: Seasonal Flu"
	if result != want {
		t.Errorf("result = %q\nwant     %q", result, want)
	}
}

func TestNewPatientRegistersQueuesAndConsults(t *testing.T) {
	gw := seededGateway()
	h, _ := newTestHost(t, gw, NewMemoryStore())
	ctx := context.Background()

	id, err := h.Start(ctx, "Smith")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	awaitStep(t, h, id, StepGetPhone)

	if err := h.Signal(ctx, id, SignalPhoneNumber, "+91 11111 22222"); err != nil {
		t.Fatalf("Signal phone: %v", err)
	}
	awaitStep(t, h, id, StepRegisterPatient)

	err = h.Signal(ctx, id, SignalPatientInfo, PatientInfoSignal{
		Name: "Ravi Rao", Gender: "male", Age: "41", Address: "3 Hill St",
	})
	if err != nil {
		t.Fatalf("Signal patient info: %v", err)
	}

	st := awaitStep(t, h, id, StepMakeDecision)
	if st.WaitTimeMinutes == nil || *st.WaitTimeMinutes != 0 {
		t.Errorf("wait time = %v, want 0", st.WaitTimeMinutes)
	}
	if st.PatientInfo == nil || st.PatientInfo.PatientID == 0 {
		t.Errorf("patient id not carried: %+v", st.PatientInfo)
	}

	if err := h.Signal(ctx, id, SignalDecision, DecisionContinue); err != nil {
		t.Fatalf("Signal decision: %v", err)
	}

	result, err := h.AwaitResult(ctx, id, 2*time.Second)
	if err != nil {
		t.Fatalf("AwaitResult: %v", err)
	}
	if !strings.HasPrefix(result, "Consultation completed for Ravi Rao!") {
		t.Errorf("unexpected result %q", result)
	}

	wait, err := gw.EstimateWalkInWait(ctx, 1)
	if err != nil {
		t.Fatalf("EstimateWalkInWait: %v", err)
	}
	if wait != 15 {
		t.Errorf("queue entry not created, wait = %d", wait)
	}
}

func TestBookLaterSchedulesSlot(t *testing.T) {
	gw := seededGateway()
	h, _ := newTestHost(t, gw, NewMemoryStore())
	ctx := context.Background()

	id, err := h.Start(ctx, "Smith")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	awaitStep(t, h, id, StepGetPhone)
	if err := h.Signal(ctx, id, SignalPhoneNumber, "+91 98765 43210"); err != nil {
		t.Fatalf("Signal phone: %v", err)
	}
	awaitStep(t, h, id, StepMakeDecision)
	if err := h.Signal(ctx, id, SignalDecision, DecisionBookLater); err != nil {
		t.Fatalf("Signal decision: %v", err)
	}

	result, err := h.AwaitResult(ctx, id, 2*time.Second)
	if err != nil {
		t.Fatalf("AwaitResult: %v", err)
	}
	want := "Appointment scheduled successfully!\n Patient: Asha Verma\n Doctor: Dr. Smith\n Appointment time: 2025-06-10 09:00:00\n Please arrive 15 minutes early."
	if result != want {
		t.Errorf("result = %q\nwant     %q", result, want)
	}
}

func TestBookLaterWithoutNextDayScheduleFails(t *testing.T) {
	gw := seededGateway()
	// Cover the afternoon clock on Tuesday; leave Wednesday without windows.
	gw.AddScheduleWindow(clinic.ScheduleWindow{
		DoctorID:   1,
		DoctorName: "Smith",
		DayOfWeek:  "Tuesday",
		StartTime:  "13:00:00",
		EndTime:    "17:00:00",
	})

	docs := &stubDocs{}
	picker := clinic.NewDiagnosisPicker(gw, clinic.FirstSelector(), nil)
	h := NewHost(gw, docs, picker, NewMemoryStore(), nil,
		WithClock(tuesdayAfternoon),
		WithConsultDelay(10*time.Millisecond),
		WithQueueSettleDelay(time.Millisecond),
	)
	t.Cleanup(h.Close)
	ctx := context.Background()

	id, err := h.Start(ctx, "Smith")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	awaitStep(t, h, id, StepGetPhone)
	if err := h.Signal(ctx, id, SignalPhoneNumber, "+91 98765 43210"); err != nil {
		t.Fatalf("Signal phone: %v", err)
	}
	awaitStep(t, h, id, StepMakeDecision)
	if err := h.Signal(ctx, id, SignalDecision, DecisionBookLater); err != nil {
		t.Fatalf("Signal decision: %v", err)
	}

	result, err := h.AwaitResult(ctx, id, 2*time.Second)
	if err != nil {
		t.Fatalf("AwaitResult: %v", err)
	}
	want := "Booking failed: No schedule found for this doctor on Wednesday day."
	if result != want {
		t.Errorf("result = %q\nwant     %q", result, want)
	}
	if slots := gw.Appointments(1); len(slots) != 0 {
		t.Errorf("failed booking inserted appointment rows: %v", slots)
	}
}

func TestUnavailableDoctorTerminatesImmediately(t *testing.T) {
	h, _ := newTestHost(t, seededGateway(), NewMemoryStore())
	ctx := context.Background()

	id, err := h.Start(ctx, "Jones")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	result, err := h.AwaitResult(ctx, id, 2*time.Second)
	if err != nil {
		t.Fatalf("AwaitResult: %v", err)
	}
	want := "Dr. Jones is not available at this time. Please try again later or choose another doctor."
	if result != want {
		t.Errorf("result = %q, want %q", result, want)
	}
}

func TestDuplicateSignalsAreIgnored(t *testing.T) {
	gw := seededGateway()
	h, _ := newTestHost(t, gw, NewMemoryStore())
	ctx := context.Background()

	id, err := h.Start(ctx, "Smith")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	awaitStep(t, h, id, StepGetPhone)

	if err := h.Signal(ctx, id, SignalPhoneNumber, "+91 98765 43210"); err != nil {
		t.Fatalf("first phone signal: %v", err)
	}
	// Second write is accepted but must not overwrite the first.
	if err := h.Signal(ctx, id, SignalPhoneNumber, "+91 00000 00000"); err != nil {
		t.Fatalf("duplicate phone signal: %v", err)
	}

	awaitStep(t, h, id, StepMakeDecision)
	if err := h.Signal(ctx, id, SignalDecision, DecisionBookLater); err != nil {
		t.Fatalf("decision: %v", err)
	}
	// A late conflicting decision must not reroute the branch.
	if err := h.Signal(ctx, id, SignalDecision, DecisionContinue); err != nil {
		t.Fatalf("duplicate decision: %v", err)
	}

	result, err := h.AwaitResult(ctx, id, 2*time.Second)
	if err != nil {
		t.Fatalf("AwaitResult: %v", err)
	}
	if !strings.HasPrefix(result, "Appointment scheduled successfully!") {
		t.Errorf("duplicate decision rerouted the branch: %q", result)
	}
}

func TestInvalidSignalsRejected(t *testing.T) {
	h, _ := newTestHost(t, seededGateway(), NewMemoryStore())
	ctx := context.Background()

	id, err := h.Start(ctx, "Smith")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	awaitStep(t, h, id, StepGetPhone)

	if err := h.Signal(ctx, id, SignalDecision, Decision("maybe")); !errors.Is(err, ErrInvalidSignal) {
		t.Errorf("bad decision err = %v, want ErrInvalidSignal", err)
	}
	if err := h.Signal(ctx, id, "no-such-signal", "x"); !errors.Is(err, ErrInvalidSignal) {
		t.Errorf("unknown signal err = %v, want ErrInvalidSignal", err)
	}
	if err := h.Signal(ctx, "reception-missing", SignalPhoneNumber, "+1 555"); !errors.Is(err, ErrUnknownProcess) {
		t.Errorf("unknown process err = %v, want ErrUnknownProcess", err)
	}
}

func TestAwaitResultTimeoutLeavesInstanceLive(t *testing.T) {
	h, _ := newTestHost(t, seededGateway(), NewMemoryStore())
	ctx := context.Background()

	id, err := h.Start(ctx, "Smith")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	awaitStep(t, h, id, StepGetPhone)

	if _, err := h.AwaitResult(ctx, id, 20*time.Millisecond); !errors.Is(err, ErrNotYetComplete) {
		t.Fatalf("err = %v, want ErrNotYetComplete", err)
	}

	// Still live and still signalable.
	if _, err := h.Query(ctx, id); err != nil {
		t.Fatalf("Query after timeout: %v", err)
	}
	if err := h.Signal(ctx, id, SignalPhoneNumber, "+91 98765 43210"); err != nil {
		t.Fatalf("Signal after timeout: %v", err)
	}
}

func TestResultRetrievalEvictsInstance(t *testing.T) {
	store := NewMemoryStore()
	h, _ := newTestHost(t, seededGateway(), store)
	ctx := context.Background()

	id, err := h.Start(ctx, "Jones")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := h.AwaitResult(ctx, id, 2*time.Second); err != nil {
		t.Fatalf("AwaitResult: %v", err)
	}

	if _, err := h.Query(ctx, id); !errors.Is(err, ErrUnknownProcess) {
		t.Errorf("Query after eviction err = %v, want ErrUnknownProcess", err)
	}
	if _, err := h.AwaitResult(ctx, id, time.Millisecond); !errors.Is(err, ErrUnknownProcess) {
		t.Errorf("second AwaitResult err = %v, want ErrUnknownProcess", err)
	}
	if _, err := store.LoadState(ctx, id); !errors.Is(err, ErrStateNotFound) {
		t.Errorf("state survived eviction: err = %v", err)
	}
}

func TestResumeRestartsAtRecordedStepWithoutReinvoking(t *testing.T) {
	store := NewMemoryStore()
	gw := newCountingGateway(seededGateway())
	ctx := context.Background()

	docs := &stubDocs{}
	picker := clinic.NewDiagnosisPicker(gw.Gateway.(clinic.CatalogSource), clinic.FirstSelector(), nil)
	h1 := NewHost(gw, docs, picker, store, nil,
		WithClock(tuesdayMorning),
		WithConsultDelay(10*time.Millisecond),
		WithQueueSettleDelay(time.Millisecond),
	)

	id, err := h1.Start(ctx, "Smith")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	awaitStep(t, h1, id, StepGetPhone)

	// Simulate a crash while suspended: state is persisted, host goes away.
	h1.Close()

	h2 := NewHost(gw, docs, picker, store, nil,
		WithClock(tuesdayMorning),
		WithConsultDelay(10*time.Millisecond),
		WithQueueSettleDelay(time.Millisecond),
	)
	t.Cleanup(h2.Close)

	resumed, err := h2.Resume(ctx)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if resumed != 1 {
		t.Fatalf("resumed = %d, want 1", resumed)
	}

	st, err := h2.Query(ctx, id)
	if err != nil {
		t.Fatalf("Query after resume: %v", err)
	}
	if st.Step != StepGetPhone {
		t.Fatalf("resumed at step %s, want %s", st.Step, StepGetPhone)
	}

	if err := h2.Signal(ctx, id, SignalPhoneNumber, "+91 98765 43210"); err != nil {
		t.Fatalf("Signal after resume: %v", err)
	}
	awaitStep(t, h2, id, StepMakeDecision)
	if err := h2.Signal(ctx, id, SignalDecision, DecisionContinue); err != nil {
		t.Fatalf("decision: %v", err)
	}
	if _, err := h2.AwaitResult(ctx, id, 2*time.Second); err != nil {
		t.Fatalf("AwaitResult: %v", err)
	}

	// The availability check completed before the crash; its journal entry
	// must have suppressed a second invocation.
	if got := gw.count("availability"); got != 1 {
		t.Errorf("availability invoked %d times, want 1", got)
	}
	if got := docs.renderCount(); got != 1 {
		t.Errorf("draft rendered %d times, want 1", got)
	}
}

func TestResumeRegistersTerminalInstanceForRetrieval(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	h1, _ := newTestHost(t, seededGateway(), store)
	id, err := h1.Start(ctx, "Jones")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	awaitStep(t, h1, id, StepDone)
	h1.Close()

	h2, _ := newTestHost(t, seededGateway(), store)
	if _, err := h2.Resume(ctx); err != nil {
		t.Fatalf("Resume: %v", err)
	}

	result, err := h2.AwaitResult(ctx, id, time.Second)
	if err != nil {
		t.Fatalf("AwaitResult after resume: %v", err)
	}
	if !strings.Contains(result, "Dr. Jones is not available") {
		t.Errorf("unexpected result %q", result)
	}
}

func TestJanitorEvictsOnlyExpiredUnobservedTerminals(t *testing.T) {
	store := NewMemoryStore()
	h, _ := newTestHost(t, seededGateway(), store)
	ctx := context.Background()

	terminal, err := h.Start(ctx, "Jones")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	awaitStep(t, h, terminal, StepDone)

	suspended, err := h.Start(ctx, "Smith")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	awaitStep(t, h, suspended, StepGetPhone)

	// Within retention: nothing happens.
	h.sweepExpired(ctx)
	if _, err := h.Query(ctx, terminal); err != nil {
		t.Fatalf("terminal evicted inside retention window: %v", err)
	}

	h.retention = -time.Second
	h.sweepExpired(ctx)

	if _, err := h.Query(ctx, terminal); !errors.Is(err, ErrUnknownProcess) {
		t.Errorf("expired terminal not evicted: %v", err)
	}
	// Suspended instances are never expired.
	if _, err := h.Query(ctx, suspended); err != nil {
		t.Errorf("suspended instance evicted: %v", err)
	}
}

func TestStartRequiresDoctorName(t *testing.T) {
	h, _ := newTestHost(t, seededGateway(), NewMemoryStore())
	if _, err := h.Start(context.Background(), "  "); err == nil {
		t.Fatal("Start accepted a blank doctor name")
	}
}

// unreachableGateway fails every availability lookup, exercising the backoff
// loop until its budget runs out.
type unreachableGateway struct {
	clinic.Gateway
	mu       sync.Mutex
	attempts int
}

func (g *unreachableGateway) LookupDoctorAvailability(context.Context, string, time.Time) (clinic.Availability, error) {
	g.mu.Lock()
	g.attempts++
	g.mu.Unlock()
	return clinic.Availability{}, errors.New("clinic database unreachable")
}

func (g *unreachableGateway) tries() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.attempts
}

func TestExhaustedRetriesFailTheProcess(t *testing.T) {
	gw := &unreachableGateway{Gateway: seededGateway()}
	h, _ := newTestHost(t, gw, NewMemoryStore())
	h.queryBudget = 50 * time.Millisecond
	ctx := context.Background()

	id, err := h.Start(ctx, "Smith")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	result, err := h.AwaitResult(ctx, id, 2*time.Second)
	if err != nil {
		t.Fatalf("AwaitResult: %v", err)
	}
	want := "Reception process failed at step check_doctor: reception: step check_doctor exhausted retries: clinic database unreachable"
	if result != want {
		t.Errorf("result = %q\nwant     %q", result, want)
	}
	if got := gw.tries(); got < 2 {
		t.Errorf("availability attempted %d times, want at least one retry", got)
	}
}

// gatedStore blocks the first get_phone persist until released, and records
// when that write actually landed.
type gatedStore struct {
	*MemoryStore
	entered   chan struct{}
	release   chan struct{}
	gateOnce  sync.Once
	mu        sync.Mutex
	persisted bool
}

func (s *gatedStore) SaveState(ctx context.Context, st *State) error {
	gated := st.Step == StepGetPhone
	if gated {
		s.gateOnce.Do(func() {
			close(s.entered)
			<-s.release
		})
	}
	err := s.MemoryStore.SaveState(ctx, st)
	if err == nil && gated {
		s.mu.Lock()
		s.persisted = true
		s.mu.Unlock()
	}
	return err
}

func (s *gatedStore) wasPersisted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persisted
}

func TestQueryWaitsForInFlightPersist(t *testing.T) {
	store := &gatedStore{
		MemoryStore: NewMemoryStore(),
		entered:     make(chan struct{}),
		release:     make(chan struct{}),
	}
	h, _ := newTestHost(t, seededGateway(), store)
	ctx := context.Background()

	releaseOnce := sync.OnceFunc(func() { close(store.release) })
	defer releaseOnce()

	id, err := h.Start(ctx, "Smith")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-store.entered // the get_phone transition is mid-write

	type view struct {
		step      Step
		persisted bool
	}
	got := make(chan view, 1)
	go func() {
		st, qerr := h.Query(ctx, id)
		if qerr != nil {
			got <- view{}
			return
		}
		got <- view{step: st.Step, persisted: store.wasPersisted()}
	}()

	select {
	case v := <-got:
		t.Fatalf("query returned step %s while the write was still in flight", v.step)
	case <-time.After(50 * time.Millisecond):
	}

	releaseOnce()
	v := <-got
	if v.step != StepGetPhone {
		t.Fatalf("step after release = %s, want %s", v.step, StepGetPhone)
	}
	if !v.persisted {
		t.Error("query observed a transition before the store had recorded it")
	}
}
