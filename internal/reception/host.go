package reception

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clinicops/reception/internal/clinic"
	"github.com/clinicops/reception/internal/document"
	"github.com/clinicops/reception/internal/observability/metrics"
	"github.com/clinicops/reception/pkg/logging"
)

const (
	processIDPrefix = "reception-"

	defaultConsultDelay = 8 * time.Second
	defaultSettleDelay  = 1 * time.Second
	defaultRetention    = 24 * time.Hour

	janitorInterval = time.Minute
)

// DiagnosisSource yields a diagnosis and medicines for a consultation.
// *clinic.DiagnosisPicker satisfies it.
type DiagnosisSource interface {
	Pick(ctx context.Context) (clinic.DiagnosisEntry, error)
}

// instance is one live process: its latest state, the channels of goroutines
// parked waiting for signals, and the completion channel.
type instance struct {
	mu       sync.Mutex
	st       *State
	waiters  map[string][]chan struct{}
	done     chan struct{}
	observed bool
	failed   bool
}

func newInstance(st *State) *instance {
	return &instance{
		st:      st,
		waiters: make(map[string][]chan struct{}),
		done:    make(chan struct{}),
	}
}

func (in *instance) snapshot() *State {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.st.Clone()
}

// takeWaiters removes and returns the parked channels for a signal.
// Caller must hold in.mu.
func (in *instance) takeWaiters(signal string) []chan struct{} {
	chs := in.waiters[signal]
	delete(in.waiters, signal)
	return chs
}

// Host owns the registry of live process instances and drives their run
// loops. It is the only way in or out of a process: starting, signaling,
// querying, awaiting results, resuming after restart.
type Host struct {
	gateway   clinic.Gateway
	docs      document.Service
	diagnosis DiagnosisSource
	store     ProcessStore
	logger    *logging.Logger
	metrics   *metrics.ReceptionMetrics

	consultDelay   time.Duration
	settleDelay    time.Duration
	retention      time.Duration
	queryBudget    time.Duration
	documentBudget time.Duration
	now            func() time.Time

	mu     sync.Mutex
	procs  map[string]*instance
	closed bool

	runCtx    context.Context
	cancelRun context.CancelFunc
	wg        sync.WaitGroup
}

// HostOption customizes a Host.
type HostOption func(*Host)

// WithConsultDelay overrides the simulated consultation pause.
func WithConsultDelay(d time.Duration) HostOption {
	return func(h *Host) { h.consultDelay = d }
}

// WithQueueSettleDelay overrides the pause after a walk-in enqueue.
func WithQueueSettleDelay(d time.Duration) HostOption {
	return func(h *Host) { h.settleDelay = d }
}

// WithRetention overrides how long unobserved terminal instances are kept
// before the janitor evicts them.
func WithRetention(d time.Duration) HostOption {
	return func(h *Host) {
		if d > 0 {
			h.retention = d
		}
	}
}

// WithClock injects the time source.
func WithClock(now func() time.Time) HostOption {
	return func(h *Host) {
		if now != nil {
			h.now = now
		}
	}
}

// WithMetrics attaches reception metrics.
func WithMetrics(m *metrics.ReceptionMetrics) HostOption {
	return func(h *Host) { h.metrics = m }
}

// NewHost builds a Host. The janitor goroutine starts immediately; call
// Close to stop it and every run loop.
func NewHost(gateway clinic.Gateway, docs document.Service, diagnosis DiagnosisSource, store ProcessStore, logger *logging.Logger, opts ...HostOption) *Host {
	if gateway == nil {
		panic("reception: gateway cannot be nil")
	}
	if docs == nil {
		panic("reception: document service cannot be nil")
	}
	if diagnosis == nil {
		panic("reception: diagnosis source cannot be nil")
	}
	if store == nil {
		panic("reception: process store cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}

	runCtx, cancel := context.WithCancel(context.Background())
	h := &Host{
		gateway:        gateway,
		docs:           docs,
		diagnosis:      diagnosis,
		store:          store,
		logger:         logger,
		consultDelay:   defaultConsultDelay,
		settleDelay:    defaultSettleDelay,
		retention:      defaultRetention,
		queryBudget:    defaultQueryBudget,
		documentBudget: defaultDocumentBudget,
		now:            func() time.Time { return time.Now().UTC() },
		procs:          make(map[string]*instance),
		runCtx:         runCtx,
		cancelRun:      cancel,
	}
	for _, opt := range opts {
		opt(h)
	}

	h.wg.Add(1)
	go h.janitor()
	return h
}

// Start launches a new reception process for the named doctor and returns
// its id.
func (h *Host) Start(ctx context.Context, doctorName string) (string, error) {
	doctorName = strings.TrimSpace(doctorName)
	if doctorName == "" {
		return "", errors.New("reception: doctor name required")
	}

	id := processIDPrefix + uuid.NewString()
	st := NewState(id, doctorName, h.now())
	if err := h.store.SaveState(ctx, st); err != nil {
		return "", fmt.Errorf("reception: persist initial state: %w", err)
	}

	in := newInstance(st)
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return "", ErrHostClosed
	}
	h.procs[id] = in
	h.wg.Add(1)
	h.mu.Unlock()

	h.metrics.ObserveStart()
	h.logger.Info("reception process started", "process_id", id, "doctor", doctorName)

	go h.run(in)
	return id, nil
}

// Signal delivers a named signal to a live process. Signal fields are
// set-once: the first write wins, and a duplicate is accepted but ignored.
func (h *Host) Signal(ctx context.Context, id, name string, payload any) error {
	in, ok := h.lookup(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProcess, id)
	}

	in.mu.Lock()
	var accepted bool
	switch name {
	case SignalPhoneNumber:
		phone, ok := payload.(string)
		if !ok || phone == "" {
			in.mu.Unlock()
			return fmt.Errorf("%w: %s requires a non-empty string payload", ErrInvalidSignal, name)
		}
		if in.st.PhoneNumber == "" {
			in.st.PhoneNumber = phone
			accepted = true
		}
	case SignalPatientInfo:
		info, ok := payload.(PatientInfoSignal)
		if !ok {
			in.mu.Unlock()
			return fmt.Errorf("%w: %s requires a PatientInfoSignal payload", ErrInvalidSignal, name)
		}
		if in.st.PatientInfo == nil {
			in.st.PatientInfo = &PatientInfo{
				Name:        info.Name,
				PhoneNumber: in.st.PhoneNumber,
				Gender:      info.Gender,
				Age:         info.Age,
				Address:     info.Address,
			}
			accepted = true
		}
	case SignalDecision:
		d, ok := payload.(Decision)
		if !ok {
			if s, sok := payload.(string); sok {
				d, ok = Decision(s), true
			}
		}
		if !ok || !d.Valid() {
			in.mu.Unlock()
			return fmt.Errorf("%w: %s requires %q or %q", ErrInvalidSignal, name, DecisionContinue, DecisionBookLater)
		}
		if in.st.Decision == "" {
			in.st.Decision = d
			accepted = true
		}
	default:
		in.mu.Unlock()
		return fmt.Errorf("%w: unrecognized signal %q", ErrInvalidSignal, name)
	}

	if !accepted {
		in.mu.Unlock()
		h.metrics.ObserveSignal(name, false)
		h.logger.Debug("duplicate signal ignored", "process_id", id, "signal", name)
		return nil
	}

	in.st.UpdatedAt = h.now()
	wake := in.takeWaiters(name)

	// Persist while still holding the lock so queries, waiters, and resumed
	// instances only ever observe recorded state.
	err := h.store.SaveState(ctx, in.st.Clone())
	in.mu.Unlock()
	for _, ch := range wake {
		close(ch)
	}
	if err != nil {
		return fmt.Errorf("reception: persist signal %s: %w", name, err)
	}

	h.metrics.ObserveSignal(name, true)
	h.logger.Info("signal accepted", "process_id", id, "signal", name)
	return nil
}

// Query returns the latest persisted state snapshot. It may briefly wait on
// an in-flight store write, but never on a suspended step.
func (h *Host) Query(_ context.Context, id string) (*State, error) {
	in, ok := h.lookup(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProcess, id)
	}
	return in.snapshot(), nil
}

// AwaitResult blocks until the process reaches a terminal step, up to
// timeout. On success the result is returned and the instance is evicted;
// on timeout ErrNotYetComplete is returned and the instance is untouched.
func (h *Host) AwaitResult(ctx context.Context, id string, timeout time.Duration) (string, error) {
	in, ok := h.lookup(id)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownProcess, id)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-in.done:
	case <-timer.C:
		return "", ErrNotYetComplete
	case <-ctx.Done():
		return "", ctx.Err()
	}

	in.mu.Lock()
	result := in.st.Result
	in.observed = true
	in.mu.Unlock()

	h.evict(ctx, id)
	return result, nil
}

// Resume rehydrates every persisted instance after a restart. Non-terminal
// instances restart their run loop at the recorded step; terminal ones are
// registered so their results stay retrievable until observed or expired.
// Returns the number of instances resumed.
func (h *Host) Resume(ctx context.Context) (int, error) {
	states, err := h.store.ListActive(ctx)
	if err != nil {
		return 0, err
	}

	resumed := 0
	for _, st := range states {
		h.mu.Lock()
		if h.closed {
			h.mu.Unlock()
			return resumed, ErrHostClosed
		}
		if _, exists := h.procs[st.ID]; exists {
			h.mu.Unlock()
			continue
		}
		in := newInstance(st)
		if st.Terminal() {
			close(in.done)
		}
		h.procs[st.ID] = in
		if !st.Terminal() {
			h.wg.Add(1)
		}
		h.mu.Unlock()

		h.metrics.ObserveResume()
		resumed++
		if !st.Terminal() {
			h.logger.Info("resuming process", "process_id", st.ID, "step", st.Step)
			go h.run(in)
		}
	}
	return resumed, nil
}

// Close stops the janitor and every run loop, waiting for them to park.
// Persisted state survives; a later Resume picks the instances back up.
func (h *Host) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	h.mu.Unlock()

	h.cancelRun()
	h.wg.Wait()
}

func (h *Host) lookup(id string) (*instance, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	in, ok := h.procs[id]
	return in, ok
}

// evict drops the instance from the registry and the store. Subsequent calls
// for the id report ErrUnknownProcess.
func (h *Host) evict(ctx context.Context, id string) {
	h.mu.Lock()
	_, ok := h.procs[id]
	delete(h.procs, id)
	h.mu.Unlock()
	if !ok {
		return
	}

	if err := h.store.DeleteState(ctx, id); err != nil {
		h.logger.Error("delete evicted state", "process_id", id, "error", err)
	}
	h.metrics.ObserveEviction()
	h.logger.Info("process evicted", "process_id", id)
}

// janitor periodically evicts terminal instances whose result was never
// retrieved once they outlive the retention window. Suspended non-terminal
// instances are never expired.
func (h *Host) janitor() {
	defer h.wg.Done()
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-h.runCtx.Done():
			return
		case <-ticker.C:
			h.sweepExpired(context.Background())
		}
	}
}

func (h *Host) sweepExpired(ctx context.Context) {
	cutoff := h.now().Add(-h.retention)

	h.mu.Lock()
	var expired []string
	for id, in := range h.procs {
		in.mu.Lock()
		if in.st.Terminal() && !in.observed && in.st.UpdatedAt.Before(cutoff) {
			expired = append(expired, id)
		}
		in.mu.Unlock()
	}
	h.mu.Unlock()

	for _, id := range expired {
		h.logger.Info("retention expired for unobserved result", "process_id", id)
		h.evict(ctx, id)
	}
}
