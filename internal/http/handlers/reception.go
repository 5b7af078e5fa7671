// Package handlers exposes the conversational reception API. Handlers own no
// durable state: every request resolves against the process host, and replies
// are shaped by whichever step the process has parked on.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/clinicops/reception/internal/reception"
	"github.com/clinicops/reception/pkg/logging"
)

const sessionExpiredMsg = "Session expired. Please start over."

var phonePattern = regexp.MustCompile(`^\+?[\d\s\-\(\)]+$`)

// restingSteps are the steps a process parks on: waiting for a signal, inside
// the consultation pause, or finished. Handlers poll until the process
// reaches one before shaping a reply.
var restingSteps = map[reception.Step]bool{
	reception.StepGetPhone:             true,
	reception.StepRegisterPatient:      true,
	reception.StepMakeDecision:         true,
	reception.StepGeneratePrescription: true,
	reception.StepDone:                 true,
}

// ReceptionHandler serves the front-desk chat endpoints.
type ReceptionHandler struct {
	host        *reception.Host
	logger      *logging.Logger
	pollTimeout time.Duration

	mu             sync.Mutex
	draftAnnounced map[string]bool
}

// NewReceptionHandler creates the handler. pollTimeout bounds how long a
// request waits for the process to park; zero uses the default.
func NewReceptionHandler(host *reception.Host, logger *logging.Logger, pollTimeout time.Duration) *ReceptionHandler {
	if host == nil {
		panic("handlers: host cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	if pollTimeout <= 0 {
		pollTimeout = 5 * time.Second
	}
	return &ReceptionHandler{
		host:           host,
		logger:         logger,
		pollTimeout:    pollTimeout,
		draftAnnounced: make(map[string]bool),
	}
}

type apiResponse struct {
	Response                  string `json:"response"`
	ProcessID                 string `json:"process_id,omitempty"`
	RequiresPhone             bool   `json:"requires_phone,omitempty"`
	RequiresRegistration      bool   `json:"requires_registration,omitempty"`
	RequiresDecision          bool   `json:"requires_decision,omitempty"`
	RequiresPrescriptionCheck bool   `json:"requires_prescription_check,omitempty"`
	WaitTime                  *int   `json:"wait_time,omitempty"`
	PatientName               string `json:"patient_name,omitempty"`
	Status                    string `json:"status,omitempty"`
	PrescriptionURL           string `json:"prescription_url,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// awaitParked polls the process status until it reaches a resting step or the
// poll window closes, returning the latest snapshot either way.
func (h *ReceptionHandler) awaitParked(ctx context.Context, id string) (*reception.State, error) {
	deadline := time.Now().Add(h.pollTimeout)
	for {
		st, err := h.host.Query(ctx, id)
		if err != nil {
			return nil, err
		}
		if restingSteps[st.Step] || time.Now().After(deadline) {
			return st, nil
		}
		select {
		case <-ctx.Done():
			return st, nil
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// collectResult retrieves the terminal result, evicting the instance.
func (h *ReceptionHandler) collectResult(ctx context.Context, id string) (string, error) {
	result, err := h.host.AwaitResult(ctx, id, h.pollTimeout)
	if err == nil {
		h.forget(id)
	}
	return result, err
}

// forget drops the draft-announcement marker once the process is gone, whether
// the result was collected or the host evicted the instance.
func (h *ReceptionHandler) forget(id string) {
	h.mu.Lock()
	delete(h.draftAnnounced, id)
	h.mu.Unlock()
}

type chatRequest struct {
	Message string `json:"message"`
}

// Chat handles POST /chat: starts a reception process for the named doctor.
func (h *ReceptionHandler) Chat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	doctorName := strings.TrimSpace(req.Message)
	if doctorName == "" {
		writeJSON(w, http.StatusOK, apiResponse{Response: "Please provide the doctor name."})
		return
	}

	id, err := h.host.Start(r.Context(), doctorName)
	if err != nil {
		h.logger.Error("start process", "error", err)
		http.Error(w, "failed to start reception process", http.StatusInternalServerError)
		return
	}

	st, err := h.awaitParked(r.Context(), id)
	if err != nil {
		writeJSON(w, http.StatusOK, apiResponse{Response: sessionExpiredMsg})
		return
	}

	if st.Terminal() {
		result, err := h.collectResult(r.Context(), id)
		if err != nil {
			writeJSON(w, http.StatusOK, apiResponse{Response: sessionExpiredMsg})
			return
		}
		writeJSON(w, http.StatusOK, apiResponse{Response: result})
		return
	}

	writeJSON(w, http.StatusOK, apiResponse{
		Response:      fmt.Sprintf("Dr. %s is available! Please provide your phone number to proceed.", doctorName),
		ProcessID:     id,
		RequiresPhone: true,
	})
}

type phoneRequest struct {
	ProcessID   string `json:"process_id"`
	PhoneNumber string `json:"phone_number"`
}

// ProvidePhone handles POST /phone: delivers the phone-number signal and
// shapes the reply by the step the process lands on.
func (h *ReceptionHandler) ProvidePhone(w http.ResponseWriter, r *http.Request) {
	var req phoneRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	phone := strings.TrimSpace(req.PhoneNumber)
	if !phonePattern.MatchString(phone) {
		writeJSON(w, http.StatusOK, apiResponse{Response: "Invalid phone number format. Please enter a valid phone number."})
		return
	}

	err := h.host.Signal(r.Context(), req.ProcessID, reception.SignalPhoneNumber, phone)
	if err != nil {
		if errors.Is(err, reception.ErrUnknownProcess) {
			writeJSON(w, http.StatusOK, apiResponse{Response: sessionExpiredMsg})
			return
		}
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	st, err := h.awaitParked(r.Context(), req.ProcessID)
	if err != nil {
		writeJSON(w, http.StatusOK, apiResponse{Response: sessionExpiredMsg})
		return
	}

	switch {
	case st.Step == reception.StepRegisterPatient:
		msg := fmt.Sprintf("Phone number %s verified.\n This appears to be a new patient. Please provide your registration details to continue.", phone)
		writeJSON(w, http.StatusOK, apiResponse{
			Response:             msg,
			ProcessID:            req.ProcessID,
			RequiresRegistration: true,
		})
	case st.Step == reception.StepMakeDecision && st.WaitTimeMinutes != nil:
		name := patientName(st)
		writeJSON(w, http.StatusOK, apiResponse{
			Response: fmt.Sprintf("Welcome, %s!\n No appointment found for today. Current wait time: %d minutes.\n\n Would you like to:\n• Continue (wait in queue)\n• Book for later",
				name, *st.WaitTimeMinutes),
			ProcessID:        req.ProcessID,
			WaitTime:         st.WaitTimeMinutes,
			PatientName:      name,
			RequiresDecision: true,
		})
	case st.Step == reception.StepGeneratePrescription:
		writeJSON(w, http.StatusOK, apiResponse{
			Response: fmt.Sprintf("Welcome back, %s!\n Appointment confirmed for today.\n Generating your prescription slip...\n Please wait while we prepare your slip.", patientName(st)),
			ProcessID:                 req.ProcessID,
			RequiresPrescriptionCheck: true,
			Status:                    "generating_prescription",
		})
	case st.Terminal():
		result, err := h.collectResult(r.Context(), req.ProcessID)
		if err != nil {
			writeJSON(w, http.StatusOK, apiResponse{Response: sessionExpiredMsg})
			return
		}
		writeJSON(w, http.StatusOK, apiResponse{Response: result})
	default:
		writeJSON(w, http.StatusOK, apiResponse{
			Response:  "Processing your request...\n Please wait.",
			ProcessID: req.ProcessID,
			Status:    "processing",
		})
	}
}

type registrationRequest struct {
	ProcessID string `json:"process_id"`
	Name      string `json:"name"`
	Gender    string `json:"gender"`
	Age       string `json:"age"`
	Address   string `json:"address"`
}

// Register handles POST /register: delivers the patient-info signal.
func (h *ReceptionHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	name := strings.TrimSpace(req.Name)
	gender := strings.TrimSpace(req.Gender)
	age := strings.TrimSpace(req.Age)
	address := strings.TrimSpace(req.Address)
	if name == "" || gender == "" || age == "" || address == "" {
		writeJSON(w, http.StatusOK, apiResponse{Response: "All registration fields are required. Please fill in all details."})
		return
	}

	err := h.host.Signal(r.Context(), req.ProcessID, reception.SignalPatientInfo, reception.PatientInfoSignal{
		Name:    name,
		Gender:  gender,
		Age:     age,
		Address: address,
	})
	if err != nil {
		if errors.Is(err, reception.ErrUnknownProcess) {
			writeJSON(w, http.StatusOK, apiResponse{Response: sessionExpiredMsg})
			return
		}
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	st, err := h.awaitParked(r.Context(), req.ProcessID)
	if err != nil {
		writeJSON(w, http.StatusOK, apiResponse{Response: sessionExpiredMsg})
		return
	}

	switch {
	case st.Step == reception.StepMakeDecision && st.WaitTimeMinutes != nil:
		pname := patientName(st)
		writeJSON(w, http.StatusOK, apiResponse{
			Response: fmt.Sprintf("Registration successful!\n Welcome, %s!\n No appointment found for today. Current wait time: %d minutes.\n\n Would you like to:\n• Continue (wait in queue)\n• Book for later",
				pname, *st.WaitTimeMinutes),
			ProcessID:        req.ProcessID,
			WaitTime:         st.WaitTimeMinutes,
			PatientName:      pname,
			RequiresDecision: true,
		})
	case st.Terminal():
		result, err := h.collectResult(r.Context(), req.ProcessID)
		if err != nil {
			writeJSON(w, http.StatusOK, apiResponse{Response: sessionExpiredMsg})
			return
		}
		writeJSON(w, http.StatusOK, apiResponse{Response: "Registration successful!\n " + result})
	default:
		writeJSON(w, http.StatusOK, apiResponse{
			Response:  "Registration successful!\n Processing your request...\n Please wait.",
			ProcessID: req.ProcessID,
			Status:    "processing",
		})
	}
}

type decisionRequest struct {
	ProcessID string `json:"process_id"`
	Decision  string `json:"decision"`
}

// Decide handles POST /decision: queue up now or book a later slot.
func (h *ReceptionHandler) Decide(w http.ResponseWriter, r *http.Request) {
	var req decisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	decision := reception.Decision(strings.ToLower(strings.TrimSpace(req.Decision)))
	if !decision.Valid() {
		writeJSON(w, http.StatusOK, apiResponse{Response: "Invalid choice. Please select 'continue' or 'book_later'."})
		return
	}

	err := h.host.Signal(r.Context(), req.ProcessID, reception.SignalDecision, decision)
	if err != nil {
		if errors.Is(err, reception.ErrUnknownProcess) {
			writeJSON(w, http.StatusOK, apiResponse{Response: sessionExpiredMsg})
			return
		}
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if decision == reception.DecisionContinue {
		st, err := h.awaitParked(r.Context(), req.ProcessID)
		if err == nil && st.Step == reception.StepGeneratePrescription {
			writeJSON(w, http.StatusOK, apiResponse{
				Response:                  "Added to queue successfully!\n Generating your prescription slip...\n Please wait while we prepare your slip.",
				ProcessID:                 req.ProcessID,
				RequiresPrescriptionCheck: true,
				Status:                    "generating_prescription",
			})
			return
		}
		writeJSON(w, http.StatusOK, apiResponse{
			Response:                  "Processing your request...\n We'll notify you when your prescription is ready.",
			ProcessID:                 req.ProcessID,
			RequiresPrescriptionCheck: true,
			Status:                    "processing",
		})
		return
	}

	result, err := h.collectResult(r.Context(), req.ProcessID)
	if err != nil {
		if errors.Is(err, reception.ErrNotYetComplete) {
			writeJSON(w, http.StatusOK, apiResponse{
				Response:  "Processing your booking...\n Please check back shortly.",
				ProcessID: req.ProcessID,
				Status:    "processing",
			})
			return
		}
		writeJSON(w, http.StatusOK, apiResponse{Response: sessionExpiredMsg})
		return
	}
	writeJSON(w, http.StatusOK, apiResponse{Response: "Appointment scheduled!\n " + result})
}

// CheckPrescription handles GET /prescription/{processID}: completion poll
// for the consultation flow. The ready draft is announced exactly once per
// process; later polls report the ongoing consultation.
func (h *ReceptionHandler) CheckPrescription(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "processID")

	result, err := h.host.AwaitResult(r.Context(), id, 50*time.Millisecond)
	if err == nil {
		h.forget(id)
		writeJSON(w, http.StatusOK, apiResponse{Status: "completed", Response: result})
		return
	}
	if errors.Is(err, reception.ErrUnknownProcess) {
		h.forget(id)
		writeJSON(w, http.StatusOK, apiResponse{Response: sessionExpiredMsg})
		return
	}

	st, err := h.host.Query(r.Context(), id)
	if err != nil {
		h.forget(id)
		writeJSON(w, http.StatusOK, apiResponse{Response: sessionExpiredMsg})
		return
	}

	switch {
	case st.Step == reception.StepAddToQueue:
		writeJSON(w, http.StatusOK, apiResponse{
			Status:   "adding_to_queue",
			Response: "Adding you to the queue...\n Please take a seat and wait for your turn.",
		})
	case st.Draft != nil && st.Draft.URL != "":
		h.mu.Lock()
		announced := h.draftAnnounced[id]
		h.draftAnnounced[id] = true
		h.mu.Unlock()
		if !announced {
			writeJSON(w, http.StatusOK, apiResponse{
				Status:          "prescription_ready",
				Response:        fmt.Sprintf("Your initial prescription slip is ready!\n Download: %s\n", st.Draft.URL),
				PrescriptionURL: st.Draft.URL,
			})
			return
		}
		writeJSON(w, http.StatusOK, apiResponse{
			Status:   "consultation_in_progress",
			Response: "Doctor consultation in progress...\n Generating diagnosis and finalizing prescription...",
		})
	default:
		writeJSON(w, http.StatusOK, apiResponse{
			Status:   "processing",
			Response: fmt.Sprintf("Processing step: %s\n Please wait...", st.Step),
		})
	}
}

func patientName(st *reception.State) string {
	if st.PatientInfo != nil && st.PatientInfo.Name != "" {
		return st.PatientInfo.Name
	}
	return "Patient"
}
