// Package reception implements the durable front-desk reception process: a
// persisted state machine that checks doctor availability, collects the
// patient's phone number and registration over signals, and branches into
// either a prescription consultation or the walk-in/booking flow. Instances
// survive restarts; the host resumes them at their recorded step.
package reception

import (
	"time"
)

// Step identifies a stage of the reception process. Steps only advance.
type Step string

const (
	StepCheckDoctor          Step = "check_doctor"
	StepGetPhone             Step = "get_phone"
	StepLookupPatient        Step = "lookup_patient"
	StepRegisterPatient      Step = "register_patient"
	StepCheckAppointment     Step = "check_appointment"
	StepGeneratePrescription Step = "generate_prescription"
	StepDiagnosisGeneration  Step = "diagnosis_generation"
	StepFinalizePrescription Step = "finalize_prescription"
	StepCalculateWait        Step = "calculate_wait"
	StepMakeDecision         Step = "make_decision"
	StepAddToQueue           Step = "add_to_queue"
	StepBookAppointment      Step = "book_appointment"
	StepDone                 Step = "done"
)

// PatientInfo is the patient identity carried by the process. Registration
// signals fill the descriptive fields; gateway lookups fill everything
// including the patient id.
type PatientInfo struct {
	PatientID   int64  `json:"patient_id,omitempty"`
	Name        string `json:"name"`
	PhoneNumber string `json:"phone_number"`
	Gender      string `json:"gender"`
	Age         string `json:"age"`
	Address     string `json:"address"`
}

// Draft is the rendered prescription slip awaiting finalization.
type Draft struct {
	ArtifactID string `json:"unique_id"`
	URL        string `json:"pdf_url"`
}

// State is the persisted snapshot of a reception process instance. It is
// written after every step transition and every accepted signal, and is the
// only thing needed to resume the instance.
type State struct {
	ID              string       `json:"id"`
	Step            Step         `json:"step"`
	DoctorName      string       `json:"doctor_name"`
	DoctorID        int64        `json:"doctor_id,omitempty"`
	DoctorAvailable *bool        `json:"doctor_available"`
	PhoneNumber     string       `json:"phone_number,omitempty"`
	PatientInfo     *PatientInfo `json:"patient_info"`
	WaitTimeMinutes *int         `json:"wait_time"`
	Decision        Decision     `json:"decision,omitempty"`
	Draft           *Draft       `json:"prescription_slip"`
	Diagnosis       string       `json:"diagnosis,omitempty"`
	Medicines       []string     `json:"medicines,omitempty"`
	Result          string       `json:"result,omitempty"`
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
}

// NewState builds the initial state for a freshly started process.
func NewState(id, doctorName string, now time.Time) *State {
	return &State{
		ID:         id,
		Step:       StepCheckDoctor,
		DoctorName: doctorName,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// Terminal reports whether the process has reached its final step.
func (s *State) Terminal() bool {
	return s.Step == StepDone
}

// Clone returns a deep copy safe to hand outside the instance lock.
func (s *State) Clone() *State {
	cp := *s
	if s.DoctorAvailable != nil {
		v := *s.DoctorAvailable
		cp.DoctorAvailable = &v
	}
	if s.PatientInfo != nil {
		pi := *s.PatientInfo
		cp.PatientInfo = &pi
	}
	if s.WaitTimeMinutes != nil {
		w := *s.WaitTimeMinutes
		cp.WaitTimeMinutes = &w
	}
	if s.Draft != nil {
		d := *s.Draft
		cp.Draft = &d
	}
	if s.Medicines != nil {
		cp.Medicines = append([]string(nil), s.Medicines...)
	}
	return &cp
}
