package reception

// Signal names accepted by a live process instance. Payload types are fixed
// per signal; see Host.Signal.
const (
	// SignalPhoneNumber carries the caller's phone number (string).
	SignalPhoneNumber = "phone-number"

	// SignalPatientInfo carries registration details (PatientInfoSignal).
	SignalPatientInfo = "patient-info"

	// SignalDecision carries the walk-in decision (Decision).
	SignalDecision = "decision"
)

// Decision is the patient's choice after hearing the walk-in wait estimate.
type Decision string

const (
	// DecisionContinue joins the walk-in queue now.
	DecisionContinue Decision = "continue"

	// DecisionBookLater books the next available scheduled slot instead.
	DecisionBookLater Decision = "book_later"
)

// Valid reports whether d is a recognized decision value.
func (d Decision) Valid() bool {
	return d == DecisionContinue || d == DecisionBookLater
}

// PatientInfoSignal is the registration payload for SignalPatientInfo. The
// phone number is taken from the earlier phone signal, not repeated here.
type PatientInfoSignal struct {
	Name    string `json:"name"`
	Gender  string `json:"gender"`
	Age     string `json:"age"`
	Address string `json:"address"`
}
