package clinic

import (
	"context"
	"math/rand"

	"github.com/clinicops/reception/pkg/logging"
)

// Consultation fallbacks. The catalog being empty or unreachable must never
// surface as an error to the reception process.
var (
	fallbackEmptyCatalog = DiagnosisEntry{
		Diagnosis: "General Consultation",
		Medicines: []string{"Multivitamin", "Adequate Rest"},
	}
	fallbackCatalogError = DiagnosisEntry{
		Diagnosis: "General Health Check",
		Medicines: []string{"As advised by doctor"},
	}
)

// DiagnosisSelector picks one entry from a non-empty catalog. Kept as a
// pluggable function so tests can inject determinism.
type DiagnosisSelector func(entries []DiagnosisEntry) DiagnosisEntry

// RandomSelector selects a uniformly random catalog entry.
func RandomSelector(r *rand.Rand) DiagnosisSelector {
	return func(entries []DiagnosisEntry) DiagnosisEntry {
		if r == nil {
			return entries[rand.Intn(len(entries))]
		}
		return entries[r.Intn(len(entries))]
	}
}

// FirstSelector always selects the first catalog entry. Test helper.
func FirstSelector() DiagnosisSelector {
	return func(entries []DiagnosisEntry) DiagnosisEntry {
		return entries[0]
	}
}

// CatalogSource is the slice of the gateway the picker needs.
type CatalogSource interface {
	DiagnosisCatalog(ctx context.Context) ([]DiagnosisEntry, error)
}

// DiagnosisPicker simulates the doctor consultation: it draws a diagnosis and
// its medicines from the catalog, falling back to fixed defaults when the
// catalog is empty or unreachable.
type DiagnosisPicker struct {
	catalog  CatalogSource
	selector DiagnosisSelector
	logger   *logging.Logger
}

// NewDiagnosisPicker builds a picker. A nil selector defaults to random
// selection.
func NewDiagnosisPicker(catalog CatalogSource, selector DiagnosisSelector, logger *logging.Logger) *DiagnosisPicker {
	if catalog == nil {
		panic("clinic: catalog source cannot be nil")
	}
	if selector == nil {
		selector = RandomSelector(nil)
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &DiagnosisPicker{catalog: catalog, selector: selector, logger: logger}
}

// Pick returns a diagnosis/medicines pair. It never fails on catalog
// problems; only a canceled context is reported as an error.
func (p *DiagnosisPicker) Pick(ctx context.Context) (DiagnosisEntry, error) {
	if err := ctx.Err(); err != nil {
		return DiagnosisEntry{}, err
	}

	entries, err := p.catalog.DiagnosisCatalog(ctx)
	if err != nil {
		p.logger.Warn("diagnosis catalog unreachable, using fallback", "error", err)
		return fallbackCatalogError, nil
	}
	if len(entries) == 0 {
		return fallbackEmptyCatalog, nil
	}
	return p.selector(entries), nil
}
