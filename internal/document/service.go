// Package document renders prescription artifacts (a templated draft, then a
// diagnosis-enriched final) and stores them behind retrievable URLs. The
// reception process hands it structured fields only; all formatting concerns
// live here.
package document

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"text/template"
	"time"

	"github.com/google/uuid"

	"github.com/clinicops/reception/pkg/logging"
)

// ErrDraftNotFound indicates finalization referenced a draft that was never
// rendered (or was purged).
var ErrDraftNotFound = errors.New("document: draft not found")

// DraftFields is the patient data rendered onto the prescription slip.
type DraftFields struct {
	Name    string `json:"name"`
	Phone   string `json:"phone"`
	Age     string `json:"age"`
	Gender  string `json:"gender"`
	Address string `json:"address"`
}

// Artifact is a stored prescription document.
type Artifact struct {
	ID  string `json:"unique_id"`
	URL string `json:"pdf_url"`
}

// Service is the document contract consumed by the reception process.
type Service interface {
	// RenderDraft renders the initial prescription slip and returns its
	// retrievable location.
	RenderDraft(ctx context.Context, fields DraftFields) (Artifact, error)

	// Finalize produces the diagnosis-enriched final document from a draft.
	// The final artifact id is derived from the draft id.
	Finalize(ctx context.Context, draftID, diagnosis string, medicines []string) (string, error)
}

const draftTemplateText = `CLINIC PRESCRIPTION SLIP
========================
Date: {{.Date}}

Patient: {{.Fields.Name}}
Phone:   {{.Fields.Phone}}
Age:     {{.Fields.Age}}
Gender:  {{.Fields.Gender}}
Address: {{.Fields.Address}}

Rx -
`

const finalTemplateText = draftTemplateText + `Diagnosis: {{.Diagnosis}}

Medicines:
{{- range .Medicines}}
- {{.}}
{{- end}}
`

// finalIDSuffix derives the final artifact id from the draft's, so the final
// document can be located without an external index.
const finalIDSuffix = "_final"

// draftRecord is the sidecar persisted next to the rendered draft; it is the
// pure-data input finalization starts from.
type draftRecord struct {
	Fields DraftFields `json:"fields"`
	Date   string      `json:"date"`
}

// Renderer implements Service on top of a Storage backend.
type Renderer struct {
	storage Storage
	logger  *logging.Logger
	now     func() time.Time
	newID   func() string

	draftTmpl *template.Template
	finalTmpl *template.Template
}

var _ Service = (*Renderer)(nil)

// RendererOption customizes a Renderer.
type RendererOption func(*Renderer)

// WithClock injects the time source used for the slip date.
func WithClock(now func() time.Time) RendererOption {
	return func(r *Renderer) {
		if now != nil {
			r.now = now
		}
	}
}

// WithIDGenerator injects the artifact id generator.
func WithIDGenerator(newID func() string) RendererOption {
	return func(r *Renderer) {
		if newID != nil {
			r.newID = newID
		}
	}
}

// NewRenderer builds a Renderer writing to the given storage.
func NewRenderer(storage Storage, logger *logging.Logger, opts ...RendererOption) *Renderer {
	if storage == nil {
		panic("document: storage cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	r := &Renderer{
		storage:   storage,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
		newID:     uuid.NewString,
		draftTmpl: template.Must(template.New("draft").Parse(draftTemplateText)),
		finalTmpl: template.Must(template.New("final").Parse(finalTemplateText)),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RenderDraft renders and stores the initial slip plus a sidecar record of
// its fields for later finalization.
func (r *Renderer) RenderDraft(ctx context.Context, fields DraftFields) (Artifact, error) {
	rec := draftRecord{
		Fields: fields,
		Date:   r.now().Format("2006-01-02"),
	}

	var body bytes.Buffer
	if err := r.draftTmpl.Execute(&body, rec); err != nil {
		return Artifact{}, fmt.Errorf("document: render draft: %w", err)
	}

	id := r.newID()
	url, err := r.storage.Put(ctx, id+".txt", body.Bytes(), "text/plain")
	if err != nil {
		return Artifact{}, fmt.Errorf("document: store draft: %w", err)
	}

	sidecar, err := json.Marshal(rec)
	if err != nil {
		return Artifact{}, fmt.Errorf("document: encode draft record: %w", err)
	}
	if _, err := r.storage.Put(ctx, id+".json", sidecar, "application/json"); err != nil {
		return Artifact{}, fmt.Errorf("document: store draft record: %w", err)
	}

	r.logger.Info("prescription draft rendered", "artifact_id", id)
	return Artifact{ID: id, URL: url}, nil
}

// Finalize loads the draft's field record, appends the diagnosis and
// medicines, and stores the final document under the derived id.
func (r *Renderer) Finalize(ctx context.Context, draftID, diagnosis string, medicines []string) (string, error) {
	raw, err := r.storage.Get(ctx, draftID+".json")
	if err != nil {
		if errors.Is(err, ErrObjectNotFound) {
			return "", fmt.Errorf("%w: %s", ErrDraftNotFound, draftID)
		}
		return "", fmt.Errorf("document: load draft record: %w", err)
	}

	var rec draftRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return "", fmt.Errorf("document: decode draft record: %w", err)
	}

	data := struct {
		draftRecord
		Diagnosis string
		Medicines []string
	}{rec, diagnosis, medicines}

	var body bytes.Buffer
	if err := r.finalTmpl.Execute(&body, data); err != nil {
		return "", fmt.Errorf("document: render final: %w", err)
	}

	finalID := draftID + finalIDSuffix
	url, err := r.storage.Put(ctx, finalID+".txt", body.Bytes(), "text/plain")
	if err != nil {
		return "", fmt.Errorf("document: store final: %w", err)
	}

	r.logger.Info("prescription finalized", "artifact_id", finalID, "diagnosis", diagnosis)
	return url, nil
}
