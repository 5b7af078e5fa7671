package document

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
)

type memStorage struct {
	mu      sync.Mutex
	objects map[string][]byte
	puts    []string
}

func newMemStorage() *memStorage {
	return &memStorage{objects: make(map[string][]byte)}
}

func (m *memStorage) Put(_ context.Context, name string, data []byte, _ string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[name] = append([]byte(nil), data...)
	m.puts = append(m.puts, name)
	return "http://clinic.test" + publicPathPrefix + name, nil
}

func (m *memStorage) Get(_ context.Context, name string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, name)
	}
	return data, nil
}

func fixedClock() func() time.Time {
	return func() time.Time {
		return time.Date(2025, time.March, 4, 10, 0, 0, 0, time.UTC)
	}
}

func testFields() DraftFields {
	return DraftFields{
		Name:    "Asha Verma",
		Phone:   "+91 98765 43210",
		Age:     "34",
		Gender:  "female",
		Address: "12 Lake Road",
	}
}

func TestRenderDraftStoresSlipAndRecord(t *testing.T) {
	store := newMemStorage()
	r := NewRenderer(store, nil,
		WithClock(fixedClock()),
		WithIDGenerator(func() string { return "draft-abc" }),
	)

	art, err := r.RenderDraft(context.Background(), testFields())
	if err != nil {
		t.Fatalf("RenderDraft: %v", err)
	}
	if art.ID != "draft-abc" {
		t.Errorf("artifact id = %q, want draft-abc", art.ID)
	}
	if art.URL != "http://clinic.test/static/prescriptions/draft-abc.txt" {
		t.Errorf("unexpected URL %q", art.URL)
	}

	slip, err := store.Get(context.Background(), "draft-abc.txt")
	if err != nil {
		t.Fatalf("slip not stored: %v", err)
	}
	for _, want := range []string{"Date: 2025-03-04", "Patient: Asha Verma", "Age:     34", "Rx -"} {
		if !strings.Contains(string(slip), want) {
			t.Errorf("slip missing %q:\n%s", want, slip)
		}
	}

	raw, err := store.Get(context.Background(), "draft-abc.json")
	if err != nil {
		t.Fatalf("sidecar not stored: %v", err)
	}
	var rec draftRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		t.Fatalf("decode sidecar: %v", err)
	}
	if rec.Fields != testFields() {
		t.Errorf("sidecar fields = %+v", rec.Fields)
	}
	if rec.Date != "2025-03-04" {
		t.Errorf("sidecar date = %q", rec.Date)
	}
}

func TestFinalizeDerivesIDAndAppendsDiagnosis(t *testing.T) {
	store := newMemStorage()
	r := NewRenderer(store, nil,
		WithClock(fixedClock()),
		WithIDGenerator(func() string { return "draft-xyz" }),
	)

	if _, err := r.RenderDraft(context.Background(), testFields()); err != nil {
		t.Fatalf("RenderDraft: %v", err)
	}

	url, err := r.Finalize(context.Background(), "draft-xyz", "Seasonal Flu", []string{"Paracetamol", "Rest"})
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if url != "http://clinic.test/static/prescriptions/draft-xyz_final.txt" {
		t.Errorf("unexpected final URL %q", url)
	}

	final, err := store.Get(context.Background(), "draft-xyz_final.txt")
	if err != nil {
		t.Fatalf("final not stored: %v", err)
	}
	body := string(final)
	for _, want := range []string{"Patient: Asha Verma", "Diagnosis: Seasonal Flu", "- Paracetamol", "- Rest"} {
		if !strings.Contains(body, want) {
			t.Errorf("final missing %q:\n%s", want, body)
		}
	}
}

func TestFinalizeUnknownDraft(t *testing.T) {
	r := NewRenderer(newMemStorage(), nil)

	_, err := r.Finalize(context.Background(), "never-rendered", "Flu", nil)
	if !errors.Is(err, ErrDraftNotFound) {
		t.Fatalf("err = %v, want ErrDraftNotFound", err)
	}
}

func TestFSStorageRoundTrip(t *testing.T) {
	store, err := NewFSStorage(t.TempDir(), "http://localhost:8000/")
	if err != nil {
		t.Fatalf("NewFSStorage: %v", err)
	}

	url, err := store.Put(context.Background(), "doc.txt", []byte("hello"), "text/plain")
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if url != "http://localhost:8000/static/prescriptions/doc.txt" {
		t.Errorf("unexpected URL %q", url)
	}

	data, err := store.Get(context.Background(), "doc.txt")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(data) != "hello" {
		t.Errorf("data = %q", data)
	}

	if _, err := store.Get(context.Background(), "missing.txt"); !errors.Is(err, ErrObjectNotFound) {
		t.Errorf("missing object err = %v, want ErrObjectNotFound", err)
	}
}
