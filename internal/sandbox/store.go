package sandbox

import (
	"sync"

	r4 "github.com/samply/golang-fhir-models/fhir-models/fhir"

	"github.com/ehr/smartlaunch/internal/platform/fhir"
)

// PatientStore holds the sandbox's Patient resources in insertion order.
type PatientStore struct {
	mu       sync.RWMutex
	patients map[string]r4.Patient
	order    []string
}

// NewPatientStore creates an empty store.
func NewPatientStore() *PatientStore {
	return &PatientStore{patients: make(map[string]r4.Patient)}
}

// Seed generates n patients and returns their ids.
func (s *PatientStore) Seed(gen *DataGenerator, n int) []string {
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		p := gen.GeneratePatient()
		s.Put(p)
		ids = append(ids, *p.Id)
	}
	return ids
}

// Put adds or replaces a patient. Patients without an id are ignored.
func (s *PatientStore) Put(p r4.Patient) {
	if p.Id == nil || *p.Id == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.patients[*p.Id]; !exists {
		s.order = append(s.order, *p.Id)
	}
	s.patients[*p.Id] = p
}

// Get returns the patient with the given id.
func (s *PatientStore) Get(id string) (r4.Patient, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.patients[id]
	return p, ok
}

// IDs returns patient ids in insertion order.
func (s *PatientStore) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.order...)
}

// Summaries returns the display demographics of every patient.
func (s *PatientStore) Summaries() []fhir.Demographics {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]fhir.Demographics, 0, len(s.order))
	for _, id := range s.order {
		p := s.patients[id]
		out = append(out, fhir.PatientDemographics(&p))
	}
	return out
}
