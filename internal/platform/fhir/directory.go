package fhir

import (
	"context"
	"errors"
	"sync"
)

// ErrNotFound indicates the patient does not exist in the FHIR store.
// Callers must treat this as a normal outcome, not a failure.
var ErrNotFound = errors.New("patient not found")

// Directory is the read-only view of the external FHIR store the
// authentication core depends on. Implementations must return ErrNotFound
// for unknown patients and should degrade transport failures to
// ErrNotFound rather than surfacing them to callers.
type Directory interface {
	// PatientByID retrieves a patient by its FHIR resource id.
	PatientByID(ctx context.Context, id string) (*Patient, error)

	// PatientByPhone retrieves a patient whose telecom list contains the
	// given phone number.
	PatientByPhone(ctx context.Context, phone string) (*Patient, error)

	// PatientByContact retrieves a patient by any contact identifier
	// (phone number or email address).
	PatientByContact(ctx context.Context, identifier string) (*Patient, error)
}

// MemoryDirectory is an in-memory Directory for development and tests.
type MemoryDirectory struct {
	mu       sync.RWMutex
	patients map[string]*Patient
}

// NewMemoryDirectory creates an empty in-memory directory.
func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{patients: make(map[string]*Patient)}
}

// Add stores a patient. Later additions with the same id overwrite.
func (d *MemoryDirectory) Add(p *Patient) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.patients[p.ID] = p
}

// PatientByID implements Directory.
func (d *MemoryDirectory) PatientByID(_ context.Context, id string) (*Patient, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.patients[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

// PatientByPhone implements Directory.
func (d *MemoryDirectory) PatientByPhone(_ context.Context, phone string) (*Patient, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, p := range d.patients {
		for _, t := range p.Telecoms {
			if t.System == "phone" && normalizePhone(t.Value) == normalizePhone(phone) {
				cp := *p
				return &cp, nil
			}
		}
	}
	return nil, ErrNotFound
}

// PatientByContact implements Directory.
func (d *MemoryDirectory) PatientByContact(_ context.Context, identifier string) (*Patient, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, p := range d.patients {
		if p.HasContact(identifier) {
			cp := *p
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}
