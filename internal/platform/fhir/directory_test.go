package fhir

import (
	"context"
	"errors"
	"testing"
	"time"
)

func demoPatient() *Patient {
	return &Patient{
		ID:        "pat-1",
		Family:    "Muster",
		Given:     []string{"Anna", "Maria"},
		BirthDate: time.Date(1985, 3, 12, 0, 0, 0, 0, time.UTC),
		Telecoms: []Telecom{
			{System: "phone", Value: "+49 30 1234567"},
			{System: "email", Value: "Anna@Example.com"},
		},
	}
}

func TestMemoryDirectory_Lookups(t *testing.T) {
	ctx := context.Background()
	dir := NewMemoryDirectory()
	dir.Add(demoPatient())

	p, err := dir.PatientByID(ctx, "pat-1")
	if err != nil {
		t.Fatalf("by id: %v", err)
	}
	if p.DisplayName() != "Anna Maria Muster" {
		t.Errorf("display name = %q", p.DisplayName())
	}

	if _, err := dir.PatientByID(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown id: got %v, want ErrNotFound", err)
	}

	// Phone lookup ignores formatting differences.
	if _, err := dir.PatientByPhone(ctx, "+49301234567"); err != nil {
		t.Errorf("by phone: %v", err)
	}

	// Contact lookup matches email case-insensitively.
	if _, err := dir.PatientByContact(ctx, "anna@example.com"); err != nil {
		t.Errorf("by contact: %v", err)
	}
	if _, err := dir.PatientByContact(ctx, "other@example.com"); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown contact: got %v, want ErrNotFound", err)
	}
}

func TestMemoryDirectory_ReturnsCopies(t *testing.T) {
	dir := NewMemoryDirectory()
	dir.Add(demoPatient())

	p, _ := dir.PatientByID(context.Background(), "pat-1")
	p.Family = "Changed"

	again, _ := dir.PatientByID(context.Background(), "pat-1")
	if again.Family != "Muster" {
		t.Error("mutating a returned patient must not affect the store")
	}
}
