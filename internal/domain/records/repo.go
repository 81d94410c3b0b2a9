package records

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// AppointmentRepository stores appointments. Cancel only succeeds for
// the owning patient, so a stolen appointment id is useless on its own.
type AppointmentRepository interface {
	Create(ctx context.Context, appt *Appointment) error
	ListByPatient(ctx context.Context, patientID string) ([]Appointment, error)
	Get(ctx context.Context, id uuid.UUID, patientID string) (*Appointment, error)
	Cancel(ctx context.Context, id uuid.UUID, patientID string) error
}

// MemoryAppointmentRepository is a thread-safe in-memory repository for
// dev and tests.
type MemoryAppointmentRepository struct {
	mu    sync.RWMutex
	appts map[uuid.UUID]*Appointment
}

func NewMemoryAppointmentRepository() *MemoryAppointmentRepository {
	return &MemoryAppointmentRepository{appts: make(map[uuid.UUID]*Appointment)}
}

func (r *MemoryAppointmentRepository) Create(_ context.Context, appt *Appointment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if appt.ID == uuid.Nil {
		appt.ID = uuid.New()
	}
	if appt.CreatedAt.IsZero() {
		appt.CreatedAt = time.Now()
	}
	cp := *appt
	r.appts[appt.ID] = &cp
	return nil
}

func (r *MemoryAppointmentRepository) ListByPatient(_ context.Context, patientID string) ([]Appointment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Appointment, 0)
	for _, a := range r.appts {
		if a.PatientID == patientID {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out, nil
}

func (r *MemoryAppointmentRepository) Get(_ context.Context, id uuid.UUID, patientID string) (*Appointment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.appts[id]
	if !ok || a.PatientID != patientID {
		return nil, ErrAppointmentNotFound
	}
	cp := *a
	return &cp, nil
}

func (r *MemoryAppointmentRepository) Cancel(_ context.Context, id uuid.UUID, patientID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.appts[id]
	if !ok || a.PatientID != patientID {
		return ErrAppointmentNotFound
	}
	if a.Status == StatusCancelled {
		return ErrAlreadyCancelled
	}
	a.Status = StatusCancelled
	return nil
}
