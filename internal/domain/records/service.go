package records

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/careline/careline/internal/platform/fhir"
)

var ErrPatientNotFound = errors.New("patient not found")

// Service assembles patient-facing views from the appointment store and
// the external patient directory.
type Service struct {
	repo      AppointmentRepository
	directory fhir.Directory
	logger    zerolog.Logger
	now       func() time.Time
}

func NewService(repo AppointmentRepository, directory fhir.Directory, logger zerolog.Logger) *Service {
	return &Service{repo: repo, directory: directory, logger: logger, now: time.Now}
}

// Appointments lists the patient's appointments, soonest first.
func (s *Service) Appointments(ctx context.Context, patientID string) ([]Appointment, error) {
	return s.repo.ListByPatient(ctx, patientID)
}

// Summary builds the level-2 overview.
func (s *Service) Summary(ctx context.Context, patientID string) (*Summary, error) {
	patient, err := s.lookupPatient(ctx, patientID)
	if err != nil {
		return nil, err
	}
	appts, err := s.repo.ListByPatient(ctx, patientID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	summary := &Summary{PatientID: patientID, Name: patient.DisplayName()}
	for i := range appts {
		a := appts[i]
		if a.Status == StatusBooked && a.StartTime.After(now) {
			summary.UpcomingVisits++
			if summary.NextAppointment == nil {
				summary.NextAppointment = &a
			}
		}
	}
	return summary, nil
}

// FullRecord builds the level-3 view with the complete demographic
// record.
func (s *Service) FullRecord(ctx context.Context, patientID string) (*FullRecord, error) {
	patient, err := s.lookupPatient(ctx, patientID)
	if err != nil {
		return nil, err
	}
	appts, err := s.repo.ListByPatient(ctx, patientID)
	if err != nil {
		return nil, err
	}

	record := &FullRecord{
		PatientID:    patientID,
		Name:         patient.DisplayName(),
		Appointments: appts,
	}
	if !patient.BirthDate.IsZero() {
		record.BirthDate = patient.BirthDate.Format("2006-01-02")
	}
	for _, a := range patient.Addresses {
		record.Addresses = append(record.Addresses, Address{
			Lines:      a.Lines,
			City:       a.City,
			PostalCode: a.PostalCode,
		})
	}
	for _, t := range patient.Telecoms {
		record.Contacts = append(record.Contacts, Contact{System: t.System, Value: t.Value})
	}
	return record, nil
}

// CancelAppointment cancels one of the patient's own appointments.
func (s *Service) CancelAppointment(ctx context.Context, id uuid.UUID, patientID string) error {
	return s.repo.Cancel(ctx, id, patientID)
}

func (s *Service) lookupPatient(ctx context.Context, patientID string) (*fhir.Patient, error) {
	patient, err := s.directory.PatientByID(ctx, patientID)
	if err != nil {
		if errors.Is(err, fhir.ErrNotFound) {
			return nil, ErrPatientNotFound
		}
		return nil, fmt.Errorf("directory lookup: %w", err)
	}
	return patient, nil
}
