package records

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Appointment statuses.
const (
	StatusBooked    = "booked"
	StatusCancelled = "cancelled"
	StatusFulfilled = "fulfilled"
)

var (
	ErrAppointmentNotFound = errors.New("appointment not found")
	ErrAlreadyCancelled    = errors.New("appointment already cancelled")
)

// Appointment is one scheduled visit.
type Appointment struct {
	ID               uuid.UUID `json:"id"`
	PatientID        string    `json:"patientId"`
	PractitionerName string    `json:"practitionerName"`
	Reason           string    `json:"reason"`
	Status           string    `json:"status"`
	StartTime        time.Time `json:"startTime"`
	EndTime          time.Time `json:"endTime"`
	CreatedAt        time.Time `json:"createdAt"`
}

// Summary is the level-2 view of a patient: enough to confirm who they
// are and what is coming up, without exposing the clinical record.
type Summary struct {
	PatientID       string       `json:"patientId"`
	Name            string       `json:"name"`
	UpcomingVisits  int          `json:"upcomingVisits"`
	NextAppointment *Appointment `json:"nextAppointment,omitempty"`
}

// FullRecord is the level-3 view: the complete demographic record plus
// every appointment on file.
type FullRecord struct {
	PatientID    string        `json:"patientId"`
	Name         string        `json:"name"`
	BirthDate    string        `json:"birthDate"`
	Addresses    []Address     `json:"addresses"`
	Contacts     []Contact     `json:"contacts"`
	Appointments []Appointment `json:"appointments"`
}

type Address struct {
	Lines      []string `json:"lines"`
	City       string   `json:"city"`
	PostalCode string   `json:"postalCode"`
}

type Contact struct {
	System string `json:"system"`
	Value  string `json:"value"`
}
