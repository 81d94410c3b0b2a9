package auth

// Action names a high-level operation a caller can be authorized for on
// the voice channel. Every action maps to exactly one required level; an
// action without a mapping is rejected outright rather than defaulting.
type Action string

const (
	ActionViewAppointments     Action = "view_appointments"
	ActionBookAppointment      Action = "book_appointment"
	ActionViewMedicalRecord    Action = "view_medical_record"
	ActionUpdateContactDetails Action = "update_contact_details"
	ActionCancelAppointment    Action = "cancel_appointment"
	ActionRequestPrescription  Action = "request_prescription"
)

// AllActions lists every known action. Tests pin that each entry has a
// level mapping so a new action cannot ship without one.
var AllActions = []Action{
	ActionViewAppointments,
	ActionBookAppointment,
	ActionViewMedicalRecord,
	ActionUpdateContactDetails,
	ActionCancelAppointment,
	ActionRequestPrescription,
}

// Valid reports whether the action has a level mapping.
func (a Action) Valid() bool {
	return a.RequiredLevel() != LevelNone
}

// RequiredLevel returns the minimum session level needed to perform the
// action, or LevelNone for unknown actions.
func (a Action) RequiredLevel() int {
	switch a {
	case ActionViewAppointments, ActionBookAppointment:
		return LevelVerified
	case ActionViewMedicalRecord, ActionUpdateContactDetails:
		return LevelStrong
	case ActionCancelAppointment, ActionRequestPrescription:
		return LevelAction
	}
	return LevelNone
}
