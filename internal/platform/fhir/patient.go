package fhir

import (
	"strings"
	"time"
)

// Patient is the canonical patient record as read from the external FHIR
// store. It is read-only input for the authentication core and is never
// written back.
type Patient struct {
	ID        string    `json:"id"`
	Family    string    `json:"family"`
	Given     []string  `json:"given"`
	BirthDate time.Time `json:"birth_date"`
	Addresses []Address `json:"addresses"`
	Telecoms  []Telecom `json:"telecoms"`
}

// Address is one address entry on the patient record.
type Address struct {
	Lines      []string `json:"lines"`
	City       string   `json:"city"`
	PostalCode string   `json:"postal_code"`
}

// Telecom is one contact point (phone number or email address).
type Telecom struct {
	System string `json:"system"` // "phone" or "email"
	Value  string `json:"value"`
}

// DisplayName returns "Given Family" for responses that show the patient
// who they are about to authenticate as.
func (p *Patient) DisplayName() string {
	parts := make([]string, 0, len(p.Given)+1)
	parts = append(parts, p.Given...)
	if p.Family != "" {
		parts = append(parts, p.Family)
	}
	return strings.Join(parts, " ")
}

// HasContact reports whether the identifier matches any of the patient's
// contact points, comparing phones digit-wise and emails case-insensitively.
func (p *Patient) HasContact(identifier string) bool {
	for _, t := range p.Telecoms {
		switch t.System {
		case "phone":
			if normalizePhone(t.Value) == normalizePhone(identifier) {
				return true
			}
		case "email":
			if strings.EqualFold(strings.TrimSpace(t.Value), strings.TrimSpace(identifier)) {
				return true
			}
		}
	}
	return false
}

// normalizePhone strips everything but digits and a leading plus so that
// "+49 30 1234567" and "+49301234567" compare equal.
func normalizePhone(s string) string {
	var b strings.Builder
	for i, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		} else if r == '+' && i == 0 {
			b.WriteRune(r)
		}
	}
	return b.String()
}
