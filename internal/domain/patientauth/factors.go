package patientauth

import (
	"strings"
	"time"
	"unicode"

	"github.com/careline/careline/internal/platform/fhir"
)

// ---------------------------------------------------------------------------
// Knowledge factor validators
// ---------------------------------------------------------------------------

// FactorSet is the bag of knowledge factors a caller may supply. Every
// field is optional; empty means "not offered".
type FactorSet struct {
	BirthDate  string `json:"birthDate,omitempty"`
	PostalCode string `json:"postalCode,omitempty"`
	City       string `json:"city,omitempty"`
	StreetName string `json:"streetName,omitempty"`
}

// Empty reports whether no factor was supplied at all.
func (f FactorSet) Empty() bool {
	return f.BirthDate == "" && f.PostalCode == "" && f.City == "" && f.StreetName == ""
}

// matchBirthDate compares the claimed birth date against the stored one
// on the calendar date only. The claim is accepted as ISO date or a full
// timestamp; time-of-day and zone never matter.
func matchBirthDate(claimed string, stored time.Time) bool {
	if stored.IsZero() {
		return false
	}
	claimed = strings.TrimSpace(claimed)
	parsed, err := time.Parse("2006-01-02", claimed)
	if err != nil {
		parsed, err = time.Parse(time.RFC3339, claimed)
		if err != nil {
			return false
		}
	}
	y1, m1, d1 := parsed.Date()
	y2, m2, d2 := stored.Date()
	return y1 == y2 && m1 == m2 && d1 == d2
}

// matchPostalCode accepts the claim when it equals the postal code of
// any of the patient's addresses, ignoring case and surrounding space.
func matchPostalCode(claimed string, addrs []fhir.Address) bool {
	claimed = normalizeFactor(claimed)
	if claimed == "" {
		return false
	}
	for _, a := range addrs {
		if normalizeFactor(a.PostalCode) == claimed {
			return true
		}
	}
	return false
}

// matchCity accepts the claim when it equals the city of any address,
// ignoring case and surrounding space.
func matchCity(claimed string, addrs []fhir.Address) bool {
	claimed = normalizeFactor(claimed)
	if claimed == "" {
		return false
	}
	for _, a := range addrs {
		if normalizeFactor(a.City) == claimed {
			return true
		}
	}
	return false
}

// matchStreetName compares the claimed street against every address
// line. House numbers are stripped from both sides, so "Hauptstrasse 12"
// matches a record storing "Hauptstrasse". A claim also matches when one
// side is a prefix of the other and the shared part is at least five
// characters, which tolerates abbreviated spellings like "Hauptstr".
// Claims shorter than three characters are rejected outright.
func matchStreetName(claimed string, addrs []fhir.Address) bool {
	claimed = stripHouseNumber(normalizeFactor(claimed))
	if len([]rune(claimed)) < 3 {
		return false
	}
	for _, a := range addrs {
		for _, line := range a.Lines {
			stored := stripHouseNumber(normalizeFactor(line))
			if stored == "" {
				continue
			}
			if claimed == stored {
				return true
			}
			shorter, longer := claimed, stored
			if len(shorter) > len(longer) {
				shorter, longer = longer, shorter
			}
			if len([]rune(shorter)) >= 5 && strings.HasPrefix(longer, shorter) {
				return true
			}
		}
	}
	return false
}

func normalizeFactor(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// stripHouseNumber drops a trailing house number token such as "12" or
// "12a" so street comparisons work on the name alone.
func stripHouseNumber(s string) string {
	fields := strings.Fields(s)
	if len(fields) < 2 {
		return strings.Join(fields, " ")
	}
	if isHouseNumber(fields[len(fields)-1]) {
		fields = fields[:len(fields)-1]
	}
	return strings.Join(fields, " ")
}

// isHouseNumber reports whether the token is digits optionally followed
// by a single letter ("12", "12a").
func isHouseNumber(tok string) bool {
	runes := []rune(tok)
	if len(runes) == 0 {
		return false
	}
	digits := 0
	for digits < len(runes) && unicode.IsDigit(runes[digits]) {
		digits++
	}
	if digits == 0 {
		return false
	}
	rest := runes[digits:]
	return len(rest) == 0 || (len(rest) == 1 && unicode.IsLetter(rest[0]))
}
