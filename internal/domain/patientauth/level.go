package patientauth

import "github.com/careline/careline/internal/platform/fhir"

// ---------------------------------------------------------------------------
// Progressive level engine
// ---------------------------------------------------------------------------

// LevelResult is the outcome of evaluating a factor bag against a
// patient record. FailedFactor names the first factor that was supplied
// but did not match; it is empty when the caller simply stopped
// offering factors.
type LevelResult struct {
	Level        int
	FailedFactor string
}

// EvaluateFactors walks the verification ladder from level 0 upward.
// Each tier consumes its factor only when one was supplied; a missing
// factor ends the climb at the level reached so far, while a supplied
// but wrong factor ends it with that factor reported as failed. Levels
// are never skipped.
func EvaluateFactors(p *fhir.Patient, factors FactorSet) LevelResult {
	return ElevateFactors(p, 0, factors)
}

// ElevateFactors resumes the ladder from an already-established level.
// It checks only the tiers above current and returns the new level, or
// the failed factor. Callers holding level 3 cannot climb further with
// knowledge factors.
func ElevateFactors(p *fhir.Patient, current int, factors FactorSet) LevelResult {
	res := LevelResult{Level: current}

	// Tier 1: birth date.
	if current < 1 {
		if factors.BirthDate == "" {
			return res
		}
		if !matchBirthDate(factors.BirthDate, p.BirthDate) {
			res.FailedFactor = "birthDate"
			return res
		}
		res.Level = 1
	}

	// Tier 2: postal code, with city as fallback.
	if res.Level < 2 {
		if factors.PostalCode == "" && factors.City == "" {
			return res
		}
		passed := false
		if factors.PostalCode != "" && matchPostalCode(factors.PostalCode, p.Addresses) {
			passed = true
		}
		if !passed && factors.City != "" && matchCity(factors.City, p.Addresses) {
			passed = true
		}
		if !passed {
			if factors.PostalCode != "" {
				res.FailedFactor = "postalCode"
			} else {
				res.FailedFactor = "city"
			}
			return res
		}
		res.Level = 2
	}

	// Tier 3: street name.
	if res.Level < 3 {
		if factors.StreetName == "" {
			return res
		}
		if !matchStreetName(factors.StreetName, p.Addresses) {
			res.FailedFactor = "streetName"
			return res
		}
		res.Level = 3
	}
	return res
}
