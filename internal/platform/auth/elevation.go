package auth

// ElevationHint tells a client which factor(s) would raise a session to a
// given level, with a user-facing prompt in English and German. The table
// is static: clients never hardcode the factor ladder.
type ElevationHint struct {
	Factors     []string `json:"factors"`
	Prompt      string   `json:"prompt"`
	PromptDe    string   `json:"promptDe"`
	RequiresOtp bool     `json:"requiresOtp,omitempty"`
}

var elevationHints = map[int]ElevationHint{
	LevelIdentity: {
		Factors:  []string{"birthDate"},
		Prompt:   "Please confirm your date of birth.",
		PromptDe: "Bitte bestätigen Sie Ihr Geburtsdatum.",
	},
	LevelVerified: {
		Factors:  []string{"postalCode", "city"},
		Prompt:   "Please confirm your postal code or city.",
		PromptDe: "Bitte bestätigen Sie Ihre Postleitzahl oder Ihren Wohnort.",
	},
	LevelStrong: {
		Factors:  []string{"streetName"},
		Prompt:   "Please confirm your street name.",
		PromptDe: "Bitte bestätigen Sie Ihren Straßennamen.",
	},
	LevelAction: {
		Factors:     []string{"otp"},
		Prompt:      "Please confirm the one-time code we sent to your phone.",
		PromptDe:    "Bitte bestätigen Sie den Einmalcode, den wir an Ihr Telefon gesendet haben.",
		RequiresOtp: true,
	},
}

// HintForLevel returns the elevation hint for the given target level.
// Unknown levels return a zero hint.
func HintForLevel(level int) ElevationHint {
	return elevationHints[level]
}
