package patientauth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
)

// ---------------------------------------------------------------------------
// Token secrets and identifiers
// ---------------------------------------------------------------------------

// generateSecret returns the raw secret for a new token: a 6-digit code
// for SMS delivery, an opaque 32-byte hex string for link-style
// methods.
func generateSecret(method TokenMethod) (string, error) {
	if method == MethodSMSOTP {
		n, err := rand.Int(rand.Reader, big.NewInt(1000000))
		if err != nil {
			return "", fmt.Errorf("generate otp: %w", err)
		}
		return fmt.Sprintf("%06d", n.Int64()), nil
	}
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// hashToken returns the hex SHA-256 of the raw secret. Only this value
// is ever persisted.
func hashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// matchesHash compares a raw secret against a stored hash in constant
// time.
func matchesHash(raw, storedHash string) bool {
	return subtle.ConstantTimeCompare([]byte(hashToken(raw)), []byte(storedHash)) == 1
}

// ---------------------------------------------------------------------------

// normalizeEmail validates the shape of an email address and lowers it.
func normalizeEmail(s string) (string, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	at := strings.Index(s, "@")
	if at < 1 || at == len(s)-1 || strings.Count(s, "@") != 1 {
		return "", validationFailed("invalid email address")
	}
	if !strings.Contains(s[at+1:], ".") {
		return "", validationFailed("invalid email address")
	}
	return s, nil
}

// normalizePhone validates an E.164-ish phone number and strips
// formatting, keeping a leading plus.
func normalizePhone(s string) (string, error) {
	var b strings.Builder
	for i, r := range s {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' && i == 0:
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '(' || r == ')':
		default:
			return "", validationFailed("invalid phone number")
		}
	}
	out := b.String()
	digits := strings.TrimPrefix(out, "+")
	if len(digits) < 7 || len(digits) > 15 {
		return "", validationFailed("invalid phone number")
	}
	return out, nil
}

// normalizeIdentifier validates the identifier for the given delivery
// method.
func normalizeIdentifier(method TokenMethod, identifier string) (string, error) {
	switch method {
	case MethodMagicLink:
		return normalizeEmail(identifier)
	case MethodSMSOTP:
		return normalizePhone(identifier)
	default:
		return "", validationFailed("unsupported delivery method")
	}
}

// maskIdentifier hides most of the identifier for response bodies:
// "m***@example.com" for email, "+49 ****123" for phone.
func maskIdentifier(method TokenMethod, identifier string) string {
	if method == MethodMagicLink {
		at := strings.Index(identifier, "@")
		if at < 1 {
			return "***"
		}
		return identifier[:1] + "***" + identifier[at:]
	}

	digits := strings.TrimPrefix(identifier, "+")
	if len(digits) < 3 {
		return "****"
	}
	prefix := ""
	if strings.HasPrefix(identifier, "+") && len(digits) > 5 {
		prefix = "+" + digits[:2] + " "
	}
	return prefix + "****" + digits[len(digits)-3:]
}
