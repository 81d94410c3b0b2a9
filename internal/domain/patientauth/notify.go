package patientauth

import (
	"context"

	"github.com/rs/zerolog"
)

// Notifier delivers a raw token secret to the patient out of band.
// Production wires a mail or SMS gateway; delivery failures are logged,
// never surfaced, so responses stay identical for known and unknown
// identifiers.
type Notifier interface {
	Deliver(ctx context.Context, method TokenMethod, identifier, secret string) error
}

// LogNotifier writes deliveries to the log instead of sending them.
// Useful in development; the secret is logged at debug level only.
type LogNotifier struct {
	Logger zerolog.Logger
}

func (n LogNotifier) Deliver(_ context.Context, method TokenMethod, identifier, secret string) error {
	n.Logger.Info().
		Str("method", string(method)).
		Str("identifier", maskIdentifier(method, identifier)).
		Msg("token delivery")
	n.Logger.Debug().
		Str("secret", secret).
		Msg("token secret (dev only)")
	return nil
}
