package pkg

import "errors"

// Caller-facing error conditions. These are the only errors HandleTurn
// returns directly; everything else is absorbed into the response envelope
// (tool failures as data, reasoning exhaustion as a degraded response).
var (
	// ErrSessionNotFound is returned when a provided session id does not
	// resolve, either unknown or already expired.
	ErrSessionNotFound = errors.New("session not found")

	// ErrMissingPatientContext is returned when a turn classifies as a
	// personal-record query but neither the session nor the request carries
	// a patient identifier. Deliberately not downgraded to general advice.
	ErrMissingPatientContext = errors.New("personal-record query requires a patient identifier")

	// ErrInvalidAttachment is returned for attachment references whose
	// extension matches neither the image nor the audio allow-list.
	ErrInvalidAttachment = errors.New("invalid attachment reference")

	// ErrEmptyTurn is returned when a turn carries neither usable text nor
	// an attachment after input sanitization.
	ErrEmptyTurn = errors.New("turn carries no text and no attachment")
)
