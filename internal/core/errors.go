package core

import (
	"ConfidentialPerp/internal/confidential"
	"ConfidentialPerp/internal/oracle"
	"errors"
)

var (
	// ErrInvalidState: unknown or closed position, unknown order or match,
	// unknown withdrawal.
	ErrInvalidState = errors.New("invalid state")

	// ErrUnauthorized: non-owner position mutation or non-admin call.
	ErrUnauthorized = errors.New("unauthorized")

	ErrInvalidLeverage = errors.New("invalid leverage")

	// ErrStaleAttestation: the attested handle is not the predicate the
	// ledger recomputes from current state.
	ErrStaleAttestation = errors.New("stale attestation")

	// ErrPredicateNotSatisfied: the attestation is valid and current, but
	// the predicate decrypted to false.
	ErrPredicateNotSatisfied = errors.New("predicate not satisfied")
)

// rejectReason maps an error to a metric label
func rejectReason(err error) string {
	switch {
	case errors.Is(err, ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrInvalidLeverage):
		return "invalid_leverage"
	case errors.Is(err, ErrStaleAttestation):
		return "stale_attestation"
	case errors.Is(err, ErrPredicateNotSatisfied):
		return "predicate_false"
	case errors.Is(err, oracle.ErrInvalidAttestation):
		return "invalid_attestation"
	case errors.Is(err, confidential.ErrMalformedCiphertext):
		return "malformed_ciphertext"
	default:
		return "other"
	}
}
