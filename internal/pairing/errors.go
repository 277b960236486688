package pairing

import "errors"

// Pairing-domain errors. All are user-facing and non-retryable: the
// caller must obtain a new invitation (or upgrade the subscription),
// retrying the same call cannot succeed. Match with errors.Is.
var (
	// ErrInvitationExpired means the invitation's TTL elapsed before
	// acceptance.
	ErrInvitationExpired = errors.New("pairing: invitation expired")

	// ErrInvitationAlreadyUsed means the single-use invitation was
	// already accepted.
	ErrInvitationAlreadyUsed = errors.New("pairing: invitation already used")

	// ErrSameAccountPairing means the accepting device belongs to the
	// inviting account. Same-account pairing would collapse the
	// private/shared data isolation the sync design depends on, so it is
	// rejected outright.
	ErrSameAccountPairing = errors.New("pairing: cannot pair devices on the same account")

	// ErrMaxSupervisorsReached means the supervised device already holds
	// the maximum number of active trust edges.
	ErrMaxSupervisorsReached = errors.New("pairing: supervised device already has the maximum number of supervisors")

	// ErrQuotaExceeded means the supervisor's subscription device limit
	// is already reached.
	ErrQuotaExceeded = errors.New("pairing: subscription device limit reached")

	// ErrInvalidToken means the verification token did not match.
	ErrInvalidToken = errors.New("pairing: verification token mismatch")

	// ErrUnknownPayloadVersion means the pairing payload declared a
	// version this build does not understand. Fail closed, never
	// guess-parse.
	ErrUnknownPayloadVersion = errors.New("pairing: unknown payload version")
)
