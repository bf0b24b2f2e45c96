package channel

import "errors"

// Error kinds shared by the store and the protocols. Callers match them with
// errors.Is; every layer wraps them with context.
var (
	ErrChannelNotFound          = errors.New("channel not found")
	ErrNotAParticipant          = errors.New("not a participant")
	ErrInvalidNonce             = errors.New("invalid nonce")
	ErrAlreadyFunded            = errors.New("channel already funded")
	ErrUnknownSigner            = errors.New("unknown signer")
	ErrUnsafeToSign             = errors.New("unsafe to sign")
	ErrChannelUnderfunded       = errors.New("channel underfunded")
	ErrInsufficientFunds        = errors.New("insufficient funds")
	ErrDestinationMissing       = errors.New("destination missing")
	ErrTargetChannelUnderfunded = errors.New("target channel underfunded")
	ErrInvariantViolation       = errors.New("invariant violation")
	ErrChannelNotFinalized      = errors.New("channel not finalized")
	ErrStateConflict            = errors.New("conflicting state supported")
	ErrInvalidGuarantee         = errors.New("invalid guarantee")

	ErrUnsupportedOutcome = errors.New("unsupported outcome")
	ErrInvalidSignature   = errors.New("invalid signature")
	ErrChannelIDMismatch  = errors.New("channel id does not match constants")
	ErrNegativeAmount     = errors.New("negative amount")
)
