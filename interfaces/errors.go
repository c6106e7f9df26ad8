package interfaces

import "errors"

// Error taxonomy shared by all components. Implementations wrap these with
// call-site context; callers match them with errors.Is. A failure on one key
// identifier never affects others and leaves the store usable.
var (
	// ErrInvalidIdentifier is returned when a key identifier fails the
	// variant-specific range validation performed before any lookup.
	ErrInvalidIdentifier = errors.New("invalid key identifier")

	// ErrNotFound is returned by retrieval when no Active entry exists for
	// the identifier.
	ErrNotFound = errors.New("key not found")

	// ErrNoSession is returned by derivation when no export master key is
	// present, i.e. no session has been established.
	ErrNoSession = errors.New("no established session")

	// ErrSessionTimeout is returned when the firmware trust anchor does not
	// answer the handshake within the configured deadline.
	ErrSessionTimeout = errors.New("session handshake timed out")

	// ErrAttestationRejected is returned when the trust anchor refuses the
	// handshake evidence.
	ErrAttestationRejected = errors.New("attestation rejected")

	// ErrUnsupportedVariant is returned when an operation requires a
	// capability the resolved device variant does not have.
	ErrUnsupportedVariant = errors.New("unsupported device variant")

	// ErrRotationNotSupported is returned by rotation triggers when policy
	// disallows rotation on this variant.
	ErrRotationNotSupported = errors.New("key rotation not supported")

	// ErrRotationInProgress is returned when a rotation is already pending
	// for the targeted identifier.
	ErrRotationInProgress = errors.New("key rotation already in progress")

	// ErrDerivationFailed is returned when the key store cannot produce
	// fresh material for a rotation.
	ErrDerivationFailed = errors.New("key derivation failed")

	// ErrUnsupportedOperation is returned by the fail-fast stubs bound for
	// variants without confidential-compute support.
	ErrUnsupportedOperation = errors.New("operation not supported on this variant")

	// ErrEngineFailed is returned by lifecycle phases after the engine was
	// forced into the terminal error state.
	ErrEngineFailed = errors.New("engine is in error state")

	// ErrPhaseOrdering is returned when a lifecycle phase is invoked out of
	// order.
	ErrPhaseOrdering = errors.New("lifecycle phase out of order")
)
