package interfaces

import "context"

// SessionState is the result of the session bootstrap. While established it
// carries the opaque seed secret the key store derivation consumes. The seed
// is never handed out by value; consumers receive scoped access through
// UseSeed and the owner wipes it with Zeroize once the store has consumed it.
type SessionState struct {
	// Established reports whether a secure session with the firmware trust
	// anchor exists. Guest variants return an unestablished state from a
	// successful bootstrap: guests receive keys from the host instead.
	Established bool

	// ID is the session identifier assigned at handshake, for logging and
	// teardown correlation. Never secret.
	ID string

	seed []byte
}

// NewSessionState builds an established session around the given seed secret.
// The state takes ownership of the slice; callers must not retain it.
func NewSessionState(id string, seed []byte) SessionState {
	return SessionState{Established: true, ID: id, seed: seed}
}

// UseSeed invokes fn with the seed secret without copying it out. It returns
// ErrNoSession if the session is not established or already zeroized.
func (s *SessionState) UseSeed(fn func(seed []byte) error) error {
	if !s.Established || len(s.seed) == 0 {
		return ErrNoSession
	}
	return fn(s.seed)
}

// Zeroize wipes the seed secret. The session remains nominally established
// for teardown bookkeeping but can no longer feed derivation.
func (s *SessionState) Zeroize() {
	for i := range s.seed {
		s.seed[i] = 0
	}
	s.seed = nil
}

// SessionBootstrap establishes and tears down the secure channel with the
// firmware trust anchor. The concrete implementation is selected once from
// the device variant: the host-kernel role performs the attested handshake,
// the guest role reports a trivially-absent success.
type SessionBootstrap interface {
	// IsSpdmEnabled reports whether the variant supports the attested
	// handshake at all. Checked before any handshake attempt.
	IsSpdmEnabled() bool

	// EstablishSessionAndKeys performs the handshake and yields the seed
	// secret. It is the only long-blocking operation in this module and
	// honors the context deadline, failing ErrSessionTimeout on expiry.
	EstablishSessionAndKeys(ctx context.Context) (SessionState, error)

	// Teardown releases the session with the trust anchor. Idempotent.
	Teardown(ctx context.Context) error
}
