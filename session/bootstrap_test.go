package session

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruteri/gpu-cc-key-manager/attestation"
	"github.com/ruteri/gpu-cc-key-manager/interfaces"
	"github.com/ruteri/gpu-cc-key-manager/variant"
)

var (
	hopperHost  = variant.DeviceVariant{Family: variant.FamilyHopper, Role: variant.RoleHostKernel}
	hopperGuest = variant.DeviceVariant{Family: variant.FamilyHopper, Role: variant.RoleGuestVF}
	adaHost     = variant.DeviceVariant{Family: variant.FamilyAda, Role: variant.RoleHostKernel}
)

func newHostBootstrap(t *testing.T, anchor *LoopbackAnchor, timeout time.Duration) interfaces.SessionBootstrap {
	t.Helper()
	return New(hopperHost, Config{
		Transport:        anchor,
		Provider:         attestation.DummyProvider{},
		HandshakeTimeout: timeout,
		Log:              slog.Default(),
	})
}

func TestHostBootstrap_EstablishAndTeardown(t *testing.T) {
	anchor := &LoopbackAnchor{}
	b := newHostBootstrap(t, anchor, 0)
	assert.True(t, b.IsSpdmEnabled(), "host bootstrap supports the attested handshake")

	sess, err := b.EstablishSessionAndKeys(context.Background())
	require.NoError(t, err, "handshake against the loopback anchor should succeed")
	assert.True(t, sess.Established)
	assert.NotEmpty(t, sess.ID)
	assert.Equal(t, 1, anchor.SessionCount(), "the anchor should track the open session")

	err = sess.UseSeed(func(seed []byte) error {
		assert.Len(t, seed, interfaces.SecretSize)
		return nil
	})
	assert.NoError(t, err, "the seed should be readable until zeroized")

	require.NoError(t, b.Teardown(context.Background()))
	assert.Equal(t, 0, anchor.SessionCount(), "teardown should close the anchor session")
	assert.NoError(t, b.Teardown(context.Background()), "teardown is idempotent")
}

func TestHostBootstrap_Timeout(t *testing.T) {
	anchor := &LoopbackAnchor{Delay: 500 * time.Millisecond}
	b := newHostBootstrap(t, anchor, 20*time.Millisecond)

	_, err := b.EstablishSessionAndKeys(context.Background())
	assert.ErrorIs(t, err, interfaces.ErrSessionTimeout, "a slow anchor must trip the handshake timeout")
}

func TestHostBootstrap_EvidenceRejected(t *testing.T) {
	anchor := &LoopbackAnchor{
		VerifyEvidence: func(req *Request) error {
			return errors.New("measurement mismatch")
		},
	}
	b := newHostBootstrap(t, anchor, 0)

	_, err := b.EstablishSessionAndKeys(context.Background())
	assert.ErrorIs(t, err, interfaces.ErrAttestationRejected, "rejected evidence must map to the attestation error")
	assert.Equal(t, 0, anchor.SessionCount(), "no session may exist after a rejected handshake")
}

func TestHostBootstrap_EvidenceCarriesBinding(t *testing.T) {
	var seen *Request
	anchor := &LoopbackAnchor{
		VerifyEvidence: func(req *Request) error {
			seen = &Request{SessionID: req.SessionID, Nonce: req.Nonce, EvidenceType: req.EvidenceType}
			return nil
		},
	}
	b := newHostBootstrap(t, anchor, 0)

	sess, err := b.EstablishSessionAndKeys(context.Background())
	require.NoError(t, err)
	require.NotNil(t, seen, "the anchor should have seen the evidence")
	assert.Equal(t, sess.ID, seen.SessionID, "the request must carry the session identifier")
	assert.NotEqual(t, [32]byte{}, seen.Nonce, "the request must carry a fresh nonce")
	assert.Equal(t, attestation.DummyProvider{}.Type(), seen.EvidenceType)
}

func TestGuestBootstrap_TriviallyAbsentSuccess(t *testing.T) {
	b := New(hopperGuest, Config{Log: slog.Default()})
	assert.False(t, b.IsSpdmEnabled(), "guests do not handshake")

	sess, err := b.EstablishSessionAndKeys(context.Background())
	require.NoError(t, err, "guest bootstrap succeeds without a handshake")
	assert.False(t, sess.Established, "guest sessions are absent, not failed")

	err = sess.UseSeed(func([]byte) error { return nil })
	assert.ErrorIs(t, err, interfaces.ErrNoSession, "an absent session carries no seed")

	assert.NoError(t, b.Teardown(context.Background()))
}

func TestUnsupportedBootstrap_Fails(t *testing.T) {
	b := New(adaHost, Config{Log: slog.Default()})
	assert.False(t, b.IsSpdmEnabled())

	_, err := b.EstablishSessionAndKeys(context.Background())
	assert.ErrorIs(t, err, interfaces.ErrUnsupportedVariant, "non-CC silicon cannot establish a session")
	assert.NoError(t, b.Teardown(context.Background()), "teardown stays a safe no-op")
}

func TestDCAPEvidenceVerifier_RejectsWrongType(t *testing.T) {
	verify := DCAPEvidenceVerifier()

	err := verify(&Request{SessionID: "s", EvidenceType: "dummy", Evidence: []byte("anything")})
	assert.Error(t, err, "non-quote evidence must not pass the quote verifier")
}

func TestDCAPEvidenceVerifier_RejectsMalformedQuote(t *testing.T) {
	verify := DCAPEvidenceVerifier()

	err := verify(&Request{SessionID: "s", EvidenceType: "qemu-tdx", Evidence: []byte("not a quote")})
	assert.Error(t, err, "garbage bytes must fail quote parsing")
}

func TestHostBootstrap_VerifyingAnchorRejectsDummyEvidence(t *testing.T) {
	anchor := &LoopbackAnchor{VerifyEvidence: DCAPEvidenceVerifier()}
	b := newHostBootstrap(t, anchor, 0)

	_, err := b.EstablishSessionAndKeys(context.Background())
	assert.ErrorIs(t, err, interfaces.ErrAttestationRejected, "a verifying anchor must refuse dummy evidence")
	assert.Equal(t, 0, anchor.SessionCount())
}

func TestLoopbackAnchor_SeedsAreUnique(t *testing.T) {
	anchor := &LoopbackAnchor{}
	ctx := context.Background()

	resp1, err := anchor.Exchange(ctx, &Request{SessionID: "a"})
	require.NoError(t, err)
	resp2, err := anchor.Exchange(ctx, &Request{SessionID: "b"})
	require.NoError(t, err)

	require.True(t, resp1.Accepted)
	require.True(t, resp2.Accepted)
	assert.NotEqual(t, resp1.Seed, resp2.Seed, "each session gets its own seed")
}
