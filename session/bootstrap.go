// Package session bootstraps the secure channel with the firmware trust
// anchor and yields the seed secret the key store derivation consumes.
//
// The concrete binding is selected once from the device variant: the
// host-kernel role performs the attested handshake over a Transport, the
// guest-VF role reports a trivially-absent success since guests receive their
// keys from the host rather than attesting independently.
package session

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ruteri/gpu-cc-key-manager/attestation"
	"github.com/ruteri/gpu-cc-key-manager/interfaces"
	"github.com/ruteri/gpu-cc-key-manager/metrics"
	"github.com/ruteri/gpu-cc-key-manager/variant"
)

// DefaultHandshakeTimeout bounds the anchor exchange when the caller's
// context carries no deadline of its own.
const DefaultHandshakeTimeout = 10 * time.Second

// Config wires a bootstrap instance.
type Config struct {
	Transport Transport
	Provider  attestation.Provider

	// HandshakeTimeout bounds EstablishSessionAndKeys; DefaultHandshakeTimeout
	// when zero.
	HandshakeTimeout time.Duration

	Log *slog.Logger
}

// New binds the session bootstrap for the resolved device variant.
func New(v variant.DeviceVariant, cfg Config) interfaces.SessionBootstrap {
	if !v.IsCCCapable() {
		return &unsupportedBootstrap{variant: v}
	}
	if !v.IsHostKernel() {
		return &guestBootstrap{variant: v}
	}

	timeout := cfg.HandshakeTimeout
	if timeout == 0 {
		timeout = DefaultHandshakeTimeout
	}
	return &hostBootstrap{
		variant:  v,
		tr:       cfg.Transport,
		provider: cfg.Provider,
		timeout:  timeout,
		log:      cfg.Log.With("component", "session"),
	}
}

// hostBootstrap performs the attested handshake for the host-kernel role.
type hostBootstrap struct {
	interfaces.MasterKeyAuthorization

	variant  variant.DeviceVariant
	tr       Transport
	provider attestation.Provider
	timeout  time.Duration
	log      *slog.Logger

	mu      sync.Mutex
	current string
}

func (b *hostBootstrap) IsSpdmEnabled() bool { return true }

// EstablishSessionAndKeys attests this environment to the trust anchor and
// receives the seed secret. The evidence binds the session identifier and a
// fresh nonce into the report data so the anchor can tie the quote to this
// exact handshake.
func (b *hostBootstrap) EstablishSessionAndKeys(ctx context.Context) (interfaces.SessionState, error) {
	id := uuid.NewString()

	var nonce [32]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return interfaces.SessionState{}, fmt.Errorf("generating handshake nonce: %w", err)
	}

	var reportData [64]byte
	idHash := sha256.Sum256([]byte(id))
	copy(reportData[:32], idHash[:])
	copy(reportData[32:], nonce[:])

	evidence, err := b.provider.Attest(reportData)
	if err != nil {
		return interfaces.SessionState{}, fmt.Errorf("generating handshake evidence: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	started := time.Now()
	resp, err := b.tr.Exchange(ctx, &Request{
		SessionID:    id,
		Nonce:        nonce,
		EvidenceType: b.provider.Type(),
		Evidence:     evidence,
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return interfaces.SessionState{}, fmt.Errorf("handshake with trust anchor: %w", interfaces.ErrSessionTimeout)
		}
		return interfaces.SessionState{}, fmt.Errorf("handshake with trust anchor: %w", err)
	}
	metrics.SessionHandshakeSeconds.Observe(time.Since(started).Seconds())

	if !resp.Accepted {
		return interfaces.SessionState{}, fmt.Errorf("trust anchor refused handshake: %s: %w", resp.Reason, interfaces.ErrAttestationRejected)
	}
	if len(resp.Seed) != interfaces.SecretSize {
		return interfaces.SessionState{}, fmt.Errorf("trust anchor returned %d-byte seed: %w", len(resp.Seed), interfaces.ErrAttestationRejected)
	}

	seed := make([]byte, interfaces.SecretSize)
	copy(seed, resp.Seed)
	for i := range resp.Seed {
		resp.Seed[i] = 0
	}

	b.mu.Lock()
	b.current = id
	b.mu.Unlock()

	b.log.Info("session established", "session", id)
	return interfaces.NewSessionState(id, seed), nil
}

// Teardown releases the current session with the anchor. Idempotent.
func (b *hostBootstrap) Teardown(ctx context.Context) error {
	b.mu.Lock()
	id := b.current
	b.current = ""
	b.mu.Unlock()

	if id == "" {
		return nil
	}
	if err := b.tr.Close(ctx, id); err != nil {
		return fmt.Errorf("closing session %s: %w", id, err)
	}
	b.log.Info("session closed", "session", id)
	return nil
}

// guestBootstrap is the guest-VF binding: no handshake, no seed.
type guestBootstrap struct {
	variant variant.DeviceVariant
}

func (g *guestBootstrap) IsSpdmEnabled() bool { return false }

// EstablishSessionAndKeys reports a trivially-absent success: the guest's
// keys arrive from the host, not via independent attestation.
func (g *guestBootstrap) EstablishSessionAndKeys(_ context.Context) (interfaces.SessionState, error) {
	return interfaces.SessionState{}, nil
}

func (g *guestBootstrap) Teardown(_ context.Context) error { return nil }

// unsupportedBootstrap is the fail-fast binding for silicon without the
// attested handshake.
type unsupportedBootstrap struct {
	variant variant.DeviceVariant
}

func (u *unsupportedBootstrap) IsSpdmEnabled() bool { return false }

func (u *unsupportedBootstrap) EstablishSessionAndKeys(_ context.Context) (interfaces.SessionState, error) {
	return interfaces.SessionState{}, fmt.Errorf("session bootstrap on %s: %w", u.variant, interfaces.ErrUnsupportedVariant)
}

func (u *unsupportedBootstrap) Teardown(_ context.Context) error { return nil }
