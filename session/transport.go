package session

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/ruteri/gpu-cc-key-manager/attestation"
)

// Request is the opaque handshake request crossing to the firmware trust
// anchor. Only the trigger/result contract is in scope here; the anchor's
// wire format is the transport's concern.
type Request struct {
	SessionID    string
	Nonce        [32]byte
	EvidenceType string
	Evidence     []byte
}

// Response is the anchor's answer. On acceptance Seed carries the seed
// secret; the bootstrap wipes it after copying it into the session state.
type Response struct {
	Accepted bool
	Reason   string
	Seed     []byte
}

// Transport performs the request/response exchange with the firmware trust
// anchor. Exchange is the only long-blocking call in this module and must
// honor the context.
type Transport interface {
	Exchange(ctx context.Context, req *Request) (*Response, error)

	// Close releases an established session with the anchor. Closing an
	// unknown session is not an error.
	Close(ctx context.Context, sessionID string) error
}

// LoopbackAnchor is an in-process trust anchor used by tests and the demo
// daemon. It accepts any evidence unless VerifyEvidence is set, and answers
// with a random seed per session.
type LoopbackAnchor struct {
	// VerifyEvidence, when set, is applied to every request; a non-nil
	// error rejects the handshake.
	VerifyEvidence func(req *Request) error

	// Delay postpones every answer, for exercising handshake timeouts.
	Delay time.Duration

	mu       sync.Mutex
	sessions map[string]struct{}
}

func (a *LoopbackAnchor) Exchange(ctx context.Context, req *Request) (*Response, error) {
	if a.Delay > 0 {
		select {
		case <-time.After(a.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if a.VerifyEvidence != nil {
		if err := a.VerifyEvidence(req); err != nil {
			return &Response{Accepted: false, Reason: err.Error()}, nil
		}
	}

	seed := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, seed); err != nil {
		return nil, fmt.Errorf("generating seed: %w", err)
	}

	a.mu.Lock()
	if a.sessions == nil {
		a.sessions = make(map[string]struct{})
	}
	a.sessions[req.SessionID] = struct{}{}
	a.mu.Unlock()

	return &Response{Accepted: true, Seed: seed}, nil
}

func (a *LoopbackAnchor) Close(_ context.Context, sessionID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.sessions, sessionID)
	return nil
}

// DCAPEvidenceVerifier returns a VerifyEvidence hook that checks qemu-tdx
// requester evidence: the quote must parse, verify against the collateral
// chain, and carry the report data binding this exact handshake.
func DCAPEvidenceVerifier() func(req *Request) error {
	return func(req *Request) error {
		if req.EvidenceType != "qemu-tdx" {
			return fmt.Errorf("unexpected evidence type %q", req.EvidenceType)
		}

		var reportData [64]byte
		idHash := sha256.Sum256([]byte(req.SessionID))
		copy(reportData[:32], idHash[:])
		copy(reportData[32:], req.Nonce[:])

		return attestation.VerifyDCAP(reportData, req.Evidence)
	}
}

// SessionCount reports the number of sessions the anchor considers open.
func (a *LoopbackAnchor) SessionCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.sessions)
}
