package interfaces

import (
	"context"

	"github.com/ruteri/gpu-cc-key-manager/variant"
)

// PhaseFlags carries the host-supplied flags for load/unload phases, e.g.
// whether the transition is part of a suspend/resume cycle.
type PhaseFlags uint32

const (
	// PhaseFlagSuspendResume marks a load/unload driven by power
	// management rather than a full teardown.
	PhaseFlagSuspendResume PhaseFlags = 1 << iota
)

// PhaseParticipant is the contract the Engine Host drives through the
// lifecycle phases. This module implements it with the confidential-compute
// engine; the generic lifecycle driver holds a participant by composition.
//
// Locked-phase hooks run under the device-wide lock the driver acquires;
// participants must not block indefinitely in them. Any error from a locked
// phase halts the engine's later phases and propagates to the host.
type PhaseParticipant interface {
	// ConstructEngine binds the variant-selected implementations and
	// computes the property flags. Invoked exactly once, before any phase.
	ConstructEngine(v variant.DeviceVariant) error

	StatePreInitLocked(ctx context.Context) error
	StatePreInitUnlocked(ctx context.Context) error
	StateInitLocked(ctx context.Context) error
	StateInitUnlocked(ctx context.Context) error
	StatePreLoad(ctx context.Context, flags PhaseFlags) error
	StateLoad(ctx context.Context, flags PhaseFlags) error
	StatePostLoad(ctx context.Context, flags PhaseFlags) error
	StatePreUnload(ctx context.Context, flags PhaseFlags) error
	StateUnload(ctx context.Context, flags PhaseFlags) error
	StatePostUnload(ctx context.Context, flags PhaseFlags) error
	StateDestroy(ctx context.Context)

	// IsPresent lets the participant declare itself absent for the
	// resolved variant; all later phases then complete as no-ops.
	IsPresent() bool

	// InitMissing records the absent declaration on the participant.
	InitMissing()

	// SetErrorState forces the participant to treat the engine as failed.
	// It does not abort in-flight operations but blocks new ones.
	SetErrorState()
}
