package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruteri/gpu-cc-key-manager/interfaces"
	"github.com/ruteri/gpu-cc-key-manager/variant"
)

var hopperHost = variant.DeviceVariant{Family: variant.FamilyHopper, Role: variant.RoleHostKernel}

// recordingParticipant records the order of invoked hooks and can fail one.
type recordingParticipant struct {
	calls   []string
	failOn  string
	missing bool
	errored bool
}

func (p *recordingParticipant) hook(name string) error {
	p.calls = append(p.calls, name)
	if p.failOn == name {
		return errors.New(name + " failed")
	}
	return nil
}

func (p *recordingParticipant) ConstructEngine(_ variant.DeviceVariant) error {
	return p.hook("construct")
}
func (p *recordingParticipant) StatePreInitLocked(_ context.Context) error {
	return p.hook("pre-init-locked")
}
func (p *recordingParticipant) StatePreInitUnlocked(_ context.Context) error {
	return p.hook("pre-init-unlocked")
}
func (p *recordingParticipant) StateInitLocked(_ context.Context) error {
	return p.hook("init-locked")
}
func (p *recordingParticipant) StateInitUnlocked(_ context.Context) error {
	return p.hook("init-unlocked")
}
func (p *recordingParticipant) StatePreLoad(_ context.Context, _ interfaces.PhaseFlags) error {
	return p.hook("pre-load")
}
func (p *recordingParticipant) StateLoad(_ context.Context, _ interfaces.PhaseFlags) error {
	return p.hook("load")
}
func (p *recordingParticipant) StatePostLoad(_ context.Context, _ interfaces.PhaseFlags) error {
	return p.hook("post-load")
}
func (p *recordingParticipant) StatePreUnload(_ context.Context, _ interfaces.PhaseFlags) error {
	return p.hook("pre-unload")
}
func (p *recordingParticipant) StateUnload(_ context.Context, _ interfaces.PhaseFlags) error {
	return p.hook("unload")
}
func (p *recordingParticipant) StatePostUnload(_ context.Context, _ interfaces.PhaseFlags) error {
	return p.hook("post-unload")
}
func (p *recordingParticipant) StateDestroy(_ context.Context) { _ = p.hook("destroy") }
func (p *recordingParticipant) IsPresent() bool                { return !p.missing }
func (p *recordingParticipant) InitMissing()                   { p.missing = true }
func (p *recordingParticipant) SetErrorState()                 { p.errored = true }

func TestDriver_FullLifecycleOrder(t *testing.T) {
	p := &recordingParticipant{}
	d := NewDriver(p, nil)
	ctx := context.Background()

	require.NoError(t, d.Construct(hopperHost))
	require.NoError(t, d.Bringup(ctx, 0))
	assert.Equal(t, PhaseActive, d.Phase(), "bring-up should end Active")

	require.NoError(t, d.Teardown(ctx, 0))
	assert.Equal(t, PhaseDestroyed, d.Phase())

	assert.Equal(t, []string{
		"construct",
		"pre-init-locked", "pre-init-unlocked",
		"init-locked", "init-unlocked",
		"pre-load", "load", "post-load",
		"pre-unload", "unload", "post-unload", "destroy",
	}, p.calls, "hooks must run exactly once, in phase order")
}

func TestDriver_RejectsOutOfOrderPhases(t *testing.T) {
	p := &recordingParticipant{}
	d := NewDriver(p, nil)
	ctx := context.Background()

	err := d.InitLocked(ctx)
	assert.ErrorIs(t, err, interfaces.ErrPhaseOrdering, "phases before construction must be refused")

	require.NoError(t, d.Construct(hopperHost))
	err = d.InitLocked(ctx)
	assert.ErrorIs(t, err, interfaces.ErrPhaseOrdering, "init cannot be reached before pre-init")

	require.NoError(t, d.PreInitLocked(ctx))
	err = d.Load(ctx, 0)
	assert.ErrorIs(t, err, interfaces.ErrPhaseOrdering, "load cannot skip the init phases")

	err = d.Construct(hopperHost)
	assert.ErrorIs(t, err, interfaces.ErrPhaseOrdering, "construction runs exactly once")
}

func TestDriver_FailureEntersErrorState(t *testing.T) {
	p := &recordingParticipant{failOn: "init-locked"}
	d := NewDriver(p, nil)
	ctx := context.Background()

	require.NoError(t, d.Construct(hopperHost))
	err := d.Bringup(ctx, 0)
	require.Error(t, err, "a failing locked phase must abort bring-up")
	assert.Equal(t, PhaseError, d.Phase())
	assert.True(t, p.errored, "the participant must be told about the failure")

	err = d.InitUnlocked(ctx)
	assert.ErrorIs(t, err, interfaces.ErrEngineFailed, "later bring-up phases must report the failed engine")

	// Teardown still runs from the error state so material is zeroized.
	require.NoError(t, d.Teardown(ctx, 0))
	assert.Equal(t, PhaseDestroyed, d.Phase())
	assert.Contains(t, p.calls, "unload", "unload hooks must run on the error path")
	assert.Contains(t, p.calls, "destroy")
}

func TestDriver_SetErrorStateOutOfBand(t *testing.T) {
	p := &recordingParticipant{}
	d := NewDriver(p, nil)
	ctx := context.Background()

	require.NoError(t, d.Construct(hopperHost))
	require.NoError(t, d.Bringup(ctx, 0))

	d.SetErrorState()
	assert.Equal(t, PhaseError, d.Phase())
	assert.True(t, p.errored)
	d.SetErrorState() // idempotent

	err := d.Load(ctx, 0)
	assert.ErrorIs(t, err, interfaces.ErrEngineFailed)
}

func TestDriver_AbsentEngineSkipsHooks(t *testing.T) {
	p := &recordingParticipant{}
	d := NewDriver(p, nil)
	ctx := context.Background()

	require.NoError(t, d.Construct(hopperHost))
	p.InitMissing()

	require.NoError(t, d.Bringup(ctx, 0), "an absent engine completes every phase as a no-op")
	assert.Equal(t, PhaseActive, d.Phase())
	require.NoError(t, d.Teardown(ctx, 0))

	assert.Equal(t, []string{"construct"}, p.calls, "no phase hook may run on an absent engine")
}

func TestDriver_TeardownIsIdempotent(t *testing.T) {
	p := &recordingParticipant{}
	d := NewDriver(p, nil)
	ctx := context.Background()

	require.NoError(t, d.Construct(hopperHost))
	require.NoError(t, d.Bringup(ctx, 0))
	require.NoError(t, d.Teardown(ctx, 0))

	calls := len(p.calls)
	require.NoError(t, d.Teardown(ctx, 0), "a second teardown must be a no-op")
	assert.Equal(t, calls, len(p.calls), "no hook may run twice")
}

func TestDriver_TeardownErrorsSurfaceButContinue(t *testing.T) {
	p := &recordingParticipant{failOn: "pre-unload"}
	d := NewDriver(p, nil)
	ctx := context.Background()

	require.NoError(t, d.Construct(hopperHost))
	require.NoError(t, d.Bringup(ctx, 0))

	err := d.Teardown(ctx, 0)
	assert.Error(t, err, "teardown must surface hook failures")
	assert.Equal(t, PhaseDestroyed, d.Phase(), "teardown must still complete")
	assert.Contains(t, p.calls, "unload")
	assert.Contains(t, p.calls, "destroy")
}
