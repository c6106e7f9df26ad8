package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/ruteri/gpu-cc-key-manager/interfaces"
	"github.com/ruteri/gpu-cc-key-manager/metrics"
	"github.com/ruteri/gpu-cc-key-manager/variant"
)

// Phase is one state of the engine lifecycle. Each phase is gated on the
// successful completion of the previous one; Error is terminal except for
// teardown.
type Phase int

const (
	PhaseConstructed Phase = iota
	PhasePreInitLocked
	PhasePreInitUnlocked
	PhaseInitLocked
	PhaseInitUnlocked
	PhasePreLoad
	PhaseLoad
	PhasePostLoad
	PhaseActive
	PhasePreUnload
	PhaseUnload
	PhasePostUnload
	PhaseDestroyed
	PhaseError
)

func (p Phase) String() string {
	switch p {
	case PhaseConstructed:
		return "constructed"
	case PhasePreInitLocked:
		return "pre-init-locked"
	case PhasePreInitUnlocked:
		return "pre-init-unlocked"
	case PhaseInitLocked:
		return "init-locked"
	case PhaseInitUnlocked:
		return "init-unlocked"
	case PhasePreLoad:
		return "pre-load"
	case PhaseLoad:
		return "load"
	case PhasePostLoad:
		return "post-load"
	case PhaseActive:
		return "active"
	case PhasePreUnload:
		return "pre-unload"
	case PhaseUnload:
		return "unload"
	case PhasePostUnload:
		return "post-unload"
	case PhaseDestroyed:
		return "destroyed"
	case PhaseError:
		return "error"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Driver walks a phase participant through the lifecycle in order. Lifecycle
// transitions for one engine run on a single control-plane goroutine; Locked
// phases additionally hold the device-wide lock shared with sibling engines,
// totally ordering their initialization.
type Driver struct {
	participant interfaces.PhaseParticipant
	devLock     *sync.Mutex
	constructed bool

	mu      sync.Mutex
	phase   Phase
	errored bool
}

// NewDriver builds a driver around the participant. devLock is the
// device-wide lock shared across sibling engines; a private lock is used if
// nil.
func NewDriver(p interfaces.PhaseParticipant, devLock *sync.Mutex) *Driver {
	if devLock == nil {
		devLock = &sync.Mutex{}
	}
	return &Driver{participant: p, devLock: devLock, phase: PhaseConstructed}
}

// Phase returns the current lifecycle phase.
func (d *Driver) Phase() Phase {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.phase
}

// Construct runs the participant's one-time construction.
func (d *Driver) Construct(v variant.DeviceVariant) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.constructed {
		return fmt.Errorf("engine already constructed: %w", interfaces.ErrPhaseOrdering)
	}
	if err := d.participant.ConstructEngine(v); err != nil {
		d.errored = true
		d.setPhaseLocked(PhaseError)
		return err
	}
	d.constructed = true
	return nil
}

// step advances to target. Bringup steps refuse out-of-order and errored
// transitions; teardown steps additionally accept the Error phase so that
// zeroization runs on every exit path, and they advance even when the hook
// fails so later teardown still proceeds.
func (d *Driver) step(ctx context.Context, target Phase, locked, teardown bool, fn func(context.Context) error) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.constructed {
		return fmt.Errorf("engine not constructed: %w", interfaces.ErrPhaseOrdering)
	}
	if target == d.phase || (teardown && d.phase != PhaseError && d.phase > target) {
		// Re-running a completed phase is a no-op; teardown is idempotent.
		return nil
	}
	if !teardown {
		if d.errored {
			return fmt.Errorf("phase %s: %w", target, interfaces.ErrEngineFailed)
		}
		if d.phase != target-1 {
			return fmt.Errorf("phase %s requested from %s: %w", target, d.phase, interfaces.ErrPhaseOrdering)
		}
	}
	// Teardown accepts any prior phase, Error included: unload hooks are
	// safe on partially initialized components and zeroization must run on
	// every exit path.

	if locked {
		d.devLock.Lock()
		defer d.devLock.Unlock()
	}

	if !d.participant.IsPresent() {
		d.setPhaseLocked(target)
		return nil
	}

	err := fn(ctx)
	if err != nil {
		if teardown {
			d.setPhaseLocked(target)
			return err
		}
		d.errored = true
		d.setPhaseLocked(PhaseError)
		d.participant.SetErrorState()
		return err
	}

	d.setPhaseLocked(target)
	return nil
}

func (d *Driver) setPhaseLocked(p Phase) {
	d.phase = p
	metrics.EnginePhase.Set(float64(p))
}

func (d *Driver) PreInitLocked(ctx context.Context) error {
	return d.step(ctx, PhasePreInitLocked, true, false, d.participant.StatePreInitLocked)
}

func (d *Driver) PreInitUnlocked(ctx context.Context) error {
	return d.step(ctx, PhasePreInitUnlocked, false, false, d.participant.StatePreInitUnlocked)
}

func (d *Driver) InitLocked(ctx context.Context) error {
	return d.step(ctx, PhaseInitLocked, true, false, d.participant.StateInitLocked)
}

func (d *Driver) InitUnlocked(ctx context.Context) error {
	return d.step(ctx, PhaseInitUnlocked, false, false, d.participant.StateInitUnlocked)
}

func (d *Driver) PreLoad(ctx context.Context, flags interfaces.PhaseFlags) error {
	return d.step(ctx, PhasePreLoad, false, false, func(ctx context.Context) error {
		return d.participant.StatePreLoad(ctx, flags)
	})
}

func (d *Driver) Load(ctx context.Context, flags interfaces.PhaseFlags) error {
	return d.step(ctx, PhaseLoad, false, false, func(ctx context.Context) error {
		return d.participant.StateLoad(ctx, flags)
	})
}

// PostLoad completes bring-up; the engine is Active on success.
func (d *Driver) PostLoad(ctx context.Context, flags interfaces.PhaseFlags) error {
	if err := d.step(ctx, PhasePostLoad, false, false, func(ctx context.Context) error {
		return d.participant.StatePostLoad(ctx, flags)
	}); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.setPhaseLocked(PhaseActive)
	return nil
}

func (d *Driver) PreUnload(ctx context.Context, flags interfaces.PhaseFlags) error {
	return d.step(ctx, PhasePreUnload, false, true, func(ctx context.Context) error {
		return d.participant.StatePreUnload(ctx, flags)
	})
}

func (d *Driver) Unload(ctx context.Context, flags interfaces.PhaseFlags) error {
	return d.step(ctx, PhaseUnload, false, true, func(ctx context.Context) error {
		return d.participant.StateUnload(ctx, flags)
	})
}

func (d *Driver) PostUnload(ctx context.Context, flags interfaces.PhaseFlags) error {
	return d.step(ctx, PhasePostUnload, false, true, func(ctx context.Context) error {
		return d.participant.StatePostUnload(ctx, flags)
	})
}

// Destroy runs the final teardown. Idempotent; never fails.
func (d *Driver) Destroy(ctx context.Context) {
	_ = d.step(ctx, PhaseDestroyed, false, true, func(ctx context.Context) error {
		d.participant.StateDestroy(ctx)
		return nil
	})
}

// SetErrorState forces the terminal Error phase out of band. Subsequent
// calls are no-ops; teardown still runs.
func (d *Driver) SetErrorState() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.errored {
		return
	}
	d.errored = true
	d.setPhaseLocked(PhaseError)
	d.participant.SetErrorState()
}

// Bringup drives all phases from construction to Active.
func (d *Driver) Bringup(ctx context.Context, flags interfaces.PhaseFlags) error {
	steps := []func(context.Context) error{
		d.PreInitLocked,
		d.PreInitUnlocked,
		d.InitLocked,
		d.InitUnlocked,
		func(ctx context.Context) error { return d.PreLoad(ctx, flags) },
		func(ctx context.Context) error { return d.Load(ctx, flags) },
		func(ctx context.Context) error { return d.PostLoad(ctx, flags) },
	}
	for _, step := range steps {
		if err := step(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Teardown drives the unload phases in reverse bring-up order and destroys
// the engine. The first error is returned but teardown always completes.
func (d *Driver) Teardown(ctx context.Context, flags interfaces.PhaseFlags) error {
	var first error
	for _, step := range []func(context.Context, interfaces.PhaseFlags) error{
		d.PreUnload,
		d.Unload,
		d.PostUnload,
	} {
		if err := step(ctx, flags); err != nil && first == nil {
			first = err
		}
	}
	d.Destroy(ctx)
	return first
}
