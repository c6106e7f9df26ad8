package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/ruteri/gpu-cc-key-manager/attestation"
	"github.com/ruteri/gpu-cc-key-manager/interfaces"
	"github.com/ruteri/gpu-cc-key-manager/keystore"
	"github.com/ruteri/gpu-cc-key-manager/rotation"
	"github.com/ruteri/gpu-cc-key-manager/session"
	"github.com/ruteri/gpu-cc-key-manager/variant"
)

// Config wires the confidential-compute engine's collaborators. Transport
// and Provider back the attestation handshake on host-kernel variants and
// are unused otherwise.
type Config struct {
	Flags interfaces.FlagsConfig

	Transport        session.Transport
	Provider         attestation.Provider
	HandshakeTimeout time.Duration

	RotationSchedule string
	RotationMaxAge   time.Duration

	Log *slog.Logger

	// SchedulerLog feeds the rotation scheduler's internal logging; nop
	// when nil.
	SchedulerLog *zap.Logger
}

// ConfidentialCompute is the confidential-compute engine: it owns the
// variant-bound key store, session bootstrap and rotation controller, and
// sequences them through the lifecycle phases.
//
// Construction selects one concrete implementation of each collaborator for
// the resolved variant; no phase hook branches on silicon or privilege
// afterwards.
type ConfidentialCompute struct {
	cfg Config
	log *slog.Logger

	variant   variant.DeviceVariant
	flags     *interfaces.PropertyFlags
	store     interfaces.KeyStore
	bootstrap interfaces.SessionBootstrap
	rotation  *rotation.Controller

	sess    interfaces.SessionState
	missing atomic.Bool
	errored atomic.Bool
}

// New builds an unconstructed engine; ConstructEngine binds the variant.
func New(cfg Config) *ConfidentialCompute {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	return &ConfidentialCompute{cfg: cfg, log: log}
}

// ConstructEngine resolves the property flags and binds the key store,
// session bootstrap and rotation controller for the variant.
func (c *ConfidentialCompute) ConstructEngine(v variant.DeviceVariant) error {
	c.variant = v
	c.flags = interfaces.NewPropertyFlags(v, c.cfg.Flags)
	c.store = keystore.New(v, c.log)
	c.bootstrap = session.New(v, session.Config{
		Transport:        c.cfg.Transport,
		Provider:         c.cfg.Provider,
		HandshakeTimeout: c.cfg.HandshakeTimeout,
		Log:              c.log,
	})
	c.rotation = rotation.New(v, rotation.Config{
		Store:     c.store,
		Flags:     c.flags,
		Log:       c.log,
		CronLog:   c.cfg.SchedulerLog,
		Schedule:  c.cfg.RotationSchedule,
		MaxKeyAge: c.cfg.RotationMaxAge,
	})

	if c.flags.Missing.Load() {
		c.missing.Store(true)
	}
	c.log.Info("confidential compute engine constructed",
		"variant", v.String(),
		"missing", c.missing.Load(),
		"cc_enabled", c.flags.Enabled.Load())
	return nil
}

// Variant returns the variant the engine was constructed for.
func (c *ConfidentialCompute) Variant() variant.DeviceVariant { return c.variant }

// Flags returns the engine's property flags.
func (c *ConfidentialCompute) Flags() *interfaces.PropertyFlags { return c.flags }

// Store returns the variant-bound key store.
func (c *ConfidentialCompute) Store() interfaces.KeyStore { return c.store }

// Rotation returns the rotation controller.
func (c *ConfidentialCompute) Rotation() *rotation.Controller { return c.rotation }

// SpdmEnabled reports whether an attestation session backs the key store.
func (c *ConfidentialCompute) SpdmEnabled() bool { return c.bootstrap.IsSpdmEnabled() }

// IsDebugModeEnabled reports whether debug restrictions are relaxed. Only
// Hopper silicon carries the predicate; every other variant reports false
// regardless of the devtools configuration.
func (c *ConfidentialCompute) IsDebugModeEnabled() bool {
	return c.variant.Family == variant.FamilyHopper && c.flags.DevtoolsModeEnabled.Load()
}

func (c *ConfidentialCompute) IsPresent() bool { return !c.missing.Load() }

func (c *ConfidentialCompute) InitMissing() {
	c.missing.Store(true)
	c.flags.Missing.Store(true)
}

// SetErrorState marks the engine failed. In-flight key operations finish;
// rotation is disabled so no new generations start.
func (c *ConfidentialCompute) SetErrorState() {
	if c.errored.Swap(true) {
		return
	}
	if c.rotation != nil {
		c.rotation.Disable()
	}
	c.log.Error("confidential compute engine entered error state")
}

func (c *ConfidentialCompute) StatePreInitLocked(_ context.Context) error   { return nil }
func (c *ConfidentialCompute) StatePreInitUnlocked(_ context.Context) error { return nil }

// StateInitLocked establishes the attestation session, initializes the key
// store from its seed and derives the GSP and SEC2 key spaces. Runs under
// the device-wide lock.
func (c *ConfidentialCompute) StateInitLocked(ctx context.Context) error {
	if !c.flags.Enabled.Load() {
		c.log.Info("confidential compute disabled, skipping session establishment")
		return nil
	}

	sess, err := c.bootstrap.EstablishSessionAndKeys(ctx)
	if err != nil {
		return fmt.Errorf("establishing session: %w", err)
	}
	c.sess = sess

	if err := c.store.Init(&c.sess); err != nil {
		c.sess.Zeroize()
		return fmt.Errorf("initializing key store: %w", err)
	}
	// The store owns the derived master key now; the raw seed is spent.
	c.sess.Zeroize()

	if !c.bootstrap.IsSpdmEnabled() {
		// Guest role: no local derivation, keys arrive from the host.
		return nil
	}
	for _, engine := range []interfaces.EngineID{interfaces.EngineGsp, interfaces.EngineSec2} {
		if err := c.store.DeriveSecrets(engine); err != nil {
			return fmt.Errorf("deriving secrets for engine %s: %w", engine, err)
		}
	}
	return nil
}

func (c *ConfidentialCompute) StateInitUnlocked(_ context.Context) error { return nil }

func (c *ConfidentialCompute) StatePreLoad(_ context.Context, _ interfaces.PhaseFlags) error {
	return nil
}

// StateLoad derives every copy-engine key space the variant exposes.
func (c *ConfidentialCompute) StateLoad(_ context.Context, _ interfaces.PhaseFlags) error {
	if !c.flags.Enabled.Load() || !c.bootstrap.IsSpdmEnabled() {
		return nil
	}

	for i := 0; i < c.store.MaxKeySpaceIndex(); i++ {
		engine := interfaces.EngineCE0 + interfaces.EngineID(i)
		space := interfaces.KeySpaceLce0 + interfaces.KeySpace(i)
		if err := c.store.DeriveSecretsForEngineKeySpace(engine, space); err != nil {
			return fmt.Errorf("deriving lce key space %d: %w", i, err)
		}
	}
	return nil
}

// StatePostLoad raises rotation policy and registers the periodic rotation
// evaluation; the engine is serving once this completes.
func (c *ConfidentialCompute) StatePostLoad(_ context.Context, _ interfaces.PhaseFlags) error {
	c.rotation.EnableKeyRotationSupport()
	c.rotation.EnableInternalKeyRotationSupport()
	return c.rotation.EnableKeyRotationCallback()
}

// StatePreUnload stops the rotation schedule and tears the session down.
// Errors surface to the host but do not stop the remaining unload phases.
func (c *ConfidentialCompute) StatePreUnload(ctx context.Context, _ interfaces.PhaseFlags) error {
	c.rotation.Stop()
	if err := c.bootstrap.Teardown(ctx); err != nil {
		return fmt.Errorf("tearing down session: %w", err)
	}
	return nil
}

// StateUnload clears the export master key and zeroizes the store.
func (c *ConfidentialCompute) StateUnload(_ context.Context, _ interfaces.PhaseFlags) error {
	c.store.ClearExportMasterKey()
	c.store.Deinit()
	return nil
}

func (c *ConfidentialCompute) StatePostUnload(_ context.Context, _ interfaces.PhaseFlags) error {
	return nil
}

// StateDestroy is the idempotent final zeroization pass. Safe on a
// partially constructed engine.
func (c *ConfidentialCompute) StateDestroy(_ context.Context) {
	if c.store != nil {
		c.store.Deinit()
	}
	c.sess.Zeroize()
}
