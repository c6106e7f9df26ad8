package interfaces

import (
	"go.uber.org/atomic"

	"github.com/ruteri/gpu-cc-key-manager/variant"
)

// PropertyFlags is the fixed named-boolean surface of the engine, queryable
// by any collaborator. Everything is computed once at construction from the
// device variant and the host configuration; only the rotation controller
// mutates its subset (the three rotation flags) after attach. The struct is
// owned by the engine instance and passed by reference, never a process-wide
// singleton.
type PropertyFlags struct {
	// Missing is set when the engine is absent for the variant entirely,
	// e.g. a guest VF or non-CC silicon.
	Missing atomic.Bool

	// Enabled reports whether confidential compute is switched on by host
	// configuration.
	Enabled atomic.Bool

	// CCFeatureEnabled reports the full confidential-compute feature.
	CCFeatureEnabled atomic.Bool

	// APMFeatureEnabled reports the ambient protected-memory feature used
	// on silicon without the CC key manager.
	APMFeatureEnabled atomic.Bool

	// DevtoolsModeEnabled relaxes debug restrictions; queried by the
	// debug-mode predicate only, never by key derivation.
	DevtoolsModeEnabled atomic.Bool

	// SpdmEnabled reports whether the attested firmware handshake is
	// available on the variant.
	SpdmEnabled atomic.Bool

	// MultiGpuProtectedPcieModeEnabled reports protected peer-to-peer
	// traffic across GPUs.
	MultiGpuProtectedPcieModeEnabled atomic.Bool

	// GpusReadyCheckEnabled gates work launch on all GPUs having
	// completed their secure bring-up.
	GpusReadyCheckEnabled atomic.Bool

	// KeyRotationSupported, KeyRotationEnabled and
	// InternalKeyRotationEnabled are the rotation-controller-mutable
	// subset. Invariant: KeyRotationEnabled implies KeyRotationSupported.
	KeyRotationSupported       atomic.Bool
	KeyRotationEnabled         atomic.Bool
	InternalKeyRotationEnabled atomic.Bool
}

// FlagsConfig is the host-supplied part of the flag computation.
type FlagsConfig struct {
	EnableCC       bool
	EnableDevtools bool
	EnableMultiGpu bool
}

// NewPropertyFlags computes the flag set for a device variant. Rotation flags
// start false; the rotation controller raises them during post-load.
func NewPropertyFlags(v variant.DeviceVariant, cfg FlagsConfig) *PropertyFlags {
	f := &PropertyFlags{}

	// The engine is absent on silicon without the key manager; the guest
	// role still carries it, with the reduced deposit-only key store.
	missing := !v.IsCCCapable()
	f.Missing.Store(missing)

	enabled := cfg.EnableCC && !missing
	f.Enabled.Store(enabled)
	f.CCFeatureEnabled.Store(enabled)
	f.APMFeatureEnabled.Store(cfg.EnableCC && v.Family == variant.FamilyAda)
	f.DevtoolsModeEnabled.Store(cfg.EnableDevtools)
	f.SpdmEnabled.Store(enabled && v.Family == variant.FamilyHopper && v.IsHostKernel())
	f.MultiGpuProtectedPcieModeEnabled.Store(cfg.EnableMultiGpu && enabled)
	f.GpusReadyCheckEnabled.Store(true)

	return f
}

// Snapshot returns the flag values as a map for the operator surface.
func (f *PropertyFlags) Snapshot() map[string]bool {
	return map[string]bool{
		"missing":                       f.Missing.Load(),
		"enabled":                       f.Enabled.Load(),
		"cc_feature_enabled":            f.CCFeatureEnabled.Load(),
		"apm_feature_enabled":           f.APMFeatureEnabled.Load(),
		"devtools_mode_enabled":         f.DevtoolsModeEnabled.Load(),
		"spdm_enabled":                  f.SpdmEnabled.Load(),
		"multi_gpu_protected_pcie_mode": f.MultiGpuProtectedPcieModeEnabled.Load(),
		"gpus_ready_check_enabled":      f.GpusReadyCheckEnabled.Load(),
		"key_rotation_supported":        f.KeyRotationSupported.Load(),
		"key_rotation_enabled":          f.KeyRotationEnabled.Load(),
		"internal_key_rotation_enabled": f.InternalKeyRotationEnabled.Load(),
	}
}
