// Package variant resolves the raw hardware classification reported at device
// attach into a DeviceVariant: the silicon family and the privilege role of
// the entity running this code. Every other component binds its concrete
// implementation against the DeviceVariant exactly once, at construction.
package variant

import "fmt"

// SiliconFamily identifies the GPU hardware generation. The family determines
// which concrete key-management implementation is valid for the device.
type SiliconFamily uint8

const (
	// FamilyUnknown is any family this module has no bindings for. All
	// components resolve to fail-fast stubs on it.
	FamilyUnknown SiliconFamily = iota

	// FamilyHopper is the first family with full confidential-compute key
	// management support.
	FamilyHopper

	// FamilyAda supports protected memory but not the confidential-compute
	// key manager; key store operations are unsupported on it.
	FamilyAda
)

// PrivilegeRole is the virtualization role of the entity hosting this module.
type PrivilegeRole uint8

const (
	// RoleHostKernel is the privileged host driver with direct access to the
	// firmware trust anchor.
	RoleHostKernel PrivilegeRole = iota

	// RoleGuestVF is a guest virtual function. Guests receive keys from the
	// host rather than establishing their own attested session.
	RoleGuestVF
)

// Raw classification bit layout, as reported by the device at attach.
const (
	rawFamilyMask = 0xff

	rawFamilyHopper = 0x18
	rawFamilyAda    = 0x19

	rawRoleVFBit = 1 << 8
)

// DeviceVariant is the resolved (silicon family, privilege role) pair.
// It is immutable after attach and read-only to all components.
type DeviceVariant struct {
	Family SiliconFamily
	Role   PrivilegeRole
}

// Resolve maps the raw classification bits to a DeviceVariant. It is pure and
// total: unknown family codes resolve to FamilyUnknown rather than failing, so
// downstream factories can bind their fail-fast stubs.
func Resolve(rawBits uint64) DeviceVariant {
	v := DeviceVariant{Family: FamilyUnknown, Role: RoleHostKernel}

	switch rawBits & rawFamilyMask {
	case rawFamilyHopper:
		v.Family = FamilyHopper
	case rawFamilyAda:
		v.Family = FamilyAda
	}

	if rawBits&rawRoleVFBit != 0 {
		v.Role = RoleGuestVF
	}

	return v
}

// IsCCCapable reports whether the silicon family carries the
// confidential-compute key manager at all.
func (v DeviceVariant) IsCCCapable() bool {
	return v.Family == FamilyHopper
}

// IsHostKernel reports whether this module runs as the privileged host driver.
func (v DeviceVariant) IsHostKernel() bool {
	return v.Role == RoleHostKernel
}

// String returns a human-readable form, e.g. "hopper/host-kernel".
func (v DeviceVariant) String() string {
	return fmt.Sprintf("%s/%s", v.Family, v.Role)
}

func (f SiliconFamily) String() string {
	switch f {
	case FamilyHopper:
		return "hopper"
	case FamilyAda:
		return "ada"
	default:
		return "unknown"
	}
}

func (r PrivilegeRole) String() string {
	switch r {
	case RoleHostKernel:
		return "host-kernel"
	case RoleGuestVF:
		return "guest-vf"
	default:
		return "invalid"
	}
}
