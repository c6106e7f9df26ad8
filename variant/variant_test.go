package variant

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolve_FamilyAndRole(t *testing.T) {
	v := Resolve(0x18)
	assert.Equal(t, FamilyHopper, v.Family, "0x18 should resolve to Hopper")
	assert.Equal(t, RoleHostKernel, v.Role, "no VF bit should resolve to host kernel")

	v = Resolve(0x18 | 1<<8)
	assert.Equal(t, FamilyHopper, v.Family, "family bits should be independent of the role bit")
	assert.Equal(t, RoleGuestVF, v.Role, "VF bit should resolve to guest role")

	v = Resolve(0x19)
	assert.Equal(t, FamilyAda, v.Family, "0x19 should resolve to Ada")
}

func TestResolve_UnknownFamilyIsTotal(t *testing.T) {
	// Unknown codes must resolve rather than fail so factories can bind stubs.
	for _, raw := range []uint64{0x00, 0x17, 0xff, 0x42} {
		v := Resolve(raw)
		assert.Equal(t, FamilyUnknown, v.Family, "unrecognized code should map to FamilyUnknown")
		assert.False(t, v.IsCCCapable(), "unknown family should not be CC capable")
	}
}

func TestDeviceVariant_Capabilities(t *testing.T) {
	hopperHost := DeviceVariant{Family: FamilyHopper, Role: RoleHostKernel}
	assert.True(t, hopperHost.IsCCCapable(), "Hopper should be CC capable")
	assert.True(t, hopperHost.IsHostKernel(), "host role should report host kernel")

	hopperGuest := DeviceVariant{Family: FamilyHopper, Role: RoleGuestVF}
	assert.True(t, hopperGuest.IsCCCapable(), "capability is a silicon property, not a role property")
	assert.False(t, hopperGuest.IsHostKernel(), "guest role should not report host kernel")

	ada := DeviceVariant{Family: FamilyAda, Role: RoleHostKernel}
	assert.False(t, ada.IsCCCapable(), "Ada should not be CC capable")
}

func TestDeviceVariant_String(t *testing.T) {
	assert.Equal(t, "hopper/host-kernel", DeviceVariant{Family: FamilyHopper, Role: RoleHostKernel}.String())
	assert.Equal(t, "ada/guest-vf", DeviceVariant{Family: FamilyAda, Role: RoleGuestVF}.String())
	assert.Equal(t, "unknown/host-kernel", DeviceVariant{}.String())
}
