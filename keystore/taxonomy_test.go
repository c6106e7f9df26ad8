package keystore

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruteri/gpu-cc-key-manager/interfaces"
	"github.com/ruteri/gpu-cc-key-manager/variant"
)

func TestHopperTaxonomy_ChannelToKeySpace(t *testing.T) {
	tax := hopperTaxonomy{}

	space, err := tax.KeySpaceFromChannel(interfaces.ChannelID{Engine: interfaces.EngineGsp})
	require.NoError(t, err)
	assert.Equal(t, interfaces.KeySpaceGsp, space)

	space, err = tax.KeySpaceFromChannel(interfaces.ChannelID{Engine: interfaces.EngineSec2})
	require.NoError(t, err)
	assert.Equal(t, interfaces.KeySpaceSec2, space)

	for i := 0; i < hopperLceKeySpaces; i++ {
		space, err = tax.KeySpaceFromChannel(interfaces.ChannelID{Engine: interfaces.EngineCE0 + interfaces.EngineID(i)})
		require.NoError(t, err)
		assert.Equal(t, interfaces.KeySpaceLce0+interfaces.KeySpace(i), space, "each copy engine owns its own key space")
	}

	_, err = tax.KeySpaceFromChannel(interfaces.ChannelID{Engine: interfaces.EngineCE7 + 1})
	assert.ErrorIs(t, err, interfaces.ErrInvalidIdentifier, "an engine past the last copy engine has no key space")
}

func TestHopperTaxonomy_EngineFromKeySpaceInverts(t *testing.T) {
	tax := hopperTaxonomy{}

	for space := interfaces.KeySpace(0); space < interfaces.KeySpaceCount; space++ {
		engine, err := tax.EngineIDFromKeySpace(space)
		require.NoError(t, err)

		back, err := tax.KeySpaceFromChannel(interfaces.ChannelID{Engine: engine})
		require.NoError(t, err)
		assert.Equal(t, space, back, "engine and key space mappings should invert each other")
	}

	_, err := tax.EngineIDFromKeySpace(interfaces.KeySpaceCount)
	assert.ErrorIs(t, err, interfaces.ErrInvalidIdentifier)
}

func TestHopperTaxonomy_KeyPairs(t *testing.T) {
	tax := hopperTaxonomy{}

	pair, err := tax.KeyPairForKeySpace(interfaces.KeySpaceSec2, false)
	require.NoError(t, err)
	assert.Equal(t, interfaces.LocalSec2DataUserEncrypt, pair.Encrypt.Local)
	assert.Equal(t, interfaces.LocalSec2DataUserDecrypt, pair.Decrypt.Local)
	assert.Equal(t, pair.Decrypt, pair.Encrypt.PairCounterpart())

	pair, err = tax.KeyPairForKeySpace(interfaces.KeySpaceLce4, true)
	require.NoError(t, err)
	assert.Equal(t, interfaces.LocalLceH2DKernel, pair.Encrypt.Local)
	assert.Equal(t, interfaces.LocalLceD2HKernel, pair.Decrypt.Local)

	_, err = tax.KeyPairForKeySpace(interfaces.KeySpaceGsp, false)
	assert.ErrorIs(t, err, interfaces.ErrInvalidIdentifier, "the gsp space carries kernel keys only")
}

func TestHopperTaxonomy_LceKeyIDFromChannel(t *testing.T) {
	tax := hopperTaxonomy{}

	id, err := tax.LceKeyIDFromChannel(interfaces.ChannelID{Engine: interfaces.EngineCE6, Privileged: true})
	require.NoError(t, err)
	assert.Equal(t, interfaces.KeySpaceLce6, id.Space)
	assert.Equal(t, interfaces.LocalLceH2DKernel, id.Local)

	_, err = tax.LceKeyIDFromChannel(interfaces.ChannelID{Engine: interfaces.EngineSec2})
	assert.ErrorIs(t, err, interfaces.ErrInvalidIdentifier, "only copy-engine channels have lce key ids")
}

func TestHopperTaxonomy_PrivilegeClassification(t *testing.T) {
	tax := hopperTaxonomy{}

	assert.True(t, tax.GlobalKeyIsKernelPriv(interfaces.GlobalKeyID{Space: interfaces.KeySpaceGsp, Local: interfaces.LocalGspDmaEncrypt}),
		"all gsp keys are kernel privileged")
	assert.True(t, tax.GlobalKeyIsKernelPriv(interfaces.GlobalKeyID{Space: interfaces.KeySpaceSec2, Local: interfaces.LocalSec2ScrubberEncrypt}))
	assert.False(t, tax.GlobalKeyIsKernelPriv(interfaces.GlobalKeyID{Space: interfaces.KeySpaceSec2, Local: interfaces.LocalSec2DataUserEncrypt}))
	assert.False(t, tax.GlobalKeyIsKernelPriv(interfaces.GlobalKeyID{Space: interfaces.KeySpaceLce0, Local: interfaces.LocalLceH2DUser}))
	assert.True(t, tax.GlobalKeyIsKernelPriv(interfaces.GlobalKeyID{Space: interfaces.KeySpaceLce0, Local: interfaces.LocalLceH2DKernel}))

	assert.True(t, tax.GlobalKeyIsUvmKey(interfaces.GlobalKeyID{Space: interfaces.KeySpaceGsp, Local: interfaces.LocalGspReplayableFaultEncrypt}))
	assert.False(t, tax.GlobalKeyIsUvmKey(interfaces.GlobalKeyID{Space: interfaces.KeySpaceGsp, Local: interfaces.LocalGspDmaEncrypt}))
}

func TestUnsupportedStore_FailsFast(t *testing.T) {
	ada := variant.DeviceVariant{Family: variant.FamilyAda, Role: variant.RoleHostKernel}
	store := New(ada, slog.Default())

	err := store.Init(nil)
	assert.ErrorIs(t, err, interfaces.ErrUnsupportedOperation, "init on non-CC silicon must fail")

	_, err = store.DeriveKey(interfaces.GlobalKeyID{Space: interfaces.KeySpaceGsp, Local: interfaces.LocalGspDmaEncrypt})
	assert.ErrorIs(t, err, interfaces.ErrUnsupportedOperation)

	_, err = store.KeySpaceFromChannel(interfaces.ChannelID{Engine: interfaces.EngineGsp})
	assert.ErrorIs(t, err, interfaces.ErrUnsupportedOperation, "taxonomy queries are unsupported too")

	assert.False(t, store.IsValidGlobalKeyID(interfaces.GlobalKeyID{}), "no identifier is valid without a key manager")
	assert.Equal(t, 0, store.MaxKeySpaceIndex())
	assert.Nil(t, store.Status())

	// Teardown entry points stay safe no-ops so the lifecycle can complete.
	store.Deinit()
	store.ClearExportMasterKey()
}
