package rotation

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/ruteri/gpu-cc-key-manager/interfaces"
	"github.com/ruteri/gpu-cc-key-manager/keystore"
	"github.com/ruteri/gpu-cc-key-manager/variant"
)

var (
	hopperHost  = variant.DeviceVariant{Family: variant.FamilyHopper, Role: variant.RoleHostKernel}
	hopperGuest = variant.DeviceVariant{Family: variant.FamilyHopper, Role: variant.RoleGuestVF}
)

func newHostFixture(t *testing.T) (interfaces.KeyStore, *Controller) {
	t.Helper()

	store := keystore.New(hopperHost, slog.Default())
	seed := make([]byte, interfaces.SecretSize)
	for i := range seed {
		seed[i] = 0xc4
	}
	sess := interfaces.NewSessionState("rotation-test", seed)
	require.NoError(t, store.Init(&sess))
	require.NoError(t, store.DeriveSecrets(interfaces.EngineSec2))

	v := variant.DeviceVariant{Family: variant.FamilyHopper, Role: variant.RoleHostKernel}
	flags := interfaces.NewPropertyFlags(v, interfaces.FlagsConfig{EnableCC: true})
	ctrl := New(v, Config{Store: store, Flags: flags, Log: slog.Default()})
	return store, ctrl
}

func TestController_TriggerRequiresEnablement(t *testing.T) {
	_, ctrl := newHostFixture(t)

	err := ctrl.TriggerKeyRotation(ScopeGlobal())
	assert.ErrorIs(t, err, interfaces.ErrRotationNotSupported, "rotation before enablement must fail")

	ctrl.EnableKeyRotationSupport()
	err = ctrl.TriggerKeyRotation(ScopeGlobal())
	assert.NoError(t, err, "rotation after enablement should succeed")
}

func TestController_EnablementOnUnsupportedVariant(t *testing.T) {
	store := keystore.New(hopperGuest, slog.Default())
	require.NoError(t, store.Init(nil))

	flags := interfaces.NewPropertyFlags(hopperGuest, interfaces.FlagsConfig{EnableCC: true})
	ctrl := New(hopperGuest, Config{Store: store, Flags: flags, Log: slog.Default()})

	ctrl.EnableKeyRotationSupport()
	ctrl.EnableInternalKeyRotationSupport()
	assert.False(t, flags.KeyRotationSupported.Load(), "guest variants must not raise rotation support")

	err := ctrl.TriggerKeyRotation(ScopeGlobal())
	assert.ErrorIs(t, err, interfaces.ErrRotationNotSupported, "guest rotation triggers must fail")

	require.NoError(t, ctrl.EnableKeyRotationCallback(), "callback registration is a safe no-op when unsupported")
	assert.False(t, ctrl.PolicySnapshot().CallbackRegistered)
}

func TestController_GlobalRotationBumpsGenerations(t *testing.T) {
	store, ctrl := newHostFixture(t)
	ctrl.EnableKeyRotationSupport()

	require.NoError(t, ctrl.TriggerKeyRotation(ScopeGlobal()))
	for _, st := range store.Status() {
		assert.Equal(t, uint64(1), st.Generation, "every live key should be one generation further")
	}
}

func TestController_ChannelScopeRotatesBothHalves(t *testing.T) {
	store, ctrl := newHostFixture(t)
	ctrl.EnableKeyRotationSupport()

	ch := interfaces.ChannelID{Engine: interfaces.EngineSec2, Instance: 1, Privileged: false}
	require.NoError(t, ctrl.TriggerKeyRotation(ScopeChannel(ch)))

	pair, err := store.KeyPairByChannel(ch)
	require.NoError(t, err)
	for _, st := range store.Status() {
		want := uint64(0)
		if st.ID == pair.Encrypt || st.ID == pair.Decrypt {
			want = 1
		}
		assert.Equal(t, want, st.Generation, "only the channel's pair should rotate")
	}
}

func TestController_KeySpaceScopeValidatesOwner(t *testing.T) {
	_, ctrl := newHostFixture(t)
	ctrl.EnableKeyRotationSupport()

	err := ctrl.TriggerKeyRotation(ScopeKeySpace(interfaces.EngineGsp, interfaces.KeySpaceSec2))
	assert.ErrorIs(t, err, interfaces.ErrInvalidIdentifier, "a key space trigger must name the owning engine")

	err = ctrl.TriggerKeyRotation(ScopeKeySpace(interfaces.EngineSec2, interfaces.KeySpaceSec2))
	assert.NoError(t, err)
}

// blockingStore wraps a key store and parks the first UpdateSecrets call
// until released, to hold one rotation in flight.
type blockingStore struct {
	interfaces.KeyStore
	entered chan struct{}
	release chan struct{}
	first   atomic.Bool
}

func (b *blockingStore) UpdateSecrets(ids ...interfaces.GlobalKeyID) error {
	if b.first.CompareAndSwap(false, true) {
		close(b.entered)
		<-b.release
	}
	return b.KeyStore.UpdateSecrets(ids...)
}

func TestController_ConcurrentRotationOfSameKeyFails(t *testing.T) {
	store, _ := newHostFixture(t)
	blocking := &blockingStore{
		KeyStore: store,
		entered:  make(chan struct{}),
		release:  make(chan struct{}),
	}

	flags := interfaces.NewPropertyFlags(hopperHost, interfaces.FlagsConfig{EnableCC: true})
	ctrl := New(hopperHost, Config{Store: blocking, Flags: flags, Log: slog.Default()})
	ctrl.EnableKeyRotationSupport()

	done := make(chan error, 1)
	go func() {
		done <- ctrl.TriggerKeyRotation(ScopeKeySpace(interfaces.EngineSec2, interfaces.KeySpaceSec2))
	}()

	<-blocking.entered
	err := ctrl.TriggerKeyRotation(ScopeChannel(interfaces.ChannelID{Engine: interfaces.EngineSec2}))
	assert.ErrorIs(t, err, interfaces.ErrRotationInProgress, "a second trigger on an in-flight key must fail")

	close(blocking.release)
	require.NoError(t, <-done, "the first rotation should complete once unblocked")
}

func TestController_FailureLeavesOldKeyActive(t *testing.T) {
	store, ctrl := newHostFixture(t)
	ctrl.EnableKeyRotationSupport()

	// Clearing the master key makes re-derivation impossible.
	store.ClearExportMasterKey()
	err := ctrl.TriggerKeyRotation(ScopeGlobal())
	require.Error(t, err, "rotation without a master key must fail")

	for _, st := range store.Status() {
		assert.Equal(t, uint64(0), st.Generation, "a failed rotation must leave the old generation active")
		assert.Equal(t, interfaces.KeyStateActive.String(), st.StateName)
	}
}

func TestController_DisableStopsNewRotations(t *testing.T) {
	_, ctrl := newHostFixture(t)
	ctrl.EnableKeyRotationSupport()
	require.NoError(t, ctrl.EnableKeyRotationCallback())

	ctrl.Disable()
	assert.False(t, ctrl.PolicySnapshot().Enabled)
	assert.False(t, ctrl.PolicySnapshot().CallbackRegistered)

	err := ctrl.TriggerKeyRotation(ScopeGlobal())
	assert.ErrorIs(t, err, interfaces.ErrRotationNotSupported, "triggers after disable must fail")
}

func TestController_PolicyInvariant(t *testing.T) {
	_, ctrl := newHostFixture(t)

	p := ctrl.PolicySnapshot()
	assert.False(t, p.Enabled, "enabled must not precede support")

	ctrl.EnableKeyRotationSupport()
	ctrl.EnableInternalKeyRotationSupport()
	p = ctrl.PolicySnapshot()
	assert.True(t, p.Supported)
	assert.True(t, p.Enabled, "support enablement on an enabled device raises rotation")
	assert.True(t, p.InternalEnabled)
	if p.Enabled {
		assert.True(t, p.Supported, "enabled implies supported")
	}
}

func TestController_ScheduledEvaluationSkipsKernelKeysWithoutInternal(t *testing.T) {
	store, ctrl := newHostFixture(t)
	ctrl.EnableKeyRotationSupport()

	// Age anchor pass, then everything is immediately due.
	ctrl.maxKeyAge = time.Nanosecond
	ctrl.evaluateRotationNeed()
	time.Sleep(2 * time.Millisecond)
	ctrl.evaluateRotationNeed()

	for _, st := range store.Status() {
		if store.GlobalKeyIsKernelPriv(st.ID) {
			assert.Equal(t, uint64(0), st.Generation, "kernel keys stay put without internal rotation")
		} else {
			assert.Equal(t, uint64(1), st.Generation, "user keys past max age should rotate")
		}
	}

	ctrl.EnableInternalKeyRotationSupport()
	ctrl.evaluateRotationNeed()
	time.Sleep(2 * time.Millisecond)
	ctrl.evaluateRotationNeed()
	for _, st := range store.Status() {
		assert.GreaterOrEqual(t, st.Generation, uint64(1), "kernel keys rotate once internal rotation is enabled")
	}
}
