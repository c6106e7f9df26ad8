package interfaces

import "fmt"

// SecretSize is the fixed size in bytes of every symmetric secret managed by
// the key store, including the export master key.
const SecretSize = 32

// KeySpace is a namespace of key identifiers bound to one hardware engine or
// to global device-wide use.
type KeySpace uint16

const (
	// KeySpaceGsp holds the device-wide keys protecting traffic with the
	// secure firmware processor.
	KeySpaceGsp KeySpace = iota

	// KeySpaceSec2 holds the keys for the secure work-launch engine.
	KeySpaceSec2

	// KeySpaceLce0 through KeySpaceLce7 hold per-copy-engine channel keys.
	KeySpaceLce0
	KeySpaceLce1
	KeySpaceLce2
	KeySpaceLce3
	KeySpaceLce4
	KeySpaceLce5
	KeySpaceLce6
	KeySpaceLce7

	// KeySpaceCount is the number of defined key spaces.
	KeySpaceCount
)

// IsLce reports whether the key space belongs to a copy engine.
func (s KeySpace) IsLce() bool {
	return s >= KeySpaceLce0 && s <= KeySpaceLce7
}

func (s KeySpace) String() string {
	switch {
	case s == KeySpaceGsp:
		return "gsp"
	case s == KeySpaceSec2:
		return "sec2"
	case s.IsLce():
		return fmt.Sprintf("lce%d", s-KeySpaceLce0)
	default:
		return fmt.Sprintf("keyspace(%d)", uint16(s))
	}
}

// LocalKeyID identifies a single key within a key space. Local identifiers
// come in encrypt/decrypt pairs: the encrypt half is even, its decrypt
// counterpart is the next odd value.
type LocalKeyID uint16

// Local key identifiers in KeySpaceGsp.
const (
	LocalGspLockedRpcEncrypt LocalKeyID = iota
	LocalGspLockedRpcDecrypt
	LocalGspDmaEncrypt
	LocalGspDmaDecrypt
	LocalGspReplayableFaultEncrypt
	LocalGspReplayableFaultDecrypt
	LocalGspNonReplayableFaultEncrypt
	LocalGspNonReplayableFaultDecrypt

	localGspCount
)

// Local key identifiers in KeySpaceSec2.
const (
	LocalSec2DataUserEncrypt LocalKeyID = iota
	LocalSec2DataUserDecrypt
	LocalSec2DataKernelEncrypt
	LocalSec2DataKernelDecrypt
	LocalSec2ScrubberEncrypt
	LocalSec2ScrubberDecrypt

	localSec2Count
)

// Local key identifiers in every LCE key space.
const (
	LocalLceH2DUser LocalKeyID = iota
	LocalLceD2HUser
	LocalLceH2DKernel
	LocalLceD2HKernel
	LocalLceH2DP2P
	LocalLceD2HP2P

	localLceCount
)

// LocalKeyCount returns the number of local identifiers defined in the given
// key space, or 0 for an unknown space.
func LocalKeyCount(s KeySpace) LocalKeyID {
	switch {
	case s == KeySpaceGsp:
		return localGspCount
	case s == KeySpaceSec2:
		return localSec2Count
	case s.IsLce():
		return localLceCount
	default:
		return 0
	}
}

// GlobalKeyID names one key uniquely across the whole device: a key space
// plus a local identifier within it.
type GlobalKeyID struct {
	Space KeySpace
	Local LocalKeyID
}

// Value packs the identifier into its 32-bit wire form.
func (id GlobalKeyID) Value() uint32 {
	return uint32(id.Space)<<16 | uint32(id.Local)
}

// GlobalKeyIDFromValue unpacks a 32-bit wire-form identifier.
func GlobalKeyIDFromValue(v uint32) GlobalKeyID {
	return GlobalKeyID{Space: KeySpace(v >> 16), Local: LocalKeyID(v & 0xffff)}
}

// IsEncryptKey reports whether the identifier names the encrypt half of a key
// pair.
func (id GlobalKeyID) IsEncryptKey() bool {
	return id.Local%2 == 0
}

// PairCounterpart returns the other half of the identifier's key pair.
func (id GlobalKeyID) PairCounterpart() GlobalKeyID {
	if id.IsEncryptKey() {
		return GlobalKeyID{Space: id.Space, Local: id.Local + 1}
	}
	return GlobalKeyID{Space: id.Space, Local: id.Local - 1}
}

func (id GlobalKeyID) String() string {
	return fmt.Sprintf("%s/%d", id.Space, id.Local)
}

func (GlobalKeyID) isKeyIdentifier() {}

// EngineID identifies a hardware engine owning a key space.
type EngineID uint16

const (
	EngineGsp EngineID = iota
	EngineSec2
	EngineCE0
	EngineCE1
	EngineCE2
	EngineCE3
	EngineCE4
	EngineCE5
	EngineCE6
	EngineCE7
)

func (e EngineID) String() string {
	switch {
	case e == EngineGsp:
		return "gsp"
	case e == EngineSec2:
		return "sec2"
	case e >= EngineCE0 && e <= EngineCE7:
		return fmt.Sprintf("ce%d", e-EngineCE0)
	default:
		return fmt.Sprintf("engine(%d)", uint16(e))
	}
}

// ChannelID identifies a command channel bound to one engine. Privileged
// channels use the kernel key pair of the engine's key space, unprivileged
// ones the user pair.
type ChannelID struct {
	Engine     EngineID
	Instance   uint32
	Privileged bool
}

func (c ChannelID) String() string {
	return fmt.Sprintf("%s:%d", c.Engine, c.Instance)
}

// ChannelKeyID identifies a key by the channel that uses it.
type ChannelKeyID struct {
	Channel ChannelID
	Space   KeySpace
}

func (c ChannelKeyID) String() string {
	return fmt.Sprintf("channel(%s,%s)", c.Channel, c.Space)
}

func (ChannelKeyID) isKeyIdentifier() {}

// EngineKeySpaceID identifies the whole set of keys owned by one engine's key
// space; used for batch derivation at load time.
type EngineKeySpaceID struct {
	Engine EngineID
	Space  KeySpace
}

func (e EngineKeySpaceID) String() string {
	return fmt.Sprintf("engine(%s,%s)", e.Engine, e.Space)
}

func (EngineKeySpaceID) isKeyIdentifier() {}

// KeyIdentifier is the tagged union of the three identifier forms accepted by
// key store entry points. Implementations validate an identifier against the
// device variant before any lookup.
type KeyIdentifier interface {
	fmt.Stringer
	isKeyIdentifier()
}

// KeyPair is the encrypt/decrypt identifier pair serving one traffic class.
type KeyPair struct {
	Encrypt GlobalKeyID
	Decrypt GlobalKeyID
}

// KeyState is the lifecycle state of one generation of key material.
type KeyState int

const (
	KeyStateUninitialized KeyState = iota
	KeyStateDerived
	KeyStateActive
	KeyStateRotationPending
	KeyStateRetired
)

func (s KeyState) String() string {
	switch s {
	case KeyStateUninitialized:
		return "uninitialized"
	case KeyStateDerived:
		return "derived"
	case KeyStateActive:
		return "active"
	case KeyStateRotationPending:
		return "rotation-pending"
	case KeyStateRetired:
		return "retired"
	default:
		return fmt.Sprintf("keystate(%d)", int(s))
	}
}

// KeyStatus is the non-secret summary of one live key store entry, exposed on
// the operator surface. It never carries key material.
type KeyStatus struct {
	ID           GlobalKeyID `json:"id"`
	State        KeyState    `json:"-"`
	StateName    string      `json:"state"`
	Generation   uint64      `json:"generation"`
	RetiredCount int         `json:"retired_count"`
	IVMaskSet    bool        `json:"iv_mask_set"`
}
