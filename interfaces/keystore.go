package interfaces

// KeyHandle is a scoped reference to one generation of key material. Secret
// bytes never leave key-store-owned storage: consumers read them through Use
// and must call Release when done. A handle pins its generation; retired
// material is zeroized only once every handle on it has been released.
type KeyHandle interface {
	// ID returns the identifier the material was derived for.
	ID() GlobalKeyID

	// Generation returns the rotation generation of the pinned material.
	Generation() uint64

	// State returns the lifecycle state at the time of the last store
	// transition affecting this material.
	State() KeyState

	// IVMask returns the IV mask deposited for this material.
	IVMask() uint64

	// Use invokes fn with the secret bytes. fn must not retain the slice.
	Use(fn func(secret []byte) error) error

	// Release unpins the material. The handle is invalid afterwards.
	Release()
}

// MasterKeyCaller gates access to the export master key. Only the session
// bootstrap and the rotation controller embed MasterKeyAuthorization; other
// collaborators cannot satisfy the interface.
type MasterKeyCaller interface {
	masterKeyCaller()
}

// MasterKeyAuthorization marks a component as entitled to read the export
// master key when embedded in its implementation.
type MasterKeyAuthorization struct{}

func (MasterKeyAuthorization) masterKeyCaller() {}

// KeyStore owns the mapping from key identifiers to key material for one
// device. Implementations are selected once from the device variant; the
// unsupported-silicon binding fails every operation with
// ErrUnsupportedOperation and the guest binding supports only host-deposited
// keys.
//
// Lookups and derivations may be invoked concurrently from data-plane
// goroutines; the mapping is reader-biased with exclusive access during
// insert, rotation and deinit.
type KeyStore interface {
	// Init consumes the session seed, derives the export master key and
	// allocates the mapping. Fails ErrUnsupportedVariant if the variant is
	// not CC-capable and ErrNoSession if the session is not established.
	Init(session *SessionState) error

	// Deinit zeroizes all material, clears the export master key and
	// releases the mapping. Idempotent and safe on a partially initialized
	// store; it runs on every teardown path.
	Deinit()

	// DeriveKey derives the material for one identifier from the export
	// master key and the identifier context, installing it as Active at
	// generation 0. Deterministic for identical inputs; re-deriving an
	// already-Active identifier returns a handle on the existing entry.
	DeriveKey(id KeyIdentifier) (KeyHandle, error)

	// RetrieveViaChannel returns a handle on the Active encrypt-side
	// material serving the channel, or ErrNotFound.
	RetrieveViaChannel(ch ChannelID) (KeyHandle, error)

	// RetrieveViaKeyID returns a handle on the Active material for the
	// identifier, or ErrNotFound.
	RetrieveViaKeyID(id GlobalKeyID) (KeyHandle, error)

	// DeriveSecretsForEngineKeySpace batch-derives every identifier owned
	// by the engine's key space, at load time.
	DeriveSecretsForEngineKeySpace(engine EngineID, space KeySpace) error

	// DeriveSecrets batch-derives every identifier of the engine's own key
	// space, resolved through the taxonomy.
	DeriveSecrets(engine EngineID) error

	// UpdateSecrets re-derives and swaps the Active material for the given
	// identifiers at the next generation. The swap is the last step: a
	// failure before it leaves the old material Active, and there is never
	// a window with zero valid Active keys for an in-use identifier.
	UpdateSecrets(ids ...GlobalKeyID) error

	// DepositIVMask records the IV mask the hardware assigned to the
	// Active material of the identifier.
	DepositIVMask(id GlobalKeyID, mask uint64) error

	// UpdateKey installs externally supplied material for the identifier,
	// replacing the Active entry. The bytes are copied in; the caller
	// wipes its source. Guests receive their keys this way.
	UpdateKey(id GlobalKeyID, secret []byte, ivMask uint64) error

	// ClearExportMasterKey zeroizes the export master key. Derivation
	// fails ErrNoSession afterwards until the next Init.
	ClearExportMasterKey()

	// UseExportMasterKey gives scoped access to the export master key.
	// Only callers carrying MasterKeyAuthorization may invoke it.
	UseExportMasterKey(caller MasterKeyCaller, fn func(key []byte) error) error

	// IsValidGlobalKeyID performs the variant-specific range validation
	// every other entry point applies first.
	IsValidGlobalKeyID(id GlobalKeyID) bool

	// Status returns the non-secret summary of all live entries.
	Status() []KeyStatus

	KeyTaxonomy
}

// KeyTaxonomy is the set of pure, variant-dispatched queries over the key
// space layout. None of them touch key material.
type KeyTaxonomy interface {
	// KeySpaceFromChannel maps a channel to the key space of its engine.
	KeySpaceFromChannel(ch ChannelID) (KeySpace, error)

	// EngineIDFromKeySpace maps a key space back to its owning engine.
	EngineIDFromKeySpace(space KeySpace) (EngineID, error)

	// LceKeyIDFromChannel returns the encrypt-side copy-engine key
	// identifier serving the channel's privilege class.
	LceKeyIDFromChannel(ch ChannelID) (GlobalKeyID, error)

	// MaxKeySpaceIndex returns the number of copy-engine key spaces the
	// variant exposes.
	MaxKeySpaceIndex() int

	// KeyPairByChannel returns the encrypt/decrypt pair serving the
	// channel.
	KeyPairByChannel(ch ChannelID) (KeyPair, error)

	// KeyPairForKeySpace returns the kernel or user pair of a key space.
	KeyPairForKeySpace(space KeySpace, kernel bool) (KeyPair, error)

	// GlobalKeyIsKernelPriv reports whether the key belongs to the kernel
	// trust domain; such keys may only be retrieved by kernel callers.
	GlobalKeyIsKernelPriv(id GlobalKeyID) bool

	// GlobalKeyIsUvmKey reports whether the key serves the unified memory
	// fault path.
	GlobalKeyIsUvmKey(id GlobalKeyID) bool
}
