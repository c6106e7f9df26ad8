package keystore

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"

	"golang.org/x/crypto/hkdf"

	"github.com/ruteri/gpu-cc-key-manager/interfaces"
	"github.com/ruteri/gpu-cc-key-manager/metrics"
	"github.com/ruteri/gpu-cc-key-manager/variant"
)

// KDF context labels. The master-key salt binds the export master key to this
// module's derivation domain; the per-key label is mixed with the identifier
// wire value and generation.
var (
	masterKeySalt = []byte("gpu-cc-export-master-key")
	keyLabel      = []byte("gpu-cc-channel-key")
)

// hostStore is the full key store for CC-capable silicon in the host-kernel
// role.
type hostStore struct {
	hopperTaxonomy
	core

	variant variant.DeviceVariant
	log     *slog.Logger
}

func newHostStore(v variant.DeviceVariant, log *slog.Logger) *hostStore {
	return &hostStore{variant: v, log: log.With("component", "keystore")}
}

// Init derives the export master key from the session seed and allocates the
// mapping.
func (s *hostStore) Init(session *interfaces.SessionState) error {
	if session == nil || !session.Established {
		return fmt.Errorf("key store init: %w", interfaces.ErrNoSession)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.initialized {
		return errors.New("key store already initialized")
	}

	var master []byte
	err := session.UseSeed(func(seed []byte) error {
		master = make([]byte, interfaces.SecretSize)
		_, rerr := io.ReadFull(hkdf.New(sha256.New, seed, masterKeySalt, nil), master)
		return rerr
	})
	if err != nil {
		for i := range master {
			master[i] = 0
		}
		return fmt.Errorf("deriving export master key: %w", err)
	}

	s.master = master
	s.entries = make(map[interfaces.GlobalKeyID]*entry)
	s.initialized = true
	s.log.Debug("key store initialized", "variant", s.variant.String())
	return nil
}

// Deinit zeroizes all material and the export master key. Safe on a
// partially initialized store and idempotent.
func (s *hostStore) Deinit() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.zeroizeMaster()
	for _, e := range s.entries {
		e.zeroizeAll()
	}
	s.entries = nil
	s.initialized = false
}

// resolveID validates a key identifier against the variant and reduces it to
// its global form. EngineKeySpaceID is only accepted by the batch entry
// points.
func (s *hostStore) resolveID(id interfaces.KeyIdentifier) (interfaces.GlobalKeyID, error) {
	switch v := id.(type) {
	case interfaces.GlobalKeyID:
		if !s.IsValidGlobalKeyID(v) {
			return interfaces.GlobalKeyID{}, fmt.Errorf("key id %s: %w", v, interfaces.ErrInvalidIdentifier)
		}
		return v, nil
	case interfaces.ChannelKeyID:
		space, err := s.KeySpaceFromChannel(v.Channel)
		if err != nil {
			return interfaces.GlobalKeyID{}, err
		}
		if space != v.Space {
			return interfaces.GlobalKeyID{}, fmt.Errorf("channel %s is not in key space %s: %w", v.Channel, v.Space, interfaces.ErrInvalidIdentifier)
		}
		pair, err := s.KeyPairByChannel(v.Channel)
		if err != nil {
			return interfaces.GlobalKeyID{}, err
		}
		return pair.Encrypt, nil
	default:
		return interfaces.GlobalKeyID{}, fmt.Errorf("identifier %s not addressable: %w", id, interfaces.ErrInvalidIdentifier)
	}
}

// deriveLocked produces material for one identifier at the given generation.
// Caller holds the write lock.
func (s *hostStore) deriveLocked(id interfaces.GlobalKeyID, generation uint64) (*material, error) {
	if s.master == nil {
		return nil, fmt.Errorf("derive %s: %w", id, interfaces.ErrNoSession)
	}

	info := make([]byte, 0, len(keyLabel)+12)
	info = append(info, keyLabel...)
	info = binary.BigEndian.AppendUint32(info, id.Value())
	info = binary.BigEndian.AppendUint64(info, generation)

	secret := make([]byte, interfaces.SecretSize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, s.master, nil, info), secret); err != nil {
		return nil, fmt.Errorf("derive %s: %v: %w", id, err, interfaces.ErrDerivationFailed)
	}

	// An all-zero output would mean a broken KDF; refuse to publish it.
	zero := true
	for _, b := range secret {
		if b != 0 {
			zero = false
			break
		}
	}
	if zero {
		return nil, fmt.Errorf("derive %s produced degenerate material: %w", id, interfaces.ErrDerivationFailed)
	}

	return &material{id: id, secret: secret, generation: generation, state: interfaces.KeyStateDerived}, nil
}

// DeriveKey installs generation-0 material for the identifier, or returns a
// handle on the existing Active entry.
func (s *hostStore) DeriveKey(id interfaces.KeyIdentifier) (interfaces.KeyHandle, error) {
	gid, err := s.resolveID(id)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return nil, fmt.Errorf("derive %s: %w", gid, interfaces.ErrNoSession)
	}

	if e, ok := s.entries[gid]; ok && e.active != nil {
		return s.newHandle(e.active), nil
	}

	m, err := s.deriveLocked(gid, 0)
	if err != nil {
		return nil, err
	}
	m.state = interfaces.KeyStateActive
	s.entries[gid] = &entry{active: m}
	metrics.KeysDerivedTotal.WithLabelValues(gid.Space.String()).Inc()
	return s.newHandle(m), nil
}

// RetrieveViaKeyID returns a handle on the Active material for the
// identifier.
func (s *hostStore) RetrieveViaKeyID(id interfaces.GlobalKeyID) (interfaces.KeyHandle, error) {
	if !s.IsValidGlobalKeyID(id) {
		return nil, fmt.Errorf("key id %s: %w", id, interfaces.ErrInvalidIdentifier)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	if !ok || e.active == nil {
		return nil, fmt.Errorf("key %s: %w", id, interfaces.ErrNotFound)
	}
	return s.newHandle(e.active), nil
}

// RetrieveViaChannel returns a handle on the encrypt-side material serving
// the channel.
func (s *hostStore) RetrieveViaChannel(ch interfaces.ChannelID) (interfaces.KeyHandle, error) {
	pair, err := s.KeyPairByChannel(ch)
	if err != nil {
		return nil, err
	}
	return s.RetrieveViaKeyID(pair.Encrypt)
}

// DeriveSecretsForEngineKeySpace batch-derives every identifier of the
// engine's key space. Identifiers already Active are left untouched.
func (s *hostStore) DeriveSecretsForEngineKeySpace(engine interfaces.EngineID, space interfaces.KeySpace) error {
	owner, err := s.EngineIDFromKeySpace(space)
	if err != nil {
		return err
	}
	if owner != engine {
		return fmt.Errorf("key space %s not owned by %s: %w", space, engine, interfaces.ErrInvalidIdentifier)
	}

	for local := interfaces.LocalKeyID(0); local < interfaces.LocalKeyCount(space); local++ {
		h, err := s.DeriveKey(interfaces.GlobalKeyID{Space: space, Local: local})
		if err != nil {
			return err
		}
		h.Release()
	}
	return nil
}

// DeriveSecrets batch-derives the engine's own key space.
func (s *hostStore) DeriveSecrets(engine interfaces.EngineID) error {
	space, err := spaceForEngine(engine)
	if err != nil {
		return err
	}
	return s.DeriveSecretsForEngineKeySpace(engine, space)
}

// UpdateSecrets re-derives and swaps the Active material for the given
// identifiers (all live identifiers when none are given). The swap is the
// final step for each identifier: any failure before it leaves the outgoing
// material Active.
func (s *hostStore) UpdateSecrets(ids ...interfaces.GlobalKeyID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return fmt.Errorf("update secrets: %w", interfaces.ErrNoSession)
	}

	if len(ids) == 0 {
		for id := range s.entries {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i].Value() < ids[j].Value() })
	}

	// Reject malformed identifiers before touching any entry so a bad batch
	// does not rotate a prefix of it.
	for _, id := range ids {
		if !s.IsValidGlobalKeyID(id) {
			return fmt.Errorf("key id %s: %w", id, interfaces.ErrInvalidIdentifier)
		}
	}

	for _, id := range ids {
		if err := s.rotateOneLocked(id); err != nil {
			return err
		}
	}
	return nil
}

func (s *hostStore) rotateOneLocked(id interfaces.GlobalKeyID) error {
	e, ok := s.entries[id]
	if !ok || e.active == nil {
		return fmt.Errorf("rotate %s: %w", id, interfaces.ErrNotFound)
	}

	fresh, err := s.deriveLocked(id, e.active.generation+1)
	if err != nil {
		return err
	}
	fresh.state = interfaces.KeyStateRotationPending
	e.pending = fresh

	// Publish. From here the new material answers retrievals; the outgoing
	// one stays decryptable until its last handle is released.
	old := e.active
	fresh.state = interfaces.KeyStateActive
	e.active = fresh
	e.pending = nil

	old.state = interfaces.KeyStateRetired
	if old.refs.Load() == 0 {
		old.zeroize()
	} else {
		e.retired = append(e.retired, old)
	}

	s.log.Debug("key rotated", "id", id.String(), "generation", fresh.generation)
	return nil
}

// DepositIVMask records the hardware-assigned IV mask on the Active material.
func (s *hostStore) DepositIVMask(id interfaces.GlobalKeyID, mask uint64) error {
	if !s.IsValidGlobalKeyID(id) {
		return fmt.Errorf("key id %s: %w", id, interfaces.ErrInvalidIdentifier)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok || e.active == nil {
		return fmt.Errorf("key %s: %w", id, interfaces.ErrNotFound)
	}
	e.active.ivMask = mask
	e.active.ivMaskSet = true
	return nil
}

// UpdateKey installs externally supplied material, replacing any Active
// entry at the next generation.
func (s *hostStore) UpdateKey(id interfaces.GlobalKeyID, secret []byte, ivMask uint64) error {
	if !s.IsValidGlobalKeyID(id) {
		return fmt.Errorf("key id %s: %w", id, interfaces.ErrInvalidIdentifier)
	}
	if len(secret) != interfaces.SecretSize {
		return fmt.Errorf("material for %s must be %d bytes: %w", id, interfaces.SecretSize, interfaces.ErrDerivationFailed)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return fmt.Errorf("update key %s: %w", id, interfaces.ErrNoSession)
	}

	installGeneration := uint64(0)
	e, ok := s.entries[id]
	if ok && e.active != nil {
		installGeneration = e.active.generation + 1
	}

	m := &material{
		id:         id,
		secret:     append([]byte(nil), secret...),
		ivMask:     ivMask,
		ivMaskSet:  true,
		generation: installGeneration,
		state:      interfaces.KeyStateActive,
	}

	if !ok {
		s.entries[id] = &entry{active: m}
		return nil
	}

	old := e.active
	e.active = m
	if old != nil {
		old.state = interfaces.KeyStateRetired
		if old.refs.Load() == 0 {
			old.zeroize()
		} else {
			e.retired = append(e.retired, old)
		}
	}
	return nil
}

// ClearExportMasterKey zeroizes the master key; derivation requires a new
// session afterwards.
func (s *hostStore) ClearExportMasterKey() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.zeroizeMaster()
}

// UseExportMasterKey gives scoped read access to the master key to callers
// carrying the master-key authorization.
func (s *hostStore) UseExportMasterKey(_ interfaces.MasterKeyCaller, fn func(key []byte) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.master == nil {
		return fmt.Errorf("export master key: %w", interfaces.ErrNoSession)
	}
	return fn(s.master)
}

// IsValidGlobalKeyID performs the Hopper range validation.
func (s *hostStore) IsValidGlobalKeyID(id interfaces.GlobalKeyID) bool {
	return id.Space < interfaces.KeySpaceCount && id.Local < interfaces.LocalKeyCount(id.Space)
}

// Status returns the non-secret summary of all live entries, ordered by
// identifier.
func (s *hostStore) Status() []interfaces.KeyStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]interfaces.KeyStatus, 0, len(s.entries))
	for id, e := range s.entries {
		if e.active == nil {
			continue
		}
		out = append(out, interfaces.KeyStatus{
			ID:           id,
			State:        e.active.state,
			StateName:    e.active.state.String(),
			Generation:   e.active.generation,
			RetiredCount: len(e.retired),
			IVMaskSet:    e.active.ivMaskSet,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.Value() < out[j].ID.Value() })
	return out
}
