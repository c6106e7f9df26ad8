package keystore

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/ruteri/gpu-cc-key-manager/interfaces"
	"github.com/ruteri/gpu-cc-key-manager/variant"
)

// guestStore is the reduced binding for the guest-VF role on CC-capable
// silicon. Guests hold no master secret and cannot derive: the host deposits
// their keys through UpdateKey. Retrieval, IV-mask deposit and the taxonomy
// work as on the host.
type guestStore struct {
	hopperTaxonomy
	core

	variant variant.DeviceVariant
	log     *slog.Logger
}

func newGuestStore(v variant.DeviceVariant, log *slog.Logger) *guestStore {
	return &guestStore{variant: v, log: log.With("component", "keystore")}
}

// Init allocates the mapping. Guests have no session of their own; the seed
// is ignored.
func (s *guestStore) Init(_ *interfaces.SessionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.initialized {
		return fmt.Errorf("key store already initialized")
	}
	s.entries = make(map[interfaces.GlobalKeyID]*entry)
	s.initialized = true
	return nil
}

func (s *guestStore) Deinit() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		e.zeroizeAll()
	}
	s.entries = nil
	s.initialized = false
}

func (s *guestStore) DeriveKey(id interfaces.KeyIdentifier) (interfaces.KeyHandle, error) {
	return nil, fmt.Errorf("guest derivation for %s: %w", id, interfaces.ErrUnsupportedOperation)
}

func (s *guestStore) DeriveSecretsForEngineKeySpace(engine interfaces.EngineID, space interfaces.KeySpace) error {
	return fmt.Errorf("guest derivation for %s/%s: %w", engine, space, interfaces.ErrUnsupportedOperation)
}

func (s *guestStore) DeriveSecrets(engine interfaces.EngineID) error {
	return fmt.Errorf("guest derivation for %s: %w", engine, interfaces.ErrUnsupportedOperation)
}

func (s *guestStore) UpdateSecrets(_ ...interfaces.GlobalKeyID) error {
	return fmt.Errorf("guest rotation: %w", interfaces.ErrUnsupportedOperation)
}

func (s *guestStore) RetrieveViaKeyID(id interfaces.GlobalKeyID) (interfaces.KeyHandle, error) {
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

func (s *guestStore) RetrieveViaChannel(ch interfaces.ChannelID) (interfaces.KeyHandle, error) {
	pair, err := s.KeyPairByChannel(ch)
	if err != nil {
		return nil, err
	}
	return s.RetrieveViaKeyID(pair.Encrypt)
}

func (s *guestStore) DepositIVMask(id interfaces.GlobalKeyID, mask uint64) error {
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

// UpdateKey is the guest's only way to obtain material: the host deposits
// keys it derived or rotated on the guest's behalf.
func (s *guestStore) UpdateKey(id interfaces.GlobalKeyID, secret []byte, ivMask uint64) error {
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

	m := &material{
		id:        id,
		secret:    append([]byte(nil), secret...),
		ivMask:    ivMask,
		ivMaskSet: true,
		state:     interfaces.KeyStateActive,
	}

	e, ok := s.entries[id]
	if !ok {
		s.entries[id] = &entry{active: m}
		return nil
	}

	old := e.active
	if old != nil {
		m.generation = old.generation + 1
	}
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

func (s *guestStore) ClearExportMasterKey() {}

func (s *guestStore) UseExportMasterKey(_ interfaces.MasterKeyCaller, _ func(key []byte) error) error {
	return fmt.Errorf("guest has no export master key: %w", interfaces.ErrUnsupportedOperation)
}

func (s *guestStore) IsValidGlobalKeyID(id interfaces.GlobalKeyID) bool {
	return id.Space < interfaces.KeySpaceCount && id.Local < interfaces.LocalKeyCount(id.Space)
}

func (s *guestStore) Status() []interfaces.KeyStatus {
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
