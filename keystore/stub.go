package keystore

import (
	"fmt"

	"github.com/ruteri/gpu-cc-key-manager/interfaces"
	"github.com/ruteri/gpu-cc-key-manager/variant"
)

// unsupportedStore is the fail-fast binding for silicon without the
// confidential-compute key manager. Every operation reports
// ErrUnsupportedOperation; the engine lifecycle still completes around it
// with the engine declared absent.
type unsupportedStore struct {
	variant variant.DeviceVariant
}

func (s *unsupportedStore) unsupported(op string) error {
	return fmt.Errorf("%s on %s: %w", op, s.variant, interfaces.ErrUnsupportedOperation)
}

func (s *unsupportedStore) Init(_ *interfaces.SessionState) error { return s.unsupported("init") }
func (s *unsupportedStore) Deinit()                               {}

func (s *unsupportedStore) DeriveKey(_ interfaces.KeyIdentifier) (interfaces.KeyHandle, error) {
	return nil, s.unsupported("derive")
}

func (s *unsupportedStore) RetrieveViaChannel(_ interfaces.ChannelID) (interfaces.KeyHandle, error) {
	return nil, s.unsupported("retrieve")
}

func (s *unsupportedStore) RetrieveViaKeyID(_ interfaces.GlobalKeyID) (interfaces.KeyHandle, error) {
	return nil, s.unsupported("retrieve")
}

func (s *unsupportedStore) DeriveSecretsForEngineKeySpace(_ interfaces.EngineID, _ interfaces.KeySpace) error {
	return s.unsupported("derive secrets")
}

func (s *unsupportedStore) DeriveSecrets(_ interfaces.EngineID) error {
	return s.unsupported("derive secrets")
}

func (s *unsupportedStore) UpdateSecrets(_ ...interfaces.GlobalKeyID) error {
	return s.unsupported("update secrets")
}

func (s *unsupportedStore) DepositIVMask(_ interfaces.GlobalKeyID, _ uint64) error {
	return s.unsupported("deposit iv mask")
}

func (s *unsupportedStore) UpdateKey(_ interfaces.GlobalKeyID, _ []byte, _ uint64) error {
	return s.unsupported("update key")
}

func (s *unsupportedStore) ClearExportMasterKey() {}

func (s *unsupportedStore) UseExportMasterKey(_ interfaces.MasterKeyCaller, _ func(key []byte) error) error {
	return s.unsupported("export master key")
}

func (s *unsupportedStore) IsValidGlobalKeyID(_ interfaces.GlobalKeyID) bool { return false }

func (s *unsupportedStore) Status() []interfaces.KeyStatus { return nil }

func (s *unsupportedStore) KeySpaceFromChannel(_ interfaces.ChannelID) (interfaces.KeySpace, error) {
	return 0, s.unsupported("key space query")
}

func (s *unsupportedStore) EngineIDFromKeySpace(_ interfaces.KeySpace) (interfaces.EngineID, error) {
	return 0, s.unsupported("engine query")
}

func (s *unsupportedStore) LceKeyIDFromChannel(_ interfaces.ChannelID) (interfaces.GlobalKeyID, error) {
	return interfaces.GlobalKeyID{}, s.unsupported("lce key query")
}

func (s *unsupportedStore) MaxKeySpaceIndex() int { return 0 }

func (s *unsupportedStore) KeyPairByChannel(_ interfaces.ChannelID) (interfaces.KeyPair, error) {
	return interfaces.KeyPair{}, s.unsupported("key pair query")
}

func (s *unsupportedStore) KeyPairForKeySpace(_ interfaces.KeySpace, _ bool) (interfaces.KeyPair, error) {
	return interfaces.KeyPair{}, s.unsupported("key pair query")
}

func (s *unsupportedStore) GlobalKeyIsKernelPriv(_ interfaces.GlobalKeyID) bool { return false }
func (s *unsupportedStore) GlobalKeyIsUvmKey(_ interfaces.GlobalKeyID) bool     { return false }
