package keystore

import (
	"log/slog"

	"github.com/ruteri/gpu-cc-key-manager/interfaces"
	"github.com/ruteri/gpu-cc-key-manager/variant"
)

// New binds the key store implementation for the resolved device variant.
// The binding is fixed for the lifetime of the store.
func New(v variant.DeviceVariant, log *slog.Logger) interfaces.KeyStore {
	switch {
	case !v.IsCCCapable():
		return &unsupportedStore{variant: v}
	case v.IsHostKernel():
		return newHostStore(v, log)
	default:
		return newGuestStore(v, log)
	}
}
