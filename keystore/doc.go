// Package keystore owns the mapping from key identifiers to symmetric key
// material protecting GPU command and data traffic under confidential
// compute.
//
// The store derives every key one-way from the export master key, which is
// itself derived from the seed secret the session bootstrap obtains from the
// firmware trust anchor. Derivation is HKDF-SHA256 and is deterministic for
// identical (master key, identifier, generation) inputs.
//
// # Variant bindings
//
// New selects the concrete implementation once, from the resolved device
// variant:
//
//   - Hopper silicon in the host-kernel role gets the full store.
//   - Hopper silicon in the guest-VF role gets the reduced store: guests
//     receive their keys from the host via UpdateKey and cannot derive.
//   - Any other silicon gets the fail-fast stub: every operation returns
//     ErrUnsupportedOperation.
//
// There is no per-call variant branching; each binding is independently
// testable.
//
// # Secret handling
//
// Secret bytes never leave store-owned storage. Consumers receive a KeyHandle
// and read material through its scoped Use method; a handle pins its
// generation so that rotated-out material stays decryptable until the last
// handle is released, at which point it is zeroized. Deinit zeroizes
// everything unconditionally, including from a partially initialized store.
package keystore
