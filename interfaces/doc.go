// Package interfaces defines the core types and contracts shared by the
// confidential-compute key manager components. It provides the contract
// between the key store, rotation controller, session bootstrap and engine
// lifecycle without implementation details.
//
// The package holds four groups of definitions:
//
//   - The key identifier taxonomy: key spaces, local key identifiers, and the
//     GlobalKeyID / ChannelKeyID / EngineKeySpaceID identifier forms accepted
//     by the key store.
//
//   - The error taxonomy shared by every component. Callers match these with
//     errors.Is; implementations wrap them with context.
//
//   - Component contracts: KeyStore, SessionBootstrap, PhaseParticipant.
//     Implementations are selected once per device attach from the resolved
//     DeviceVariant, never by runtime type inspection.
//
//   - PropertyFlags: the fixed named-boolean surface queryable by any
//     collaborator. All flags are computed at construction from the device
//     variant; only the rotation controller mutates its own subset afterward.
package interfaces
