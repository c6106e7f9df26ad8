// Command ccmanager runs the confidential-compute key manager as a daemon.
//
// It resolves the device variant from the supplied capability bits, drives
// the engine through bring-up (attestation session, key-space derivation,
// rotation policy) and serves the operator API until SIGTERM, at which
// point the engine is torn down in reverse phase order so all key material
// is zeroized before exit.
package main
