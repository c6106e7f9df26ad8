// Package engine implements the confidential-compute engine and the
// lifecycle driver that walks it through the device bring-up and teardown
// phases.
//
// The driver enforces strict phase ordering and holds the device-wide lock
// for Locked phases. Any bring-up failure moves the engine to a terminal
// Error phase from which only teardown proceeds, so key material is
// zeroized on every exit path. The ConfidentialCompute participant binds
// the variant-selected key store, session bootstrap and rotation controller
// at construction and sequences them: session and root key spaces during
// init, copy-engine key spaces during load, rotation policy after load.
package engine
