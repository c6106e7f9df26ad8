// Package httpserver provides the operator HTTP surface for the key
// manager: liveness, readiness and drain endpoints for deployment
// orchestration, a read-only status API over the engine and key store, and
// a rotation trigger. A Prometheus metrics server runs alongside on its own
// listener.
//
// The API deliberately exposes key states and generations only. Key
// material, the session seed and the export master key are reachable
// solely through the in-process scoped-access interfaces.
package httpserver
