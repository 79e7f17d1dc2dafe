// Package metrics defines the Prometheus collectors exported by the voice
// worker. Collectors are registered against an explicit Registerer so tests
// can use a private registry.
package metrics
