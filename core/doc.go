// Package core holds the entity synchronization domain: canonical records,
// schema and mapping registries, the transform catalog, the entity translator
// and the error taxonomy. Clients, stores and the orchestrator depend on this
// package; it depends on none of them.
package core
