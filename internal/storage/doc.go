// Package storage persists scheduler state.
//
// It provides:
//   - JobStore implementations (memory, file journal, sqlite) mirroring the
//     registry so job state survives restarts and can be inspected offline
//   - The shared sqlite handle (DB) used by the execution history
package storage
