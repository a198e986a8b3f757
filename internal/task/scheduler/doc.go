// Package scheduler is the job scheduler facade.
//
// It owns the job registry and ties it to the rest of the system:
//   - a single robfig/cron loop computes due times for every trigger
//   - due fires are submitted to the engine without blocking the loop
//   - management calls (add, run, pause, resume, remove) emit lifecycle events
//   - registry state is mirrored into the configured job store
package scheduler
