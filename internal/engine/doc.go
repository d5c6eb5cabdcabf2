// Package engine drives work items through the lifecycle. It loads the
// persisted manifest, refreshes the artifact registry, asks the machine for a
// plan, and applies the plan's event, lock, marker, and stage effects in one
// unit of work so a crash never leaves a lock without the event that caused it.
package engine
