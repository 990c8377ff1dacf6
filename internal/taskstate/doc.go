// Package taskstate moves tasks through their lifecycle.
//
// Machine wraps a tasks.Store and applies each transition as one conditional
// update, so the store stays the arbiter when a stale worker and a fresh one
// race. Writes against a task that was deleted mid-flight return nil, nil and
// never re-create the record.
//
//	QUEUED ─▶ PROCESSING ─▶ COMPLETED
//	              │   ▲
//	              ▼   │ (retry / stall redelivery)
//	            FAILED ─▶ QUEUED (operator requeue)
package taskstate
