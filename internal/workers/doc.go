// Package workers runs the bounded conversion pool.
//
// A Pool starts a fixed number of consumers. Each consumer reclaims stalled
// leases, claims the next job from the queue, and drives one conversion
// attempt through the task state machine:
//
//	Begin → Convert (progress to queue, throttled progress to store)
//	      → Complete + Ack      on success
//	      → Fail + queue Fail   on error (the queue decides redelivery)
//
// A heartbeat goroutine keeps the job's lease alive while the converter runs.
// Jobs whose task has been deleted are acknowledged and dropped, and a late
// completion never recreates a deleted task.
package workers
