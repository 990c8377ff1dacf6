// Package coordinator keeps task records, queue entries and files on disk in
// agreement.
//
// Creation writes task records first and enqueues afterwards; a failed
// enqueue leaves the task QUEUED for Reconcile to pick up. Deletion runs the
// other way round: the artifact and the queue entry are removed before the
// record, so an interrupted delete leaves the record behind as the anchor for
// a retry. Videos are deleted only after every one of their tasks.
package coordinator
