// Package jobqueue is the retrying, prioritized work queue behind the worker
// pool.
//
// Each job is keyed by the task it converts, so a task has at most one
// outstanding job. Jobs are claimed by priority (480p before 720p before
// 1080p) and then in enqueue order. A claim hands out a lease token; Ack,
// Fail, ReportProgress and Heartbeat only act while the caller still holds
// that lease, which keeps a stalled-then-redelivered job from being moved by
// its original worker.
//
// Failed attempts are delayed with exponential backoff until the attempt
// budget is spent, after which the job is retained as failed. Completed jobs
// are pruned to the newest RetainCompleted entries.
//
// Two backends implement Queue: SQLiteQueue (the default, a jobs.db beside
// the task database) and RedisQueue (sorted sets plus Lua scripts).
package jobqueue
