// Package outbox implements the transactional outbox: side effects are
// recorded as PENDING records in the same database transaction as the
// domain write that requires them, dispatched by queue workers through the
// resilient call executor, retried with capped exponential backoff, and
// dead-lettered after the attempt ceiling with an operator requeue path.
//
// The record is the source of truth. Queue jobs referencing records are
// scheduling hints; the Sweeper regenerates them from due records, so a
// lost job delays a side effect but never drops it.
package outbox
