// Package relay is a reliability toolkit for services that ingest meeting
// webhooks and trigger idempotent side effects against unreliable
// third-party dependencies.
//
// The packages compose around a transactional outbox: state-changing calls
// are recorded as outbox records in the same database transaction as the
// business write, a queue delivers dispatch jobs, and a resilient call
// executor guards every downstream call with timeouts, retries, rate limits
// and circuit breakers. A sweeper regenerates lost jobs from the outbox so
// the database remains the source of truth.
//
// This root package carries the application lifecycle (Launcher) and the
// context plumbing that moves the logger, tracer and correlation id across
// component boundaries.
package relay
