// Package internal documents the orchestration engine internals.
//
// The internal tree is organized by responsibility:
// - api: HTTP handlers, middleware, problem responses, and routing
// - domain: job and item state machines, progress aggregation, IDs
// - storage: the Job Registry repositories (Postgres and memory)
// - dispatch: background loops that start, claim, and sweep jobs
// - workers: queue-backed item execution and callbacks (River)
// - events: the per-job real-time event bus with bounded replay
// - source, render, webhook, config, metrics: shared infrastructure
//
// Code in internal/ is not meant for external import.
package internal
