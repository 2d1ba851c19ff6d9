// Package worker drives debtflow stages from broker channels.
//
// A Worker consumes exactly one channel. For each delivery it decodes the
// message, runs the engine's stage through a middleware chain and settles
// the delivery:
//
//   - success: Ack
//   - retryable failure: Nack with a Backoff delay, so the broker redelivers
//   - permanent failure, undecodable payload or MaxAttempts reached:
//     dead-letter (if a sink is configured), then Ack
//
// While a handler runs the worker renews the delivery's lease, so slow
// stages are not redelivered to another consumer underneath it.
//
// # Concurrency
//
// Run starts Config.Concurrency receive loops, each holding at most one
// delivery. The simulated stage latency blocks only its own loop, so a
// channel keeps draining while some handlers wait. Several workers, in one
// process or many, may consume the same channel.
//
// # Middleware
//
// Logging, Recover, Timeout, Tracing and Metrics cover the usual
// cross-cutting concerns; Chain composes them with custom middleware.
// Tracing and Metrics use the global OpenTelemetry providers unless given a
// tracer or meter explicitly.
package worker
