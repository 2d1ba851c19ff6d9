// Package debtflow runs the debt document workflow as a chain of queue
// consumers.
//
// An entity moves through six stages, each consuming one channel and
// publishing to the next:
//
//	gen-doc -> GenerateDocument -> gen-doc-done -> DocumentDone -> sign-doc
//	sign-doc -> SignDocument -> sign-doc-done -> SignatureDone -> run-script
//	run-script -> RunScript -> run-script-done -> ScriptDone
//
// DocumentDone records the document hash, SignatureDone the signature hash
// and ScriptDone marks the script executed. The other stages only confirm
// the entity exists and pass the message on.
//
// # Core Concepts
//
//  1. Pipeline
//  2. EntityStore
//  3. Broker
//  4. Engine
//  5. Worker
//  6. WorkerBundle and LocalRunner
//
// # Pipeline
//
// A Pipeline is the stage table every handler is derived from. DefaultPipeline
// returns the six stages above; NewPipeline builds custom tables and Build
// checks that they form a single chain.
//
// # EntityStore
//
// Entities are persisted with optimistic versioning: an update carrying a
// stale version is rejected, and the engine re-reads and re-applies the stage
// effect. Stores exist for memory, SQLite, PostgreSQL, Redis and MongoDB.
//
// # Broker
//
// Brokers give at-least-once delivery with leases. A delivery that is not
// acknowledged before its lease runs out becomes visible again, so a crashed
// worker never loses a message. Brokers exist for the same five backends.
//
// # Engine
//
// The Engine runs one stage for one delivery: look up the entity, check the
// stage's precondition, apply the idempotent effect, wait out the simulated
// latency and publish to the next channel. Effects set a field only when it
// is unset, so redelivered messages converge on the same entity state.
//
// A message whose entity does not exist is logged once and dead-lettered;
// nothing is written and nothing is published.
//
// # Worker
//
// A Worker consumes one channel. It renews the lease while the engine runs,
// acknowledges on success, redelivers retryable failures with backoff and
// dead-letters permanent failures or messages that ran out of attempts.
// Middleware adds logging, panic recovery, timeouts, tracing and metrics.
//
// # LocalRunner
//
// LocalRunner bundles in-memory backends, the engine and one worker per
// channel into a process-local helper for development and tests. It is not
// crash-durable; NewSQLiteBundle gives the same API over a SQLite file.
package debtflow
