// Package api holds the types shared by every part of debtflow: the Entity
// record, the Message payload, the stage Pipeline table, the stage effects
// and guards, the Delayer that simulates external latency, the Observer
// hooks and the Engine contract.
//
// # Entities
//
// An Entity carries three stage fields that only ever move forward:
// DocumentHash, SignatureHash and ScriptExecuted. Version is owned by the
// store and increases on every write.
//
// # Messages
//
// A Message is a flat JSON object with an integer "entityId" and any number
// of extra keys, which each stage forwards unchanged.
//
// # Pipelines
//
// A Pipeline is an ordered table of StageDefinition rows. Each row names
// the channel it consumes, the channel it publishes to (empty for the last
// stage), an optional idempotent effect and an optional guard. Engines,
// workers and tooling all derive their behavior from this table, so
// reordering or renaming channels needs no other change.
//
// # Errors
//
// Handlers return plain errors for failures worth retrying. Wrap an error
// with Permanent to have the worker dead-letter the message instead.
// Malformed payloads are always permanent.
//
// # Observability
//
// Observer receives stage lifecycle callbacks. LoggingObserver writes them
// with log/slog, BasicMetrics counts them and NewCompositeObserver fans
// them out to several observers.
package api
