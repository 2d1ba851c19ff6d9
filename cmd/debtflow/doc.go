// Command debtflow runs and inspects the debt document workflow.
//
// Usage:
//
//	debtflow run [--seed N]        run one worker per channel until interrupted
//	debtflow create                create an entity and print its id
//	debtflow start <id> [--field k=v]...
//	                               publish the entity to the entry channel
//	debtflow show [id]             show one entity or all of them
//	debtflow channels              list the pipeline with queue depths
//	debtflow dead-letters [--purge]
//	                               list dead-lettered messages
//
// Settings come from debtflow.yaml (or --config) and DEBTFLOW_* environment
// variables; see internal/config.
package main
