/*
Package domain contains the core data model of the Lattice workflow engine.

It defines workflow definitions, run snapshots and the closed set of execution
events that make up a run's ledger. This package is kept pure and free of I/O
or persistence concerns, following Hexagonal Architecture principles.

# Key Entities

  - WorkflowDefinition: An immutable graph of NodeDefinitions with an optional CompensationPolicy.
  - WorkflowRun: The materialized snapshot of one run, derived from its events.
  - NodeExecution: The per-node execution record inside a run.
  - ExecutionEvent: A tagged union of everything that can happen to a run.
  - CompensationState: The saga progress of a failed or cancelled run.
*/
package domain
