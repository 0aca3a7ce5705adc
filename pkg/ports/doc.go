/*
Package ports defines the driven ports (interfaces) of the Lattice execution core.

These interfaces decouple the engine from storage and execution technology, so the same
runtime works against memory, Redis, Badger or file backed adapters.

# Key Interfaces

  - EventLedger: append-only, per-run ordered log of execution events. The source of truth.
  - SnapshotStore: optimistically versioned materialized view of a run.
  - DefinitionRepository: durable storage of workflow definitions, per tenant.
  - NodeExecutor: runs the logic of a single node. Lattice never interprets node config itself.
  - CompensationHandler: undoes the side effects of a completed node.
  - DistributedLocker: optional cross-replica mutual exclusion for a run.

Every storage adapter is expected to pass the contract suites in this package
(RunEventLedgerContract, RunSnapshotStoreContract, RunDefinitionRepositoryContract).
*/
package ports
