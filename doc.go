/*
Package lattice is an event-sourced execution core for DAG workflows with saga compensation.

Every change to a run is an immutable event appended to a ledger under a gapless,
per-run sequence number. The current state of a run is a pure fold of those events,
cached in a versioned snapshot store. Engines hold no run state, so any number of them
may drive the same stores; optimistic concurrency on both the ledger and the
snapshots keeps them consistent.

# Concept

A WorkflowDefinition is a graph of nodes connected by DependsOn. The planner finds the
nodes whose dependencies have completed, the engine schedules and executes them through
registered NodeExecutors, and the run completes once every node has. When a run fails
(or is cancelled) and its definition enables compensation, the completed nodes are undone
in reverse completion order by their CompensationHandlers.

# Key Features

  - Durable Execution: the ledger is the source of truth; snapshots can always be rebuilt.
  - Pluggable Backends: memory, Redis, Badger and the filesystem implement the same ports.
  - Saga Compensation: sequential, parallel or custom unwinding with audit events.
  - Human in the Loop: executors may suspend a run until a signal resumes it.

# Usage

	package main

	import (
		"context"
		"log"

		"github.com/aretw0/lattice"
		"github.com/aretw0/lattice/pkg/dsl"
		"github.com/aretw0/lattice/pkg/ports"
	)

	func main() {
		ctx := context.Background()
		eng := lattice.New()

		eng.Handlers().RegisterExecutorFunc("task", func(ctx context.Context, req ports.NodeRequest) (ports.NodeResult, error) {
			return ports.NodeResult{Output: map[string]any{req.NodeID: "ok"}}, nil
		})

		b := dsl.New("hello")
		b.Add("fetch").Type("task")
		b.Add("store").Type("task").After("fetch")
		def, err := b.Build()
		if err != nil {
			log.Fatal(err)
		}
		if _, err := eng.RegisterDefinition(ctx, "acme", def); err != nil {
			log.Fatal(err)
		}

		run, err := eng.Run(ctx, lattice.StartRequest{TenantID: "acme", DefinitionID: "hello"})
		if err != nil {
			log.Fatal(err)
		}
		log.Println(run.Status)
	}
*/
package lattice
