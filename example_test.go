package lattice_test

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/aretw0/lattice"
	"github.com/aretw0/lattice/pkg/domain"
	"github.com/aretw0/lattice/pkg/dsl"
	"github.com/aretw0/lattice/pkg/ports"
)

// ExampleNew demonstrates a diamond workflow driven to completion with in-memory backends.
func ExampleNew() {
	ctx := context.Background()
	eng := lattice.New(lattice.WithParallelism(1))

	eng.Handlers().RegisterExecutorFunc("task", func(ctx context.Context, req ports.NodeRequest) (ports.NodeResult, error) {
		return ports.NodeResult{Output: map[string]any{req.NodeID: "done"}}, nil
	})

	b := dsl.New("diamond")
	b.Add("fetch").Type("task")
	b.Add("resize").Type("task").After("fetch")
	b.Add("tag").Type("task").After("fetch")
	b.Add("publish").Type("task").After("resize", "tag")
	b.Output("published", "publish")

	if _, err := eng.RegisterDefinition(ctx, "acme", b.MustBuild()); err != nil {
		log.Fatal(err)
	}

	run, err := eng.Run(ctx, lattice.StartRequest{RunID: "run-1", TenantID: "acme", DefinitionID: "diamond"})
	if err != nil {
		log.Fatal(err)
	}

	fmt.Println(run.Status)
	fmt.Println(run.Outputs["published"])
	fmt.Println(len(run.CompletionOrder), "nodes completed")
	// Output:
	// COMPLETED
	// done
	// 4 nodes completed
}

// ExampleEngine_Compensate shows a saga unwinding completed nodes in reverse order
// after a later node fails.
func ExampleEngine_Compensate() {
	ctx := context.Background()
	eng := lattice.New()

	h := eng.Handlers()
	h.RegisterExecutorFunc("task", func(ctx context.Context, req ports.NodeRequest) (ports.NodeResult, error) {
		if req.NodeID == "charge" {
			return ports.NodeResult{}, errors.New("card declined")
		}
		return ports.NodeResult{Output: map[string]any{req.NodeID: "ok"}}, nil
	})
	h.RegisterCompensationFunc("undo", func(ctx context.Context, req ports.CompensationRequest) error {
		fmt.Println("undo", req.NodeID)
		return nil
	})

	b := dsl.New("checkout").Compensation(domain.StrategySequential)
	b.Add("reserve").Type("task").Undo("undo", nil)
	b.Add("hold").Type("task").After("reserve").Undo("undo", nil)
	b.Add("charge").Type("task").After("hold")

	if _, err := eng.RegisterDefinition(ctx, "acme", b.MustBuild()); err != nil {
		log.Fatal(err)
	}

	run, err := eng.Run(ctx, lattice.StartRequest{TenantID: "acme", DefinitionID: "checkout"})
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(run.Status)
	// Output:
	// undo hold
	// undo reserve
	// COMPENSATED
}
