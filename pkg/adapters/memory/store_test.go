package memory_test

import (
	"testing"

	"github.com/aretw0/lattice/pkg/adapters/memory"
	"github.com/aretw0/lattice/pkg/ports"
)

func TestMemoryStore_Contract(t *testing.T) {
	store := memory.NewStore()
	ports.RunSnapshotStoreContract(t, store)
}

func TestMemoryLedger_Contract(t *testing.T) {
	ledger := memory.NewLedger()
	ports.RunEventLedgerContract(t, ledger)
}

func TestMemoryDefinitions_Contract(t *testing.T) {
	repo := memory.NewDefinitions()
	ports.RunDefinitionRepositoryContract(t, repo)
}
