package stores_test

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/openfroyo/plugsync/pkg/engine"
	"github.com/openfroyo/plugsync/pkg/stores"
)

// ExampleOpen records an applied run and reads it back.
func ExampleOpen() {
	ctx := context.Background()
	journal, err := stores.Open(ctx, stores.Config{Path: ":memory:", Actor: "ci"})
	if err != nil {
		log.Fatal(err)
	}
	defer journal.Close()

	started := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	err = journal.RecordRun(ctx, &engine.Report{
		RunID:       "run-001",
		Scope:       "Contoso.Plugins",
		Status:      engine.RunStatusSucceeded,
		StartedAt:   started,
		CompletedAt: started.Add(2 * time.Second),
		Results: []engine.OperationResult{{
			OperationID: "plugintype:create:Contoso.Plugins.AccountPlugin",
			Kind:        engine.KindPluginType,
			Action:      engine.OperationCreate,
			Key:         "Contoso.Plugins.AccountPlugin",
			Status:      engine.ResultSucceeded,
			Attempts:    1,
		}},
	})
	if err != nil {
		log.Fatal(err)
	}

	run, err := journal.GetRun(ctx, "run-001")
	if err != nil {
		log.Fatal(err)
	}
	ops, err := journal.ListOperations(ctx, run.ID)
	if err != nil {
		log.Fatal(err)
	}

	fmt.Println(run.Scope, run.Status, run.Duration())
	fmt.Println(ops[0].Action, ops[0].Key, ops[0].Status)
	// Output:
	// Contoso.Plugins succeeded 2s
	// create Contoso.Plugins.AccountPlugin succeeded
}
