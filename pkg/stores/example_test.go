package stores_test

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/cirrusops/cirrus/pkg/engine"
	"github.com/cirrusops/cirrus/pkg/stores"
)

// ExampleNewSQLiteStore demonstrates creating and initializing a new SQLite store.
func ExampleNewSQLiteStore() {
	store, err := stores.NewSQLiteStore(stores.Config{
		Path: ":memory:", // Use in-memory database for example
	})
	if err != nil {
		log.Fatal(err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		log.Fatal(err)
	}
	if err := store.Migrate(ctx); err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	fmt.Println("Store initialized successfully")
	// Output: Store initialized successfully
}

// ExampleSQLiteStore_ReadLogs shows resuming a log stream from a cursor.
func ExampleSQLiteStore_ReadLogs() {
	store, _ := stores.NewSQLiteStore(stores.Config{Path: ":memory:"})
	ctx := context.Background()
	_ = store.Init(ctx)
	_ = store.Migrate(ctx)
	defer store.Close()

	now := time.Now()
	_ = store.CreateDeployment(ctx, &engine.Deployment{
		ID: "dep-1", TenantID: "team-a", MachineID: "m-1",
		Type: engine.DeploymentReboot, State: engine.DeploymentInProgress,
		CreatedAt: now, UpdatedAt: now,
	})
	for i, text := range []string{"rebooting", "waiting for agent", "done"} {
		_ = store.AppendLog(ctx, "dep-1", engine.LogLine{
			Cursor: int64(i + 1), Timestamp: now, Stream: engine.LogSystem, Text: text,
		})
	}

	lines, _ := store.ReadLogs(ctx, "dep-1", 1, 10)
	for _, line := range lines {
		fmt.Printf("%d %s\n", line.Cursor, line.Text)
	}
	// Output:
	// 2 waiting for agent
	// 3 done
}
