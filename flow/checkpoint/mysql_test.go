package checkpoint

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"

	"github.com/google/uuid"
)

// Integration tests for MySQLStore. Set TEST_MYSQL_DSN to run, e.g.
//
//	TEST_MYSQL_DSN='root:root@tcp(localhost:3306)/searchflow_test?parseTime=true' go test ./flow/checkpoint/
func newTestMySQLStore(t *testing.T) *MySQLStore {
	t.Helper()
	dsn := os.Getenv("TEST_MYSQL_DSN")
	if dsn == "" {
		t.Skip("TEST_MYSQL_DSN not set; skipping MySQL integration test")
	}
	store, err := NewMySQLStore(dsn)
	if err != nil {
		t.Fatalf("NewMySQLStore: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestMySQLStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestMySQLStore(t)

	runID := "test-" + uuid.NewString()
	want := testRecord(runID)
	if err := store.Save(ctx, want); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := store.LoadAndClear(ctx, runID)
	if err != nil {
		t.Fatalf("LoadAndClear: %v", err)
	}
	if got.StepName != want.StepName || got.Reason != want.Reason {
		t.Fatalf("got %+v, want %+v", got, want)
	}
	if string(got.OpaqueState) != string(want.OpaqueState) {
		t.Fatalf("OpaqueState = %s, want %s", got.OpaqueState, want.OpaqueState)
	}

	if _, err := store.LoadAndClear(ctx, runID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second claim got %v, want ErrNotFound", err)
	}
}

func TestMySQLStoreConcurrentClaim(t *testing.T) {
	ctx := context.Background()
	store := newTestMySQLStore(t)

	runID := "test-" + uuid.NewString()
	if err := store.Save(ctx, testRecord(runID)); err != nil {
		t.Fatalf("Save: %v", err)
	}

	const claimants = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	var wins int

	for i := 0; i < claimants; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.LoadAndClear(ctx, runID)
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
				return
			}
			if !errors.Is(err, ErrNotFound) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Fatalf("wins = %d, want exactly one", wins)
	}
}
