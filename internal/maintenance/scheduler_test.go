package maintenance

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/driftdb/driftdb/internal/catalog"
	"github.com/driftdb/driftdb/internal/engine"
)

func testEngine(t *testing.T) *engine.Engine {
	t.Helper()
	cfg := engine.DefaultConfig(t.TempDir())
	cfg.MVCC.LockTimeout = 200 * time.Millisecond
	cfg.MVCC.DeadlockCheckInterval = 10 * time.Millisecond
	cfg.MVCC.ReapInterval = 50 * time.Millisecond
	cfg.MVCC.MaxTransactionDuration = time.Hour

	e, err := engine.Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })

	require.NoError(t, e.CreateTable(&catalog.TableMeta{
		Name:       "orders",
		PrimaryKey: "id",
		Columns: []catalog.Column{
			{Name: "id", Type: catalog.TypeInteger},
			{Name: "status", Type: catalog.TypeText, Indexed: true},
		},
	}))
	return e
}

func TestSchedulerRunsCheckpointIndexRebuildAndPruneJobs(t *testing.T) {
	e := testEngine(t)

	tx, err := e.Begin()
	require.NoError(t, err)
	require.NoError(t, tx.Insert("orders", json.RawMessage(`"o1"`), json.RawMessage(`{"id":"o1","status":"open"}`)))
	require.NoError(t, tx.Commit())

	cfg := engine.Config{
		CheckpointInterval:   50 * time.Millisecond,
		IndexRebuildInterval: 50 * time.Millisecond,
		PruneInterval:        50 * time.Millisecond,
	}

	s := New(e)
	require.NoError(t, s.Start(cfg))
	// cron's "@every" rounds sub-second intervals up to one second, so wait
	// past the first tick for every job to run at least once.
	time.Sleep(1500 * time.Millisecond)
	s.Stop()
}

func TestSchedulerSkipsDisabledJobs(t *testing.T) {
	e := testEngine(t)
	s := New(e)
	require.NoError(t, s.Start(engine.Config{}))
	s.Stop()
}

// TestSchedulerDoesNotStackOverlappingRuns registers a job slower than its
// own tick interval directly (bypassing Start, which only wires the three
// fixed engine jobs) and asserts wrap's no-overlap guard keeps it from ever
// running concurrently with itself. The tick is one second, cron's "@every"
// minimum, and each run takes a second and a half.
func TestSchedulerDoesNotStackOverlappingRuns(t *testing.T) {
	e := testEngine(t)
	s := New(e)

	var mu sync.Mutex
	concurrent := 0
	maxConcurrent := 0
	require.NoError(t, s.register("slow", time.Second, func(ctx context.Context) error {
		mu.Lock()
		concurrent++
		if concurrent > maxConcurrent {
			maxConcurrent = concurrent
		}
		mu.Unlock()

		time.Sleep(1500 * time.Millisecond)

		mu.Lock()
		concurrent--
		mu.Unlock()
		return nil
	}))
	s.cron.Start()
	time.Sleep(3 * time.Second)
	s.Stop()

	mu.Lock()
	defer mu.Unlock()
	require.LessOrEqual(t, maxConcurrent, 1)
}
