package ingredient_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/ShabbirHasan1/picante/internal/ingredient"
	"github.com/ShabbirHasan1/picante/internal/key"
	"github.com/ShabbirHasan1/picante/internal/qerr"
	"github.com/ShabbirHasan1/picante/internal/runtime"
)

type testDB struct {
	rt *runtime.Runtime
}

func newTestDB() *testDB {
	return &testDB{rt: runtime.New()}
}

func (db *testDB) Runtime() *runtime.Runtime { return db.rt }

// keyCmp lets go-cmp compare encoded keys by byte equality.
var keyCmp = cmp.Comparer(func(a, b key.Key) bool { return a.Equal(b) })

func TestGetMemoizes(t *testing.T) {
	db := newTestDB()
	var computes atomic.Int64

	double := ingredient.NewDerived(1, "double",
		func(ctx context.Context, db *testDB, k int) (int, error) {
			computes.Add(1)
			return k * 2, nil
		})

	ctx := context.Background()
	for range 3 {
		got, err := double.Get(ctx, db, 3)
		require.NoError(t, err)
		assert.Equal(t, 6, got)
	}
	assert.Equal(t, int64(1), computes.Load(), "memoized value must not recompute")

	got, err := double.Get(ctx, db, 5)
	require.NoError(t, err)
	assert.Equal(t, 10, got)
	assert.Equal(t, int64(2), computes.Load(), "distinct keys compute independently")
}

func TestGetRecomputesAfterBump(t *testing.T) {
	db := newTestDB()
	var computes atomic.Int64

	q := ingredient.NewDerived(1, "q",
		func(ctx context.Context, db *testDB, k int) (int, error) {
			computes.Add(1)
			return k, nil
		})

	ctx := context.Background()
	_, err := q.Get(ctx, db, 1)
	require.NoError(t, err)

	db.rt.Bump()

	_, err = q.Get(ctx, db, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), computes.Load(), "stale memo must recompute")
}

func TestSingleFlight(t *testing.T) {
	db := newTestDB()
	var computes atomic.Int64

	slow := ingredient.NewDerived(1, "slow",
		func(ctx context.Context, db *testDB, k string) (int, error) {
			computes.Add(1)
			time.Sleep(50 * time.Millisecond)
			return 42, nil
		})

	g, ctx := errgroup.WithContext(context.Background())
	for range 10 {
		g.Go(func() error {
			got, err := slow.Get(ctx, db, "slow")
			if err != nil {
				return err
			}
			if got != 42 {
				return errors.New("wrong value")
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, int64(1), computes.Load(), "peers must share one compute")
}

func TestCycleTwoQueries(t *testing.T) {
	db := newTestDB()

	var a, b *ingredient.Derived[*testDB, string, int]
	a = ingredient.NewDerived(1, "a",
		func(ctx context.Context, db *testDB, k string) (int, error) {
			return b.Get(ctx, db, k)
		})
	b = ingredient.NewDerived(2, "b",
		func(ctx context.Context, db *testDB, k string) (int, error) {
			return a.Get(ctx, db, k)
		})

	_, err := a.Get(context.Background(), db, "k")
	var cycle *qerr.CycleError
	require.ErrorAs(t, err, &cycle)

	encoded, kerr := key.Encode("k")
	require.NoError(t, kerr)
	assert.True(t, cycle.Requested.Equal(key.DynKey{Kind: 1, Key: encoded}))
	require.Len(t, cycle.Stack, 2, "stack snapshot is root-first and includes the requested frame")
	assert.Equal(t, key.QueryKindID(1), cycle.Stack[0].Kind)
	assert.Equal(t, key.QueryKindID(2), cycle.Stack[1].Kind)
}

func TestSelfCycle(t *testing.T) {
	db := newTestDB()

	var selfRef *ingredient.Derived[*testDB, int, int]
	selfRef = ingredient.NewDerived(1, "self",
		func(ctx context.Context, db *testDB, k int) (int, error) {
			return selfRef.Get(ctx, db, k)
		})

	_, err := selfRef.Get(context.Background(), db, 7)
	var cycle *qerr.CycleError
	require.ErrorAs(t, err, &cycle)
	require.Len(t, cycle.Stack, 1)
	assert.True(t, cycle.Stack[0].Equal(cycle.Requested))
}

func TestCycleErrorClearedByBump(t *testing.T) {
	db := newTestDB()
	var computes atomic.Int64

	var a, b *ingredient.Derived[*testDB, string, int]
	first := true
	a = ingredient.NewDerived(1, "a",
		func(ctx context.Context, db *testDB, k string) (int, error) {
			computes.Add(1)
			if first {
				first = false
				return b.Get(ctx, db, k)
			}
			return 11, nil
		})
	b = ingredient.NewDerived(2, "b",
		func(ctx context.Context, db *testDB, k string) (int, error) {
			return a.Get(ctx, db, k)
		})

	_, err := a.Get(context.Background(), db, "k")
	require.Error(t, err)

	// The cycle poisoned a's cell with the propagated error for this
	// revision, but a bump must clear the way for a clean compute.
	db.rt.Bump()
	got, err := a.Get(context.Background(), db, "k")
	require.NoError(t, err)
	assert.Equal(t, 11, got)
}

func TestPoisonedErrorSharedWithinRevision(t *testing.T) {
	db := newTestDB()
	var computes atomic.Int64

	failing := ingredient.NewDerived(1, "failing",
		func(ctx context.Context, db *testDB, k int) (int, error) {
			computes.Add(1)
			return 0, errors.New("no luck")
		})

	ctx := context.Background()
	_, err1 := failing.Get(ctx, db, 1)
	require.Error(t, err1)
	_, err2 := failing.Get(ctx, db, 1)
	require.Error(t, err2)

	assert.Equal(t, int64(1), computes.Load(), "poisoned cell must not recompute within the revision")
	assert.Same(t, err1, err2, "waiters at the same revision share the cached error")
}

func TestPanicPoisonsAndRecovers(t *testing.T) {
	db := newTestDB()
	var computes atomic.Int64

	q := ingredient.NewDerived(1, "panicky",
		func(ctx context.Context, db *testDB, k int) (int, error) {
			if computes.Add(1) == 1 {
				panic("boom")
			}
			return 1, nil
		})

	ctx := context.Background()
	_, err := q.Get(ctx, db, 0)
	var pe *qerr.PanicError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "boom", pe.Message)

	// Same revision: the poisoned result is served, not recomputed.
	_, err = q.Get(ctx, db, 0)
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, int64(1), computes.Load())

	db.rt.Bump()
	got, err := q.Get(ctx, db, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, got)
}

func TestPanicWakesWaiters(t *testing.T) {
	db := newTestDB()
	started := make(chan struct{})

	q := ingredient.NewDerived(1, "panicky",
		func(ctx context.Context, db *testDB, k int) (int, error) {
			close(started)
			time.Sleep(20 * time.Millisecond)
			panic("boom")
		})

	errs := make(chan error, 2)
	go func() {
		_, err := q.Get(context.Background(), db, 0)
		errs <- err
	}()
	<-started
	go func() {
		_, err := q.Get(context.Background(), db, 0)
		errs <- err
	}()

	for range 2 {
		select {
		case err := <-errs:
			var pe *qerr.PanicError
			assert.ErrorAs(t, err, &pe)
		case <-time.After(time.Second):
			t.Fatal("waiter stranded on a poisoned cell")
		}
	}
}

func TestWaiterCancelLeavesComputeAlone(t *testing.T) {
	db := newTestDB()
	release := make(chan struct{})
	started := make(chan struct{})

	q := ingredient.NewDerived(1, "slow",
		func(ctx context.Context, db *testDB, k int) (int, error) {
			close(started)
			<-release
			return 99, nil
		})

	result := make(chan int, 1)
	go func() {
		got, err := q.Get(context.Background(), db, 0)
		if err == nil {
			result <- got
		}
	}()
	<-started

	waiterCtx, cancel := context.WithCancel(context.Background())
	waiterErr := make(chan error, 1)
	go func() {
		_, err := q.Get(waiterCtx, db, 0)
		waiterErr <- err
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-waiterErr:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("cancelled waiter never returned")
	}

	close(release)
	select {
	case got := <-result:
		assert.Equal(t, 99, got, "the computing task must finish normally")
	case <-time.After(time.Second):
		t.Fatal("compute never finished")
	}
}

func TestCancelledComputePoisons(t *testing.T) {
	db := newTestDB()

	q := ingredient.NewDerived(1, "cancellable",
		func(ctx context.Context, db *testDB, k int) (int, error) {
			<-ctx.Done()
			return 0, ctx.Err()
		})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := q.Get(ctx, db, 0)
	assert.ErrorIs(t, err, qerr.ErrCancelled)

	// Within the same revision other observers see the cached poison.
	_, err = q.Get(context.Background(), db, 0)
	assert.ErrorIs(t, err, qerr.ErrCancelled)
}

func TestStaleRecheckLoops(t *testing.T) {
	db := newTestDB()
	x := ingredient.NewInput[*testDB, string, int](2, "x")
	var computes atomic.Int64

	q := ingredient.NewDerived[*testDB, string, int](1, "q",
		func(ctx context.Context, db *testDB, k string) (int, error) {
			n := computes.Add(1)
			if n == 1 {
				// Concurrent input mutation between compute and finalize:
				// the produced value is already stale when it lands.
				_, err := x.Set(ctx, db, "x", 1)
				require.NoError(t, err)
			}
			v, _, err := x.Get(ctx, db, "x")
			return v, err
		})

	got, err := q.Get(context.Background(), db, "k")
	require.NoError(t, err)
	assert.Equal(t, 1, got)
	assert.Equal(t, int64(2), computes.Load(), "stale result must trigger a recompute before returning")
}

func TestDepsRecordedFaithfully(t *testing.T) {
	db := newTestDB()
	name := ingredient.NewInput[*testDB, string, string](2, "name")
	title := ingredient.NewInput[*testDB, string, string](3, "title")

	_, err := name.Set(context.Background(), db, "n", "ada")
	require.NoError(t, err)
	_, err = title.Set(context.Background(), db, "t", "dr")
	require.NoError(t, err)

	q := ingredient.NewDerived[*testDB, struct{}, string](1, "greeting",
		func(ctx context.Context, db *testDB, _ struct{}) (string, error) {
			ti, _, err := title.Get(ctx, db, "t")
			if err != nil {
				return "", err
			}
			n, _, err := name.Get(ctx, db, "n")
			if err != nil {
				return "", err
			}
			return ti + " " + n, nil
		})

	got, err := q.Get(context.Background(), db, struct{}{})
	require.NoError(t, err)
	assert.Equal(t, "dr ada", got)

	deps, ok := q.ReadyDeps(struct{}{})
	require.True(t, ok)

	kn, err := key.Encode("n")
	require.NoError(t, err)
	kt, err := key.Encode("t")
	require.NoError(t, err)
	want := []key.Dep{
		{Kind: 3, Key: kt},
		{Kind: 2, Key: kn},
	}
	if diff := cmp.Diff(want, deps, keyCmp); diff != "" {
		t.Fatalf("deps mismatch (-want +got):\n%s", diff)
	}
}

func TestNestedDerivedRecordsDep(t *testing.T) {
	db := newTestDB()
	var inner, outer *ingredient.Derived[*testDB, int, int]

	inner = ingredient.NewDerived[*testDB, int, int](1, "inner",
		func(ctx context.Context, db *testDB, k int) (int, error) {
			return k + 1, nil
		})
	outer = ingredient.NewDerived[*testDB, int, int](2, "outer",
		func(ctx context.Context, db *testDB, k int) (int, error) {
			return inner.Get(ctx, db, k)
		})

	got, err := outer.Get(context.Background(), db, 4)
	require.NoError(t, err)
	assert.Equal(t, 5, got)

	deps, ok := outer.ReadyDeps(4)
	require.True(t, ok)
	require.Len(t, deps, 1)
	assert.Equal(t, key.QueryKindID(1), deps[0].Kind)

	innerDeps, ok := inner.ReadyDeps(4)
	require.True(t, ok)
	assert.Empty(t, innerDeps, "leaf compute has no edges")
}

func TestDerivedRecordsRoundTrip(t *testing.T) {
	db := newTestDB()
	in := ingredient.NewInput[*testDB, string, int](2, "nums")
	ctx := context.Background()

	_, err := in.Set(ctx, db, "a", 20)
	require.NoError(t, err)

	q := ingredient.NewDerived[*testDB, string, int](1, "q",
		func(ctx context.Context, db *testDB, k string) (int, error) {
			v, _, err := in.Get(ctx, db, k)
			return v + 1, err
		})
	got, err := q.Get(ctx, db, "a")
	require.NoError(t, err)
	require.Equal(t, 21, got)

	records, err := q.SaveRecords(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)

	fresh := ingredient.NewDerived[*testDB, string, int](1, "q",
		func(ctx context.Context, db *testDB, k string) (int, error) {
			t.Fatal("loaded cell must serve without computing")
			return 0, nil
		})
	require.NoError(t, fresh.LoadRecords(records))

	got, err = fresh.Get(ctx, db, "a")
	require.NoError(t, err)
	assert.Equal(t, 21, got)

	wantDeps, ok := q.ReadyDeps("a")
	require.True(t, ok)
	gotDeps, ok := fresh.ReadyDeps("a")
	require.True(t, ok)
	if diff := cmp.Diff(wantDeps, gotDeps, keyCmp); diff != "" {
		t.Fatalf("deps lost in round trip (-want +got):\n%s", diff)
	}
}

func TestParallelDistinctKeys(t *testing.T) {
	db := newTestDB()
	var computes atomic.Int64

	q := ingredient.NewDerived(1, "square",
		func(ctx context.Context, db *testDB, k int) (int, error) {
			computes.Add(1)
			return k * k, nil
		})

	g, ctx := errgroup.WithContext(context.Background())
	for i := range 32 {
		g.Go(func() error {
			got, err := q.Get(ctx, db, i)
			if err != nil {
				return err
			}
			if got != i*i {
				return errors.New("wrong square")
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, int64(32), computes.Load())
	assert.Equal(t, 32, q.CellCount())
}
