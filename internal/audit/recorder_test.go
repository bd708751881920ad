package audit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/IamDejman/banyan-admin-sub002/internal/retry"
)

type flakyStore struct {
	*MemoryStore
	down           atomic.Bool
	rejectRecovery atomic.Bool
	writes         atomic.Int64
}

func (f *flakyStore) Append(ctx context.Context, e Entry) error {
	f.writes.Add(1)
	if f.down.Load() || (f.rejectRecovery.Load() && e.Action == ActionRecovered) {
		return errors.New("connection refused")
	}
	return f.MemoryStore.Append(ctx, e)
}

func newTestRecorder(t *testing.T, store Store, opts ...Option) *Recorder {
	t.Helper()
	base := []Option{
		WithRetry(retry.Policy{Attempts: 3, Base: time.Microsecond}),
		WithLogger(zap.NewNop()),
	}
	r, err := NewRecorder(context.Background(), store, append(base, opts...)...)
	require.NoError(t, err)
	return r
}

func collect(t *testing.T, r *Recorder, f Filter) []Entry {
	t.Helper()
	var out []Entry
	for e, err := range r.Query(context.Background(), f) {
		require.NoError(t, err)
		out = append(out, e)
	}
	return out
}

func TestAppendAssignsSequence(t *testing.T) {
	r := newTestRecorder(t, NewMemoryStore())
	ctx := WithRequestID(context.Background(), "req-1")
	ctx = WithClient(ctx, "10.0.0.9", "curl/8")

	first, err := r.Append(ctx, Entry{Action: "auth.login.success", Description: "ok"})
	require.NoError(t, err)
	second, err := r.Append(ctx, Entry{Action: "authz.denied", Severity: SeverityWarning})
	require.NoError(t, err)

	require.Equal(t, uint64(1), first.ID)
	require.Equal(t, uint64(2), second.ID)
	require.Equal(t, SeverityInfo, first.Severity)
	require.Equal(t, "req-1", first.RequestID)
	require.Equal(t, "10.0.0.9", first.IPAddress)
	require.Equal(t, "curl/8", first.UserAgent)
	require.False(t, first.Timestamp.IsZero())
}

func TestAppendRejectsInvalidEntries(t *testing.T) {
	r := newTestRecorder(t, NewMemoryStore())
	_, err := r.Append(context.Background(), Entry{})
	require.ErrorIs(t, err, ErrInvalidEntry)
	_, err = r.Append(context.Background(), Entry{Action: "x", Severity: "loud"})
	require.ErrorIs(t, err, ErrInvalidEntry)
}

func TestRecorderResumesFromStore(t *testing.T) {
	store := NewMemoryStore()
	r := newTestRecorder(t, store)
	for i := 0; i < 3; i++ {
		_, err := r.Append(context.Background(), Entry{Action: "a"})
		require.NoError(t, err)
	}
	r2 := newTestRecorder(t, store)
	e, err := r2.Append(context.Background(), Entry{Action: "b"})
	require.NoError(t, err)
	require.Equal(t, uint64(4), e.ID)
}

func TestConcurrentAppendsAreGapFree(t *testing.T) {
	store := NewMemoryStore()
	r := newTestRecorder(t, store)

	const workers, per = 8, 50
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < per; i++ {
				_, err := r.Append(context.Background(), Entry{Action: "concurrent"})
				require.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	entries := collect(t, r, Filter{})
	require.Len(t, entries, workers*per)
	for i, e := range entries {
		require.Equal(t, uint64(i+1), e.ID)
	}
}

func TestFallbackBufferPreservesOrderAndRecovers(t *testing.T) {
	store := &flakyStore{MemoryStore: NewMemoryStore()}
	r := newTestRecorder(t, store)
	ctx := context.Background()

	_, err := r.Append(ctx, Entry{Action: "one"})
	require.NoError(t, err)

	store.down.Store(true)
	_, err = r.Append(ctx, Entry{Action: "two"})
	var werr *WriteError
	require.ErrorAs(t, err, &werr)
	require.Equal(t, WriteTransient, werr.Kind)
	require.Equal(t, 1, r.Pending())

	store.down.Store(false)
	three, err := r.Append(ctx, Entry{Action: "three"})
	require.ErrorAs(t, err, &werr)
	require.Equal(t, WriteTransient, werr.Kind)
	require.Equal(t, uint64(3), three.ID)
	require.Equal(t, 2, r.Pending())

	require.NoError(t, r.Flush(ctx))
	require.Equal(t, 0, r.Pending())

	entries := collect(t, r, Filter{})
	require.Len(t, entries, 4)
	require.Equal(t, []string{"one", "two", "three", ActionRecovered},
		[]string{entries[0].Action, entries[1].Action, entries[2].Action, entries[3].Action})
	require.Equal(t, SeverityCritical, entries[3].Severity)
	require.Equal(t, 2, entries[3].Details["buffered"])
}

func TestAppendDuringOutageDoesNotWaitOnStore(t *testing.T) {
	store := &flakyStore{MemoryStore: NewMemoryStore()}
	store.down.Store(true)
	r := newTestRecorder(t, store, WithRetry(retry.Policy{Attempts: 5, Base: time.Second}))

	const callers = 20
	start := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Append(context.Background(), Entry{Action: "during.outage"})
			var werr *WriteError
			require.ErrorAs(t, err, &werr)
			require.Equal(t, WriteTransient, werr.Kind)
		}()
	}
	wg.Wait()

	require.Less(t, time.Since(start), 500*time.Millisecond)
	require.Equal(t, int64(1), store.writes.Load())
	require.Equal(t, callers, r.Pending())

	store.down.Store(false)
	require.NoError(t, r.Flush(context.Background()))
	entries := collect(t, r, Filter{})
	require.Len(t, entries, callers+1)
	for i, e := range entries {
		require.Equal(t, uint64(i+1), e.ID)
	}
	require.Equal(t, ActionRecovered, entries[callers].Action)
}

func TestAppendNotBlockedByFlushBackoff(t *testing.T) {
	store := &flakyStore{MemoryStore: NewMemoryStore()}
	store.down.Store(true)
	r := newTestRecorder(t, store, WithRetry(retry.Policy{Attempts: 3, Base: 200 * time.Millisecond}))
	ctx := context.Background()
	_, _ = r.Append(ctx, Entry{Action: "first"})

	flushed := make(chan error, 1)
	go func() { flushed <- r.Flush(ctx) }()
	require.Eventually(t, func() bool { return store.writes.Load() >= 2 }, time.Second, time.Millisecond)

	start := time.Now()
	for i := 0; i < 10; i++ {
		_, err := r.Append(ctx, Entry{Action: "while.flushing"})
		var werr *WriteError
		require.ErrorAs(t, err, &werr)
	}
	require.Less(t, time.Since(start), 100*time.Millisecond)
	select {
	case <-flushed:
		t.Fatal("flush finished before its backoff elapsed")
	default:
	}

	var werr *WriteError
	require.ErrorAs(t, <-flushed, &werr)
	require.Equal(t, 11, r.Pending())
}

func TestFailedRecoveryEntryIsNotDuplicated(t *testing.T) {
	store := &flakyStore{MemoryStore: NewMemoryStore()}
	store.down.Store(true)
	r := newTestRecorder(t, store)
	ctx := context.Background()

	_, _ = r.Append(ctx, Entry{Action: "x"})
	store.down.Store(false)
	store.rejectRecovery.Store(true)

	var werr *WriteError
	require.ErrorAs(t, r.Flush(ctx), &werr)
	require.Equal(t, 1, r.Pending())

	store.rejectRecovery.Store(false)
	require.NoError(t, r.Flush(ctx))
	require.NoError(t, r.Flush(ctx))

	recovered := collect(t, r, Filter{Action: ActionRecovered})
	require.Len(t, recovered, 1)
	require.Equal(t, 1, recovered[0].Details["buffered"])
	require.Len(t, collect(t, r, Filter{}), 2)
}

func TestFallbackOverflowIsLoggedNotDropped(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	store := &flakyStore{MemoryStore: NewMemoryStore()}
	store.down.Store(true)
	r := newTestRecorder(t, store, WithFallbackCapacity(1), WithLogger(zap.New(core)))
	ctx := context.Background()

	_, err := r.Append(ctx, Entry{Action: "buffered"})
	var werr *WriteError
	require.ErrorAs(t, err, &werr)
	require.Equal(t, WriteTransient, werr.Kind)

	_, err = r.Append(ctx, Entry{Action: "overflow", Severity: SeverityCritical})
	require.ErrorAs(t, err, &werr)
	require.Equal(t, WriteExhausted, werr.Kind)

	require.Equal(t, 1, logs.Len())
	require.Equal(t, "overflow", logs.All()[0].ContextMap()["action"])

	store.down.Store(false)
	require.NoError(t, r.Flush(ctx))
	entries := collect(t, r, Filter{})
	require.Len(t, entries, 2)
	require.Equal(t, uint64(1), entries[0].ID)
	require.Equal(t, uint64(2), entries[1].ID)
	require.Equal(t, 1, entries[1].Details["dropped"])
}

func TestFlushIncompleteWhileStoreDown(t *testing.T) {
	store := &flakyStore{MemoryStore: NewMemoryStore()}
	store.down.Store(true)
	r := newTestRecorder(t, store)
	_, _ = r.Append(context.Background(), Entry{Action: "x"})

	err := r.Flush(context.Background())
	var werr *WriteError
	require.ErrorAs(t, err, &werr)
	require.Equal(t, 1, r.Pending())
}

func TestRunFlushesInBackground(t *testing.T) {
	store := &flakyStore{MemoryStore: NewMemoryStore()}
	store.down.Store(true)
	r := newTestRecorder(t, store)
	_, _ = r.Append(context.Background(), Entry{Action: "x"})
	store.down.Store(false)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx, time.Millisecond)
		close(done)
	}()
	require.Eventually(t, func() bool { return r.Pending() == 0 }, time.Second, time.Millisecond)
	cancel()
	<-done
	require.Equal(t, 2, store.Len())
}

func TestQueryFiltersAndPages(t *testing.T) {
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	r := newTestRecorder(t, NewMemoryStore(), WithPageSize(2))
	ctx := context.Background()
	seed := []Entry{
		{Action: "auth.login.success", AccountID: "a1", AccountRole: "claims_agent", Timestamp: base},
		{Action: "authz.denied", AccountID: "a1", AccountRole: "claims_agent", Severity: SeverityWarning, Timestamp: base.Add(time.Minute)},
		{Action: "auth.login.success", AccountID: "a2", AccountRole: "administrator", Timestamp: base.Add(2 * time.Minute)},
		{Action: "auth.lockout", AccountID: "a3", AccountRole: "claims_agent", Severity: SeverityCritical, Timestamp: base.Add(3 * time.Minute)},
		{Action: "auth.login.success", AccountID: "a1", AccountRole: "claims_agent", Timestamp: base.Add(4 * time.Minute)},
	}
	for _, e := range seed {
		_, err := r.Append(ctx, e)
		require.NoError(t, err)
	}

	agents := collect(t, r, Filter{AccountRole: "CLAIMS_AGENT"})
	require.Len(t, agents, 4)

	logins := collect(t, r, Filter{Action: "auth.login.success", From: base.Add(time.Minute), To: base.Add(4 * time.Minute)})
	require.Len(t, logins, 2)
	require.Equal(t, "a2", logins[0].AccountID)

	critical := collect(t, r, Filter{Severity: SeverityCritical})
	require.Len(t, critical, 1)

	page, next, err := r.Page(ctx, Filter{AccountID: "a1"}, 0, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	require.Equal(t, page[1].ID, next)
	page, next, err = r.Page(ctx, Filter{AccountID: "a1"}, next, 2)
	require.NoError(t, err)
	require.Len(t, page, 1)
	require.Zero(t, next)
}

func TestQueryStopsEarly(t *testing.T) {
	r := newTestRecorder(t, NewMemoryStore(), WithPageSize(1))
	for i := 0; i < 5; i++ {
		_, err := r.Append(context.Background(), Entry{Action: "x"})
		require.NoError(t, err)
	}
	n := 0
	for range r.Query(context.Background(), Filter{}) {
		n++
		if n == 2 {
			break
		}
	}
	require.Equal(t, 2, n)
}

var chainKey = []byte("0123456789abcdef0123456789abcdef")

func TestVerifyAcceptsUntouchedChain(t *testing.T) {
	store := &flakyStore{MemoryStore: NewMemoryStore()}
	r := newTestRecorder(t, store, WithHMACKey(chainKey))
	ctx := context.Background()

	first, err := r.Append(ctx, Entry{Action: "auth.login.success", AccountID: "a1",
		Details: map[string]any{"attempts": 2, "roles": []string{"x"}}})
	require.NoError(t, err)
	require.Empty(t, first.PrevHash)
	require.NotEmpty(t, first.Hash)

	store.down.Store(true)
	_, _ = r.Append(ctx, Entry{Action: "buffered"})
	store.down.Store(false)
	require.NoError(t, r.Flush(ctx))

	// A second recorder resumes the chain from the stored tail.
	r2 := newTestRecorder(t, store, WithHMACKey(chainKey))
	next, err := r2.Append(ctx, Entry{Action: "after.restart"})
	require.NoError(t, err)

	entries := collect(t, r2, Filter{})
	require.Len(t, entries, 4)
	require.Equal(t, entries[2].Hash, next.PrevHash)
	for i := 1; i < len(entries); i++ {
		require.Equal(t, entries[i-1].Hash, entries[i].PrevHash)
	}

	n, err := r2.Verify(ctx)
	require.NoError(t, err)
	require.Equal(t, 4, n)
}

func TestVerifyDetectsEditedEntry(t *testing.T) {
	store := NewMemoryStore()
	r := newTestRecorder(t, store, WithHMACKey(chainKey))
	ctx := context.Background()
	for _, action := range []string{"auth.login.success", "authz.denied", "auth.logout"} {
		_, err := r.Append(ctx, Entry{Action: action, AccountID: "a1"})
		require.NoError(t, err)
	}
	n, err := r.Verify(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, n)

	store.mu.Lock()
	store.entries[1].Action = "auth.login.success"
	store.mu.Unlock()

	n, err = r.Verify(ctx)
	require.ErrorIs(t, err, ErrIntegrity)
	var ierr *IntegrityError
	require.ErrorAs(t, err, &ierr)
	require.Equal(t, uint64(2), ierr.ID)
	require.Equal(t, 1, n)
}

func TestVerifyDetectsRemovedEntry(t *testing.T) {
	store := NewMemoryStore()
	r := newTestRecorder(t, store, WithHMACKey(chainKey))
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := r.Append(ctx, Entry{Action: "x"})
		require.NoError(t, err)
	}

	store.mu.Lock()
	store.entries = append(store.entries[:1], store.entries[2:]...)
	store.mu.Unlock()

	_, err := r.Verify(ctx)
	var ierr *IntegrityError
	require.ErrorAs(t, err, &ierr)
	require.Equal(t, uint64(3), ierr.ID)
}

func TestVerifyRequiresKey(t *testing.T) {
	r := newTestRecorder(t, NewMemoryStore())
	e, err := r.Append(context.Background(), Entry{Action: "x"})
	require.NoError(t, err)
	require.Empty(t, e.Hash)
	_, err = r.Verify(context.Background())
	require.ErrorIs(t, err, ErrNoChainKey)
}

func TestEntryMACSurvivesJSONDetails(t *testing.T) {
	ts := time.Date(2024, 5, 1, 12, 0, 0, 123456000, time.UTC)
	e := Entry{ID: 4, PrevHash: "ab", Action: "x", Severity: SeverityInfo, Timestamp: ts,
		Details: map[string]any{"count": 3, "window": 15 * time.Minute}}
	stored := e
	stored.Details = map[string]any{"count": float64(3), "window": float64(15 * time.Minute)}
	stored.Timestamp = ts.In(time.FixedZone("x", 3600))

	want, err := entryMAC(chainKey, e)
	require.NoError(t, err)
	got, err := entryMAC(chainKey, stored)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestParseSeverity(t *testing.T) {
	s, err := ParseSeverity(" Warning ")
	require.NoError(t, err)
	require.Equal(t, SeverityWarning, s)
	_, err = ParseSeverity("fatal")
	require.Error(t, err)
}
