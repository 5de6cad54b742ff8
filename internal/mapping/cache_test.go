package mapping

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/flowpbx/callroute/internal/directory"
)

// fakeFetcher implements directory.Fetcher for testing.
type fakeFetcher struct {
	name string

	mu      sync.Mutex
	records []directory.Record
	err     error

	calls   atomic.Int32
	gate    chan struct{} // when non-nil, FetchAll blocks until it is closed
	entered chan struct{} // when non-nil, receives one signal per call
}

func (f *fakeFetcher) Name() string { return f.name }

func (f *fakeFetcher) FetchAll(ctx context.Context) ([]directory.Record, error) {
	f.calls.Add(1)
	if f.entered != nil {
		select {
		case f.entered <- struct{}{}:
		default:
		}
	}
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, &directory.FetchError{Directory: f.name, Page: 1, Err: f.err}
	}
	out := make([]directory.Record, len(f.records))
	copy(out, f.records)
	return out, nil
}

func (f *fakeFetcher) set(records []directory.Record, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = records
	f.err = err
}

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// recordingObserver collects refresh reports.
type recordingObserver struct {
	mu      sync.Mutex
	reports []RefreshReport
}

func (o *recordingObserver) ObserveRefresh(ctx context.Context, r RefreshReport) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.reports = append(o.reports, r)
}

func newFetchers() (*fakeFetcher, *fakeFetcher) {
	owners := &fakeFetcher{name: "owners", records: []directory.Record{{ID: "o1", Email: "a@x.com"}}}
	users := &fakeFetcher{name: "users", records: []directory.Record{{ID: "u1", Email: "A@X.com"}}}
	return owners, users
}

func TestCache_EmptyBeforeFirstBuild(t *testing.T) {
	owners, users := newFetchers()
	c := New(owners, users, Options{})

	snap := c.Snapshot()
	if snap == nil {
		t.Fatal("expected non-nil snapshot")
	}
	if snap.Len() != 0 {
		t.Errorf("expected empty mapping, got %d entries", snap.Len())
	}
	if _, ok := snap.Lookup("o1"); ok {
		t.Error("expected lookup to miss on empty cache")
	}
	if !c.Stale() {
		t.Error("empty cache should be stale")
	}
	if owners.calls.Load() != 0 {
		t.Error("constructing the cache must not fetch")
	}
}

func TestCache_RefreshBuildsMapping(t *testing.T) {
	owners, users := newFetchers()
	clock := newFakeClock()
	obs := &recordingObserver{}
	c := New(owners, users, Options{Now: clock.Now, Observers: []Observer{obs}})

	snap, err := c.Refresh(context.Background(), TriggerManual)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got, ok := snap.Lookup("o1"); !ok || got != "u1" {
		t.Errorf("o1 -> %q (ok=%v), want u1", got, ok)
	}
	if c.Snapshot() != snap {
		t.Error("expected refreshed snapshot to be current")
	}
	if !snap.RefreshedAt.Equal(clock.Now()) {
		t.Errorf("RefreshedAt = %v, want %v", snap.RefreshedAt, clock.Now())
	}
	if snap.RunID == "" {
		t.Error("expected run id to be set")
	}
	if c.Stale() {
		t.Error("freshly built cache should not be stale")
	}

	if len(obs.reports) != 1 {
		t.Fatalf("expected 1 report, got %d", len(obs.reports))
	}
	r := obs.reports[0]
	if r.Err != nil || r.Matched != 1 || r.Trigger != TriggerManual || r.RunID != snap.RunID {
		t.Errorf("unexpected report %+v", r)
	}
}

func TestCache_FailedRefreshKeepsMapping(t *testing.T) {
	owners, users := newFetchers()
	obs := &recordingObserver{}
	c := New(owners, users, Options{Observers: []Observer{obs}})

	before, err := c.Refresh(context.Background(), TriggerInitial)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	users.set(nil, errors.New("503 service unavailable"))
	_, err = c.Refresh(context.Background(), TriggerPeriodic)
	if err == nil {
		t.Fatal("expected refresh error")
	}

	var fe *directory.FetchError
	if !errors.As(err, &fe) || fe.Directory != "users" {
		t.Errorf("expected fetch error for users, got %v", err)
	}

	after := c.Snapshot()
	if after != before {
		t.Error("failed refresh must not replace the snapshot")
	}
	if got, ok := after.Lookup("o1"); !ok || got != "u1" {
		t.Errorf("mapping corrupted after failed refresh: o1 -> %q (ok=%v)", got, ok)
	}

	if len(obs.reports) != 2 || obs.reports[1].Err == nil {
		t.Errorf("expected failure report, got %+v", obs.reports)
	}
}

func TestCache_FailedFirstRefreshLeavesEmptyMapping(t *testing.T) {
	owners, users := newFetchers()
	owners.set(nil, errors.New("401 unauthorized"))
	c := New(owners, users, Options{})

	if _, err := c.Refresh(context.Background(), TriggerInitial); err == nil {
		t.Fatal("expected error")
	}
	snap := c.Snapshot()
	if snap == nil || snap.Len() != 0 {
		t.Errorf("expected empty harmless snapshot, got %+v", snap)
	}
}

func TestCache_FetchesRunConcurrently(t *testing.T) {
	owners, users := newFetchers()
	users.entered = make(chan struct{}, 1)
	owners.gate = make(chan struct{})

	// The owner fetch only completes once the user fetch has started,
	// which can only happen if both run at the same time.
	go func() {
		select {
		case <-users.entered:
			close(owners.gate)
		case <-time.After(5 * time.Second):
		}
	}()

	c := New(owners, users, Options{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := c.Refresh(ctx, TriggerManual); err != nil {
		t.Fatalf("expected concurrent fetches to succeed, got %v", err)
	}
}

func TestCache_SingleFlight(t *testing.T) {
	owners, users := newFetchers()
	owners.gate = make(chan struct{})
	owners.entered = make(chan struct{}, 1)
	c := New(owners, users, Options{})

	const callers = 10
	var wg sync.WaitGroup
	snaps := make([]*Snapshot, callers)
	errs := make([]error, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			snaps[i], errs[i] = c.Refresh(context.Background(), TriggerManual)
		}(i)
	}

	select {
	case <-owners.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("refresh never started")
	}
	if !c.RefreshInFlight() {
		t.Error("expected refresh to be in flight")
	}

	// Give the remaining callers time to join the in-flight run.
	time.Sleep(100 * time.Millisecond)
	close(owners.gate)
	wg.Wait()

	if got := owners.calls.Load(); got != 1 {
		t.Errorf("owner fetches = %d, want 1", got)
	}
	if got := users.calls.Load(); got != 1 {
		t.Errorf("user fetches = %d, want 1", got)
	}
	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Errorf("caller %d: unexpected error %v", i, errs[i])
		}
		if snaps[i] != snaps[0] {
			t.Errorf("caller %d received a different snapshot", i)
		}
	}
	if c.RefreshInFlight() {
		t.Error("expected no refresh in flight after completion")
	}
}

func TestCache_OnDemandRefreshesWhenStale(t *testing.T) {
	owners, users := newFetchers()
	clock := newFakeClock()
	c := New(owners, users, Options{Policy: PolicyOnDemand, TTL: time.Hour, Now: clock.Now})

	// Empty mapping is stale: the first read builds it.
	snap := c.Mapping(context.Background())
	if got, ok := snap.Lookup("o1"); !ok || got != "u1" {
		t.Fatalf("o1 -> %q (ok=%v), want u1", got, ok)
	}
	if owners.calls.Load() != 1 {
		t.Fatalf("expected 1 fetch, got %d", owners.calls.Load())
	}

	// Within the TTL a read does not refresh.
	clock.Advance(30 * time.Minute)
	c.Mapping(context.Background())
	if owners.calls.Load() != 1 {
		t.Errorf("expected no refresh within ttl, got %d fetches", owners.calls.Load())
	}

	// Past the TTL the next read refreshes synchronously.
	users.set([]directory.Record{{ID: "u7", Email: "a@x.com"}}, nil)
	clock.Advance(31 * time.Minute)
	snap = c.Mapping(context.Background())
	if owners.calls.Load() != 2 {
		t.Errorf("expected refresh after ttl, got %d fetches", owners.calls.Load())
	}
	if got, _ := snap.Lookup("o1"); got != "u7" {
		t.Errorf("o1 -> %q, want u7", got)
	}
}

func TestCache_OnDemandFailureReturnsStale(t *testing.T) {
	owners, users := newFetchers()
	clock := newFakeClock()
	c := New(owners, users, Options{Policy: PolicyOnDemand, TTL: time.Minute, Now: clock.Now})

	first := c.Mapping(context.Background())
	if first.Len() != 1 {
		t.Fatalf("expected initial build, got %d entries", first.Len())
	}

	owners.set(nil, errors.New("timeout"))
	clock.Advance(2 * time.Minute)

	got := c.Mapping(context.Background())
	if got != first {
		t.Error("expected stale snapshot when on-demand refresh fails")
	}
}

func TestCache_OnDemandSurvivesCancelledRequest(t *testing.T) {
	owners, users := newFetchers()
	c := New(owners, users, Options{Policy: PolicyOnDemand})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	snap := c.Mapping(ctx)
	if snap.Len() != 1 {
		t.Errorf("expected refresh to ignore request cancellation, got %d entries", snap.Len())
	}
}

func TestCache_BackgroundPolicyNeverRefreshesOnRead(t *testing.T) {
	owners, users := newFetchers()
	c := New(owners, users, Options{Policy: PolicyBackground})

	for i := 0; i < 3; i++ {
		if snap := c.Mapping(context.Background()); snap.Len() != 0 {
			t.Fatalf("expected empty mapping, got %d", snap.Len())
		}
	}
	if owners.calls.Load() != 0 {
		t.Errorf("background policy read triggered %d fetches", owners.calls.Load())
	}
}

func TestCache_ReadersNeverSeePartialSwap(t *testing.T) {
	owners := &fakeFetcher{name: "owners", records: []directory.Record{
		{ID: "o1", Email: "a@x.com"},
		{ID: "o2", Email: "b@x.com"},
	}}
	users := &fakeFetcher{name: "users"}
	genA := []directory.Record{{ID: "a1", Email: "a@x.com"}, {ID: "a2", Email: "b@x.com"}}
	genB := []directory.Record{{ID: "b1", Email: "a@x.com"}, {ID: "b2", Email: "b@x.com"}}
	users.set(genA, nil)

	c := New(owners, users, Options{})
	if _, err := c.Refresh(context.Background(), TriggerInitial); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	stop := make(chan struct{})
	var bad atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				snap := c.Snapshot()
				u1, _ := snap.Lookup("o1")
				u2, _ := snap.Lookup("o2")
				if !(u1 == "a1" && u2 == "a2") && !(u1 == "b1" && u2 == "b2") {
					bad.Add(1)
				}
			}
		}()
	}

	for i := 0; i < 50; i++ {
		if i%2 == 0 {
			users.set(genB, nil)
		} else {
			users.set(genA, nil)
		}
		if _, err := c.Refresh(context.Background(), TriggerPeriodic); err != nil {
			t.Fatalf("refresh %d: %v", i, err)
		}
	}
	close(stop)
	wg.Wait()

	if n := bad.Load(); n != 0 {
		t.Errorf("readers observed %d inconsistent snapshots", n)
	}
}

func TestParsePolicy(t *testing.T) {
	for _, s := range []string{"background", "on-demand"} {
		if _, err := ParsePolicy(s); err != nil {
			t.Errorf("ParsePolicy(%q): unexpected error %v", s, err)
		}
	}
	if _, err := ParsePolicy("lazy"); err == nil {
		t.Error("expected error for unknown policy")
	}
}
