package mapping

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/flowpbx/callroute/internal/directory"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// DefaultTTL is the maximum age of the mapping under PolicyOnDemand.
const DefaultTTL = time.Hour

// Policy selects how the cache keeps itself fresh.
type Policy string

const (
	// PolicyBackground relies on a periodic scheduler; reads never refresh.
	PolicyBackground Policy = "background"
	// PolicyOnDemand refreshes synchronously on read once the mapping is
	// older than the TTL or empty.
	PolicyOnDemand Policy = "on-demand"
)

// ParsePolicy validates a policy name.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case PolicyBackground, PolicyOnDemand:
		return Policy(s), nil
	default:
		return "", fmt.Errorf("unknown refresh policy %q", s)
	}
}

// Trigger records what started a refresh.
type Trigger string

const (
	TriggerInitial  Trigger = "initial"
	TriggerPeriodic Trigger = "periodic"
	TriggerStale    Trigger = "stale"
	TriggerManual   Trigger = "manual"
)

// Snapshot is an immutable view of the mapping. A new Snapshot replaces the
// old one on every successful refresh; callers must not modify Mapping.
type Snapshot struct {
	Mapping     Mapping
	RefreshedAt time.Time
	RunID       string
	Owners      int
	Users       int
	Matched     int
}

// Lookup returns the telephony user mapped to ownerID.
func (s *Snapshot) Lookup(ownerID string) (string, bool) {
	userID, ok := s.Mapping[ownerID]
	return userID, ok
}

// Len returns the number of mapped owners.
func (s *Snapshot) Len() int {
	return len(s.Mapping)
}

// RefreshReport describes one completed refresh run, successful or not.
type RefreshReport struct {
	RunID     string
	Trigger   Trigger
	StartedAt time.Time
	Duration  time.Duration
	Owners    int
	Users     int
	Matched   int
	Err       error
}

// Observer is notified after every refresh run.
type Observer interface {
	ObserveRefresh(ctx context.Context, report RefreshReport)
}

// Options configures a Cache.
type Options struct {
	Policy    Policy
	TTL       time.Duration
	Observers []Observer
	Logger    *slog.Logger
	Now       func() time.Time
}

// Cache owns the current owner→user mapping. Reads are lock-free and always
// see a complete snapshot; at most one refresh runs at a time.
type Cache struct {
	owners    directory.Fetcher
	users     directory.Fetcher
	policy    Policy
	ttl       time.Duration
	observers []Observer
	logger    *slog.Logger
	now       func() time.Time

	current  atomic.Pointer[Snapshot]
	group    singleflight.Group
	inFlight atomic.Bool
}

// New creates a cache holding an empty mapping. Lookups against it miss
// until the first successful refresh.
func New(owners, users directory.Fetcher, opts Options) *Cache {
	c := &Cache{
		owners:    owners,
		users:     users,
		policy:    opts.Policy,
		ttl:       opts.TTL,
		observers: opts.Observers,
		logger:    opts.Logger,
		now:       opts.Now,
	}
	if c.policy == "" {
		c.policy = PolicyBackground
	}
	if c.ttl <= 0 {
		c.ttl = DefaultTTL
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.logger = c.logger.With("component", "mapping")
	if c.now == nil {
		c.now = time.Now
	}
	c.current.Store(&Snapshot{Mapping: Mapping{}})
	return c
}

// Policy returns the configured refresh policy.
func (c *Cache) Policy() Policy {
	return c.policy
}

// TTL returns the configured staleness limit.
func (c *Cache) TTL() time.Duration {
	return c.ttl
}

// Snapshot returns the current mapping without any staleness check.
func (c *Cache) Snapshot() *Snapshot {
	return c.current.Load()
}

// RefreshInFlight reports whether a refresh is currently running.
func (c *Cache) RefreshInFlight() bool {
	return c.inFlight.Load()
}

// Stale reports whether the current mapping is empty or older than the TTL.
func (c *Cache) Stale() bool {
	return c.isStale(c.current.Load())
}

func (c *Cache) isStale(s *Snapshot) bool {
	return s.Len() == 0 || c.now().Sub(s.RefreshedAt) > c.ttl
}

// Mapping returns the current snapshot. Under PolicyOnDemand a stale
// snapshot is refreshed synchronously first; if that refresh fails the
// existing snapshot is returned unchanged.
func (c *Cache) Mapping(ctx context.Context) *Snapshot {
	snap := c.current.Load()
	if c.policy != PolicyOnDemand || !c.isStale(snap) {
		return snap
	}

	// The refresh is shared with concurrent readers, so it must outlive
	// the request that happened to start it.
	fresh, err := c.Refresh(context.WithoutCancel(ctx), TriggerStale)
	if err != nil {
		return c.current.Load()
	}
	return fresh
}

// Refresh fetches both directories concurrently, rebuilds the mapping and
// swaps it in. A call made while another refresh is running waits for that
// run and shares its result. On failure the current mapping is kept and the
// error is returned.
func (c *Cache) Refresh(ctx context.Context, trigger Trigger) (*Snapshot, error) {
	v, err, shared := c.group.Do("refresh", func() (any, error) {
		c.inFlight.Store(true)
		defer c.inFlight.Store(false)
		return c.refresh(ctx, trigger)
	})
	if shared {
		c.logger.Debug("user_map_refresh_shared", "trigger", trigger)
	}
	if err != nil {
		return nil, err
	}
	return v.(*Snapshot), nil
}

type refreshEvents struct {
	start, success, failed string
}

func eventsFor(trigger Trigger) refreshEvents {
	if trigger == TriggerInitial {
		return refreshEvents{
			start:   "user_map_initial_build_start",
			success: "user_map_initial_build_success",
			failed:  "user_map_initial_build_failed",
		}
	}
	return refreshEvents{
		start:   "user_map_refresh_start",
		success: "user_map_refresh_success",
		failed:  "user_map_refresh_failed",
	}
}

func (c *Cache) refresh(ctx context.Context, trigger Trigger) (*Snapshot, error) {
	events := eventsFor(trigger)
	report := RefreshReport{
		RunID:     uuid.NewString(),
		Trigger:   trigger,
		StartedAt: c.now(),
	}
	log := c.logger.With("run_id", report.RunID, "trigger", string(trigger))
	log.Info(events.start)

	var owners, users []directory.Record
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		owners, err = c.owners.FetchAll(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		users, err = c.users.FetchAll(gctx)
		return err
	})

	err := g.Wait()
	var res Result
	if err == nil {
		res, err = Build(owners, users)
	}
	report.Duration = c.now().Sub(report.StartedAt)

	if err != nil {
		report.Err = err
		attrs := []any{"error", err, "duration_ms", report.Duration.Milliseconds()}
		var fe *directory.FetchError
		if errors.As(err, &fe) {
			attrs = append(attrs, "directory", fe.Directory)
		}
		log.Error(events.failed, attrs...)
		c.notify(ctx, report)
		return nil, err
	}

	report.Owners, report.Users, report.Matched = res.Owners, res.Users, res.Matched
	log.Info("user_map_build_complete",
		"owners", res.Owners,
		"users", res.Users,
		"matched", res.Matched,
	)

	snap := &Snapshot{
		Mapping:     res.Mapping,
		RefreshedAt: c.now(),
		RunID:       report.RunID,
		Owners:      res.Owners,
		Users:       res.Users,
		Matched:     res.Matched,
	}
	c.current.Store(snap)

	log.Info(events.success,
		"owner_count", snap.Len(),
		"duration_ms", report.Duration.Milliseconds(),
	)
	c.notify(ctx, report)
	return snap, nil
}

func (c *Cache) notify(ctx context.Context, report RefreshReport) {
	for _, o := range c.observers {
		o.ObserveRefresh(ctx, report)
	}
}
