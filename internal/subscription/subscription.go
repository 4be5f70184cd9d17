// Package subscription owns the cached events of every subscribed feed and
// refreshes them in the background.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jpmoo/tasknotes-sub007/internal/ics"
	appLog "github.com/jpmoo/tasknotes-sub007/internal/log"
	"github.com/jpmoo/tasknotes-sub007/internal/model"
)

// DefaultSchedule is used for subscriptions without a refresh spec.
const DefaultSchedule = "@every 30m"

// RefreshError reports a feed that could not be fetched or read. The
// previous events stay current.
type RefreshError struct {
	SubscriptionID string
	Err            error
}

func (e *RefreshError) Error() string {
	return fmt.Sprintf("refresh %s: %v", e.SubscriptionID, e.Err)
}

func (e *RefreshError) Unwrap() error { return e.Err }

// Fetcher retrieves raw feed bodies. *ics.Fetcher implements it.
type Fetcher interface {
	Fetch(ctx context.Context, src ics.Source) (ics.FetchResult, error)
	Cached(src ics.Source) (ics.FetchResult, bool)
}

// Snapshot is an immutable view of one subscription's cache. A new
// snapshot replaces the old one as a whole; readers holding the old one keep
// a consistent list.
type Snapshot struct {
	Events       []model.FeedEvent
	LastSyncedAt time.Time
	LastError    error
	// FromDisk is true while the events come from the startup cache and no
	// refresh has succeeded yet.
	FromDisk bool
}

// Config describes one subscription.
type Config struct {
	ID       string
	Name     string
	URL      string
	Color    string
	Schedule string
}

// Subscription is one feed with its cached events.
type Subscription struct {
	ID       string
	Name     string
	Source   ics.Source
	Color    string
	Schedule string

	fetcher  Fetcher
	expander *ics.Expander
	now      func() time.Time

	snap     atomic.Pointer[Snapshot]
	inFlight atomic.Bool
}

// New creates a subscription with an empty snapshot.
func New(cfg Config, fetcher Fetcher, expander *ics.Expander) *Subscription {
	s := &Subscription{
		ID:       cfg.ID,
		Name:     cfg.Name,
		Source:   ics.Source{ID: cfg.ID, URL: cfg.URL},
		Color:    cfg.Color,
		Schedule: cfg.Schedule,
		fetcher:  fetcher,
		expander: expander,
		now:      time.Now,
	}
	if s.Name == "" {
		s.Name = s.ID
	}
	if s.Schedule == "" {
		s.Schedule = DefaultSchedule
	}
	s.snap.Store(&Snapshot{})
	return s
}

// Snapshot returns the current cache. It is never nil.
func (s *Subscription) Snapshot() *Snapshot {
	return s.snap.Load()
}

// Seed fills an empty cache from the fetcher's disk cache so a restart shows
// the last known events before the first refresh completes.
func (s *Subscription) Seed() bool {
	prev := s.Snapshot()
	if len(prev.Events) > 0 {
		return false
	}
	res, ok := s.fetcher.Cached(s.Source)
	if !ok {
		return false
	}
	events, errs := s.expander.Parse(res.Body, s.ID)
	if len(events) == 0 {
		appLog.Warn("subscription cache unusable", errors.Join(errs...), "subscription", s.ID)
		return false
	}
	// Only fill if a refresh has not landed meanwhile.
	return s.snap.CompareAndSwap(prev, &Snapshot{Events: events, LastSyncedAt: res.ModTime, FromDisk: true})
}

// Refresh fetches and parses the feed and swaps in the new events. It
// returns false without doing anything when a refresh of this subscription
// is already running. On failure the previous events stay current and the
// error is recorded on the snapshot.
func (s *Subscription) Refresh(ctx context.Context) (bool, error) {
	if !s.inFlight.CompareAndSwap(false, true) {
		appLog.Debug("subscription refresh already running", "subscription", s.ID)
		return false, nil
	}
	defer s.inFlight.Store(false)

	started := s.now()
	res, err := s.fetcher.Fetch(ctx, s.Source)
	if err != nil {
		return true, s.fail(err)
	}

	events, errs := s.expander.Parse(res.Body, s.ID)
	if len(events) == 0 && len(errs) > 0 {
		return true, s.fail(errors.Join(errs...))
	}
	if len(errs) > 0 {
		appLog.Warn("subscription refreshed with problems", errors.Join(errs...), "subscription", s.ID, "problems", len(errs))
	}

	s.snap.Store(&Snapshot{Events: events, LastSyncedAt: s.now()})
	appLog.Info("subscription refreshed", "subscription", s.ID, "events", len(events), "from_cache", res.FromCache, "took", s.now().Sub(started).String())
	return true, nil
}

func (s *Subscription) fail(err error) error {
	rerr := &RefreshError{SubscriptionID: s.ID, Err: err}
	prev := s.Snapshot()
	next := *prev
	next.LastError = rerr
	s.snap.Store(&next)
	appLog.Warn("subscription refresh failed, keeping previous events", rerr, "subscription", s.ID, "url", ics.RedactURL(s.Source.URL), "events", len(prev.Events))
	return rerr
}

// Refreshing reports whether a refresh is running.
func (s *Subscription) Refreshing() bool { return s.inFlight.Load() }

// Status is the display form of a subscription.
type Status struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Source       string    `json:"source"`
	Color        string    `json:"color,omitempty"`
	Events       int       `json:"events"`
	LastSyncedAt time.Time `json:"last_synced_at,omitzero"`
	LastError    string    `json:"last_error,omitempty"`
	Refreshing   bool      `json:"refreshing"`
	FromDisk     bool      `json:"from_disk,omitempty"`
}

// Status summarizes the current snapshot.
func (s *Subscription) Status() Status {
	snap := s.Snapshot()
	st := Status{
		ID:           s.ID,
		Name:         s.Name,
		Source:       ics.RedactURL(s.Source.URL),
		Color:        s.Color,
		Events:       len(snap.Events),
		LastSyncedAt: snap.LastSyncedAt,
		Refreshing:   s.Refreshing(),
		FromDisk:     snap.FromDisk,
	}
	if snap.LastError != nil {
		st.LastError = snap.LastError.Error()
	}
	return st
}
