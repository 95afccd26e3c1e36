package policy

import (
	"context"
	"fmt"
	"net/netip"
	"time"

	"github.com/anacrolix/generics"

	"github.com/privtracker/privtracker/tracker/shared"
	"github.com/privtracker/privtracker/types"
)

const RateLimitPolicy = "rate limit"

// Identifies what an announce is rate limited by: a user's torrent, or a user's IP.
type RateLimitKey struct {
	UserID    types.UserID
	TorrentID types.TorrentID
	IP        netip.Addr
}

func (me RateLimitKey) String() string {
	if me.IP.IsValid() {
		return fmt.Sprintf("u%d/ip%s", me.UserID, me.IP)
	}
	return fmt.Sprintf("u%d/t%d", me.UserID, me.TorrentID)
}

type RateLimitStore interface {
	LastAccepted(ctx context.Context, key RateLimitKey) (generics.Option[time.Time], error)
	SetLastAccepted(ctx context.Context, key RateLimitKey, at time.Time) error
}

type RateLimit struct {
	Enabled     bool
	MinInterval time.Duration
	PerIP       bool
}

// Leaving must always work, and a completion is a one-off transition that shouldn't be lost.
func exempt(ev shared.AnnounceEvent) bool {
	return ev == shared.AnnounceEventStopped || ev == shared.AnnounceEventCompleted
}

func (me RateLimit) active(a Announce) bool {
	return me.Enabled && me.MinInterval > 0 && !exempt(a.Event)
}

func (me RateLimit) keys(a Announce) []RateLimitKey {
	ret := []RateLimitKey{{UserID: a.UserID, TorrentID: a.TorrentID}}
	if me.PerIP && a.IP.IsValid() {
		ret = append(ret, RateLimitKey{UserID: a.UserID, IP: a.IP.Unmap()})
	}
	return ret
}

// Check refuses announces arriving sooner than MinInterval after the last accepted one. The time
// left until an announce would be accepted is in the Denied error.
func (me RateLimit) Check(ctx context.Context, store RateLimitStore, a Announce, now time.Time) error {
	if !me.active(a) {
		return nil
	}
	for _, key := range me.keys(a) {
		last, err := store.LastAccepted(ctx, key)
		if err != nil {
			return fmt.Errorf("getting rate limit state for %v: %w", key, err)
		}
		if !last.Ok {
			continue
		}
		elapsed := now.Sub(last.Value)
		if elapsed < me.MinInterval {
			return &Denied{
				Policy:     RateLimitPolicy,
				Reason:     "announcing too frequently",
				RetryAfter: me.MinInterval - elapsed,
			}
		}
	}
	return nil
}

// Commit records an accepted announce. Call it only once every check has passed.
func (me RateLimit) Commit(ctx context.Context, store RateLimitStore, a Announce, now time.Time) error {
	if !me.active(a) {
		return nil
	}
	for _, key := range me.keys(a) {
		err := store.SetLastAccepted(ctx, key, now)
		if err != nil {
			return fmt.Errorf("setting rate limit state for %v: %w", key, err)
		}
	}
	return nil
}
