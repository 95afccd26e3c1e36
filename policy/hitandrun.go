package policy

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/anacrolix/generics"
	"github.com/anacrolix/log"

	"github.com/privtracker/privtracker/config"
	"github.com/privtracker/privtracker/ledger"
	"github.com/privtracker/privtracker/tracker/shared"
	"github.com/privtracker/privtracker/types"
)

const (
	HitAndRunRatioPolicy   = "hit and run ratio"
	HitAndRunSeedingPolicy = "hit and run"
)

// Counts torrents a user downloaded in full but gave back less than they took.
type HitAndRunRatio struct {
	Enabled     bool
	MaxHitnRuns int64
}

// Returns the size of a torrent by info hash, if the tracker knows it.
type SizeFunc func(types.InfoHash) (uint64, bool)

func CountRatioHitAndRuns(totals map[types.InfoHash]ledger.TorrentTotals, size SizeFunc) (count int64) {
	for ih, t := range totals {
		s, ok := size(ih)
		if !ok {
			continue
		}
		if t.Downloaded >= s && t.Ratio() < 1 {
			count++
		}
	}
	return
}

func (me HitAndRunRatio) Check(count int64) error {
	if !me.Enabled || me.MaxHitnRuns == config.Disabled {
		return nil
	}
	if count >= me.MaxHitnRuns {
		return &Denied{
			Policy: HitAndRunRatioPolicy,
			Reason: fmt.Sprintf("%d torrents downloaded without seeding back, limit is %d", count, me.MaxHitnRuns),
		}
	}
	return nil
}

// Tracks how long a user seeds each torrent they completed.
type HitAndRunRecord struct {
	UserID       types.UserID
	TorrentID    types.TorrentID
	DownloadedAt time.Time
	// Start of the current seeding window. Unset while not seeding.
	LastSeededAt        generics.Option[time.Time]
	TotalSeedingMinutes int64
	// Once set, never cleared.
	IsHitAndRun bool
}

type HitAndRunStore interface {
	GetHitAndRun(ctx context.Context, userID types.UserID, torrentID types.TorrentID) (generics.Option[HitAndRunRecord], error)
	// Reports false if a record already exists, leaving it untouched.
	CreateHitAndRun(ctx context.Context, rec HitAndRunRecord) (created bool, err error)
	// Replaces a record, except that IsHitAndRun is never cleared.
	PutHitAndRun(ctx context.Context, rec HitAndRunRecord) error
	// Replaces old with updated only if the stored record still equals old. IsHitAndRun is never
	// cleared.
	SwapHitAndRun(ctx context.Context, old, updated HitAndRunRecord) (swapped bool, err error)
	CountHitAndRuns(ctx context.Context, userID types.UserID) (int64, error)
	// Records not yet flagged whose current seeding window started before cutoff.
	StaleSeeding(ctx context.Context, cutoff time.Time) ([]HitAndRunRecord, error)
}

type HitAndRunSeeding struct {
	Enabled         bool
	RequiredMinutes int64
	// Flagged records tolerated before announces are refused.
	Threshold int64
	// How long a seeder may go without announcing before the sweep judges it.
	Grace  time.Duration
	Logger log.Logger
}

// Adds the whole minutes of the current window. The window start advances by the minutes counted,
// so the remainder carries into the next announce.
func (rec *HitAndRunRecord) accumulate(now time.Time) {
	if !rec.LastSeededAt.Ok {
		return
	}
	mins := int64(now.Sub(rec.LastSeededAt.Value) / time.Minute)
	if mins <= 0 {
		return
	}
	rec.TotalSeedingMinutes += mins
	rec.LastSeededAt.Value = rec.LastSeededAt.Value.Add(time.Duration(mins) * time.Minute)
}

func (me HitAndRunSeeding) judge(rec *HitAndRunRecord) {
	if me.RequiredMinutes == config.Disabled {
		return
	}
	if rec.TotalSeedingMinutes < me.RequiredMinutes {
		rec.IsHitAndRun = true
	}
}

// Observe applies an announce to an existing record, and reports whether it changed.
func (me HitAndRunSeeding) Observe(rec *HitAndRunRecord, ev shared.AnnounceEvent, left uint64, now time.Time) bool {
	before := *rec
	seeding := rec.LastSeededAt.Ok
	switch {
	case seeding && (ev == shared.AnnounceEventStopped || left > 0):
		rec.accumulate(now)
		rec.LastSeededAt = generics.None[time.Time]()
		me.judge(rec)
	case seeding:
		rec.accumulate(now)
	case left == 0 && ev != shared.AnnounceEventStopped:
		rec.LastSeededAt = generics.Some(now)
	}
	return *rec != before
}

// Update creates the record on completion and otherwise applies the announce to the existing one.
func (me HitAndRunSeeding) Update(ctx context.Context, store HitAndRunStore, a Announce, now time.Time) error {
	if !me.Enabled {
		return nil
	}
	cur, err := store.GetHitAndRun(ctx, a.UserID, a.TorrentID)
	if err != nil {
		return fmt.Errorf("getting hit and run record: %w", err)
	}
	if !cur.Ok {
		if a.Event != shared.AnnounceEventCompleted {
			return nil
		}
		_, err = store.CreateHitAndRun(ctx, HitAndRunRecord{
			UserID:       a.UserID,
			TorrentID:    a.TorrentID,
			DownloadedAt: now,
			LastSeededAt: generics.Some(now),
		})
		return err
	}
	rec := cur.Value
	if !me.Observe(&rec, a.Event, a.Left, now) {
		return nil
	}
	if rec.IsHitAndRun && !cur.Value.IsHitAndRun {
		me.Logger.Levelf(log.Info, "user %v stopped seeding torrent %v after %d of %d minutes",
			rec.UserID, rec.TorrentID, rec.TotalSeedingMinutes, me.RequiredMinutes)
	}
	return store.PutHitAndRun(ctx, rec)
}

func (me HitAndRunSeeding) Check(ctx context.Context, store HitAndRunStore, userID types.UserID) error {
	if !me.Enabled || me.Threshold == config.Disabled {
		return nil
	}
	count, err := store.CountHitAndRuns(ctx, userID)
	if err != nil {
		return fmt.Errorf("counting hit and runs: %w", err)
	}
	if count >= me.Threshold {
		return &Denied{
			Policy: HitAndRunSeedingPolicy,
			Reason: "hit and run limit " + strconv.FormatInt(me.Threshold, 10) + " reached",
		}
	}
	return nil
}

// Sweep judges seeders that stopped announcing without saying so. It returns how many records were
// newly flagged. A record an announce changed since it was read is left for that announce.
func (me HitAndRunSeeding) Sweep(ctx context.Context, store HitAndRunStore, now time.Time) (flagged int, err error) {
	if !me.Enabled {
		return
	}
	stale, err := store.StaleSeeding(ctx, now.Add(-me.Grace))
	if err != nil {
		return
	}
	for _, rec := range stale {
		if ctx.Err() != nil {
			return flagged, ctx.Err()
		}
		judged := rec
		judged.LastSeededAt = generics.None[time.Time]()
		me.judge(&judged)
		var swapped bool
		swapped, err = store.SwapHitAndRun(ctx, rec, judged)
		if err != nil {
			return
		}
		if swapped && judged.IsHitAndRun {
			flagged++
		}
	}
	return
}
