package policy

import (
	"context"
	"errors"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/anacrolix/generics"
	"github.com/anacrolix/log"
	qt "github.com/go-quicktest/qt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/privtracker/privtracker/config"
	"github.com/privtracker/privtracker/ledger"
	"github.com/privtracker/privtracker/tracker/shared"
	"github.com/privtracker/privtracker/types"
)

const mib = 1 << 20

func requireDenied(t *testing.T, err error, policy string) *Denied {
	t.Helper()
	var d *Denied
	require.True(t, errors.As(err, &d), "%v", err)
	require.Equal(t, policy, d.Policy)
	return d
}

func TestRatioGrace(t *testing.T) {
	r := Ratio{MinRatio: 0.5, GraceMB: 20}
	// Within grace, a bad ratio is fine.
	assert.NoError(t, r.Check(ledger.UserAggregate{Downloaded: 10 * mib, Ratio: 0.1}))
	d := requireDenied(t, r.Check(ledger.UserAggregate{Downloaded: 50 * mib, Ratio: 0.1}), RatioPolicy)
	assert.Equal(t, "ratio below minimum 0.5", d.Reason)
	assert.NoError(t, r.Check(ledger.UserAggregate{Downloaded: 50 * mib, Ratio: 0.5}))
	// Zero ratio is let through.
	assert.NoError(t, r.Check(ledger.UserAggregate{Downloaded: 50 * mib, Ratio: 0}))
}

func TestRatioDisabled(t *testing.T) {
	noGrace := Ratio{MinRatio: 0.5, GraceMB: config.Disabled}
	requireDenied(t, noGrace.Check(ledger.UserAggregate{Downloaded: 10 * mib, Ratio: 0.1}), RatioPolicy)
	noMin := Ratio{MinRatio: config.Disabled, GraceMB: 20}
	assert.NoError(t, noMin.Check(ledger.UserAggregate{Downloaded: 50 * mib, Ratio: 0.01}))
}

func TestBonusPoints(t *testing.T) {
	b := Bonus{PerUnit: 1, UnitBytes: 1_000_000}
	qt.Check(t, qt.Equals(b.Points(2_000_000), int64(2)))
	qt.Check(t, qt.Equals(b.Points(2_999_999), int64(2)))
	qt.Check(t, qt.Equals(b.Points(999_999), int64(0)))
	b.PerUnit = 3
	qt.Check(t, qt.Equals(b.Points(2_000_000), int64(6)))
	qt.Check(t, qt.Equals(Bonus{}.Points(1<<40), int64(0)))
}

func TestFromSettings(t *testing.T) {
	set := FromSettings(config.Default())
	assert.Equal(t, 300*time.Second, set.RateLimit.MinInterval)
	assert.EqualValues(t, 4320, set.HitAndRunSeeding.RequiredMinutes)
	assert.Equal(t, 30*time.Minute, set.HitAndRunSeeding.Grace)
	assert.EqualValues(t, 1_000_000, set.Bonus.UnitBytes)
}

type hnrKey struct {
	types.UserID
	types.TorrentID
}

type memHitAndRuns struct {
	mu   sync.Mutex
	recs map[hnrKey]HitAndRunRecord
}

func newMemHitAndRuns() *memHitAndRuns {
	return &memHitAndRuns{recs: make(map[hnrKey]HitAndRunRecord)}
}

func (me *memHitAndRuns) GetHitAndRun(ctx context.Context, userID types.UserID, torrentID types.TorrentID) (generics.Option[HitAndRunRecord], error) {
	me.mu.Lock()
	defer me.mu.Unlock()
	rec, ok := me.recs[hnrKey{userID, torrentID}]
	return generics.Option[HitAndRunRecord]{Value: rec, Ok: ok}, nil
}

func (me *memHitAndRuns) CreateHitAndRun(ctx context.Context, rec HitAndRunRecord) (bool, error) {
	me.mu.Lock()
	defer me.mu.Unlock()
	k := hnrKey{rec.UserID, rec.TorrentID}
	if _, ok := me.recs[k]; ok {
		return false, nil
	}
	me.recs[k] = rec
	return true, nil
}

func (me *memHitAndRuns) PutHitAndRun(ctx context.Context, rec HitAndRunRecord) error {
	me.mu.Lock()
	defer me.mu.Unlock()
	k := hnrKey{rec.UserID, rec.TorrentID}
	rec.IsHitAndRun = rec.IsHitAndRun || me.recs[k].IsHitAndRun
	me.recs[k] = rec
	return nil
}

func sameHitAndRun(a, b HitAndRunRecord) bool {
	return a.UserID == b.UserID && a.TorrentID == b.TorrentID &&
		a.DownloadedAt.Equal(b.DownloadedAt) &&
		a.LastSeededAt.Ok == b.LastSeededAt.Ok && a.LastSeededAt.Value.Equal(b.LastSeededAt.Value) &&
		a.TotalSeedingMinutes == b.TotalSeedingMinutes && a.IsHitAndRun == b.IsHitAndRun
}

func (me *memHitAndRuns) SwapHitAndRun(ctx context.Context, old, updated HitAndRunRecord) (bool, error) {
	me.mu.Lock()
	defer me.mu.Unlock()
	k := hnrKey{old.UserID, old.TorrentID}
	cur, ok := me.recs[k]
	if !ok || !sameHitAndRun(cur, old) {
		return false, nil
	}
	updated.IsHitAndRun = updated.IsHitAndRun || cur.IsHitAndRun
	me.recs[k] = updated
	return true, nil
}

func (me *memHitAndRuns) CountHitAndRuns(ctx context.Context, userID types.UserID) (n int64, _ error) {
	me.mu.Lock()
	defer me.mu.Unlock()
	for k, rec := range me.recs {
		if k.UserID == userID && rec.IsHitAndRun {
			n++
		}
	}
	return
}

func (me *memHitAndRuns) StaleSeeding(ctx context.Context, cutoff time.Time) (ret []HitAndRunRecord, _ error) {
	me.mu.Lock()
	defer me.mu.Unlock()
	for _, rec := range me.recs {
		if !rec.IsHitAndRun && rec.LastSeededAt.Ok && rec.LastSeededAt.Value.Before(cutoff) {
			ret = append(ret, rec)
		}
	}
	return
}

func testSeedingPolicy() HitAndRunSeeding {
	return HitAndRunSeeding{
		Enabled:         true,
		RequiredMinutes: 4320,
		Threshold:       1,
		Grace:           30 * time.Minute,
		Logger:          log.Default,
	}
}

// Completes, seeds for the given minutes with regular announces, then stops.
func seedThenStop(t *testing.T, store *memHitAndRuns, minutes int) HitAndRunRecord {
	ctx := context.Background()
	p := testSeedingPolicy()
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	a := Announce{UserID: 1, TorrentID: 2, Event: shared.AnnounceEventCompleted}
	require.NoError(t, p.Update(ctx, store, a, t0))
	a.Event = shared.AnnounceEventNone
	for m := 15; m < minutes; m += 15 {
		require.NoError(t, p.Update(ctx, store, a, t0.Add(time.Duration(m)*time.Minute)))
	}
	a.Event = shared.AnnounceEventStopped
	require.NoError(t, p.Update(ctx, store, a, t0.Add(time.Duration(minutes)*time.Minute)))
	rec, _ := store.GetHitAndRun(ctx, 1, 2)
	require.True(t, rec.Ok)
	return rec.Value
}

func TestHitAndRunSeedingRequiredMinutes(t *testing.T) {
	short := seedThenStop(t, newMemHitAndRuns(), 4000)
	assert.EqualValues(t, 4000, short.TotalSeedingMinutes)
	assert.True(t, short.IsHitAndRun)
	assert.False(t, short.LastSeededAt.Ok)

	long := seedThenStop(t, newMemHitAndRuns(), 5000)
	assert.EqualValues(t, 5000, long.TotalSeedingMinutes)
	assert.False(t, long.IsHitAndRun)
}

func TestHitAndRunRecordOnlyCreatedOnCompletion(t *testing.T) {
	ctx := context.Background()
	store := newMemHitAndRuns()
	p := testSeedingPolicy()
	a := Announce{UserID: 1, TorrentID: 2, Event: shared.AnnounceEventStarted}
	require.NoError(t, p.Update(ctx, store, a, time.Now()))
	assert.Empty(t, store.recs)
	a.Event = shared.AnnounceEventCompleted
	require.NoError(t, p.Update(ctx, store, a, time.Now()))
	assert.Len(t, store.recs, 1)
}

func TestHitAndRunSeedingRemainderCarries(t *testing.T) {
	p := testSeedingPolicy()
	t0 := time.Now()
	rec := HitAndRunRecord{LastSeededAt: generics.Some(t0)}
	for i := 1; i <= 4; i++ {
		p.Observe(&rec, shared.AnnounceEventNone, 0, t0.Add(time.Duration(i)*90*time.Second))
	}
	assert.EqualValues(t, 6, rec.TotalSeedingMinutes)
	assert.Equal(t, t0.Add(6*time.Minute), rec.LastSeededAt.Value)
}

func TestHitAndRunSeedingStopsOnLeftIncrease(t *testing.T) {
	p := testSeedingPolicy()
	t0 := time.Now()
	rec := HitAndRunRecord{LastSeededAt: generics.Some(t0)}
	assert.True(t, p.Observe(&rec, shared.AnnounceEventNone, 100, t0.Add(time.Hour)))
	assert.EqualValues(t, 60, rec.TotalSeedingMinutes)
	assert.True(t, rec.IsHitAndRun)
	assert.False(t, rec.LastSeededAt.Ok)
	// Seeding again starts a new window. The flag stays.
	assert.True(t, p.Observe(&rec, shared.AnnounceEventNone, 0, t0.Add(2*time.Hour)))
	assert.True(t, rec.LastSeededAt.Ok)
	assert.True(t, rec.IsHitAndRun)
	// Leeching without a window changes nothing.
	rec = HitAndRunRecord{}
	assert.False(t, p.Observe(&rec, shared.AnnounceEventNone, 100, t0))
}

func TestHitAndRunSweep(t *testing.T) {
	ctx := context.Background()
	store := newMemHitAndRuns()
	p := testSeedingPolicy()
	now := time.Now()
	store.recs[hnrKey{1, 1}] = HitAndRunRecord{
		UserID: 1, TorrentID: 1,
		LastSeededAt:        generics.Some(now.Add(-time.Hour)),
		TotalSeedingMinutes: 100,
	}
	store.recs[hnrKey{1, 2}] = HitAndRunRecord{
		UserID: 1, TorrentID: 2,
		LastSeededAt:        generics.Some(now.Add(-time.Hour)),
		TotalSeedingMinutes: 5000,
	}
	store.recs[hnrKey{1, 3}] = HitAndRunRecord{
		UserID: 1, TorrentID: 3,
		LastSeededAt: generics.Some(now.Add(-10 * time.Minute)),
	}
	flagged, err := p.Sweep(ctx, store, now)
	require.NoError(t, err)
	assert.Equal(t, 1, flagged)
	assert.True(t, store.recs[hnrKey{1, 1}].IsHitAndRun)
	assert.False(t, store.recs[hnrKey{1, 2}].IsHitAndRun)
	assert.False(t, store.recs[hnrKey{1, 3}].IsHitAndRun)
	assert.True(t, store.recs[hnrKey{1, 3}].LastSeededAt.Ok)

	flagged, err = p.Sweep(ctx, store, now)
	require.NoError(t, err)
	assert.Equal(t, 0, flagged)

	requireDenied(t, p.Check(ctx, store, 1), HitAndRunSeedingPolicy)
	assert.NoError(t, p.Check(ctx, store, 2))
	p.Threshold = config.Disabled
	assert.NoError(t, p.Check(ctx, store, 1))
}

// Runs an announce for every stale record after the sweep has read it.
type announceDuringSweep struct {
	*memHitAndRuns
	announce func(HitAndRunRecord)
}

func (me announceDuringSweep) StaleSeeding(ctx context.Context, cutoff time.Time) ([]HitAndRunRecord, error) {
	stale, err := me.memHitAndRuns.StaleSeeding(ctx, cutoff)
	for _, rec := range stale {
		me.announce(rec)
	}
	return stale, err
}

func TestHitAndRunSweepKeepsConcurrentAnnounce(t *testing.T) {
	ctx := context.Background()
	mem := newMemHitAndRuns()
	p := testSeedingPolicy()
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	mem.recs[hnrKey{1, 1}] = HitAndRunRecord{
		UserID: 1, TorrentID: 1,
		LastSeededAt:        generics.Some(now.Add(-40 * time.Minute)),
		TotalSeedingMinutes: 100,
	}
	store := announceDuringSweep{mem, func(rec HitAndRunRecord) {
		a := Announce{UserID: rec.UserID, TorrentID: rec.TorrentID, Event: shared.AnnounceEventNone}
		require.NoError(t, p.Update(ctx, mem, a, now))
	}}
	flagged, err := p.Sweep(ctx, store, now)
	require.NoError(t, err)
	assert.Equal(t, 0, flagged)
	rec := mem.recs[hnrKey{1, 1}]
	assert.False(t, rec.IsHitAndRun)
	assert.EqualValues(t, 140, rec.TotalSeedingMinutes)
	assert.True(t, rec.LastSeededAt.Ok)
	assert.Equal(t, now, rec.LastSeededAt.Value)
}

func TestHitAndRunRatio(t *testing.T) {
	sizes := map[types.InfoHash]uint64{{1}: 100, {2}: 100, {3}: 100}
	totals := map[types.InfoHash]ledger.TorrentTotals{
		{1}: {Uploaded: 10, Downloaded: 100},
		{2}: {Uploaded: 200, Downloaded: 100},
		{3}: {Uploaded: 0, Downloaded: 50},
		{4}: {Uploaded: 0, Downloaded: 500},
	}
	count := CountRatioHitAndRuns(totals, func(ih types.InfoHash) (uint64, bool) {
		s, ok := sizes[ih]
		return s, ok
	})
	qt.Assert(t, qt.Equals(count, int64(1)))
	p := HitAndRunRatio{Enabled: true, MaxHitnRuns: 1}
	requireDenied(t, p.Check(count), HitAndRunRatioPolicy)
	p.MaxHitnRuns = 2
	assert.NoError(t, p.Check(count))
	p.MaxHitnRuns = config.Disabled
	assert.NoError(t, p.Check(100))
}

type memRateLimits map[string]time.Time

func (me memRateLimits) LastAccepted(ctx context.Context, key RateLimitKey) (generics.Option[time.Time], error) {
	t, ok := me[key.String()]
	return generics.Option[time.Time]{Value: t, Ok: ok}, nil
}

func (me memRateLimits) SetLastAccepted(ctx context.Context, key RateLimitKey, at time.Time) error {
	me[key.String()] = at
	return nil
}

func TestRateLimit(t *testing.T) {
	ctx := context.Background()
	store := memRateLimits{}
	rl := RateLimit{Enabled: true, MinInterval: 300 * time.Second}
	a := Announce{UserID: 1, TorrentID: 2, Event: shared.AnnounceEventStarted}
	t0 := time.Now()
	require.NoError(t, rl.Check(ctx, store, a, t0))
	require.NoError(t, rl.Commit(ctx, store, a, t0))

	a.Event = shared.AnnounceEventNone
	d := requireDenied(t, rl.Check(ctx, store, a, t0.Add(100500*time.Millisecond)), RateLimitPolicy)
	assert.Equal(t, 199500*time.Millisecond, d.RetryAfter)
	assert.EqualValues(t, 200, d.RetryAfterSeconds())

	// Leaving is never limited.
	a.Event = shared.AnnounceEventStopped
	assert.NoError(t, rl.Check(ctx, store, a, t0.Add(time.Second)))

	// Other torrents are limited separately.
	a = Announce{UserID: 1, TorrentID: 3}
	assert.NoError(t, rl.Check(ctx, store, a, t0.Add(time.Second)))

	a.TorrentID = 2
	assert.NoError(t, rl.Check(ctx, store, a, t0.Add(300*time.Second)))
}

func TestRateLimitPerIP(t *testing.T) {
	ctx := context.Background()
	store := memRateLimits{}
	rl := RateLimit{Enabled: true, MinInterval: time.Minute, PerIP: true}
	ip := netip.MustParseAddr("10.0.0.1")
	t0 := time.Now()
	a := Announce{UserID: 1, TorrentID: 2, IP: ip}
	require.NoError(t, rl.Commit(ctx, store, a, t0))
	a.TorrentID = 3
	requireDenied(t, rl.Check(ctx, store, a, t0.Add(time.Second)), RateLimitPolicy)
	a.IP = netip.MustParseAddr("10.0.0.2")
	assert.NoError(t, rl.Check(ctx, store, a, t0.Add(time.Second)))

	rl.Enabled = false
	a.IP = ip
	assert.NoError(t, rl.Check(ctx, store, a, t0.Add(time.Second)))
}
