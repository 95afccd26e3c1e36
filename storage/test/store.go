// Package test_storage holds behaviour shared by every storage.Store implementation.
package test_storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/anacrolix/generics"
	qt "github.com/go-quicktest/qt"
	"github.com/google/go-cmp/cmp"

	"github.com/privtracker/privtracker/ledger"
	"github.com/privtracker/privtracker/policy"
	"github.com/privtracker/privtracker/storage"
	"github.com/privtracker/privtracker/types"
)

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func peerID(s string) (ret types.PeerID) {
	copy(ret[:], s)
	return
}

// Runs the suite against stores created by open. Each subtest gets a fresh store.
func TestStore(t *testing.T, open func(t *testing.T) storage.Store) {
	for _, tc := range []struct {
		name string
		f    func(t *testing.T, s storage.Store)
	}{
		{"Users", testUsers},
		{"Torrents", testTorrents},
		{"Progress", testProgress},
		{"Completions", testCompletions},
		{"Bonus", testBonus},
		{"HitAndRuns", testHitAndRuns},
		{"SwapHitAndRun", testSwapHitAndRun},
		{"RateLimits", testRateLimits},
	} {
		t.Run(tc.name, func(t *testing.T) {
			s := open(t)
			t.Cleanup(func() { s.Close() })
			tc.f(t, s)
		})
	}
}

func testUsers(t *testing.T, s storage.Store) {
	ctx := context.Background()
	u, err := s.AddUser(ctx, "alice", "aaaa")
	qt.Assert(t, qt.IsNil(err))
	qt.Check(t, qt.Equals(u.Username, "alice"))
	_, err = s.AddUser(ctx, "alice", "bbbb")
	qt.Check(t, qt.IsTrue(errors.Is(err, storage.ErrExists)))
	_, err = s.AddUser(ctx, "bob", "aaaa")
	qt.Check(t, qt.IsTrue(errors.Is(err, storage.ErrExists)))
	bob, err := s.AddUser(ctx, "bob", "bbbb")
	qt.Assert(t, qt.IsNil(err))
	qt.Check(t, qt.Not(qt.Equals(bob.ID, u.ID)))

	got, err := s.UserByPasskey(ctx, "aaaa")
	qt.Assert(t, qt.IsNil(err))
	qt.Check(t, qt.DeepEquals(got, generics.Some(u)))
	got, err = s.UserByName(ctx, "bob")
	qt.Assert(t, qt.IsNil(err))
	qt.Check(t, qt.DeepEquals(got, generics.Some(bob)))
	got, err = s.UserByPasskey(ctx, "nope")
	qt.Assert(t, qt.IsNil(err))
	qt.Check(t, qt.IsFalse(got.Ok))
}

func testTorrents(t *testing.T, s storage.Store) {
	ctx := context.Background()
	ih := types.InfoHashFromInfoBytes([]byte("d4:name3:fooe"))
	tor, err := s.AddTorrent(ctx, ih, "foo", 1<<40)
	qt.Assert(t, qt.IsNil(err))
	_, err = s.AddTorrent(ctx, ih, "foo again", 1)
	qt.Check(t, qt.IsTrue(errors.Is(err, storage.ErrExists)))
	got, err := s.TorrentByInfoHash(ctx, ih)
	qt.Assert(t, qt.IsNil(err))
	qt.Check(t, qt.DeepEquals(got, generics.Some(tor)))
	qt.Check(t, qt.Equals(got.Value.Size, uint64(1<<40)))
	got, err = s.TorrentByInfoHash(ctx, types.InfoHash{})
	qt.Assert(t, qt.IsNil(err))
	qt.Check(t, qt.IsFalse(got.Ok))
}

func testProgress(t *testing.T, s storage.Store) {
	ctx := context.Background()
	ih := types.InfoHashFromInfoBytes([]byte("d4:name1:ae"))
	key := ledger.SessionKey{UserID: 7, InfoHash: ih, PeerID: peerID("peer-a")}
	other := key
	other.PeerID = peerID("peer-b")

	prev, err := s.AppendProgress(ctx, ledger.ProgressRecord{
		SessionKey: key, Mode: ledger.ModeDownload, Uploaded: 100, Downloaded: 200, Left: 50,
		LastSeen: epoch, UpdatedAt: epoch,
	})
	qt.Assert(t, qt.IsNil(err))
	qt.Check(t, qt.IsFalse(prev.Ok))

	// Counters reset, as after a client restart.
	prev, err = s.AppendProgress(ctx, ledger.ProgressRecord{
		SessionKey: key, Mode: ledger.ModeSeeding, Uploaded: 10, Downloaded: 0, Left: 0,
		LastSeen: epoch.Add(time.Minute), UpdatedAt: epoch.Add(time.Minute),
	})
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.IsTrue(prev.Ok))
	qt.Check(t, qt.Equals(prev.Value.Uploaded, uint64(100)))
	qt.Check(t, qt.Equals(prev.Value.Left, uint64(50)))
	qt.Check(t, qt.IsTrue(prev.Value.LastSeen.Equal(epoch)))

	_, err = s.AppendProgress(ctx, ledger.ProgressRecord{
		SessionKey: other, Mode: ledger.ModeUpload, Uploaded: 1 << 62, Left: 0,
		LastSeen: epoch, UpdatedAt: epoch,
	})
	qt.Assert(t, qt.IsNil(err))

	last, err := s.LastProgress(ctx, key)
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.IsTrue(last.Ok))
	qt.Check(t, qt.Equals(last.Value.Mode, ledger.ModeSeeding))
	qt.Check(t, qt.Equals(last.Value.Uploaded, uint64(10)))
	qt.Check(t, qt.Equals(last.Value.SessionKey, key))
	want := ledger.ProgressRecord{
		SessionKey: key, Mode: ledger.ModeSeeding, Uploaded: 10,
		LastSeen: epoch.Add(time.Minute), UpdatedAt: epoch.Add(time.Minute),
	}
	if diff := cmp.Diff(want, last.Value); diff != "" {
		t.Errorf("last progress (-want +got):\n%s", diff)
	}

	recs, err := s.UserProgress(ctx, 7)
	qt.Assert(t, qt.IsNil(err))
	qt.Check(t, qt.HasLen(recs, 3))
	recs, err = s.UserProgress(ctx, 8)
	qt.Assert(t, qt.IsNil(err))
	qt.Check(t, qt.HasLen(recs, 0))

	maxima, err := s.UserSessionMaxima(ctx, 7)
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.HasLen(maxima, 2))
	byPeer := make(map[types.PeerID]ledger.SessionMax)
	for _, m := range maxima {
		byPeer[m.PeerID] = m
	}
	qt.Check(t, qt.Equals(byPeer[key.PeerID].Uploaded, uint64(100)))
	qt.Check(t, qt.Equals(byPeer[key.PeerID].Downloaded, uint64(200)))
	qt.Check(t, qt.Equals(byPeer[other.PeerID].Uploaded, uint64(1<<62)))
	qt.Check(t, qt.Equals(byPeer[other.PeerID].SessionKey, other))

	// A smaller report never lowers the maximum, and counters past int64 are refused.
	_, err = s.AppendProgress(ctx, ledger.ProgressRecord{
		SessionKey: other, Mode: ledger.ModeUpload, Uploaded: 5,
		LastSeen: epoch.Add(time.Minute), UpdatedAt: epoch.Add(time.Minute),
	})
	qt.Assert(t, qt.IsNil(err))
	_, err = s.AppendProgress(ctx, ledger.ProgressRecord{
		SessionKey: other, Mode: ledger.ModeUpload, Uploaded: 1 << 63,
		LastSeen: epoch.Add(2 * time.Minute), UpdatedAt: epoch.Add(2 * time.Minute),
	})
	qt.Check(t, qt.ErrorIs(err, ledger.ErrCounterOverflow))
	maxima, err = s.UserSessionMaxima(ctx, 7)
	qt.Assert(t, qt.IsNil(err))
	for _, m := range maxima {
		if m.PeerID == other.PeerID {
			qt.Check(t, qt.Equals(m.Uploaded, uint64(1<<62)))
		}
	}
	last, err = s.LastProgress(ctx, other)
	qt.Assert(t, qt.IsNil(err))
	qt.Check(t, qt.Equals(last.Value.Uploaded, uint64(5)))
}

func testCompletions(t *testing.T, s storage.Store) {
	ctx := context.Background()
	c := ledger.Completion{TorrentID: 3, UserID: 1, PeerID: peerID("p"), Downloaded: 10, CreatedAt: epoch}
	has, err := s.HasCompletion(ctx, 1, 3, c.PeerID)
	qt.Assert(t, qt.IsNil(err))
	qt.Check(t, qt.IsFalse(has))
	inserted, err := s.InsertCompletion(ctx, c)
	qt.Assert(t, qt.IsNil(err))
	qt.Check(t, qt.IsTrue(inserted))
	inserted, err = s.InsertCompletion(ctx, c)
	qt.Assert(t, qt.IsNil(err))
	qt.Check(t, qt.IsFalse(inserted))
	has, err = s.HasCompletion(ctx, 1, 3, c.PeerID)
	qt.Assert(t, qt.IsNil(err))
	qt.Check(t, qt.IsTrue(has))

	c.UserID = 2
	_, err = s.InsertCompletion(ctx, c)
	qt.Assert(t, qt.IsNil(err))
	n, err := s.CountCompletions(ctx, 3)
	qt.Assert(t, qt.IsNil(err))
	qt.Check(t, qt.Equals(n, int64(2)))
	n, err = s.CountCompletions(ctx, 4)
	qt.Assert(t, qt.IsNil(err))
	qt.Check(t, qt.Equals(n, int64(0)))
}

func testBonus(t *testing.T, s storage.Store) {
	ctx := context.Background()
	points, err := s.BonusPoints(ctx, 1)
	qt.Assert(t, qt.IsNil(err))
	qt.Check(t, qt.Equals(points, int64(0)))
	total, err := s.AddBonusPoints(ctx, 1, 2)
	qt.Assert(t, qt.IsNil(err))
	qt.Check(t, qt.Equals(total, int64(2)))
	total, err = s.AddBonusPoints(ctx, 1, 3)
	qt.Assert(t, qt.IsNil(err))
	qt.Check(t, qt.Equals(total, int64(5)))
	points, err = s.BonusPoints(ctx, 1)
	qt.Assert(t, qt.IsNil(err))
	qt.Check(t, qt.Equals(points, int64(5)))
}

func testHitAndRuns(t *testing.T, s storage.Store) {
	ctx := context.Background()
	rec := policy.HitAndRunRecord{
		UserID:       1,
		TorrentID:    2,
		DownloadedAt: epoch,
		LastSeededAt: generics.Some(epoch),
	}
	created, err := s.CreateHitAndRun(ctx, rec)
	qt.Assert(t, qt.IsNil(err))
	qt.Check(t, qt.IsTrue(created))
	created, err = s.CreateHitAndRun(ctx, policy.HitAndRunRecord{UserID: 1, TorrentID: 2, DownloadedAt: epoch.Add(time.Hour)})
	qt.Assert(t, qt.IsNil(err))
	qt.Check(t, qt.IsFalse(created))

	got, err := s.GetHitAndRun(ctx, 1, 2)
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.IsTrue(got.Ok))
	qt.Check(t, qt.IsTrue(got.Value.DownloadedAt.Equal(epoch)))
	qt.Check(t, qt.IsTrue(got.Value.LastSeededAt.Ok))

	stale, err := s.StaleSeeding(ctx, epoch.Add(time.Minute))
	qt.Assert(t, qt.IsNil(err))
	qt.Check(t, qt.HasLen(stale, 1))
	stale, err = s.StaleSeeding(ctx, epoch)
	qt.Assert(t, qt.IsNil(err))
	qt.Check(t, qt.HasLen(stale, 0))

	rec.LastSeededAt = generics.None[time.Time]()
	rec.TotalSeedingMinutes = 30
	rec.IsHitAndRun = true
	qt.Assert(t, qt.IsNil(s.PutHitAndRun(ctx, rec)))
	rec.IsHitAndRun = false
	rec.TotalSeedingMinutes = 31
	qt.Assert(t, qt.IsNil(s.PutHitAndRun(ctx, rec)))
	got, err = s.GetHitAndRun(ctx, 1, 2)
	qt.Assert(t, qt.IsNil(err))
	qt.Check(t, qt.IsTrue(got.Value.IsHitAndRun))
	qt.Check(t, qt.IsFalse(got.Value.LastSeededAt.Ok))
	qt.Check(t, qt.Equals(got.Value.TotalSeedingMinutes, int64(31)))

	qt.Assert(t, qt.IsNil(s.PutHitAndRun(ctx, policy.HitAndRunRecord{UserID: 1, TorrentID: 5, DownloadedAt: epoch})))
	n, err := s.CountHitAndRuns(ctx, 1)
	qt.Assert(t, qt.IsNil(err))
	qt.Check(t, qt.Equals(n, int64(1)))
	n, err = s.CountHitAndRuns(ctx, 2)
	qt.Assert(t, qt.IsNil(err))
	qt.Check(t, qt.Equals(n, int64(0)))
}

func testSwapHitAndRun(t *testing.T, s storage.Store) {
	ctx := context.Background()
	read := policy.HitAndRunRecord{
		UserID:              1,
		TorrentID:           2,
		DownloadedAt:        epoch,
		LastSeededAt:        generics.Some(epoch),
		TotalSeedingMinutes: 100,
	}
	_, err := s.CreateHitAndRun(ctx, read)
	qt.Assert(t, qt.IsNil(err))
	judged := read
	judged.LastSeededAt = generics.None[time.Time]()
	judged.IsHitAndRun = true

	// An announce extends the window after the record was read.
	announced := read
	announced.TotalSeedingMinutes = 140
	announced.LastSeededAt = generics.Some(epoch.Add(40 * time.Minute))
	qt.Assert(t, qt.IsNil(s.PutHitAndRun(ctx, announced)))
	swapped, err := s.SwapHitAndRun(ctx, read, judged)
	qt.Assert(t, qt.IsNil(err))
	qt.Check(t, qt.IsFalse(swapped))
	got, err := s.GetHitAndRun(ctx, 1, 2)
	qt.Assert(t, qt.IsNil(err))
	qt.Check(t, qt.IsFalse(got.Value.IsHitAndRun))
	qt.Check(t, qt.Equals(got.Value.TotalSeedingMinutes, int64(140)))
	qt.Check(t, qt.IsTrue(got.Value.LastSeededAt.Ok))
	qt.Check(t, qt.IsTrue(got.Value.LastSeededAt.Value.Equal(epoch.Add(40*time.Minute))))

	// Unchanged since read, so the judgment applies.
	judged = announced
	judged.LastSeededAt = generics.None[time.Time]()
	judged.IsHitAndRun = true
	swapped, err = s.SwapHitAndRun(ctx, announced, judged)
	qt.Assert(t, qt.IsNil(err))
	qt.Check(t, qt.IsTrue(swapped))
	got, err = s.GetHitAndRun(ctx, 1, 2)
	qt.Assert(t, qt.IsNil(err))
	qt.Check(t, qt.IsTrue(got.Value.IsHitAndRun))
	qt.Check(t, qt.IsFalse(got.Value.LastSeededAt.Ok))

	// Missing records are never created.
	swapped, err = s.SwapHitAndRun(ctx, policy.HitAndRunRecord{UserID: 9, TorrentID: 9}, judged)
	qt.Assert(t, qt.IsNil(err))
	qt.Check(t, qt.IsFalse(swapped))
}

func testRateLimits(t *testing.T, s storage.Store) {
	ctx := context.Background()
	key := policy.RateLimitKey{UserID: 1, TorrentID: 2}
	got, err := s.LastAccepted(ctx, key)
	qt.Assert(t, qt.IsNil(err))
	qt.Check(t, qt.IsFalse(got.Ok))
	qt.Assert(t, qt.IsNil(s.SetLastAccepted(ctx, key, epoch)))
	qt.Assert(t, qt.IsNil(s.SetLastAccepted(ctx, key, epoch.Add(time.Second))))
	got, err = s.LastAccepted(ctx, key)
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.IsTrue(got.Ok))
	qt.Check(t, qt.IsTrue(got.Value.Equal(epoch.Add(time.Second))))
}
