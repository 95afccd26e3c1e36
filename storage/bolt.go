package storage

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/anacrolix/generics"
	"go.etcd.io/bbolt"

	"github.com/privtracker/privtracker/bencode"
	"github.com/privtracker/privtracker/ledger"
	"github.com/privtracker/privtracker/policy"
	"github.com/privtracker/privtracker/types"
)

var (
	usersBucket         = []byte("users")
	passkeysBucket      = []byte("passkeys")
	usernamesBucket     = []byte("usernames")
	torrentsBucket      = []byte("torrents")
	infoHashesBucket    = []byte("infohashes")
	progressBucket      = []byte("progress")
	lastProgressBucket  = []byte("last_progress")
	sessionMaxBucket    = []byte("session_max")
	completionsBucket   = []byte("completions")
	completionCountsBkt = []byte("completion_counts")
	bonusBucket         = []byte("bonus")
	hitAndRunsBucket    = []byte("hit_and_runs")
	rateLimitsBucket    = []byte("rate_limits")
)

var allBuckets = [][]byte{
	usersBucket, passkeysBucket, usernamesBucket, torrentsBucket, infoHashesBucket,
	progressBucket, lastProgressBucket, sessionMaxBucket, completionsBucket, completionCountsBkt,
	bonusBucket, hitAndRunsBucket, rateLimitsBucket,
}

// A Store in a single bbolt file. Writes are serialized by bbolt.
type Bolt struct {
	db *bbolt.DB
}

var _ Store = (*Bolt)(nil)

func NewBolt(path string) (*Bolt, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("opening bolt db %q: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Bolt{db}, nil
}

func (me *Bolt) Close() error {
	return me.db.Close()
}

func (me *Bolt) view(ctx context.Context, f func(tx *bbolt.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return me.db.View(f)
}

func (me *Bolt) update(ctx context.Context, f func(tx *bbolt.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return me.db.Update(f)
}

func idKey(id int64) []byte {
	return binary.BigEndian.AppendUint64(nil, uint64(id))
}

func keyID(b []byte) int64 {
	return int64(binary.BigEndian.Uint64(b))
}

func sessionKey(k ledger.SessionKey) []byte {
	b := idKey(int64(k.UserID))
	b = append(b, k.InfoHash[:]...)
	return append(b, k.PeerID[:]...)
}

func completionKey(userID types.UserID, torrentID types.TorrentID, peerID types.PeerID) []byte {
	b := idKey(int64(userID))
	b = binary.BigEndian.AppendUint64(b, uint64(torrentID))
	return append(b, peerID[:]...)
}

func hitAndRunKey(userID types.UserID, torrentID types.TorrentID) []byte {
	return binary.BigEndian.AppendUint64(idKey(int64(userID)), uint64(torrentID))
}

func getInt64(b *bbolt.Bucket, key []byte) int64 {
	v := b.Get(key)
	if v == nil {
		return 0
	}
	return int64(binary.BigEndian.Uint64(v))
}

func putInt64(b *bbolt.Bucket, key []byte, i int64) error {
	return b.Put(key, binary.BigEndian.AppendUint64(nil, uint64(i)))
}

func (me *Bolt) AddUser(ctx context.Context, username, passkey string) (u types.User, err error) {
	err = me.update(ctx, func(tx *bbolt.Tx) error {
		if tx.Bucket(usernamesBucket).Get([]byte(username)) != nil {
			return fmt.Errorf("username %q: %w", username, ErrExists)
		}
		if tx.Bucket(passkeysBucket).Get([]byte(passkey)) != nil {
			return fmt.Errorf("passkey: %w", ErrExists)
		}
		users := tx.Bucket(usersBucket)
		seq, err := users.NextSequence()
		if err != nil {
			return err
		}
		u = types.User{
			ID:       types.UserID(seq),
			Username: username,
			Passkey:  passkey,
		}
		key := idKey(int64(u.ID))
		err = users.Put(key, bencode.MustMarshal(userRow{username, passkey}))
		if err != nil {
			return err
		}
		err = tx.Bucket(usernamesBucket).Put([]byte(username), key)
		if err != nil {
			return err
		}
		return tx.Bucket(passkeysBucket).Put([]byte(passkey), key)
	})
	return
}

func boltUser(tx *bbolt.Tx, key []byte) (ret generics.Option[types.User], err error) {
	v := tx.Bucket(usersBucket).Get(key)
	if v == nil {
		return
	}
	var row userRow
	err = bencode.Unmarshal(v, &row)
	if err != nil {
		err = fmt.Errorf("decoding user %d: %w", keyID(key), err)
		return
	}
	ret = generics.Some(types.User{
		ID:       types.UserID(keyID(key)),
		Username: row.Username,
		Passkey:  row.Passkey,
	})
	return
}

func (me *Bolt) userByIndex(ctx context.Context, index []byte, value string) (ret generics.Option[types.User], err error) {
	err = me.view(ctx, func(tx *bbolt.Tx) error {
		key := tx.Bucket(index).Get([]byte(value))
		if key == nil {
			return nil
		}
		ret, err = boltUser(tx, key)
		return err
	})
	return
}

func (me *Bolt) UserByPasskey(ctx context.Context, passkey string) (generics.Option[types.User], error) {
	return me.userByIndex(ctx, passkeysBucket, passkey)
}

func (me *Bolt) UserByName(ctx context.Context, username string) (generics.Option[types.User], error) {
	return me.userByIndex(ctx, usernamesBucket, username)
}

func (me *Bolt) AddTorrent(ctx context.Context, infoHash types.InfoHash, name string, size uint64) (t types.Torrent, err error) {
	err = me.update(ctx, func(tx *bbolt.Tx) error {
		if tx.Bucket(infoHashesBucket).Get(infoHash[:]) != nil {
			return fmt.Errorf("torrent %v: %w", infoHash, ErrExists)
		}
		torrents := tx.Bucket(torrentsBucket)
		seq, err := torrents.NextSequence()
		if err != nil {
			return err
		}
		t = types.Torrent{
			ID:       types.TorrentID(seq),
			InfoHash: infoHash,
			Name:     name,
			Size:     size,
		}
		key := idKey(int64(t.ID))
		err = torrents.Put(key, bencode.MustMarshal(torrentRow{infoHash, name, size}))
		if err != nil {
			return err
		}
		return tx.Bucket(infoHashesBucket).Put(infoHash[:], key)
	})
	return
}

func (me *Bolt) TorrentByInfoHash(ctx context.Context, infoHash types.InfoHash) (ret generics.Option[types.Torrent], err error) {
	err = me.view(ctx, func(tx *bbolt.Tx) error {
		key := tx.Bucket(infoHashesBucket).Get(infoHash[:])
		if key == nil {
			return nil
		}
		v := tx.Bucket(torrentsBucket).Get(key)
		if v == nil {
			return fmt.Errorf("torrent %d missing for info hash %v", keyID(key), infoHash)
		}
		var row torrentRow
		if err := bencode.Unmarshal(v, &row); err != nil {
			return fmt.Errorf("decoding torrent %d: %w", keyID(key), err)
		}
		ret = generics.Some(types.Torrent{
			ID:       types.TorrentID(keyID(key)),
			InfoHash: row.InfoHash,
			Name:     row.Name,
			Size:     row.Size,
		})
		return nil
	})
	return
}

func (me *Bolt) CountCompletions(ctx context.Context, torrentID types.TorrentID) (n int64, err error) {
	err = me.view(ctx, func(tx *bbolt.Tx) error {
		n = getInt64(tx.Bucket(completionCountsBkt), idKey(int64(torrentID)))
		return nil
	})
	return
}

func lastProgress(tx *bbolt.Tx, key []byte) (ret generics.Option[ledger.ProgressRecord], err error) {
	v := tx.Bucket(lastProgressBucket).Get(key)
	if v == nil {
		return
	}
	var row progressRow
	err = unmarshalRow(v, &row)
	if err == nil {
		ret = generics.Some(row.record())
	}
	return
}

func (me *Bolt) AppendProgress(ctx context.Context, rec ledger.ProgressRecord) (prev generics.Option[ledger.ProgressRecord], err error) {
	err = rec.CheckCounters()
	if err != nil {
		return
	}
	err = me.update(ctx, func(tx *bbolt.Tx) error {
		sk := sessionKey(rec.SessionKey)
		prev, err = lastProgress(tx, sk)
		if err != nil {
			return err
		}
		row := marshalRow(progressToRow(rec))
		progress := tx.Bucket(progressBucket)
		seq, err := progress.NextSequence()
		if err != nil {
			return err
		}
		// Keyed by user then sequence, so a user's history is one contiguous range.
		err = progress.Put(binary.BigEndian.AppendUint64(idKey(int64(rec.UserID)), seq), row)
		if err != nil {
			return err
		}
		err = tx.Bucket(lastProgressBucket).Put(sk, row)
		if err != nil {
			return err
		}
		maxima := tx.Bucket(sessionMaxBucket)
		var m sessionMaxRow
		if v := maxima.Get(sk); v != nil {
			if err := unmarshalRow(v, &m); err != nil {
				return err
			}
		}
		m.Uploaded = max(m.Uploaded, rec.Uploaded)
		m.Downloaded = max(m.Downloaded, rec.Downloaded)
		return maxima.Put(sk, marshalRow(m))
	})
	return
}

func (me *Bolt) LastProgress(ctx context.Context, key ledger.SessionKey) (ret generics.Option[ledger.ProgressRecord], err error) {
	err = me.view(ctx, func(tx *bbolt.Tx) error {
		ret, err = lastProgress(tx, sessionKey(key))
		return err
	})
	return
}

// Calls f with the key and value of every item in b with the prefix.
func scanPrefix(b *bbolt.Bucket, prefix []byte, f func(k, v []byte) error) error {
	c := b.Cursor()
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		if err := f(k, v); err != nil {
			return err
		}
	}
	return nil
}

func (me *Bolt) UserProgress(ctx context.Context, userID types.UserID) (ret []ledger.ProgressRecord, err error) {
	err = me.view(ctx, func(tx *bbolt.Tx) error {
		return scanPrefix(tx.Bucket(progressBucket), idKey(int64(userID)), func(k, v []byte) error {
			var row progressRow
			if err := unmarshalRow(v, &row); err != nil {
				return err
			}
			ret = append(ret, row.record())
			return nil
		})
	})
	return
}

func (me *Bolt) UserSessionMaxima(ctx context.Context, userID types.UserID) (ret []ledger.SessionMax, err error) {
	err = me.view(ctx, func(tx *bbolt.Tx) error {
		return scanPrefix(tx.Bucket(sessionMaxBucket), idKey(int64(userID)), func(k, v []byte) error {
			var row sessionMaxRow
			if err := unmarshalRow(v, &row); err != nil {
				return err
			}
			m := ledger.SessionMax{
				Uploaded:   row.Uploaded,
				Downloaded: row.Downloaded,
			}
			m.UserID = userID
			copy(m.InfoHash[:], k[8:28])
			copy(m.PeerID[:], k[28:48])
			ret = append(ret, m)
			return nil
		})
	})
	return
}

func (me *Bolt) HasCompletion(ctx context.Context, userID types.UserID, torrentID types.TorrentID, peerID types.PeerID) (ok bool, err error) {
	err = me.view(ctx, func(tx *bbolt.Tx) error {
		ok = tx.Bucket(completionsBucket).Get(completionKey(userID, torrentID, peerID)) != nil
		return nil
	})
	return
}

func (me *Bolt) InsertCompletion(ctx context.Context, c ledger.Completion) (inserted bool, err error) {
	err = me.update(ctx, func(tx *bbolt.Tx) error {
		b := tx.Bucket(completionsBucket)
		key := completionKey(c.UserID, c.TorrentID, c.PeerID)
		if b.Get(key) != nil {
			return nil
		}
		err := b.Put(key, marshalRow(completionRow{
			Uploaded:   c.Uploaded,
			Downloaded: c.Downloaded,
			CreatedAt:  unixNano(c.CreatedAt),
		}))
		if err != nil {
			return err
		}
		inserted = true
		counts := tx.Bucket(completionCountsBkt)
		countKey := idKey(int64(c.TorrentID))
		return putInt64(counts, countKey, getInt64(counts, countKey)+1)
	})
	return
}

func (me *Bolt) BonusPoints(ctx context.Context, userID types.UserID) (points int64, err error) {
	err = me.view(ctx, func(tx *bbolt.Tx) error {
		points = getInt64(tx.Bucket(bonusBucket), idKey(int64(userID)))
		return nil
	})
	return
}

func (me *Bolt) AddBonusPoints(ctx context.Context, userID types.UserID, points int64) (total int64, err error) {
	err = me.update(ctx, func(tx *bbolt.Tx) error {
		b := tx.Bucket(bonusBucket)
		key := idKey(int64(userID))
		total = getInt64(b, key) + points
		return putInt64(b, key, total)
	})
	return
}

func getHitAndRun(tx *bbolt.Tx, key []byte) (ret generics.Option[policy.HitAndRunRecord], err error) {
	v := tx.Bucket(hitAndRunsBucket).Get(key)
	if v == nil {
		return
	}
	var row hitAndRunRow
	err = unmarshalRow(v, &row)
	if err == nil {
		ret = generics.Some(row.record())
	}
	return
}

func (me *Bolt) GetHitAndRun(ctx context.Context, userID types.UserID, torrentID types.TorrentID) (ret generics.Option[policy.HitAndRunRecord], err error) {
	err = me.view(ctx, func(tx *bbolt.Tx) error {
		ret, err = getHitAndRun(tx, hitAndRunKey(userID, torrentID))
		return err
	})
	return
}

func (me *Bolt) CreateHitAndRun(ctx context.Context, rec policy.HitAndRunRecord) (created bool, err error) {
	err = me.update(ctx, func(tx *bbolt.Tx) error {
		b := tx.Bucket(hitAndRunsBucket)
		key := hitAndRunKey(rec.UserID, rec.TorrentID)
		if b.Get(key) != nil {
			return nil
		}
		created = true
		return b.Put(key, marshalRow(hitAndRunToRow(rec)))
	})
	return
}

func (me *Bolt) PutHitAndRun(ctx context.Context, rec policy.HitAndRunRecord) error {
	return me.update(ctx, func(tx *bbolt.Tx) error {
		key := hitAndRunKey(rec.UserID, rec.TorrentID)
		cur, err := getHitAndRun(tx, key)
		if err != nil {
			return err
		}
		if cur.Ok && cur.Value.IsHitAndRun {
			rec.IsHitAndRun = true
		}
		return tx.Bucket(hitAndRunsBucket).Put(key, marshalRow(hitAndRunToRow(rec)))
	})
}

func (me *Bolt) SwapHitAndRun(ctx context.Context, old, updated policy.HitAndRunRecord) (swapped bool, err error) {
	err = me.update(ctx, func(tx *bbolt.Tx) error {
		key := hitAndRunKey(old.UserID, old.TorrentID)
		cur, err := getHitAndRun(tx, key)
		if err != nil {
			return err
		}
		if !cur.Ok || hitAndRunToRow(cur.Value) != hitAndRunToRow(old) {
			return nil
		}
		updated.IsHitAndRun = updated.IsHitAndRun || cur.Value.IsHitAndRun
		swapped = true
		return tx.Bucket(hitAndRunsBucket).Put(key, marshalRow(hitAndRunToRow(updated)))
	})
	return
}

func (me *Bolt) CountHitAndRuns(ctx context.Context, userID types.UserID) (n int64, err error) {
	err = me.view(ctx, func(tx *bbolt.Tx) error {
		return scanPrefix(tx.Bucket(hitAndRunsBucket), idKey(int64(userID)), func(k, v []byte) error {
			var row hitAndRunRow
			if err := unmarshalRow(v, &row); err != nil {
				return err
			}
			if row.IsHitAndRun {
				n++
			}
			return nil
		})
	})
	return
}

func (me *Bolt) StaleSeeding(ctx context.Context, cutoff time.Time) (ret []policy.HitAndRunRecord, err error) {
	c := cutoff.UnixNano()
	err = me.view(ctx, func(tx *bbolt.Tx) error {
		return tx.Bucket(hitAndRunsBucket).ForEach(func(k, v []byte) error {
			var row hitAndRunRow
			if err := unmarshalRow(v, &row); err != nil {
				return err
			}
			if !row.IsHitAndRun && row.LastSeededAtOk && row.LastSeededAt < c {
				ret = append(ret, row.record())
			}
			return nil
		})
	})
	return
}

func (me *Bolt) LastAccepted(ctx context.Context, key policy.RateLimitKey) (ret generics.Option[time.Time], err error) {
	err = me.view(ctx, func(tx *bbolt.Tx) error {
		v := tx.Bucket(rateLimitsBucket).Get([]byte(key.String()))
		if v != nil {
			ret = generics.Some(fromUnixNano(int64(binary.BigEndian.Uint64(v))))
		}
		return nil
	})
	return
}

func (me *Bolt) SetLastAccepted(ctx context.Context, key policy.RateLimitKey, at time.Time) error {
	return me.update(ctx, func(tx *bbolt.Tx) error {
		return putInt64(tx.Bucket(rateLimitsBucket), []byte(key.String()), at.UnixNano())
	})
}
