package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anacrolix/generics"
	_ "modernc.org/sqlite"

	"github.com/privtracker/privtracker/ledger"
	"github.com/privtracker/privtracker/policy"
	"github.com/privtracker/privtracker/types"
)

const sqliteSchema = `
create table if not exists users(
	id integer primary key,
	username text not null unique,
	passkey text not null unique
);
create table if not exists torrents(
	id integer primary key,
	info_hash blob not null unique,
	name text not null,
	size integer not null
);
create table if not exists progress(
	seq integer primary key,
	user_id integer not null,
	info_hash blob not null,
	peer_id blob not null,
	mode integer not null,
	uploaded integer not null,
	downloaded integer not null,
	left_bytes integer not null,
	last_seen integer not null,
	updated_at integer not null
);
create index if not exists progress_session on progress(user_id, info_hash, peer_id, seq);
create table if not exists session_max(
	user_id integer not null,
	info_hash blob not null,
	peer_id blob not null,
	uploaded integer not null,
	downloaded integer not null,
	primary key(user_id, info_hash, peer_id)
);
create table if not exists completions(
	torrent_id integer not null,
	user_id integer not null,
	peer_id blob not null,
	uploaded integer not null,
	downloaded integer not null,
	created_at integer not null,
	primary key(user_id, torrent_id, peer_id)
);
create index if not exists completions_torrent on completions(torrent_id);
create table if not exists bonus(
	user_id integer primary key,
	points integer not null
);
create table if not exists hit_and_runs(
	user_id integer not null,
	torrent_id integer not null,
	downloaded_at integer not null,
	last_seeded_at integer,
	total_seeding_minutes integer not null,
	is_hit_and_run integer not null,
	primary key(user_id, torrent_id)
);
create table if not exists rate_limits(
	key text primary key,
	last_accepted integer not null
);
`

// A Store backed by a SQLite database through database/sql.
type Sqlite struct {
	db *sql.DB
}

var _ Store = (*Sqlite)(nil)

func NewSqlite(path string) (*Sqlite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db %q: %w", path, err)
	}
	// One connection serializes writers, and keeps in-memory databases alive.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return &Sqlite{db}, nil
}

func (me *Sqlite) Close() error {
	return me.db.Close()
}

func (me *Sqlite) withTx(ctx context.Context, f func(tx *sql.Tx) error) (err error) {
	tx, err := me.db.BeginTx(ctx, nil)
	if err != nil {
		return
	}
	err = f(tx)
	if err != nil {
		tx.Rollback()
		return
	}
	return tx.Commit()
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func nullTime(o generics.Option[time.Time]) sql.NullInt64 {
	if !o.Ok {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: unixNano(o.Value), Valid: true}
}

func (me *Sqlite) AddUser(ctx context.Context, username, passkey string) (u types.User, err error) {
	res, err := me.db.ExecContext(ctx, `insert into users(username, passkey) values(?, ?)`, username, passkey)
	if isUniqueViolation(err) {
		err = fmt.Errorf("user %q: %w", username, ErrExists)
		return
	}
	if err != nil {
		return
	}
	id, err := res.LastInsertId()
	u = types.User{
		ID:       types.UserID(id),
		Username: username,
		Passkey:  passkey,
	}
	return
}

func (me *Sqlite) queryUser(ctx context.Context, where string, arg any) (ret generics.Option[types.User], err error) {
	var u types.User
	err = me.db.QueryRowContext(ctx, `select id, username, passkey from users where `+where, arg).Scan(&u.ID, &u.Username, &u.Passkey)
	if errors.Is(err, sql.ErrNoRows) {
		err = nil
		return
	}
	if err == nil {
		ret = generics.Some(u)
	}
	return
}

func (me *Sqlite) UserByPasskey(ctx context.Context, passkey string) (generics.Option[types.User], error) {
	return me.queryUser(ctx, "passkey=?", passkey)
}

func (me *Sqlite) UserByName(ctx context.Context, username string) (generics.Option[types.User], error) {
	return me.queryUser(ctx, "username=?", username)
}

func (me *Sqlite) AddTorrent(ctx context.Context, infoHash types.InfoHash, name string, size uint64) (t types.Torrent, err error) {
	res, err := me.db.ExecContext(ctx,
		`insert into torrents(info_hash, name, size) values(?, ?, ?)`,
		infoHash[:], name, int64(size))
	if isUniqueViolation(err) {
		err = fmt.Errorf("torrent %v: %w", infoHash, ErrExists)
		return
	}
	if err != nil {
		return
	}
	id, err := res.LastInsertId()
	t = types.Torrent{
		ID:       types.TorrentID(id),
		InfoHash: infoHash,
		Name:     name,
		Size:     size,
	}
	return
}

func (me *Sqlite) TorrentByInfoHash(ctx context.Context, infoHash types.InfoHash) (ret generics.Option[types.Torrent], err error) {
	var (
		t    types.Torrent
		size int64
	)
	err = me.db.QueryRowContext(ctx,
		`select id, name, size from torrents where info_hash=?`, infoHash[:],
	).Scan(&t.ID, &t.Name, &size)
	if errors.Is(err, sql.ErrNoRows) {
		err = nil
		return
	}
	if err != nil {
		return
	}
	t.InfoHash = infoHash
	t.Size = uint64(size)
	ret = generics.Some(t)
	return
}

func (me *Sqlite) CountCompletions(ctx context.Context, torrentID types.TorrentID) (n int64, err error) {
	err = me.db.QueryRowContext(ctx, `select count(*) from completions where torrent_id=?`, torrentID).Scan(&n)
	return
}

type rowScanner interface {
	Scan(dest ...any) error
}

const progressColumns = `user_id, info_hash, peer_id, mode, uploaded, downloaded, left_bytes, last_seen, updated_at`

func scanProgress(row rowScanner) (ret ledger.ProgressRecord, err error) {
	var (
		infoHash, peerID                []byte
		mode                            uint8
		up, down, left, seen, updatedAt int64
	)
	err = row.Scan(&ret.UserID, &infoHash, &peerID, &mode, &up, &down, &left, &seen, &updatedAt)
	if err != nil {
		return
	}
	copy(ret.InfoHash[:], infoHash)
	copy(ret.PeerID[:], peerID)
	ret.Mode = ledger.Mode(mode)
	ret.Uploaded = uint64(up)
	ret.Downloaded = uint64(down)
	ret.Left = uint64(left)
	ret.LastSeen = fromUnixNano(seen)
	ret.UpdatedAt = fromUnixNano(updatedAt)
	return
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func lastProgressQuery(ctx context.Context, q queryer, key ledger.SessionKey) (ret generics.Option[ledger.ProgressRecord], err error) {
	rec, err := scanProgress(q.QueryRowContext(ctx,
		`select `+progressColumns+` from progress
		where user_id=? and info_hash=? and peer_id=?
		order by seq desc limit 1`,
		key.UserID, key.InfoHash[:], key.PeerID[:]))
	if errors.Is(err, sql.ErrNoRows) {
		err = nil
		return
	}
	if err == nil {
		ret = generics.Some(rec)
	}
	return
}

func (me *Sqlite) AppendProgress(ctx context.Context, rec ledger.ProgressRecord) (prev generics.Option[ledger.ProgressRecord], err error) {
	err = rec.CheckCounters()
	if err != nil {
		return
	}
	err = me.withTx(ctx, func(tx *sql.Tx) error {
		prev, err = lastProgressQuery(ctx, tx, rec.SessionKey)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`insert into progress(`+progressColumns+`) values(?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.UserID, rec.InfoHash[:], rec.PeerID[:], uint8(rec.Mode),
			int64(rec.Uploaded), int64(rec.Downloaded), int64(rec.Left),
			unixNano(rec.LastSeen), unixNano(rec.UpdatedAt))
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			insert into session_max(user_id, info_hash, peer_id, uploaded, downloaded)
			values(?, ?, ?, ?, ?)
			on conflict(user_id, info_hash, peer_id) do update set
				uploaded=max(uploaded, excluded.uploaded),
				downloaded=max(downloaded, excluded.downloaded)`,
			rec.UserID, rec.InfoHash[:], rec.PeerID[:], int64(rec.Uploaded), int64(rec.Downloaded))
		return err
	})
	return
}

func (me *Sqlite) LastProgress(ctx context.Context, key ledger.SessionKey) (generics.Option[ledger.ProgressRecord], error) {
	return lastProgressQuery(ctx, me.db, key)
}

func (me *Sqlite) UserProgress(ctx context.Context, userID types.UserID) (ret []ledger.ProgressRecord, err error) {
	rows, err := me.db.QueryContext(ctx,
		`select `+progressColumns+` from progress where user_id=? order by seq`, userID)
	if err != nil {
		return
	}
	defer rows.Close()
	for rows.Next() {
		var rec ledger.ProgressRecord
		rec, err = scanProgress(rows)
		if err != nil {
			return
		}
		ret = append(ret, rec)
	}
	err = rows.Err()
	return
}

func (me *Sqlite) UserSessionMaxima(ctx context.Context, userID types.UserID) (ret []ledger.SessionMax, err error) {
	rows, err := me.db.QueryContext(ctx,
		`select info_hash, peer_id, uploaded, downloaded from session_max where user_id=?`, userID)
	if err != nil {
		return
	}
	defer rows.Close()
	for rows.Next() {
		var (
			infoHash, peerID []byte
			up, down         int64
		)
		err = rows.Scan(&infoHash, &peerID, &up, &down)
		if err != nil {
			return
		}
		m := ledger.SessionMax{
			Uploaded:   uint64(up),
			Downloaded: uint64(down),
		}
		m.UserID = userID
		copy(m.InfoHash[:], infoHash)
		copy(m.PeerID[:], peerID)
		ret = append(ret, m)
	}
	err = rows.Err()
	return
}

func (me *Sqlite) HasCompletion(ctx context.Context, userID types.UserID, torrentID types.TorrentID, peerID types.PeerID) (ok bool, err error) {
	var one int
	err = me.db.QueryRowContext(ctx,
		`select 1 from completions where user_id=? and torrent_id=? and peer_id=?`,
		userID, torrentID, peerID[:]).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (me *Sqlite) InsertCompletion(ctx context.Context, c ledger.Completion) (bool, error) {
	res, err := me.db.ExecContext(ctx, `
		insert into completions(torrent_id, user_id, peer_id, uploaded, downloaded, created_at)
		values(?, ?, ?, ?, ?, ?)
		on conflict do nothing`,
		c.TorrentID, c.UserID, c.PeerID[:], int64(c.Uploaded), int64(c.Downloaded), unixNano(c.CreatedAt))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (me *Sqlite) BonusPoints(ctx context.Context, userID types.UserID) (points int64, err error) {
	err = me.db.QueryRowContext(ctx, `select points from bonus where user_id=?`, userID).Scan(&points)
	if errors.Is(err, sql.ErrNoRows) {
		err = nil
	}
	return
}

func (me *Sqlite) AddBonusPoints(ctx context.Context, userID types.UserID, points int64) (total int64, err error) {
	err = me.db.QueryRowContext(ctx, `
		insert into bonus(user_id, points) values(?, ?)
		on conflict(user_id) do update set points=points+excluded.points
		returning points`,
		userID, points).Scan(&total)
	return
}

const hitAndRunColumns = `user_id, torrent_id, downloaded_at, last_seeded_at, total_seeding_minutes, is_hit_and_run`

func scanHitAndRun(row rowScanner) (ret policy.HitAndRunRecord, err error) {
	var (
		downloadedAt int64
		lastSeededAt sql.NullInt64
	)
	err = row.Scan(&ret.UserID, &ret.TorrentID, &downloadedAt, &lastSeededAt, &ret.TotalSeedingMinutes, &ret.IsHitAndRun)
	if err != nil {
		return
	}
	ret.DownloadedAt = fromUnixNano(downloadedAt)
	if lastSeededAt.Valid {
		ret.LastSeededAt = generics.Some(fromUnixNano(lastSeededAt.Int64))
	}
	return
}

func (me *Sqlite) GetHitAndRun(ctx context.Context, userID types.UserID, torrentID types.TorrentID) (ret generics.Option[policy.HitAndRunRecord], err error) {
	rec, err := scanHitAndRun(me.db.QueryRowContext(ctx,
		`select `+hitAndRunColumns+` from hit_and_runs where user_id=? and torrent_id=?`,
		userID, torrentID))
	if errors.Is(err, sql.ErrNoRows) {
		err = nil
		return
	}
	if err == nil {
		ret = generics.Some(rec)
	}
	return
}

func hitAndRunArgs(rec policy.HitAndRunRecord) []any {
	return []any{
		rec.UserID, rec.TorrentID, unixNano(rec.DownloadedAt), nullTime(rec.LastSeededAt),
		rec.TotalSeedingMinutes, rec.IsHitAndRun,
	}
}

func (me *Sqlite) CreateHitAndRun(ctx context.Context, rec policy.HitAndRunRecord) (bool, error) {
	res, err := me.db.ExecContext(ctx,
		`insert into hit_and_runs(`+hitAndRunColumns+`) values(?, ?, ?, ?, ?, ?) on conflict do nothing`,
		hitAndRunArgs(rec)...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (me *Sqlite) PutHitAndRun(ctx context.Context, rec policy.HitAndRunRecord) error {
	_, err := me.db.ExecContext(ctx, `
		insert into hit_and_runs(`+hitAndRunColumns+`) values(?, ?, ?, ?, ?, ?)
		on conflict(user_id, torrent_id) do update set
			downloaded_at=excluded.downloaded_at,
			last_seeded_at=excluded.last_seeded_at,
			total_seeding_minutes=excluded.total_seeding_minutes,
			is_hit_and_run=max(is_hit_and_run, excluded.is_hit_and_run)`,
		hitAndRunArgs(rec)...)
	return err
}

func (me *Sqlite) SwapHitAndRun(ctx context.Context, old, updated policy.HitAndRunRecord) (bool, error) {
	res, err := me.db.ExecContext(ctx, `
		update hit_and_runs set
			downloaded_at=?,
			last_seeded_at=?,
			total_seeding_minutes=?,
			is_hit_and_run=max(is_hit_and_run, ?)
		where user_id=? and torrent_id=?
			and downloaded_at=? and last_seeded_at is ? and total_seeding_minutes=? and is_hit_and_run=?`,
		unixNano(updated.DownloadedAt), nullTime(updated.LastSeededAt), updated.TotalSeedingMinutes, updated.IsHitAndRun,
		old.UserID, old.TorrentID,
		unixNano(old.DownloadedAt), nullTime(old.LastSeededAt), old.TotalSeedingMinutes, old.IsHitAndRun)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (me *Sqlite) CountHitAndRuns(ctx context.Context, userID types.UserID) (n int64, err error) {
	err = me.db.QueryRowContext(ctx,
		`select count(*) from hit_and_runs where user_id=? and is_hit_and_run`, userID).Scan(&n)
	return
}

func (me *Sqlite) StaleSeeding(ctx context.Context, cutoff time.Time) (ret []policy.HitAndRunRecord, err error) {
	rows, err := me.db.QueryContext(ctx,
		`select `+hitAndRunColumns+` from hit_and_runs
		where not is_hit_and_run and last_seeded_at is not null and last_seeded_at < ?`,
		cutoff.UnixNano())
	if err != nil {
		return
	}
	defer rows.Close()
	for rows.Next() {
		var rec policy.HitAndRunRecord
		rec, err = scanHitAndRun(rows)
		if err != nil {
			return
		}
		ret = append(ret, rec)
	}
	err = rows.Err()
	return
}

func (me *Sqlite) LastAccepted(ctx context.Context, key policy.RateLimitKey) (ret generics.Option[time.Time], err error) {
	var at int64
	err = me.db.QueryRowContext(ctx, `select last_accepted from rate_limits where key=?`, key.String()).Scan(&at)
	if errors.Is(err, sql.ErrNoRows) {
		err = nil
		return
	}
	if err == nil {
		ret = generics.Some(fromUnixNano(at))
	}
	return
}

func (me *Sqlite) SetLastAccepted(ctx context.Context, key policy.RateLimitKey, at time.Time) error {
	_, err := me.db.ExecContext(ctx, `
		insert into rate_limits(key, last_accepted) values(?, ?)
		on conflict(key) do update set last_accepted=excluded.last_accepted`,
		key.String(), at.UnixNano())
	return err
}
