// Package storage persists everything the tracker must remember across restarts: accounts,
// registered torrents, the progress ledger, completions, bonus points, hit-and-run records and
// rate limit state. Swarm membership is not persisted.
package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/anacrolix/generics"

	"github.com/privtracker/privtracker/config"
	"github.com/privtracker/privtracker/ledger"
	"github.com/privtracker/privtracker/policy"
	"github.com/privtracker/privtracker/types"
)

var ErrExists = errors.New("already exists")

type Users interface {
	AddUser(ctx context.Context, username, passkey string) (types.User, error)
	UserByPasskey(ctx context.Context, passkey string) (generics.Option[types.User], error)
	UserByName(ctx context.Context, username string) (generics.Option[types.User], error)
}

type Torrents interface {
	AddTorrent(ctx context.Context, infoHash types.InfoHash, name string, size uint64) (types.Torrent, error)
	TorrentByInfoHash(ctx context.Context, infoHash types.InfoHash) (generics.Option[types.Torrent], error)
	// How many times the torrent was completed.
	CountCompletions(ctx context.Context, torrentID types.TorrentID) (int64, error)
}

// Implementations must be safe for concurrent use.
type Store interface {
	Users
	Torrents
	ledger.Store
	policy.HitAndRunStore
	policy.RateLimitStore
	Close() error
}

const (
	DriverBolt   = "bolt"
	DriverSqlite = "sqlite"
)

func Open(s config.StorageSettings) (ret Store, err error) {
	switch s.Driver {
	case DriverBolt:
		var b *Bolt
		b, err = NewBolt(s.Path)
		if err == nil {
			ret = b
		}
	case DriverSqlite:
		var db *Sqlite
		db, err = NewSqlite(s.Path)
		if err == nil {
			ret = db
		}
	default:
		err = fmt.Errorf("unsupported storage driver %q", s.Driver)
	}
	return
}
