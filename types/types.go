// package types contains the identifiers shared by the swarm registry, the ledger, the policy
// engine and the storage backends.
package types

import (
	"strconv"
)

// Identifies a tracker account. Assigned by the user store.
type UserID int64

func (me UserID) String() string {
	return strconv.FormatInt(int64(me), 10)
}

// Identifies a registered torrent. Assigned by the torrent store.
type TorrentID int64

func (me TorrentID) String() string {
	return strconv.FormatInt(int64(me), 10)
}

// A tracker account as resolved from a passkey.
type User struct {
	ID       UserID
	Username string
	Passkey  string
}

// A registered torrent as resolved from an info hash.
type Torrent struct {
	ID       TorrentID
	InfoHash InfoHash
	Name     string
	// Total length of the torrent's files in bytes.
	Size uint64
}
