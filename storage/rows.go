package storage

import (
	"bytes"
	"encoding/binary"
	"time"

	"github.com/anacrolix/generics"

	"github.com/privtracker/privtracker/ledger"
	"github.com/privtracker/privtracker/policy"
	"github.com/privtracker/privtracker/types"
)

// Fixed size rows, encoded big endian with encoding/binary.

type progressRow struct {
	UserID     int64
	InfoHash   [20]byte
	PeerID     [20]byte
	Mode       uint8
	Uploaded   uint64
	Downloaded uint64
	Left       uint64
	LastSeen   int64
	UpdatedAt  int64
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func marshalRow(row any) []byte {
	var buf bytes.Buffer
	err := binary.Write(&buf, binary.BigEndian, row)
	if err != nil {
		panic(err)
	}
	return buf.Bytes()
}

func unmarshalRow(b []byte, row any) error {
	return binary.Read(bytes.NewReader(b), binary.BigEndian, row)
}

func progressToRow(r ledger.ProgressRecord) progressRow {
	return progressRow{
		UserID:     int64(r.UserID),
		InfoHash:   r.InfoHash,
		PeerID:     r.PeerID,
		Mode:       uint8(r.Mode),
		Uploaded:   r.Uploaded,
		Downloaded: r.Downloaded,
		Left:       r.Left,
		LastSeen:   unixNano(r.LastSeen),
		UpdatedAt:  unixNano(r.UpdatedAt),
	}
}

func (row progressRow) record() ledger.ProgressRecord {
	return ledger.ProgressRecord{
		SessionKey: ledger.SessionKey{
			UserID:   types.UserID(row.UserID),
			InfoHash: row.InfoHash,
			PeerID:   row.PeerID,
		},
		Mode:       ledger.Mode(row.Mode),
		Uploaded:   row.Uploaded,
		Downloaded: row.Downloaded,
		Left:       row.Left,
		LastSeen:   fromUnixNano(row.LastSeen),
		UpdatedAt:  fromUnixNano(row.UpdatedAt),
	}
}

type sessionMaxRow struct {
	Uploaded   uint64
	Downloaded uint64
}

type completionRow struct {
	Uploaded   uint64
	Downloaded uint64
	CreatedAt  int64
}

type hitAndRunRow struct {
	UserID              int64
	TorrentID           int64
	DownloadedAt        int64
	LastSeededAt        int64
	LastSeededAtOk      bool
	TotalSeedingMinutes int64
	IsHitAndRun         bool
}

func hitAndRunToRow(rec policy.HitAndRunRecord) hitAndRunRow {
	return hitAndRunRow{
		UserID:              int64(rec.UserID),
		TorrentID:           int64(rec.TorrentID),
		DownloadedAt:        unixNano(rec.DownloadedAt),
		LastSeededAt:        unixNano(rec.LastSeededAt.Value),
		LastSeededAtOk:      rec.LastSeededAt.Ok,
		TotalSeedingMinutes: rec.TotalSeedingMinutes,
		IsHitAndRun:         rec.IsHitAndRun,
	}
}

func (row hitAndRunRow) record() (ret policy.HitAndRunRecord) {
	ret = policy.HitAndRunRecord{
		UserID:              types.UserID(row.UserID),
		TorrentID:           types.TorrentID(row.TorrentID),
		DownloadedAt:        fromUnixNano(row.DownloadedAt),
		TotalSeedingMinutes: row.TotalSeedingMinutes,
		IsHitAndRun:         row.IsHitAndRun,
	}
	if row.LastSeededAtOk {
		ret.LastSeededAt = generics.Some(fromUnixNano(row.LastSeededAt))
	}
	return
}

// Bencoded rows for the variable length records.

type userRow struct {
	Username string `bencode:"username"`
	Passkey  string `bencode:"passkey"`
}

type torrentRow struct {
	InfoHash types.InfoHash `bencode:"info_hash"`
	Name     string         `bencode:"name"`
	Size     uint64         `bencode:"size"`
}
