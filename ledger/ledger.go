// Package ledger records per-session transfer progress and derives deltas, per-user aggregates
// and completions from it.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/anacrolix/generics"
	"github.com/anacrolix/log"

	"github.com/privtracker/privtracker/types"
)

type Mode int

const (
	ModeDownload Mode = iota
	ModeUpload
	ModeSeeding
)

func (m Mode) String() string {
	switch m {
	case ModeDownload:
		return "download"
	case ModeUpload:
		return "upload"
	case ModeSeeding:
		return "seeding"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

func ModeFor(uploaded, left uint64) Mode {
	switch {
	case left == 0:
		return ModeSeeding
	case uploaded > 0:
		return ModeUpload
	default:
		return ModeDownload
	}
}

// Identifies one client session: a peer ID announcing a torrent on behalf of a user.
type SessionKey struct {
	UserID   types.UserID
	InfoHash types.InfoHash
	PeerID   types.PeerID
}

// What a single announce reported. Records are only ever appended.
type ProgressRecord struct {
	SessionKey
	Mode       Mode
	Uploaded   uint64
	Downloaded uint64
	Left       uint64
	LastSeen   time.Time
	UpdatedAt  time.Time
}

// Counters are stored signed, so reported values must fit in an int64.
const MaxCounter = math.MaxInt64

var ErrCounterOverflow = errors.New("counter exceeds maximum")

func (me ProgressRecord) CheckCounters() error {
	if me.Uploaded > MaxCounter || me.Downloaded > MaxCounter || me.Left > MaxCounter {
		return fmt.Errorf("%w: uploaded=%d downloaded=%d left=%d",
			ErrCounterOverflow, me.Uploaded, me.Downloaded, me.Left)
	}
	return nil
}

// The largest cumulative counters reported by a session.
type SessionMax struct {
	SessionKey
	Uploaded   uint64
	Downloaded uint64
}

func (me *SessionMax) Add(r ProgressRecord) {
	me.Uploaded = max(me.Uploaded, r.Uploaded)
	me.Downloaded = max(me.Downloaded, r.Downloaded)
}

type UserAggregate struct {
	Uploaded    uint64
	Downloaded  uint64
	Ratio       float64
	BonusPoints int64
}

// A user's totals for one torrent.
type TorrentTotals struct {
	Uploaded   uint64
	Downloaded uint64
}

func (me TorrentTotals) Ratio() float64 {
	return Ratio(me.Uploaded, me.Downloaded)
}

type Completion struct {
	TorrentID  types.TorrentID
	UserID     types.UserID
	PeerID     types.PeerID
	Uploaded   uint64
	Downloaded uint64
	CreatedAt  time.Time
}

// Persistence the ledger needs. AppendProgress must also maintain the per-session maxima returned by
// UserSessionMaxima.
type Store interface {
	// Appends the record and returns the session's previous record, atomically.
	AppendProgress(ctx context.Context, rec ProgressRecord) (prev generics.Option[ProgressRecord], err error)
	LastProgress(ctx context.Context, key SessionKey) (generics.Option[ProgressRecord], error)
	UserProgress(ctx context.Context, userID types.UserID) ([]ProgressRecord, error)
	UserSessionMaxima(ctx context.Context, userID types.UserID) ([]SessionMax, error)
	HasCompletion(ctx context.Context, userID types.UserID, torrentID types.TorrentID, peerID types.PeerID) (bool, error)
	// Reports false without error if the completion already exists.
	InsertCompletion(ctx context.Context, c Completion) (inserted bool, err error)
	BonusPoints(ctx context.Context, userID types.UserID) (int64, error)
	AddBonusPoints(ctx context.Context, userID types.UserID, points int64) (total int64, err error)
}

// Delta is the increase of a cumulative counter since the session's previous announce. A new
// session counts everything it reports. Counters that went backwards, as after a client restart,
// count nothing.
func Delta(prev generics.Option[uint64], current uint64) uint64 {
	if !prev.Ok {
		return current
	}
	if current < prev.Value {
		return 0
	}
	return current - prev.Value
}

// Ratio rounds to two decimal places. It is zero when nothing was downloaded.
func Ratio(uploaded, downloaded uint64) float64 {
	if downloaded == 0 {
		return 0
	}
	return math.Round(float64(uploaded)/float64(downloaded)*100) / 100
}

// IsCompletion reports whether an announce with left finishes a download, given what the session
// reported last.
func IsCompletion(prevLeft generics.Option[uint64], left uint64) bool {
	return left == 0 && (!prevLeft.Ok || prevLeft.Value > 0)
}

// Reduces records to the maxima of each session, in order of first appearance.
func SessionMaxima(records []ProgressRecord) []SessionMax {
	index := make(map[SessionKey]int)
	var ret []SessionMax
	for _, r := range records {
		i, ok := index[r.SessionKey]
		if !ok {
			i = len(ret)
			index[r.SessionKey] = i
			ret = append(ret, SessionMax{SessionKey: r.SessionKey})
		}
		ret[i].Add(r)
	}
	return ret
}

// Sums the session maxima. BonusPoints is left for the caller.
func AggregateSessions(maxima []SessionMax) (ret UserAggregate) {
	for _, m := range maxima {
		ret.Uploaded += m.Uploaded
		ret.Downloaded += m.Downloaded
	}
	ret.Ratio = Ratio(ret.Uploaded, ret.Downloaded)
	return
}

// AggregateRecords computes a user's totals by a full rescan of their records.
func AggregateRecords(records []ProgressRecord) UserAggregate {
	return AggregateSessions(SessionMaxima(records))
}

func PerTorrent(maxima []SessionMax) map[types.InfoHash]TorrentTotals {
	ret := make(map[types.InfoHash]TorrentTotals)
	for _, m := range maxima {
		t := ret[m.InfoHash]
		t.Uploaded += m.Uploaded
		t.Downloaded += m.Downloaded
		ret[m.InfoHash] = t
	}
	return ret
}

type Ledger struct {
	Store  Store
	Logger log.Logger
}

func New(store Store) *Ledger {
	return &Ledger{
		Store:  store,
		Logger: log.Default.WithNames("ledger"),
	}
}

// The outcome of appending one announce.
type Entry struct {
	Prev            generics.Option[ProgressRecord]
	UploadedDelta   uint64
	DownloadedDelta uint64
}

func (me Entry) PrevLeft() generics.Option[uint64] {
	if !me.Prev.Ok {
		return generics.None[uint64]()
	}
	return generics.Some(me.Prev.Value.Left)
}

func prevField(prev generics.Option[ProgressRecord], f func(ProgressRecord) uint64) generics.Option[uint64] {
	if !prev.Ok {
		return generics.None[uint64]()
	}
	return generics.Some(f(prev.Value))
}

// Append stores the record and computes its deltas against the session's previous record.
func (me *Ledger) Append(ctx context.Context, rec ProgressRecord) (e Entry, err error) {
	e.Prev, err = me.Store.AppendProgress(ctx, rec)
	if err != nil {
		err = fmt.Errorf("appending progress: %w", err)
		return
	}
	e.UploadedDelta = Delta(prevField(e.Prev, func(r ProgressRecord) uint64 { return r.Uploaded }), rec.Uploaded)
	e.DownloadedDelta = Delta(prevField(e.Prev, func(r ProgressRecord) uint64 { return r.Downloaded }), rec.Downloaded)
	return
}

// Delta is the upload delta a session would be credited for reporting currentUploaded now.
func (me *Ledger) Delta(ctx context.Context, key SessionKey, currentUploaded uint64) (uint64, error) {
	last, err := me.Store.LastProgress(ctx, key)
	if err != nil {
		return 0, err
	}
	return Delta(prevField(last, func(r ProgressRecord) uint64 { return r.Uploaded }), currentUploaded), nil
}

// Aggregate uses the store's incremental session maxima.
func (me *Ledger) Aggregate(ctx context.Context, userID types.UserID) (agg UserAggregate, err error) {
	maxima, err := me.Store.UserSessionMaxima(ctx, userID)
	if err != nil {
		err = fmt.Errorf("getting session maxima: %w", err)
		return
	}
	agg = AggregateSessions(maxima)
	agg.BonusPoints, err = me.Store.BonusPoints(ctx, userID)
	if err != nil {
		err = fmt.Errorf("getting bonus points: %w", err)
	}
	return
}

// Rescan aggregates from the full record history. It must agree with Aggregate.
func (me *Ledger) Rescan(ctx context.Context, userID types.UserID) (agg UserAggregate, err error) {
	records, err := me.Store.UserProgress(ctx, userID)
	if err != nil {
		return
	}
	agg = AggregateRecords(records)
	agg.BonusPoints, err = me.Store.BonusPoints(ctx, userID)
	return
}

func (me *Ledger) TorrentTotals(ctx context.Context, userID types.UserID) (map[types.InfoHash]TorrentTotals, error) {
	maxima, err := me.Store.UserSessionMaxima(ctx, userID)
	if err != nil {
		return nil, err
	}
	return PerTorrent(maxima), nil
}

// DetectCompletion inserts c if the announce that reported left finished the download. It reports
// whether a completion was recorded.
func (me *Ledger) DetectCompletion(ctx context.Context, prevLeft generics.Option[uint64], left uint64, c Completion) (bool, error) {
	if !IsCompletion(prevLeft, left) {
		return false, nil
	}
	exists, err := me.Store.HasCompletion(ctx, c.UserID, c.TorrentID, c.PeerID)
	if err != nil {
		return false, fmt.Errorf("checking completion: %w", err)
	}
	if exists {
		return false, nil
	}
	inserted, err := me.Store.InsertCompletion(ctx, c)
	if err != nil {
		return false, fmt.Errorf("inserting completion: %w", err)
	}
	if inserted {
		me.Logger.Levelf(log.Debug, "user %v completed torrent %v with peer %v", c.UserID, c.TorrentID, c.PeerID)
	}
	return inserted, nil
}

func (me *Ledger) AddBonus(ctx context.Context, userID types.UserID, points int64) (int64, error) {
	return me.Store.AddBonusPoints(ctx, userID, points)
}
