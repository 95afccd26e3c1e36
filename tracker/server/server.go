package trackerServer

import (
	"context"
	"fmt"
	"net/netip"
	"time"

	"github.com/anacrolix/generics"
	"github.com/anacrolix/log"
	"github.com/dustin/go-humanize"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/privtracker/privtracker/config"
	"github.com/privtracker/privtracker/ledger"
	"github.com/privtracker/privtracker/policy"
	"github.com/privtracker/privtracker/swarm"
	"github.com/privtracker/privtracker/tracker/shared"
	"github.com/privtracker/privtracker/types"
)

// Resolves a passkey to the user it was issued to.
type UserResolver interface {
	UserByPasskey(ctx context.Context, passkey string) (generics.Option[types.User], error)
}

type TorrentResolver interface {
	TorrentByInfoHash(ctx context.Context, infoHash types.InfoHash) (generics.Option[types.Torrent], error)
	CountCompletions(ctx context.Context, torrentID types.TorrentID) (int64, error)
}

// Everything the announce pipeline persists. storage.Store implements it.
type Store interface {
	UserResolver
	TorrentResolver
	ledger.Store
	policy.HitAndRunStore
	policy.RateLimitStore
}

type AnnounceRequest struct {
	Passkey    string
	InfoHash   types.InfoHash
	PeerID     types.PeerID
	Event      shared.AnnounceEvent
	Port       uint16
	Uploaded   uint64
	Downloaded uint64
	Left       uint64
	// Unset means the configured default.
	NumWant generics.Option[uint]
}

type ServerAnnounceResult struct {
	Err         error
	User        types.User
	Torrent     types.Torrent
	Interval    time.Duration
	MinInterval time.Duration
	TrackerID   string
	Seeders     int
	Leechers    int
	// Completions recorded for the torrent.
	Downloaded int64
	Peers      []swarm.Peer
	Aggregate  ledger.UserAggregate
	Completed  bool
	// Bonus points awarded by this announce.
	Bonus int64
}

type AnnounceHandler struct {
	Config     config.Source
	Users      UserResolver
	Torrents   TorrentResolver
	Ledger     *ledger.Ledger
	HitAndRuns policy.HitAndRunStore
	RateLimits policy.RateLimitStore
	Swarm      *swarm.Registry
	// Optional.
	Metrics *Metrics
	Logger  log.Logger
	// Defaults to time.Now.
	Now func() time.Time
}

func NewAnnounceHandler(store Store, cfg config.Source, reg *swarm.Registry) *AnnounceHandler {
	return &AnnounceHandler{
		Config:     cfg,
		Users:      store,
		Torrents:   store,
		Ledger:     ledger.New(store),
		HitAndRuns: store,
		RateLimits: store,
		Swarm:      reg,
		Logger:     log.Default.WithNames("announce"),
	}
}

func (me *AnnounceHandler) now() time.Time {
	if me.Now != nil {
		return me.Now()
	}
	return time.Now()
}

var tracer = otel.Tracer("privtracker.tracker.server")

// Serve runs an announce from addr through the pipeline. Steps already done when a check fails
// are kept: the progress record and peer entry stay even if the announce is refused.
func (me *AnnounceHandler) Serve(
	ctx context.Context, req AnnounceRequest, addr netip.AddrPort,
) (ret ServerAnnounceResult) {
	ctx, span := tracer.Start(
		ctx,
		"AnnounceHandler.Serve",
		trace.WithAttributes(
			attribute.String("announce.request.info_hash", req.InfoHash.HexString()),
			attribute.String("announce.request.peer_id", req.PeerID.String()),
			attribute.String("announce.request.event", req.Event.String()),
			attribute.Int("announce.request.port", int(req.Port)),
			attribute.Int64("announce.request.left", int64(req.Left)),
			attribute.Int64("announce.request.num_want_value", int64(req.NumWant.Value)),
			attribute.Bool("announce.request.num_want_ok", req.NumWant.Ok),
			attribute.String("announce.source.addr.ip", addr.Addr().String()),
		),
	)
	defer span.End()
	started := time.Now()
	defer func() {
		span.SetAttributes(attribute.Int("announce.get_peers.len", len(ret.Peers)))
		if ret.Err != nil {
			span.SetStatus(codes.Error, ret.Err.Error())
		}
		if me.Metrics != nil {
			me.Metrics.Announces.WithLabelValues(me.Metrics.announceResult(ret.Err)).Inc()
			me.Metrics.AnnounceDuration.Observe(time.Since(started).Seconds())
		}
	}()
	ret.Err = me.serve(ctx, req, addr, &ret)
	if ret.Err != nil {
		level := log.Debug
		if Classify(ret.Err).Status >= 500 {
			level = log.Error
		}
		me.Logger.Levelf(level, "announce for %v from %v: %v", req.InfoHash, addr, ret.Err)
	}
	return
}

func (me *AnnounceHandler) serve(
	ctx context.Context, req AnnounceRequest, addr netip.AddrPort, ret *ServerAnnounceResult,
) (err error) {
	settings := me.Config.Snapshot()
	policies := policy.FromSettings(settings)
	now := me.now()
	if req.Port != 0 {
		addr = netip.AddrPortFrom(addr.Addr(), req.Port)
	}
	if !addr.IsValid() || addr.Port() == 0 {
		return protocolErrorf("invalid peer address %v", addr)
	}

	// Authenticate and resolve.
	user, err := me.Users.UserByPasskey(ctx, req.Passkey)
	if err != nil {
		return internal("resolving passkey", err)
	}
	if !user.Ok {
		return &AuthError{"unregistered passkey"}
	}
	ret.User = user.Value
	torrent, err := me.Torrents.TorrentByInfoHash(ctx, req.InfoHash)
	if err != nil {
		return internal("resolving torrent", err)
	}
	if !torrent.Ok {
		return &NotFoundError{"torrent not registered with this tracker"}
	}
	ret.Torrent = torrent.Value
	userID, torrentID := user.Value.ID, torrent.Value.ID
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(
		attribute.Int64("announce.user_id", int64(userID)),
		attribute.Int64("announce.torrent_id", int64(torrentID)),
	)
	pa := policy.Announce{
		UserID:    userID,
		TorrentID: torrentID,
		Event:     req.Event,
		Left:      req.Left,
		IP:        addr.Addr(),
	}

	err = policies.RateLimit.Check(ctx, me.RateLimits, pa, now)
	if err != nil {
		return
	}

	// Persist progress.
	entry, err := me.Ledger.Append(ctx, ledger.ProgressRecord{
		SessionKey: ledger.SessionKey{
			UserID:   userID,
			InfoHash: req.InfoHash,
			PeerID:   req.PeerID,
		},
		Mode:       ledger.ModeFor(req.Uploaded, req.Left),
		Uploaded:   req.Uploaded,
		Downloaded: req.Downloaded,
		Left:       req.Left,
		LastSeen:   now,
		UpdatedAt:  now,
	})
	if err != nil {
		return internal("persisting progress", err)
	}
	if me.Metrics != nil {
		me.Metrics.TransferredBytes.WithLabelValues("up").Add(float64(entry.UploadedDelta))
		me.Metrics.TransferredBytes.WithLabelValues("down").Add(float64(entry.DownloadedDelta))
	}

	if req.Event != shared.AnnounceEventStopped {
		ret.Completed, err = me.Ledger.DetectCompletion(ctx, entry.PrevLeft(), req.Left, ledger.Completion{
			TorrentID:  torrentID,
			UserID:     userID,
			PeerID:     req.PeerID,
			Uploaded:   req.Uploaded,
			Downloaded: req.Downloaded,
			CreatedAt:  now,
		})
		if err != nil {
			return internal("detecting completion", err)
		}
		if ret.Completed && me.Metrics != nil {
			me.Metrics.Completions.Inc()
		}
	}

	if req.Event == shared.AnnounceEventStopped {
		me.Swarm.Remove(torrentID, req.PeerID)
	} else {
		me.Swarm.Upsert(swarm.Peer{
			ID:         req.PeerID,
			TorrentID:  torrentID,
			UserID:     userID,
			Addr:       addr,
			Uploaded:   req.Uploaded,
			Downloaded: req.Downloaded,
			Left:       req.Left,
		})
	}

	ret.Aggregate, err = me.Ledger.Aggregate(ctx, userID)
	if err != nil {
		return internal("aggregating user stats", err)
	}
	err = policies.Ratio.Check(ret.Aggregate)
	if err != nil {
		me.Logger.Levelf(log.Debug, "user %v denied at ratio %v after downloading %s more",
			userID, ret.Aggregate.Ratio, humanize.Bytes(entry.DownloadedDelta))
		return
	}

	err = me.checkHitAndRuns(ctx, policies, pa, now)
	if err != nil {
		return
	}

	ret.Bonus = policies.Bonus.Points(entry.UploadedDelta)
	if ret.Bonus != 0 {
		ret.Aggregate.BonusPoints, err = me.Ledger.AddBonus(ctx, userID, ret.Bonus)
		if err != nil {
			return internal("awarding bonus", err)
		}
		me.Logger.Levelf(log.Debug, "user %v earned %d points for uploading %s",
			userID, ret.Bonus, humanize.Bytes(entry.UploadedDelta))
		if me.Metrics != nil {
			me.Metrics.BonusPoints.Add(float64(ret.Bonus))
		}
	}

	err = policies.RateLimit.Commit(ctx, me.RateLimits, pa, now)
	if err != nil {
		return internal("committing rate limit", err)
	}

	evicted := me.Swarm.EvictStale(torrentID, now.Add(-settings.PeerTTL()))
	if evicted != 0 && me.Metrics != nil {
		me.Metrics.PeersEvicted.Add(float64(evicted))
	}
	ret.Seeders, ret.Leechers = me.Swarm.Counts(torrentID)
	ret.Downloaded, err = me.Torrents.CountCompletions(ctx, torrentID)
	if err != nil {
		return internal("counting completions", err)
	}
	ret.Interval = settings.AnnounceIntervalDuration()
	ret.MinInterval = settings.MinInterval()
	ret.TrackerID = settings.TrackerID

	numWant := int(req.NumWant.UnwrapOr(uint(settings.DefaultNumWant)))
	numWant = min(numWant, settings.MaxNumWant)
	if req.Event != shared.AnnounceEventStopped {
		ret.Peers = me.Swarm.ListForResponse(torrentID, req.PeerID, req.Left == 0, numWant)
	}
	return nil
}

// Both hit-and-run variants run when enabled, the seeding-time one first.
func (me *AnnounceHandler) checkHitAndRuns(ctx context.Context, policies policy.Set, pa policy.Announce, now time.Time) error {
	hnr := policies.HitAndRunSeeding
	err := hnr.Update(ctx, me.HitAndRuns, pa, now)
	if err != nil {
		return internal("updating hit and run", err)
	}
	err = hnr.Check(ctx, me.HitAndRuns, pa.UserID)
	if err != nil {
		return err
	}
	if !policies.HitAndRunRatio.Enabled {
		return nil
	}
	totals, err := me.Ledger.TorrentTotals(ctx, pa.UserID)
	if err != nil {
		return internal("getting torrent totals", err)
	}
	sizes := make(map[types.InfoHash]uint64, len(totals))
	for ih := range totals {
		t, err := me.Torrents.TorrentByInfoHash(ctx, ih)
		if err != nil {
			return internal(fmt.Sprintf("resolving torrent %v", ih), err)
		}
		if t.Ok {
			sizes[ih] = t.Value.Size
		}
	}
	count := policy.CountRatioHitAndRuns(totals, func(ih types.InfoHash) (uint64, bool) {
		s, ok := sizes[ih]
		return s, ok
	})
	return policies.HitAndRunRatio.Check(count)
}
