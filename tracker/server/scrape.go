package trackerServer

import (
	"context"

	"github.com/privtracker/privtracker/types"
)

type ScrapeResult struct {
	Complete   int
	Incomplete int
	Downloaded int64
}

// Scrape reports swarm counts for the registered torrents among infoHashes. Unregistered ones are
// left out. The passkey must belong to a user.
func (me *AnnounceHandler) Scrape(
	ctx context.Context, passkey string, infoHashes []types.InfoHash,
) (ret map[types.InfoHash]ScrapeResult, err error) {
	ctx, span := tracer.Start(ctx, "AnnounceHandler.Scrape")
	defer span.End()
	if me.Metrics != nil {
		me.Metrics.Scrapes.Inc()
	}
	user, err := me.Users.UserByPasskey(ctx, passkey)
	if err != nil {
		return nil, internal("resolving passkey", err)
	}
	if !user.Ok {
		return nil, &AuthError{"unregistered passkey"}
	}
	ret = make(map[types.InfoHash]ScrapeResult, len(infoHashes))
	for _, ih := range infoHashes {
		t, err := me.Torrents.TorrentByInfoHash(ctx, ih)
		if err != nil {
			return nil, internal("resolving torrent", err)
		}
		if !t.Ok {
			continue
		}
		var res ScrapeResult
		res.Complete, res.Incomplete = me.Swarm.Counts(t.Value.ID)
		res.Downloaded, err = me.Torrents.CountCompletions(ctx, t.Value.ID)
		if err != nil {
			return nil, internal("counting completions", err)
		}
		ret[ih] = res
	}
	return
}
