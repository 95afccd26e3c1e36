package trackerServer

import (
	"context"
	"time"

	"github.com/anacrolix/chansync"
	"github.com/anacrolix/log"

	"github.com/privtracker/privtracker/config"
	"github.com/privtracker/privtracker/policy"
	"github.com/privtracker/privtracker/swarm"
)

// Sweeper does the periodic work no announce triggers: judging seeders that went quiet, and
// dropping peers that stopped announcing.
type Sweeper struct {
	Config     config.Source
	HitAndRuns policy.HitAndRunStore
	Swarm      *swarm.Registry
	Metrics    *Metrics
	Logger     log.Logger
	Now        func() time.Time

	closed chansync.SetOnce
}

func NewSweeper(store policy.HitAndRunStore, cfg config.Source, reg *swarm.Registry) *Sweeper {
	return &Sweeper{
		Config:     cfg,
		HitAndRuns: store,
		Swarm:      reg,
		Logger:     log.Default.WithNames("sweep"),
	}
}

type SweepResult struct {
	HitAndRunsMarked int
	PeersEvicted     int
}

func (me *Sweeper) now() time.Time {
	if me.Now != nil {
		return me.Now()
	}
	return time.Now()
}

func (me *Sweeper) SweepOnce(ctx context.Context) (ret SweepResult, err error) {
	ctx, span := tracer.Start(ctx, "Sweeper.SweepOnce")
	defer span.End()
	settings := me.Config.Snapshot()
	now := me.now()
	if me.Swarm != nil {
		ret.PeersEvicted = me.Swarm.EvictAllStale(now.Add(-settings.PeerTTL()))
	}
	ret.HitAndRunsMarked, err = policy.FromSettings(settings).HitAndRunSeeding.Sweep(ctx, me.HitAndRuns, now)
	if me.Metrics != nil {
		me.Metrics.HitAndRunsMarked.Add(float64(ret.HitAndRunsMarked))
		me.Metrics.PeersEvicted.Add(float64(ret.PeersEvicted))
	}
	return
}

// Run sweeps every configured interval until ctx is done or the Sweeper is closed. The interval is
// reread after each sweep.
func (me *Sweeper) Run(ctx context.Context) error {
	for {
		timer := time.NewTimer(me.Config.Snapshot().SweepInterval())
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-me.closed.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
		res, err := me.SweepOnce(ctx)
		if err != nil {
			me.Logger.Levelf(log.Error, "sweeping: %v", err)
			continue
		}
		me.Logger.Levelf(log.Debug, "sweep marked %d hit and runs, evicted %d peers",
			res.HitAndRunsMarked, res.PeersEvicted)
	}
}

func (me *Sweeper) Close() {
	me.closed.Set()
}
