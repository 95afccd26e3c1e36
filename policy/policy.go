// Package policy decides whether an announce may proceed: ratio, hit-and-run and announce rate
// limits, plus the bonus points awarded for upload.
package policy

import (
	"fmt"
	"math"
	"net/netip"
	"strconv"
	"time"

	"github.com/anacrolix/log"

	"github.com/privtracker/privtracker/config"
	"github.com/privtracker/privtracker/tracker/shared"
	"github.com/privtracker/privtracker/types"
)

// Returned when a policy refuses an announce. The client can fix this by waiting or seeding.
type Denied struct {
	Policy string
	Reason string
	// Set by rate limiting.
	RetryAfter time.Duration
}

func (me *Denied) Error() string {
	return fmt.Sprintf("%s: %s", me.Policy, me.Reason)
}

// Whole seconds, rounded up so a client retrying on time is let through.
func (me *Denied) RetryAfterSeconds() int64 {
	return int64(math.Ceil(me.RetryAfter.Seconds()))
}

// The parts of an announce the policies look at.
type Announce struct {
	UserID    types.UserID
	TorrentID types.TorrentID
	Event     shared.AnnounceEvent
	Left      uint64
	IP        netip.Addr
}

// Set is every policy configured from one settings snapshot.
type Set struct {
	Ratio            Ratio
	HitAndRunRatio   HitAndRunRatio
	HitAndRunSeeding HitAndRunSeeding
	RateLimit        RateLimit
	Bonus            Bonus
}

func FromSettings(s *config.Settings) Set {
	return Set{
		Ratio: Ratio{
			MinRatio: s.MinimumRatio,
			GraceMB:  s.RatioGraceMB,
		},
		HitAndRunRatio: HitAndRunRatio{
			Enabled:     s.HitAndRunRatioEnabled,
			MaxHitnRuns: s.MaximumHitnRuns,
		},
		HitAndRunSeeding: HitAndRunSeeding{
			Enabled:         s.HitAndRunSeedingEnabled,
			RequiredMinutes: s.RequiredSeedingMinutes,
			Threshold:       s.HitAndRunThreshold,
			Grace:           s.HitAndRunGrace(),
			Logger:          log.Default.WithNames("policy"),
		},
		RateLimit: RateLimit{
			Enabled:     s.RateLimitEnabled,
			MinInterval: s.MinInterval(),
			PerIP:       s.RateLimitPerIP,
		},
		Bonus: Bonus{
			PerUnit:   s.BonusPerGB,
			UnitBytes: s.BonusUnitBytes,
		},
	}
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
