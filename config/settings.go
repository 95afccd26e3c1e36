// Package config holds the tracker settings. A Settings value is an immutable snapshot: announces
// take one snapshot when they start and use it throughout.
package config

import (
	"fmt"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
)

// Numeric policy thresholds use -1 to disable the policy.
const Disabled = -1

type Settings struct {
	// Ratio below which leechers are refused.
	MinimumRatio float64 `yaml:"minimum_ratio" validate:"min=-1"`
	// Users that have downloaded less than this many MiB are not subject to the ratio policy.
	RatioGraceMB int64 `yaml:"ratio_grace_mb" validate:"min=-1"`

	// Completed-but-under-seeded torrents tolerated by the completion ratio hit-and-run policy.
	MaximumHitnRuns         int64 `yaml:"maximum_hitnruns" validate:"min=-1"`
	HitAndRunRatioEnabled   bool  `yaml:"hit_and_run_ratio_enabled"`
	HitAndRunSeedingEnabled bool  `yaml:"hit_and_run_seeding_enabled"`
	RequiredSeedingMinutes  int64 `yaml:"required_seeding_minutes" validate:"min=-1"`
	// Recorded hit-and-runs tolerated by the seeding time policy.
	HitAndRunThreshold int64 `yaml:"hit_and_run_threshold" validate:"min=-1"`
	// Minutes a seeder may go quiet before the sweep judges its record.
	HitAndRunGraceMinutes int64 `yaml:"hit_and_run_grace_minutes" validate:"min=0"`

	BonusPerGB     int64 `yaml:"bonus_per_gb" validate:"min=0"`
	BonusUnitBytes int64 `yaml:"bonus_unit_bytes" validate:"min=1"`

	// Seconds.
	AnnounceInterval    int64 `yaml:"announce_interval" validate:"min=1"`
	AnnounceMinInterval int64 `yaml:"announce_min_interval" validate:"min=0,ltefield=AnnounceInterval"`
	RateLimitEnabled    bool  `yaml:"rate_limit_enabled"`
	// Also limit each (user, ip) pair, catching one account announcing many torrents from a host.
	RateLimitPerIP bool `yaml:"rate_limit_per_ip"`

	PeerTTLMinutes int64  `yaml:"peer_ttl_minutes" validate:"min=1"`
	DefaultNumWant int    `yaml:"default_numwant" validate:"min=0,ltefield=MaxNumWant"`
	MaxNumWant     int    `yaml:"max_numwant" validate:"min=1"`
	TrackerID      string `yaml:"tracker_id"`

	HTTP    HTTPSettings    `yaml:"http"`
	Storage StorageSettings `yaml:"storage"`
}

type HTTPSettings struct {
	Listen         string `yaml:"listen" validate:"required"`
	MaxConnections int    `yaml:"max_connections" validate:"min=0"`
	// Per source IP request budget, in requests per second. Zero disables the guard.
	FloodRate            float64 `yaml:"flood_rate" validate:"min=0"`
	FloodBurst           int     `yaml:"flood_burst" validate:"min=0"`
	SweepIntervalMinutes int64   `yaml:"sweep_interval_minutes" validate:"min=1"`
	// Take the client address from X-Forwarded-For or X-Real-IP. Only enable behind a proxy that
	// sets them.
	TrustProxyHeaders bool `yaml:"trust_proxy_headers"`
}

type StorageSettings struct {
	Driver string `yaml:"driver" validate:"oneof=bolt sqlite"`
	Path   string `yaml:"path" validate:"required"`
}

// Default returns the fallback used for every setting a config file doesn't set.
func Default() *Settings {
	return &Settings{
		MinimumRatio:            0.4,
		RatioGraceMB:            5120,
		MaximumHitnRuns:         5,
		HitAndRunRatioEnabled:   false,
		HitAndRunSeedingEnabled: true,
		RequiredSeedingMinutes:  4320,
		HitAndRunThreshold:      3,
		HitAndRunGraceMinutes:   30,
		BonusPerGB:              1,
		BonusUnitBytes:          1_000_000,
		AnnounceInterval:        900,
		AnnounceMinInterval:     300,
		RateLimitEnabled:        true,
		PeerTTLMinutes:          45,
		DefaultNumWant:          50,
		MaxNumWant:              200,
		TrackerID:               "privtracker",
		HTTP: HTTPSettings{
			Listen:               ":6969",
			MaxConnections:       1024,
			FloodRate:            20,
			FloodBurst:           40,
			SweepIntervalMinutes: 10,
		},
		Storage: StorageSettings{
			Driver: "bolt",
			Path:   "tracker.db",
		},
	}
}

var validate = validator.New()

func (s *Settings) Validate() error {
	err := validate.Struct(s)
	if err != nil {
		return err
	}
	// A seeder announcing on schedule must never look stale to the sweep.
	if s.HitAndRunSeedingEnabled && s.HitAndRunGrace() <= s.AnnounceIntervalDuration() {
		return fmt.Errorf(
			"hit_and_run_grace_minutes (%d) must exceed announce_interval (%ds)",
			s.HitAndRunGraceMinutes, s.AnnounceInterval)
	}
	return nil
}

// Snapshot makes a fixed Settings a Source.
func (s *Settings) Snapshot() *Settings {
	return s
}

func (s *Settings) AnnounceIntervalDuration() time.Duration {
	return time.Duration(s.AnnounceInterval) * time.Second
}

func (s *Settings) MinInterval() time.Duration {
	return time.Duration(s.AnnounceMinInterval) * time.Second
}

func (s *Settings) PeerTTL() time.Duration {
	return time.Duration(s.PeerTTLMinutes) * time.Minute
}

func (s *Settings) HitAndRunGrace() time.Duration {
	return time.Duration(s.HitAndRunGraceMinutes) * time.Minute
}

func (s *Settings) SweepInterval() time.Duration {
	return time.Duration(s.HTTP.SweepIntervalMinutes) * time.Minute
}

// Lookup exposes the policy settings under their upper case configuration store keys, formatted
// as a key/value store would hold them.
func (s *Settings) Lookup(key string) (value string, ok bool) {
	i := func(v int64) string { return strconv.FormatInt(v, 10) }
	b := strconv.FormatBool
	var m = map[string]string{
		"MINIMUM_RATIO":               strconv.FormatFloat(s.MinimumRatio, 'f', -1, 64),
		"RATIO_GRACE_MB":              i(s.RatioGraceMB),
		"MAXIMUM_HITNRUNS":            i(s.MaximumHitnRuns),
		"HIT_AND_RUN_RATIO_ENABLED":   b(s.HitAndRunRatioEnabled),
		"HIT_AND_RUN_SEEDING_ENABLED": b(s.HitAndRunSeedingEnabled),
		"REQUIRED_SEEDING_MINUTES":    i(s.RequiredSeedingMinutes),
		"HIT_AND_RUN_THRESHOLD":       i(s.HitAndRunThreshold),
		"HIT_AND_RUN_GRACE_MINUTES":   i(s.HitAndRunGraceMinutes),
		"BONUS_PER_GB":                i(s.BonusPerGB),
		"BONUS_UNIT_BYTES":            i(s.BonusUnitBytes),
		"ANNOUNCE_INTERVAL":           i(s.AnnounceInterval),
		"ANNOUNCE_MIN_INTERVAL":       i(s.AnnounceMinInterval),
		"RATE_LIMIT_ENABLED":          b(s.RateLimitEnabled),
		"RATE_LIMIT_PER_IP":           b(s.RateLimitPerIP),
		"PEER_TTL_MINUTES":            i(s.PeerTTLMinutes),
		"DEFAULT_NUMWANT":             strconv.Itoa(s.DefaultNumWant),
		"MAX_NUMWANT":                 strconv.Itoa(s.MaxNumWant),
	}
	value, ok = m[key]
	return
}
