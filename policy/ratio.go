package policy

import (
	"github.com/privtracker/privtracker/config"
	"github.com/privtracker/privtracker/ledger"
)

const RatioPolicy = "ratio"

type Ratio struct {
	MinRatio float64
	// Downloads below this many MiB are exempt.
	GraceMB int64
}

func (me Ratio) graceBytes() uint64 {
	return uint64(me.GraceMB) * 1024 * 1024
}

// Check refuses users past the grace allowance whose ratio is below the minimum. A zero ratio means
// nothing was uploaded yet or nothing counted, and is let through.
func (me Ratio) Check(agg ledger.UserAggregate) error {
	if me.GraceMB != config.Disabled && agg.Downloaded < me.graceBytes() {
		return nil
	}
	if me.MinRatio != config.Disabled && agg.Ratio != 0 && agg.Ratio < me.MinRatio {
		return &Denied{
			Policy: RatioPolicy,
			Reason: "ratio below minimum " + formatFloat(me.MinRatio),
		}
	}
	return nil
}
