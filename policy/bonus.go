package policy

type Bonus struct {
	// Points per unit uploaded.
	PerUnit int64
	// Defaults to 1,000,000 bytes.
	UnitBytes int64
}

// Points awarded for an upload delta. Partial units earn nothing.
func (me Bonus) Points(delta uint64) int64 {
	if me.PerUnit <= 0 || me.UnitBytes <= 0 {
		return 0
	}
	return int64(delta/uint64(me.UnitBytes)) * me.PerUnit
}
