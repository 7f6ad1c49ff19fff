package commission

import "time"

// Window is an effective-dated range. Start is inclusive; End is inclusive
// when set and open-ended when nil.
//
// Both rule resolution and conflict detection go through Window so the two
// can never disagree about boundaries.
type Window struct {
	Start time.Time
	End   *time.Time
}

// Contains reports whether t falls inside the window:
// Start <= t <= End (or +inf).
func (w Window) Contains(t time.Time) bool {
	if t.Before(w.Start) {
		return false
	}
	return w.End == nil || !t.After(*w.End)
}

// Overlaps reports whether two windows overlap:
// w.Start < o.End(or +inf) && w.End(or +inf) > o.Start.
// Windows that only touch at a boundary do not overlap.
func (w Window) Overlaps(o Window) bool {
	startsBeforeOtherEnds := o.End == nil || w.Start.Before(*o.End)
	endsAfterOtherStarts := w.End == nil || w.End.After(o.Start)
	return startsBeforeOtherEnds && endsAfterOtherStarts
}
