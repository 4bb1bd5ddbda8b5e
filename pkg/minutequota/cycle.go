package minutequota

import "time"

// CycleFor returns the monthly billing cycle containing now for a
// subscription anchored at anchor. The anniversary day is kept across months
// and clipped to the month's last day when the month is shorter:
//
//	anchor Jan 31 -> Jan 31..Feb 28, Feb 28..Mar 31, Mar 31..Apr 30
//
// An anchor in the future yields the first cycle.
func CycleFor(anchor, now time.Time) Cycle {
	start := startOfDayUTC(anchor)
	day := start.Day()
	n := now.UTC()

	for months := 0; ; months++ {
		c := Cycle{
			Start: monthsAfter(start, months, day),
			End:   monthsAfter(start, months+1, day),
		}
		if c.End.After(n) {
			return c
		}
	}
}

// nextCycle returns the cycle that follows acct's current one, or the cycle
// containing now when the account has never had one. A renewal that arrives
// late skips forward to the cycle containing now.
func nextCycle(acct *Account, now time.Time) Cycle {
	if acct.CycleStart.IsZero() || acct.CycleEnd.IsZero() {
		return CycleFor(now, now)
	}
	at := acct.CycleEnd
	if now.After(at) {
		at = now
	}
	return CycleFor(acct.CycleStart, at)
}

// cycleOrNext uses explicit bounds when the provider sent them.
func cycleOrNext(acct *Account, start, end, now time.Time) Cycle {
	if !start.IsZero() && end.After(start) {
		return Cycle{Start: start.UTC(), End: end.UTC()}
	}
	return nextCycle(acct, now)
}

// monthsAfter moves base forward by months, landing on day or on the last
// day of the target month when day does not exist there.
func monthsAfter(base time.Time, months, day int) time.Time {
	y, m, _ := base.Date()
	first := time.Date(y, m+time.Month(months), 1, 0, 0, 0, 0, time.UTC)
	last := first.AddDate(0, 1, -1).Day()
	return time.Date(first.Year(), first.Month(), min(day, last), 0, 0, 0, 0, time.UTC)
}

// startOfDayUTC returns the start of day (00:00:00) in UTC for the given time.
func startOfDayUTC(t time.Time) time.Time {
	tt := t.UTC()
	return time.Date(tt.Year(), tt.Month(), tt.Day(), 0, 0, 0, 0, time.UTC)
}
