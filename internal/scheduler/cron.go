package scheduler

import (
	"fmt"
	"time"

	"github.com/adhocore/gronx"
)

// NextFireAfter computes the first strictly-future occurrence of cronExpr,
// interpreted in tz, after the given UTC instant. Returned time is UTC.
// Per spec §4.3, a task that missed any number of fires (e.g. across an
// outage) gets exactly one catch-up execution; the caller is responsible
// for that — this function only ever returns the next occurrence strictly
// after `after`, never a backlog.
func NextFireAfter(cronExpr, tz string, after time.Time) (time.Time, error) {
	loc, err := time.LoadLocation(tz)
	if err != nil {
		loc = time.UTC
	}

	local := after.In(loc)
	next, err := gronx.NextTickAfter(cronExpr, local, false)
	if err != nil {
		return time.Time{}, fmt.Errorf("cron: next tick for %q: %w", cronExpr, err)
	}
	return next.UTC(), nil
}

// ValidCron reports whether cronExpr is a syntactically valid cron
// expression, used to validate a task at creation time.
func ValidCron(cronExpr string) bool {
	g := gronx.New()
	return g.IsValid(cronExpr)
}
