// Package schedule computes the next run time for a policy configured
// with a cron recurrence expression. Expressions are evaluated in UTC.
// Nothing here fires runs; surfacing and triggering a scheduled run is
// the server's concern.
package schedule

import (
	"fmt"
	"time"

	"github.com/gorhill/cronexpr"
)

// Validate parses the expression and rejects ones that never fire.
func Validate(expr string) error {
	parsed, err := cronexpr.Parse(expr)
	if err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	if parsed.Next(time.Now().UTC()).IsZero() {
		return fmt.Errorf("cron expression %q never fires", expr)
	}
	return nil
}

// Next returns the first time after the seed at which the expression
// fires. The seed is converted to UTC before evaluation so results do
// not depend on the host timezone.
func Next(expr string, after time.Time) (time.Time, error) {
	parsed, err := cronexpr.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	next := parsed.Next(after.UTC())
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("cron expression %q has no next run after %s", expr, after.UTC())
	}
	return next, nil
}
