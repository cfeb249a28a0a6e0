// Package estimator provides a read-only table of average run durations per
// model. It is built once from configuration and never mutated afterwards, so
// concurrent reads from request handlers need no locking.
package estimator

import "time"

// Table maps model names to their historical average run duration.
type Table struct {
	avg map[string]time.Duration
}

// New builds a Table from configured per-model average seconds.
func New(seconds map[string]int) *Table {
	avg := make(map[string]time.Duration, len(seconds))
	for name, s := range seconds {
		if s > 0 {
			avg[name] = time.Duration(s) * time.Second
		}
	}
	return &Table{avg: avg}
}

// Average returns the configured average duration for a model, if known.
func (t *Table) Average(modelName string) (time.Duration, bool) {
	d, ok := t.avg[modelName]
	return d, ok
}

// Remaining estimates time left for a run submitted at the given time. The
// estimate is clamped at zero once the average has elapsed.
func (t *Table) Remaining(modelName string, submitted, now time.Time) (time.Duration, bool) {
	avg, ok := t.avg[modelName]
	if !ok {
		return 0, false
	}
	elapsed := now.Sub(submitted)
	if elapsed >= avg {
		return 0, true
	}
	return avg - elapsed, true
}
