package engine

import "time"

// Clock supplies wall-clock time. Batch ids, attempt timestamps and the retry
// gate are all derived from it, so tests drive time explicitly.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the real time in UTC.
type SystemClock struct{}

// Now returns time.Now in UTC.
func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}
