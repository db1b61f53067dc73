package fleet

import "time"

// Clock supplies the current time. Injecting it keeps slot math and
// watchdog decisions deterministic under test.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

// Now returns the current UTC time.
func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}
