//go:build linux

package oal

import "golang.org/x/sys/unix"

// SystemClock backs GetMsCounter with CLOCK_MONOTONIC via
// golang.org/x/sys/unix.
type SystemClock struct{}

// GetMsCounter returns a monotonic millisecond counter.
func (SystemClock) GetMsCounter() int64 {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		return 0
	}
	return ts.Sec*1000 + ts.Nsec/1_000_000
}
