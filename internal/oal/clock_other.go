//go:build !linux

package oal

import "time"

// SystemClock backs GetMsCounter with time.Now on hosts without a
// golang.org/x/sys/unix monotonic clock binding.
type SystemClock struct{}

// GetMsCounter returns a monotonic millisecond counter.
func (SystemClock) GetMsCounter() int64 {
	return time.Now().UnixMilli()
}
