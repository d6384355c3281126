package api

import (
	"sync/atomic"
	"time"
)

var (
	lastTimestamp int64
)

// nextTimestampRange reserves count strictly increasing nanosecond timestamps
// and returns the first one. Events of one request stamped by the server keep
// their order even within the same clock tick.
func nextTimestampRange(count int) int64 {
	if count <= 0 {
		return 0
	}
	for {
		now := time.Now().UnixNano()
		last := atomic.LoadInt64(&lastTimestamp)
		if now <= last {
			now = last + 1
		}
		end := now + int64(count) - 1
		if atomic.CompareAndSwapInt64(&lastTimestamp, last, end) {
			return now
		}
	}
}
