package core

import "time"

// BucketState captures token bucket state for one key.
type BucketState struct {
	Tokens     float64
	LastRefill time.Time
}

// CounterState captures fixed window state for one key. WindowIndex is
// floor(unix seconds / window size); Count resets whenever the index
// advances.
type CounterState struct {
	WindowIndex int64
	Count       int
}

// State keys are namespaced by dimension so the same identifier can be
// limited independently per dimension.

func IPKey(ip string) string {
	return "ip:" + ip
}

func UserKey(userID string) string {
	return "user:" + userID
}

func EndpointKey(pattern string) string {
	return "endpoint:" + pattern
}

// WindowIndexAt returns the fixed window index for a timestamp.
func WindowIndexAt(at time.Time, windowSize time.Duration) int64 {
	if windowSize <= 0 {
		return 0
	}
	return at.Unix() / int64(windowSize/time.Second)
}
