package authcall

import "time"

// Metrics receives call, refresh and session events.
type Metrics interface {
	// RefreshCompleted reports a refresh. trigger is expired, unauthorized or
	// forced; outcome is success, failure, shared or skipped.
	RefreshCompleted(trigger, outcome string)
	// RequestCompleted reports one HTTP round trip. status is 0 on transport failure.
	RequestCompleted(method string, status int, d time.Duration)
	// SessionEnded reports the credentials being cleared.
	SessionEnded(reason string)
}

type nopMetrics struct{}

func (nopMetrics) RefreshCompleted(string, string) {}
func (nopMetrics) RequestCompleted(string, int, time.Duration) {}
func (nopMetrics) SessionEnded(string) {}
