package delivery

import "time"

// RetryPolicy maps a failed attempt to the wait before the next one.
type RetryPolicy struct {
	FirstDelay  time.Duration
	Delay       time.Duration
	MaxAttempts int
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		FirstDelay:  32 * time.Second,
		Delay:       5 * time.Second,
		MaxAttempts: 50,
	}
}

// NextDelay returns the delay after the given failed attempt (1-based) and
// false once attempt was the last one allowed.
func (p RetryPolicy) NextDelay(attempt int) (time.Duration, bool) {
	if attempt < 1 || attempt >= p.MaxAttempts {
		return 0, false
	}
	if attempt == 1 {
		return p.FirstDelay, true
	}
	return p.Delay, true
}
