package dispatch

import "time"

// NextInterval returns the delay before the next cycle given the number of
// consecutive failed cycles: the base cadence while healthy, then 30s, 60s
// and finally 5m as failures pile up.
func NextInterval(base time.Duration, failures int) time.Duration {
	switch {
	case failures <= 0:
		return base
	case failures < 10:
		return 30 * time.Second
	case failures < 20:
		return time.Minute
	default:
		return 5 * time.Minute
	}
}
