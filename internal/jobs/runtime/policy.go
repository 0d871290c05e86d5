package runtime

import "time"

// Policy bounds redelivery of a job. Both dispatch backends honor it.
type Policy struct {
	MaxAttempts  int
	RetryDelay   time.Duration
	StaleRunning time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:  5,
		RetryDelay:   30 * time.Second,
		StaleRunning: 30 * time.Minute,
	}
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.RetryDelay < 0 {
		p.RetryDelay = 0
	}
	if p.StaleRunning <= 0 {
		p.StaleRunning = d.StaleRunning
	}
	return p
}

// Normalize fills unset fields with defaults.
func (p Policy) Normalize() Policy { return p.withDefaults() }
