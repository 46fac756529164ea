// Package backoff computes the delay between poll cycles after
// consecutive failures.
package backoff

import "time"

// MaxExponent caps the doubling. Past five consecutive errors the
// delay stops growing even if the ceiling has not been reached.
const MaxExponent = 5

// DefaultCeiling is the largest delay ever returned by [NextDelay].
const DefaultCeiling = 60 * time.Second

// NextDelay returns min(base * 2^min(errors, 5), 60s). Negative error
// counts are treated as zero.
func NextDelay(consecutiveErrors int, base time.Duration) time.Duration {
	return NextDelayCapped(consecutiveErrors, base, DefaultCeiling)
}

// NextDelayCapped is [NextDelay] with a configurable ceiling.
func NextDelayCapped(consecutiveErrors int, base, ceiling time.Duration) time.Duration {
	exp := consecutiveErrors
	if exp < 0 {
		exp = 0
	}
	if exp > MaxExponent {
		exp = MaxExponent
	}
	// Compare before multiplying so a large base cannot overflow.
	if base > ceiling>>exp {
		return ceiling
	}
	return base * time.Duration(1<<exp)
}
