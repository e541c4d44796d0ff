package resilience

import "time"

// RetryFrom builds a RetryConfig from configured values. Zero values keep
// the defaults.
func RetryFrom(maxAttempts int, initial, maxBackoff time.Duration, multiplier, jitter float64) RetryConfig {
	cfg := DefaultRetryConfig()
	if maxAttempts > 0 {
		cfg.MaxAttempts = maxAttempts
	}
	if initial > 0 {
		cfg.InitialBackoff = initial
	}
	if maxBackoff > 0 {
		cfg.MaxBackoff = maxBackoff
	}
	if multiplier > 0 {
		cfg.Multiplier = multiplier
	}
	if jitter >= 0 {
		cfg.JitterFraction = jitter
	}
	return cfg
}

// CircuitFrom builds a CircuitBreakerConfig from configured values.
func CircuitFrom(failureThreshold int, cooldown time.Duration) CircuitBreakerConfig {
	cfg := DefaultCircuitBreakerConfig()
	if failureThreshold > 0 {
		cfg.FailureThreshold = failureThreshold
	}
	if cooldown > 0 {
		cfg.Cooldown = cooldown
	}
	cfg.OnStateChange = LogStateChange
	return cfg
}
