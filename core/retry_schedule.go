package core

import (
	"math"
	"time"
)

type RetryKind string

const (
	RetryKindGradeWait RetryKind = "grade-wait"
	RetryKindAPIError  RetryKind = "api-error"
)

var defaultGradeWaitDelays = []time.Duration{
	15 * time.Second,
	60 * time.Second,
	180 * time.Second,
	600 * time.Second,
	1800 * time.Second,
}

const (
	defaultGradeWaitMaxAttempts = 5
	defaultAPIRetryBaseDelay    = 300 * time.Second
	defaultAPIRetryMaxDelay     = 3600 * time.Second
	defaultAPIRetryMaxAttempts  = 3
)

// RetrySchedule maps a failure kind and attempt count to the next delay.
type RetrySchedule struct {
	GradeWaitDelays      []time.Duration
	GradeWaitMaxAttempts int
	APIBaseDelay         time.Duration
	APIMaxDelay          time.Duration
	APIMaxAttempts       int
}

func DefaultRetrySchedule() RetrySchedule {
	return RetrySchedule{
		GradeWaitDelays:      append([]time.Duration(nil), defaultGradeWaitDelays...),
		GradeWaitMaxAttempts: defaultGradeWaitMaxAttempts,
		APIBaseDelay:         defaultAPIRetryBaseDelay,
		APIMaxDelay:          defaultAPIRetryMaxDelay,
		APIMaxAttempts:       defaultAPIRetryMaxAttempts,
	}
}

func (s RetrySchedule) normalized() RetrySchedule {
	defaults := DefaultRetrySchedule()
	if len(s.GradeWaitDelays) == 0 {
		s.GradeWaitDelays = defaults.GradeWaitDelays
	}
	if s.GradeWaitMaxAttempts <= 0 {
		s.GradeWaitMaxAttempts = defaults.GradeWaitMaxAttempts
	}
	if s.APIBaseDelay <= 0 {
		s.APIBaseDelay = defaults.APIBaseDelay
	}
	if s.APIMaxDelay <= 0 {
		s.APIMaxDelay = defaults.APIMaxDelay
	}
	if s.APIMaxAttempts <= 0 {
		s.APIMaxAttempts = defaults.APIMaxAttempts
	}
	return s
}

// NextDelay returns the wait before the next execution given the attempts
// already consumed.
func (s RetrySchedule) NextDelay(kind RetryKind, attemptsSoFar int) time.Duration {
	s = s.normalized()
	switch kind {
	case RetryKindGradeWait:
		index := attemptsSoFar
		if index < 0 {
			index = 0
		}
		if index > len(s.GradeWaitDelays)-1 {
			index = len(s.GradeWaitDelays) - 1
		}
		return s.GradeWaitDelays[index]
	case RetryKindAPIError:
		attempt := attemptsSoFar
		if attempt < 1 {
			attempt = 1
		}
		next := time.Duration(float64(s.APIBaseDelay) * math.Pow(2, float64(attempt-1)))
		if next <= 0 || next > s.APIMaxDelay {
			return s.APIMaxDelay
		}
		return next
	default:
		return 0
	}
}

// TotalWaited sums the delays scheduled across the given number of attempts.
func (s RetrySchedule) TotalWaited(kind RetryKind, attempts int) time.Duration {
	var total time.Duration
	switch kind {
	case RetryKindGradeWait:
		for i := 0; i < attempts; i++ {
			total += s.NextDelay(kind, i)
		}
	case RetryKindAPIError:
		for i := 1; i <= attempts; i++ {
			total += s.NextDelay(kind, i)
		}
	}
	return total
}

func (s RetrySchedule) MaxAttempts(kind RetryKind) int {
	s = s.normalized()
	switch kind {
	case RetryKindGradeWait:
		return s.GradeWaitMaxAttempts
	case RetryKindAPIError:
		return s.APIMaxAttempts
	default:
		return 0
	}
}

// Exhausted reports whether no retry budget remains for the kind.
func (s RetrySchedule) Exhausted(kind RetryKind, attempts int) bool {
	return attempts >= s.MaxAttempts(kind)
}
