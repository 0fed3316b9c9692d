package bootrecovery

import "time"

// Disposition is a handler's verdict on how the loader should proceed after
// a fault.
type Disposition int

const (
	Continue Disposition = iota
	Retry
	Fallback
	Abort
)

func (d Disposition) String() string {
	switch d {
	case Continue:
		return "continue"
	case Retry:
		return "retry"
	case Fallback:
		return "fallback"
	case Abort:
		return "abort"
	default:
		return "unknown"
	}
}

// Handler decides what happens next after err has been recorded. occurrence
// is the 1-based count of how many times this Code has been seen so far
// (including this one).
type Handler func(err *Error, occurrence int) Disposition

// Ledger records faults as they occur and dispatches each to a handler,
// keeping per-code occurrence counts so a handler can escalate (e.g. retry
// twice, then abort) without carrying its own state.
type Ledger struct {
	counts   map[Code]int
	handlers map[Code]Handler
	fallback Handler
	history  []*Error
}

// NewLedger returns a Ledger using DefaultHandler for any code without a
// registered override.
func NewLedger() *Ledger {
	return &Ledger{
		counts:   make(map[Code]int),
		handlers: make(map[Code]Handler),
		fallback: DefaultHandler,
	}
}

// SetHandler overrides the handler used for code.
func (l *Ledger) SetHandler(code Code, h Handler) {
	l.handlers[code] = h
}

// Record logs err, increments its occurrence count, and returns the
// disposition its handler selects.
func (l *Ledger) Record(err *Error) Disposition {
	l.counts[err.Code]++
	l.history = append(l.history, err)

	h := l.fallback
	if override, ok := l.handlers[err.Code]; ok {
		h = override
	}
	return h(err, l.counts[err.Code])
}

// Count returns how many times code has been recorded.
func (l *Ledger) Count(code Code) int { return l.counts[code] }

// History returns every error recorded so far, oldest first.
func (l *Ledger) History() []*Error {
	return append([]*Error(nil), l.history...)
}

// DefaultHandler implements the baseline policy from the loader's error
// contract: hardware faults are worth one retry, system-fatal codes always
// abort, everything else is logged and the caller proceeds.
func DefaultHandler(err *Error, occurrence int) Disposition {
	switch {
	case err.Code == CodeSystemHalt || err.Code == CodeCriticalFailure:
		return Abort
	case err.Code >= CodeHardwareNotFound && err.Code <= CodeHardwareBadState:
		if occurrence <= 1 {
			return Retry
		}
		return Abort
	default:
		return Continue
	}
}

// DiskHandler retries the first two occurrences of a given disk code, then
// aborts — grounded on the original loader's disk read path, which retried
// a failed sector read before giving up on the boot.
func DiskHandler(err *Error, occurrence int) Disposition {
	if occurrence <= 2 {
		return Retry
	}
	return Abort
}

// RetryConfig bounds a busy-wait retry loop.
type RetryConfig struct {
	MaxAttempts       int
	Delay             time.Duration
	ExponentialBackoff bool
}

// RetryOperation calls op until it returns nil, up to cfg.MaxAttempts times,
// busy-waiting cfg.Delay (doubling each time when ExponentialBackoff is set)
// between attempts. It returns the last error if every attempt failed, or
// nil on the first success.
func RetryOperation(cfg RetryConfig, op func() error) error {
	delay := cfg.Delay
	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if attempt == cfg.MaxAttempts {
			break
		}
		if delay > 0 {
			for start := time.Now(); time.Since(start) < delay; {
			}
		}
		if cfg.ExponentialBackoff {
			delay *= 2
		}
	}
	return lastErr
}
