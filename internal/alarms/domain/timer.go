package alarms

import "time"

// Level is the escalation level of a countdown.
type Level string

const (
	LevelNormal   Level = "normal"
	LevelWarning  Level = "warning"
	LevelCritical Level = "critical"
	LevelExpired  Level = "expired"
)

// Urgent reports whether alerts at this level are continuous rather than a single beep.
func (l Level) Urgent() bool {
	return l == LevelCritical || l == LevelExpired
}

// Kind names which order deadline a countdown tracks.
type Kind string

const (
	// KindPayment counts down to the payment deadline set on entering added_to_bank.
	KindPayment Kind = "payment"
	// KindExpiry counts down to the order expiry timestamp.
	KindExpiry Kind = "expiry"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	return k == KindPayment || k == KindExpiry
}

// Thresholds are the remaining-time boundaries of the warning and critical levels.
type Thresholds struct {
	Warning  time.Duration
	Critical time.Duration
}

// DefaultThresholds returns 5 minute warning and 2 minute critical boundaries.
func DefaultThresholds() Thresholds {
	return Thresholds{Warning: 5 * time.Minute, Critical: 2 * time.Minute}
}

// LevelFor maps the remaining time to a level. Boundaries are inclusive.
func (t Thresholds) LevelFor(remaining time.Duration) Level {
	switch {
	case remaining <= 0:
		return LevelExpired
	case remaining <= t.Critical:
		return LevelCritical
	case remaining <= t.Warning:
		return LevelWarning
	default:
		return LevelNormal
	}
}

// Alert is raised once per order, kind and level.
type Alert struct {
	OrderID   string        `json:"order_id"`
	Kind      Kind          `json:"kind"`
	Level     Level         `json:"level"`
	Urgent    bool          `json:"urgent"`
	EndsAt    time.Time     `json:"ends_at"`
	Remaining time.Duration `json:"remaining_ns"`
	FiredAt   time.Time     `json:"fired_at"`
}

// TimerStatus is a point-in-time view of one countdown.
type TimerStatus struct {
	OrderID          string    `json:"order_id"`
	Kind             Kind      `json:"kind"`
	EndsAt           time.Time `json:"ends_at"`
	RemainingSeconds int64     `json:"remaining_seconds"`
	Level            Level     `json:"level"`
	Urgent           bool      `json:"urgent"`
	Stopped          bool      `json:"stopped"`
	Fired            []Level   `json:"fired,omitempty"`
}
