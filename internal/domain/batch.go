package domain

import "time"

// BatchStatus tracks a subscription command through its acknowledgment.
type BatchStatus int

const (
	BatchPending BatchStatus = iota
	BatchAcked
	BatchFailed
)

func (s BatchStatus) String() string {
	switch s {
	case BatchPending:
		return "PENDING"
	case BatchAcked:
		return "ACKED"
	case BatchFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Subscription modes understood by the feed.
const (
	ModeLTPC         = "ltpc"
	ModeFull         = "full"
	ModeOptionGreeks = "option_greeks"
	ModeFullD30      = "full_d30"
)

// ValidMode reports whether m is a known subscription mode.
func ValidMode(m string) bool {
	switch m {
	case ModeLTPC, ModeFull, ModeOptionGreeks, ModeFullD30:
		return true
	}
	return false
}

// SubscriptionBatch is one subscribe command and its acknowledgment state.
// Batches are disposable: a retry creates a new batch with a new ID.
type SubscriptionBatch struct {
	ID      string
	Keys    []InstrumentKey
	Mode    string
	Attempt int // 1 for the first send, 2 for the single retry
	Status  BatchStatus
	SentAt  time.Time
	Reason  string // rejection reason, set when FAILED
}

// SubscriptionGap is an instrument whose subscription failed twice.
type SubscriptionGap struct {
	Key      InstrumentKey `json:"key"`
	Reason   string        `json:"reason"`
	FailedAt time.Time     `json:"failed_at"`
}
