package events

import (
	"time"

	"github.com/i5heu/ouroboros-ledger/pkg/types"
)

// Kind names a notification.
type Kind string // AC

const ( // AC
	// KindSubmitted is emitted for every stored record.
	KindSubmitted Kind = "submitted"
	// KindTrendComputed is emitted for every derived
	// handle.
	KindTrendComputed Kind = "trend_computed"
	// KindAdminChanged is emitted when the ledger admin or
	// the population cap changes.
	KindAdminChanged Kind = "admin_changed"
)

// Event is a single ledger notification.
type Event struct { // AC
	Seq       uint64          `json:"seq"`
	Kind      Kind            `json:"kind"`
	Timestamp time.Time       `json:"timestamp"`
	Owner     types.Principal `json:"owner"`
	Period    types.Period    `json:"period"`
	// ResultTag is the short tag of a derived handle.
	ResultTag string `json:"resultTag,omitempty"`
	// Op is the trend operation or admin action.
	Op string `json:"op,omitempty"`
}

// isExpired reports whether the entry has exceeded
// the retention window.
func (e *Event) isExpired( // AC
	now time.Time,
	ttl time.Duration,
) bool {
	return now.After(e.Timestamp.Add(ttl))
}
