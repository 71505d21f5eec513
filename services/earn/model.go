package earn

import "time"

// RejectReason is the typed, user-facing cause of a refused earn attempt.
type RejectReason string

const (
	ReasonProgramInactive RejectReason = "program_inactive"
	ReasonInvalidToken    RejectReason = "invalid_token"
	ReasonTokenReused     RejectReason = "token_reused"
	ReasonDailyLimit      RejectReason = "daily_limit_reached"
	ReasonTooSoon         RejectReason = "too_soon"
)

// Message returns the plain-language rejection shown to members.
func (r RejectReason) Message() string {
	switch r {
	case ReasonProgramInactive:
		return "this loyalty program is not currently active"
	case ReasonInvalidToken:
		return "scan the QR code at the business to earn"
	case ReasonTokenReused:
		return "this QR code was already used, ask for a fresh one"
	case ReasonDailyLimit:
		return "daily earn limit reached, come back tomorrow"
	case ReasonTooSoon:
		return "too soon since your last visit"
	default:
		return "earn attempt rejected"
	}
}

// LoyaltyEarnEvent is the append-only audit ledger of earn attempts. Rejected
// attempts are recorded too (valid=false); rate limiting counts only valid
// rows, always from this table, never from a process-local cache.
type LoyaltyEarnEvent struct {
	ID        string    `gorm:"column:id;primaryKey;type:char(26)"`
	CreatedAt time.Time `gorm:"column:created_at"`

	BusinessID   string `gorm:"column:business_id;index;not null"`
	ProgramID    string `gorm:"column:program_id;index;not null"`
	MembershipID string `gorm:"column:membership_id;index;not null"`
	WalletPassID string `gorm:"column:wallet_pass_id;not null"`

	Valid        bool         `gorm:"column:valid;not null"`
	RejectReason RejectReason `gorm:"column:reject_reason;type:varchar(30)"`
	Amount       int64        `gorm:"column:amount;not null;default:0"`
	TokenID      string       `gorm:"column:token_id;type:varchar(100)"`
	EarnedAt     time.Time    `gorm:"column:earned_at;index;not null"`
}
