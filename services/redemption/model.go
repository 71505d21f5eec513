package redemption

import "time"

type RedemptionStatus string

const (
	StatusConsumed RedemptionStatus = "consumed"
	StatusFlagged  RedemptionStatus = "flagged"
)

// LoyaltyRedemption is the append-only record of a consumed reward. The reward
// description is copied at redemption time so later program edits never rewrite
// history. Only the flagging fields may change after creation.
type LoyaltyRedemption struct {
	ID        string    `gorm:"column:id;primaryKey;type:char(26)"`
	CreatedAt time.Time `gorm:"column:created_at"`

	BusinessID   string `gorm:"column:business_id;index;not null"`
	ProgramID    string `gorm:"column:program_id;index;not null"`
	MembershipID string `gorm:"column:membership_id;index;not null"`
	WalletPassID string `gorm:"column:wallet_pass_id;not null"`

	Code              string           `gorm:"column:code;type:varchar(30)"`
	RewardDescription string           `gorm:"column:reward_description;type:text"`
	StampsDeducted    int64            `gorm:"column:stamps_deducted;not null"`
	Status            RedemptionStatus `gorm:"column:status;type:varchar(20);not null;default:'consumed'"`
	ConsumedAt        time.Time        `gorm:"column:consumed_at;not null"`

	FlaggedAt     *time.Time `gorm:"column:flagged_at"`
	FlaggedBy     string     `gorm:"column:flagged_by;type:varchar(100)"`
	FlaggedReason string     `gorm:"column:flagged_reason;type:text"`
}
