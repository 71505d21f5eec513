package membership

import "time"

type MembershipStatus string

const (
	StatusActive   MembershipStatus = "active"
	StatusInactive MembershipStatus = "inactive"
)

// LoyaltyMembership is the per-(program, user) relationship holding the
// redeemable balance. The wallet pass id is the durable external key; there is
// deliberately no relational link to the identity store, because pass issuance
// can precede account creation. stamps_balance must always equal
// total_earned - total_redeemed and is mutated only by the earn and redemption
// engines.
type LoyaltyMembership struct {
	ID        string    `gorm:"column:id;primaryKey;type:char(26)"`
	CreatedAt time.Time `gorm:"column:created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at"`

	ProgramID    string `gorm:"column:program_id;uniqueIndex:idx_membership_program_pass;not null"`
	WalletPassID string `gorm:"column:wallet_pass_id;uniqueIndex:idx_membership_program_pass;not null"`
	BusinessID   string `gorm:"column:business_id;index;not null"`

	StampsBalance int64 `gorm:"column:stamps_balance;not null;default:0"`
	TotalEarned   int64 `gorm:"column:total_earned;not null;default:0"`
	TotalRedeemed int64 `gorm:"column:total_redeemed;not null;default:0"`

	Status       MembershipStatus `gorm:"column:status;type:varchar(20);not null;default:'active'"`
	JoinedAt     time.Time        `gorm:"column:joined_at"`
	LastActiveAt *time.Time       `gorm:"column:last_active_at"`

	WalletPushSerial *string `gorm:"column:walletpush_serial;type:varchar(100)"`

	ProfileName  string `gorm:"column:profile_name;type:varchar(200)"`
	ProfileEmail string `gorm:"column:profile_email;type:varchar(200)"`
}
