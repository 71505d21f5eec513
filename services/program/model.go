package program

import (
	"time"

	"gorm.io/datatypes"

	"localspot-loyalty/pkg/walletpush"
)

type ProgramStatus string

const (
	StatusDraft     ProgramStatus = "draft"
	StatusSubmitted ProgramStatus = "submitted"
	StatusActive    ProgramStatus = "active"
	StatusPaused    ProgramStatus = "paused"
)

type ProgramType string

const (
	TypeStamp  ProgramType = "stamp"
	TypePoints ProgramType = "points"
)

type EarnMode string

const (
	EarnPerVisit EarnMode = "per_visit"
	EarnPerSpend EarnMode = "per_spend"
)

// Anti-abuse knob bounds. Out-of-range values are a validation error, never
// silently clamped.
const (
	MinEarnsPerDay   = 1
	MaxEarnsPerDay   = 10
	MinGapMinutesLow = 0
	MinGapMinutesHi  = 1440
)

// LoyaltyProgram is the per-business program definition. At most one exists per
// business, whatever its status; programs are paused, never hard-deleted.
type LoyaltyProgram struct {
	ID        string    `gorm:"column:id;primaryKey;type:char(26)"`
	CreatedAt time.Time `gorm:"column:created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at"`

	BusinessID string        `gorm:"column:business_id;uniqueIndex;not null"`
	PublicID   string        `gorm:"column:public_id;uniqueIndex;not null"`
	Status     ProgramStatus `gorm:"column:status;type:varchar(20);not null;default:'draft'"`
	Type       ProgramType   `gorm:"column:type;type:varchar(20);not null;default:'stamp'"`

	RewardThreshold   int      `gorm:"column:reward_threshold;not null;default:0"`
	RewardDescription string   `gorm:"column:reward_description;type:text"`
	StampLabel        string   `gorm:"column:stamp_label;type:varchar(50)"`
	Instructions      string   `gorm:"column:instructions;type:text"`
	Terms             string   `gorm:"column:terms;type:text"`
	EarnMode          EarnMode `gorm:"column:earn_mode;type:varchar(20);not null;default:'per_visit'"`
	PointsPerEarn     int      `gorm:"column:points_per_earn;not null;default:1"`

	MaxEarnsPerDay int `gorm:"column:max_earns_per_day;not null;default:3"`
	// No default tag: zero is a configured value (no gap), and gorm drops
	// zero-valued fields carrying a default from the INSERT.
	MinGapMinutes int `gorm:"column:min_gap_minutes;not null"`

	CardColor     string `gorm:"column:card_color;type:varchar(20)"`
	TextColor     string `gorm:"column:text_color;type:varchar(20)"`
	LogoURL       string `gorm:"column:logo_url;type:text"`
	StripImageURL string `gorm:"column:strip_image_url;type:text"`

	WalletPushTemplateID string `gorm:"column:walletpush_template_id;type:varchar(100)"`
	WalletPushAPIKey     string `gorm:"column:walletpush_api_key;type:varchar(200)"`
	WalletPushPassTypeID string `gorm:"column:walletpush_pass_type_id;type:varchar(100)"`
}

// EarnAmount is the balance increment for one valid earn event.
func (p *LoyaltyProgram) EarnAmount() int64 {
	if p.Type == TypePoints && p.PointsPerEarn > 0 {
		return int64(p.PointsPerEarn)
	}
	return 1
}

func (p *LoyaltyProgram) Credentials() walletpush.Credentials {
	return walletpush.Credentials{
		TemplateID: p.WalletPushTemplateID,
		APIKey:     p.WalletPushAPIKey,
		PassTypeID: p.WalletPushPassTypeID,
	}
}

// DesignSpec is the displayable configuration snapshotted on submission.
type DesignSpec struct {
	ProgramID         string      `json:"program_id"`
	BusinessID        string      `json:"business_id"`
	Type              ProgramType `json:"type"`
	RewardThreshold   int         `json:"reward_threshold"`
	RewardDescription string      `json:"reward_description"`
	StampLabel        string      `json:"stamp_label"`
	EarnMode          EarnMode    `json:"earn_mode"`
	PointsPerEarn     int         `json:"points_per_earn"`
	CardColor         string      `json:"card_color"`
	TextColor         string      `json:"text_color"`
	LogoURL           string      `json:"logo_url"`
	StripImageURL     string      `json:"strip_image_url"`
}

func (p *LoyaltyProgram) Spec() DesignSpec {
	return DesignSpec{
		ProgramID:         p.ID,
		BusinessID:        p.BusinessID,
		Type:              p.Type,
		RewardThreshold:   p.RewardThreshold,
		RewardDescription: p.RewardDescription,
		StampLabel:        p.StampLabel,
		EarnMode:          p.EarnMode,
		PointsPerEarn:     p.PointsPerEarn,
		CardColor:         p.CardColor,
		TextColor:         p.TextColor,
		LogoURL:           p.LogoURL,
		StripImageURL:     p.StripImageURL,
	}
}

type RequestStatus string

const (
	RequestSubmitted RequestStatus = "submitted"
	RequestIssued    RequestStatus = "issued"
)

// LoyaltyPassRequest is the frozen design spec handed to admin provisioning.
// Only status, bindings and reviewer change after creation; the snapshot does not.
type LoyaltyPassRequest struct {
	ID        string    `gorm:"column:id;primaryKey;type:char(26)"`
	CreatedAt time.Time `gorm:"column:created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at"`

	Code       string `gorm:"column:code;type:varchar(30)"`
	ProgramID  string `gorm:"column:program_id;index;not null"`
	BusinessID string `gorm:"column:business_id;index;not null"`

	DesignSpecJSON datatypes.JSON `gorm:"column:design_spec_json;type:jsonb"`
	Status         RequestStatus  `gorm:"column:status;type:varchar(20);not null;default:'submitted'"`
	ReviewedBy     string         `gorm:"column:reviewed_by;type:varchar(100)"`

	WalletPushTemplateID string `gorm:"column:walletpush_template_id;type:varchar(100)"`
	WalletPushPassTypeID string `gorm:"column:walletpush_pass_type_id;type:varchar(100)"`
}
