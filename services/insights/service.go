package insights

import (
	"context"
	"errors"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"localspot-loyalty/pkg/errutil"
	"localspot-loyalty/services/earn"
	"localspot-loyalty/services/membership"
	"localspot-loyalty/services/program"
	"localspot-loyalty/services/redemption"
)

// Service answers the owner dashboard aggregations. Everything here is
// read-only; counts are computed from the ledgers, never cached counters.
type Service struct {
	db *gorm.DB
}

type ServiceParams struct {
	fx.In
	DB *gorm.DB
}

func NewService(p ServiceParams) *Service {
	return &Service{db: p.DB}
}

type Stats struct {
	BusinessID          string    `json:"business_id"`
	Since               time.Time `json:"since"`
	ActiveMembers       int64     `json:"active_members"`
	VisitsInPeriod      int64     `json:"visits_in_period"`
	RedemptionsInPeriod int64     `json:"redemptions_in_period"`
	NearRewardMembers   int64     `json:"near_reward_members"`
}

// Stats summarizes program activity since the given instant. Near-reward means
// within two stamps of the threshold, the members worth nudging.
func (s *Service) Stats(ctx context.Context, businessID string, since time.Time) (*Stats, error) {
	p := &program.LoyaltyProgram{}
	err := s.db.WithContext(ctx).Where("business_id = ?", businessID).First(p).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errutil.NotFound("program not found")
		}
		return nil, err
	}

	out := &Stats{BusinessID: businessID, Since: since}

	if err := s.db.WithContext(ctx).Model(&membership.LoyaltyMembership{}).
		Where("business_id = ? AND status = ?", businessID, membership.StatusActive).
		Count(&out.ActiveMembers).Error; err != nil {
		return nil, err
	}

	if err := s.db.WithContext(ctx).Model(&earn.LoyaltyEarnEvent{}).
		Where("business_id = ? AND valid = ? AND earned_at >= ?", businessID, true, since).
		Count(&out.VisitsInPeriod).Error; err != nil {
		return nil, err
	}

	if err := s.db.WithContext(ctx).Model(&redemption.LoyaltyRedemption{}).
		Where("business_id = ? AND consumed_at >= ?", businessID, since).
		Count(&out.RedemptionsInPeriod).Error; err != nil {
		return nil, err
	}

	if p.RewardThreshold > 0 {
		if err := s.db.WithContext(ctx).Model(&membership.LoyaltyMembership{}).
			Where("business_id = ? AND status = ? AND stamps_balance < ? AND stamps_balance >= ?",
				businessID, membership.StatusActive, p.RewardThreshold, p.RewardThreshold-2).
			Count(&out.NearRewardMembers).Error; err != nil {
			return nil, err
		}
	}

	return out, nil
}

type IntegrityIssue struct {
	MembershipID   string `json:"membership_id"`
	StampsBalance  int64  `json:"stamps_balance"`
	TotalEarned    int64  `json:"total_earned"`
	TotalRedeemed  int64  `json:"total_redeemed"`
	LedgerEarned   int64  `json:"ledger_earned"`
	LedgerRedeemed int64  `json:"ledger_redeemed"`
}

// IntegrityCheck cross-checks every membership counter against the append-only
// ledgers. A non-empty result means a bug somewhere upstream; it is reported,
// never auto-repaired.
func (s *Service) IntegrityCheck(ctx context.Context, businessID string) ([]IntegrityIssue, error) {
	var members []*membership.LoyaltyMembership
	if err := s.db.WithContext(ctx).
		Where("business_id = ?", businessID).
		Find(&members).Error; err != nil {
		return nil, err
	}

	var issues []IntegrityIssue
	for _, m := range members {
		var earned, redeemed int64

		row := struct{ Total int64 }{}
		if err := s.db.WithContext(ctx).Model(&earn.LoyaltyEarnEvent{}).
			Select("COALESCE(SUM(amount), 0) AS total").
			Where("membership_id = ? AND valid = ?", m.ID, true).
			Scan(&row).Error; err != nil {
			return nil, err
		}
		earned = row.Total

		row.Total = 0
		if err := s.db.WithContext(ctx).Model(&redemption.LoyaltyRedemption{}).
			Select("COALESCE(SUM(stamps_deducted), 0) AS total").
			Where("membership_id = ?", m.ID).
			Scan(&row).Error; err != nil {
			return nil, err
		}
		redeemed = row.Total

		ok := m.StampsBalance == m.TotalEarned-m.TotalRedeemed &&
			m.TotalEarned == earned &&
			m.TotalRedeemed == redeemed &&
			m.StampsBalance >= 0
		if ok {
			continue
		}

		issue := IntegrityIssue{
			MembershipID:   m.ID,
			StampsBalance:  m.StampsBalance,
			TotalEarned:    m.TotalEarned,
			TotalRedeemed:  m.TotalRedeemed,
			LedgerEarned:   earned,
			LedgerRedeemed: redeemed,
		}
		issues = append(issues, issue)

		zap.L().Warn("membership balance out of sync with ledgers",
			zap.String("membership_id", m.ID),
			zap.Int64("stamps_balance", m.StampsBalance),
			zap.Int64("ledger_earned", earned),
			zap.Int64("ledger_redeemed", redeemed),
		)
	}

	return issues, nil
}
