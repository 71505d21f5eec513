package redemption

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"localspot-loyalty/pkg/errutil"
	"localspot-loyalty/pkg/repository"
	"localspot-loyalty/pkg/sequence"
	"localspot-loyalty/pkg/task"
	"localspot-loyalty/services/membership"
	"localspot-loyalty/services/program"
	"localspot-loyalty/services/walletsync"
)

type Service struct {
	db    *gorm.DB
	node  *snowflake.Node
	seq   sequence.Generator
	asynq task.Enqueuer

	redemptions repository.Repository[LoyaltyRedemption]
	memberships repository.Repository[membership.LoyaltyMembership]
	programs    repository.Repository[program.LoyaltyProgram]
}

type ServiceParams struct {
	fx.In
	DB    *gorm.DB
	Node  *snowflake.Node
	Seq   sequence.Generator `optional:"true"`
	Asynq task.Enqueuer      `optional:"true"`
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:          p.DB,
		node:        p.Node,
		seq:         p.Seq,
		asynq:       p.Asynq,
		redemptions: repository.ProvideStore[LoyaltyRedemption](p.DB),
		memberships: repository.ProvideStore[membership.LoyaltyMembership](p.DB),
		programs:    repository.ProvideStore[program.LoyaltyProgram](p.DB),
	}
}

type Result struct {
	RedemptionID     string `json:"redemption_id"`
	Code             string `json:"code"`
	RemainingBalance int64  `json:"remaining_balance"`
}

// IsInsufficientBalance reports whether err is the not-enough-stamps rejection.
func IsInsufficientBalance(err error) bool {
	var base errutil.BaseError
	return errors.As(err, &base) && base.Code == errutil.StatusUnprocessableEntity
}

// Redeem consumes one reward. The balance check and decrement are a single
// conditional UPDATE: two racing redeems against one threshold's worth of
// balance resolve to exactly one success, however the transactions interleave.
func (s *Service) Redeem(ctx context.Context, membershipID string) (*Result, error) {
	span := trace.SpanFromContext(ctx)
	defer span.End()

	zapLog := zap.L().With(
		zap.String("trace_id", span.SpanContext().TraceID().String()),
		zap.String("membership_id", membershipID),
	)

	m, err := s.memberships.FindOne(ctx, &membership.LoyaltyMembership{ID: membershipID})
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, errutil.NotFound("membership not found")
	}

	prog, err := s.programs.FindOne(ctx, &program.LoyaltyProgram{ID: m.ProgramID})
	if err != nil {
		return nil, err
	}
	if prog == nil {
		return nil, errutil.NotFound("program not found")
	}
	if prog.RewardThreshold <= 0 {
		return nil, errutil.Conflict("program has no reward threshold configured")
	}

	threshold := int64(prog.RewardThreshold)
	now := time.Now()
	result := &Result{}

	if err := s.db.Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&membership.LoyaltyMembership{}).
			Where("id = ? AND stamps_balance >= ?", m.ID, threshold).
			Updates(map[string]any{
				"stamps_balance": gorm.Expr("stamps_balance - ?", threshold),
				"total_redeemed": gorm.Expr("total_redeemed + ?", threshold),
				"last_active_at": now,
				"updated_at":     now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errutil.UnprocessableEntity("not enough stamps yet")
		}

		after, err := s.memberships.WithTrx(tx).FindOne(ctx, &membership.LoyaltyMembership{ID: m.ID})
		if err != nil {
			return err
		}
		if after == nil {
			return errutil.NotFound("membership not found")
		}

		r := &LoyaltyRedemption{
			ID:                s.node.Generate().String(),
			BusinessID:        m.BusinessID,
			ProgramID:         prog.ID,
			MembershipID:      m.ID,
			WalletPassID:      m.WalletPassID,
			Code:              s.redemptionCode(ctx, m.BusinessID),
			RewardDescription: prog.RewardDescription,
			StampsDeducted:    threshold,
			Status:            StatusConsumed,
			ConsumedAt:        now,
		}
		if err := s.redemptions.WithTrx(tx).Create(ctx, r); err != nil {
			return err
		}

		result.RedemptionID = r.ID
		result.Code = r.Code
		result.RemainingBalance = after.StampsBalance
		return nil
	}); err != nil {
		if IsInsufficientBalance(err) {
			zapLog.Info("redemption rejected, insufficient balance")
		} else {
			zapLog.Error("redemption transaction failed", zap.Error(err))
		}
		return nil, err
	}

	s.enqueueSync(zapLog, m.ID, span)

	zapLog.Info("reward redeemed",
		zap.String("redemption_id", result.RedemptionID),
		zap.Int64("remaining_balance", result.RemainingBalance),
	)
	return result, nil
}

// Flag marks a redemption for fraud review. It never reverses the redemption
// or restores balance; any reversal is a manual adjustment outside this engine.
func (s *Service) Flag(ctx context.Context, redemptionID, reviewerID, reason string) (*LoyaltyRedemption, error) {
	if reason == "" {
		return nil, errutil.ValidationFailed("flag reason is required")
	}

	r, err := s.redemptions.FindOne(ctx, &LoyaltyRedemption{ID: redemptionID})
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, errutil.NotFound("redemption not found")
	}
	if r.FlaggedAt != nil {
		return nil, errutil.Conflict("redemption already flagged")
	}

	now := time.Now()
	if err := s.redemptions.Update(ctx, r.ID, map[string]any{
		"status":         StatusFlagged,
		"flagged_at":     now,
		"flagged_by":     reviewerID,
		"flagged_reason": reason,
	}); err != nil {
		return nil, err
	}

	r.Status = StatusFlagged
	r.FlaggedAt = &now
	r.FlaggedBy = reviewerID
	r.FlaggedReason = reason

	zap.L().Info("redemption flagged",
		zap.String("redemption_id", r.ID),
		zap.String("flagged_by", reviewerID),
	)
	return r, nil
}

func (s *Service) ListFlagged(ctx context.Context, businessID string) ([]*LoyaltyRedemption, error) {
	return s.redemptions.Find(ctx, &LoyaltyRedemption{
		BusinessID: businessID,
		Status:     StatusFlagged,
	})
}

func (s *Service) redemptionCode(ctx context.Context, businessID string) string {
	if s.seq != nil {
		if code, err := s.seq.NextRedemptionCode(ctx, businessID); err == nil {
			return code
		}
	}
	return sequence.RandomCode("RDM")
}

func (s *Service) enqueueSync(zapLog *zap.Logger, membershipID string, span trace.Span) {
	if s.asynq == nil {
		return
	}

	t := walletsync.NewPushBalanceTask(walletsync.PushBalancePayload{
		MembershipID: membershipID,
		Notify:       true,
		TraceID:      span.SpanContext().TraceID().String(),
	})
	if _, err := s.asynq.Enqueue(t); err != nil {
		zapLog.Error("failed to enqueue wallet sync", zap.Error(err))
	}
}
