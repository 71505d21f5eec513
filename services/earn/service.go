package earn

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"localspot-loyalty/pkg/db/option"
	"localspot-loyalty/pkg/db/pagination"
	"localspot-loyalty/pkg/errutil"
	"localspot-loyalty/pkg/repository"
	"localspot-loyalty/pkg/task"
	"localspot-loyalty/pkg/token"
	"localspot-loyalty/services/membership"
	"localspot-loyalty/services/program"
	"localspot-loyalty/services/walletsync"
)

type Service struct {
	db       *gorm.DB
	node     *snowflake.Node
	verifier token.Verifier
	asynq    task.Enqueuer

	events      repository.Repository[LoyaltyEarnEvent]
	memberships repository.Repository[membership.LoyaltyMembership]
	programs    repository.Repository[program.LoyaltyProgram]
}

type ServiceParams struct {
	fx.In
	DB       *gorm.DB
	Node     *snowflake.Node
	Verifier token.Verifier
	Asynq    task.Enqueuer `optional:"true"`
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:          p.DB,
		node:        p.Node,
		verifier:    p.Verifier,
		asynq:       p.Asynq,
		events:      repository.ProvideStore[LoyaltyEarnEvent](p.DB),
		memberships: repository.ProvideStore[membership.LoyaltyMembership](p.DB),
		programs:    repository.ProvideStore[program.LoyaltyProgram](p.DB),
	}
}

type Result struct {
	Success     bool         `json:"success"`
	NewBalance  int64        `json:"new_balance,omitempty"`
	RewardReady bool         `json:"reward_ready,omitempty"`
	Rejected    RejectReason `json:"rejected,omitempty"`
}

// Earn validates and applies a single earn attempt. Validation is fail-fast in
// spec order: program active, proof token, daily cap, minimum gap. Every
// rejection is persisted as a valid=false event for the fraud audit trail; the
// balance is only touched on the success path, atomically with its event row.
func (s *Service) Earn(ctx context.Context, programPublicID, walletPassID, proofToken string) (*Result, error) {
	span := trace.SpanFromContext(ctx)
	defer span.End()

	zapLog := zap.L().With(
		zap.String("trace_id", span.SpanContext().TraceID().String()),
		zap.String("program_public_id", programPublicID),
		zap.String("wallet_pass_id", walletPassID),
	)

	prog, err := s.programs.FindOne(ctx, &program.LoyaltyProgram{PublicID: programPublicID})
	if err != nil {
		return nil, err
	}
	if prog == nil {
		return nil, errutil.NotFound("program not found")
	}

	m, err := s.memberships.FindOne(ctx, &membership.LoyaltyMembership{
		ProgramID:    prog.ID,
		WalletPassID: walletPassID,
	})
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, errutil.NotFound("membership not found, join the program first")
	}

	if prog.Status != program.StatusActive {
		return s.reject(ctx, zapLog, prog, m, "", ReasonProgramInactive)
	}

	claims, err := s.verifier.Verify(ctx, prog.BusinessID, proofToken)
	if err != nil {
		switch {
		case errors.Is(err, token.ErrTokenReused):
			return s.reject(ctx, zapLog, prog, m, "", ReasonTokenReused)
		case errors.Is(err, token.ErrTokenExpired), errors.Is(err, token.ErrTokenInvalid):
			return s.reject(ctx, zapLog, prog, m, "", ReasonInvalidToken)
		default:
			return nil, err
		}
	}

	result := &Result{}
	now := time.Now()

	if err := s.db.Transaction(func(tx *gorm.DB) error {
		membershipsTx := s.memberships.WithTrx(tx)
		eventsTx := s.events.WithTrx(tx)

		// Lock the membership row so concurrent earns for the same member
		// serialize; the rate-limit count below must see committed peers.
		locked, err := membershipsTx.FindOne(ctx,
			&membership.LoyaltyMembership{ID: m.ID},
			option.WithLockingUpdate(),
		)
		if err != nil {
			return err
		}
		if locked == nil {
			return errutil.NotFound("membership not found")
		}

		startOfDay := now.UTC().Truncate(24 * time.Hour)
		todayCount, err := eventsTx.Count(ctx,
			&LoyaltyEarnEvent{MembershipID: locked.ID, Valid: true},
			option.ApplyOperator(option.Condition{Field: "earned_at", Operator: option.GTE, Value: startOfDay}),
		)
		if err != nil {
			return err
		}
		if todayCount >= int64(prog.MaxEarnsPerDay) {
			result.Rejected = ReasonDailyLimit
			return eventsTx.Create(ctx, s.newEvent(prog, locked, claims.ID, false, 0, ReasonDailyLimit, now))
		}

		if prog.MinGapMinutes > 0 {
			last, err := eventsTx.FindOne(ctx,
				&LoyaltyEarnEvent{MembershipID: locked.ID, Valid: true},
				option.WithSortBy(option.QuerySortBy{
					SortBy:  "earned_at",
					OrderBy: "desc",
					Allow:   map[string]bool{"earned_at": true},
				}),
			)
			if err != nil {
				return err
			}
			if last != nil && now.Sub(last.EarnedAt) < time.Duration(prog.MinGapMinutes)*time.Minute {
				result.Rejected = ReasonTooSoon
				return eventsTx.Create(ctx, s.newEvent(prog, locked, claims.ID, false, 0, ReasonTooSoon, now))
			}
		}

		amount := prog.EarnAmount()
		if err := eventsTx.Create(ctx, s.newEvent(prog, locked, claims.ID, true, amount, "", now)); err != nil {
			return err
		}

		res := tx.Model(&membership.LoyaltyMembership{}).
			Where("id = ?", locked.ID).
			Updates(map[string]any{
				"stamps_balance": gorm.Expr("stamps_balance + ?", amount),
				"total_earned":   gorm.Expr("total_earned + ?", amount),
				"last_active_at": now,
				"updated_at":     now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errutil.Conflict("membership changed concurrently, try again")
		}

		result.Success = true
		result.NewBalance = locked.StampsBalance + amount
		result.RewardReady = prog.RewardThreshold > 0 && result.NewBalance >= int64(prog.RewardThreshold)
		return nil
	}); err != nil {
		zapLog.Error("earn transaction failed", zap.Error(err))
		return nil, err
	}

	if result.Rejected != "" {
		zapLog.Info("earn rejected", zap.String("reason", string(result.Rejected)))
		return result, nil
	}

	s.enqueueSync(zapLog, m.ID, span)

	zapLog.Info("earn applied",
		zap.Int64("new_balance", result.NewBalance),
		zap.Bool("reward_ready", result.RewardReady),
	)
	return result, nil
}

type HistoryResult struct {
	Events   []*LoyaltyEarnEvent `json:"events"`
	PageInfo pagination.PageInfo `json:"page_info"`
}

// History pages through a membership's earn attempts, newest first. Rejected
// attempts are included; this is the member-facing audit view.
func (s *Service) History(ctx context.Context, membershipID string, page pagination.Pagination) (*HistoryResult, error) {
	limit := page.Limit
	if limit <= 0 {
		limit = 10
	}

	opts := []option.QueryOption{
		option.WithSortBy(option.QuerySortBy{
			SortBy:  "earned_at",
			OrderBy: "desc",
			Allow:   map[string]bool{"earned_at": true},
		}),
		option.ApplyPagination(pagination.Pagination{Limit: limit + 1}),
	}
	if page.Cursor != "" {
		cursor, err := pagination.DecodeCursor(page.Cursor)
		if err != nil {
			return nil, errutil.BadRequest("invalid cursor")
		}
		before, err := time.Parse(time.RFC3339Nano, cursor.CreatedAt)
		if err != nil {
			return nil, errutil.BadRequest("invalid cursor")
		}
		opts = append(opts, option.ApplyOperator(option.Condition{
			Field:    "earned_at",
			Operator: option.LT,
			Value:    before,
		}))
	}

	events, err := s.events.Find(ctx, &LoyaltyEarnEvent{MembershipID: membershipID}, opts...)
	if err != nil {
		return nil, err
	}

	hasMore := len(events) > limit
	if hasMore {
		events = events[:limit]
	}

	var next string
	if hasMore {
		last := events[len(events)-1]
		next, err = pagination.EncodeCursor(pagination.Cursor{
			CreatedAt: last.EarnedAt.UTC().Format(time.RFC3339Nano),
			ID:        last.ID,
		})
		if err != nil {
			return nil, err
		}
	}

	return &HistoryResult{
		Events:   events,
		PageInfo: pagination.PageInfo{NextCursor: next, HasMore: hasMore},
	}, nil
}

// reject records an audited rejection that happened before the transaction
// (inactive program, bad token). The event insert is best-effort ordering-wise
// but must not be dropped silently.
func (s *Service) reject(ctx context.Context, zapLog *zap.Logger, prog *program.LoyaltyProgram, m *membership.LoyaltyMembership, tokenID string, reason RejectReason) (*Result, error) {
	if err := s.events.Create(ctx, s.newEvent(prog, m, tokenID, false, 0, reason, time.Now())); err != nil {
		zapLog.Error("failed to record earn rejection", zap.Error(err))
		return nil, err
	}

	zapLog.Info("earn rejected", zap.String("reason", string(reason)))
	return &Result{Rejected: reason}, nil
}

func (s *Service) newEvent(prog *program.LoyaltyProgram, m *membership.LoyaltyMembership, tokenID string, valid bool, amount int64, reason RejectReason, at time.Time) *LoyaltyEarnEvent {
	return &LoyaltyEarnEvent{
		ID:           s.node.Generate().String(),
		BusinessID:   prog.BusinessID,
		ProgramID:    prog.ID,
		MembershipID: m.ID,
		WalletPassID: m.WalletPassID,
		Valid:        valid,
		RejectReason: reason,
		Amount:       amount,
		TokenID:      tokenID,
		EarnedAt:     at,
	}
}

// enqueueSync fires the wallet mirror update after the ledger transaction has
// committed. A failed enqueue is logged and left to reconciliation; it never
// unwinds the earn.
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
