package program

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gosimple/slug"
	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"localspot-loyalty/pkg/db/option"
	"localspot-loyalty/pkg/errutil"
	"localspot-loyalty/pkg/repository"
	"localspot-loyalty/pkg/sequence"
	"localspot-loyalty/pkg/task"
	"localspot-loyalty/services/notify"
)

type Service struct {
	db    *gorm.DB
	node  *snowflake.Node
	seq   sequence.Generator
	asynq task.Enqueuer

	programs repository.Repository[LoyaltyProgram]
	requests repository.Repository[LoyaltyPassRequest]
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
		db:       p.DB,
		node:     p.Node,
		seq:      p.Seq,
		asynq:    p.Asynq,
		programs: repository.ProvideStore[LoyaltyProgram](p.DB),
		requests: repository.ProvideStore[LoyaltyPassRequest](p.DB),
	}
}

type DraftInput struct {
	BusinessName      string      `json:"business_name"`
	Type              ProgramType `json:"type"`
	RewardThreshold   int         `json:"reward_threshold"`
	RewardDescription string      `json:"reward_description"`
	StampLabel        string      `json:"stamp_label"`
	Instructions      string      `json:"instructions"`
	Terms             string      `json:"terms"`
	EarnMode          EarnMode    `json:"earn_mode"`
	PointsPerEarn     int         `json:"points_per_earn"`
	MaxEarnsPerDay    int         `json:"max_earns_per_day"`
	MinGapMinutes     int         `json:"min_gap_minutes"`
	CardColor         string      `json:"card_color"`
	TextColor         string      `json:"text_color"`
	LogoURL           string      `json:"logo_url"`
	StripImageURL     string      `json:"strip_image_url"`
}

// CreateDraft creates the single program a business may own. A second create
// reports the existing program's status so the caller can reconcile.
func (s *Service) CreateDraft(ctx context.Context, businessID string, in DraftInput) (*LoyaltyProgram, error) {
	span := trace.SpanFromContext(ctx)
	defer span.End()

	zapLog := zap.L().With(
		zap.String("trace_id", span.SpanContext().TraceID().String()),
		zap.String("business_id", businessID),
	)

	if businessID == "" {
		return nil, errutil.ValidationFailed("business_id is required")
	}

	exist, err := s.programs.FindOne(ctx, &LoyaltyProgram{BusinessID: businessID})
	if err != nil {
		zapLog.Error("failed to query existing program", zap.Error(err))
		return nil, err
	}
	if exist != nil {
		return nil, errutil.Conflict(fmt.Sprintf("program already exists with status %q", exist.Status))
	}

	programType := in.Type
	if programType == "" {
		programType = TypeStamp
	}
	earnMode := in.EarnMode
	if earnMode == "" {
		earnMode = EarnPerVisit
	}

	maxEarns := in.MaxEarnsPerDay
	if maxEarns == 0 {
		maxEarns = 3
	}
	minGap := in.MinGapMinutes
	if err := validateKnobs(maxEarns, minGap); err != nil {
		return nil, err
	}

	pointsPerEarn := in.PointsPerEarn
	if pointsPerEarn == 0 {
		pointsPerEarn = 1
	}

	p := &LoyaltyProgram{
		ID:                s.node.Generate().String(),
		BusinessID:        businessID,
		PublicID:          s.publicID(in.BusinessName, businessID),
		Status:            StatusDraft,
		Type:              programType,
		RewardThreshold:   in.RewardThreshold,
		RewardDescription: in.RewardDescription,
		StampLabel:        in.StampLabel,
		Instructions:      in.Instructions,
		Terms:             in.Terms,
		EarnMode:          earnMode,
		PointsPerEarn:     pointsPerEarn,
		MaxEarnsPerDay:    maxEarns,
		MinGapMinutes:     minGap,
		CardColor:         in.CardColor,
		TextColor:         in.TextColor,
		LogoURL:           in.LogoURL,
		StripImageURL:     in.StripImageURL,
	}

	if err := s.programs.Create(ctx, p); err != nil {
		zapLog.Error("failed to create program draft", zap.Error(err))
		return nil, err
	}

	zapLog.Info("program draft created", zap.String("program_id", p.ID))
	return p, nil
}

func (s *Service) GetByPublicID(ctx context.Context, publicID string) (*LoyaltyProgram, error) {
	p, err := s.programs.FindOne(ctx, &LoyaltyProgram{PublicID: publicID})
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, errutil.NotFound("program not found")
	}
	return p, nil
}

func (s *Service) GetByBusiness(ctx context.Context, businessID string) (*LoyaltyProgram, error) {
	p, err := s.programs.FindOne(ctx, &LoyaltyProgram{BusinessID: businessID})
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, errutil.NotFound("program not found")
	}
	return p, nil
}

// SelfServiceUpdate is the allow-list of fields a business owner may edit after
// activation. Nothing here feeds the externally-issued pass template.
type SelfServiceUpdate struct {
	RewardDescription *string `json:"reward_description"`
	StampLabel        *string `json:"stamp_label"`
	Instructions      *string `json:"instructions"`
	Terms             *string `json:"terms"`
	MaxEarnsPerDay    *int    `json:"max_earns_per_day"`
	MinGapMinutes     *int    `json:"min_gap_minutes"`
}

func (s *Service) UpdateSelfService(ctx context.Context, businessID string, in SelfServiceUpdate) (*LoyaltyProgram, error) {
	span := trace.SpanFromContext(ctx)
	defer span.End()

	p, err := s.GetByBusiness(ctx, businessID)
	if err != nil {
		return nil, err
	}

	if p.Status != StatusActive && p.Status != StatusPaused {
		return nil, errutil.Conflict(fmt.Sprintf("self-service edits require active or paused program, current status %q", p.Status))
	}

	maxEarns := p.MaxEarnsPerDay
	if in.MaxEarnsPerDay != nil {
		maxEarns = *in.MaxEarnsPerDay
	}
	minGap := p.MinGapMinutes
	if in.MinGapMinutes != nil {
		minGap = *in.MinGapMinutes
	}
	if err := validateKnobs(maxEarns, minGap); err != nil {
		return nil, err
	}

	updates := map[string]any{
		"max_earns_per_day": maxEarns,
		"min_gap_minutes":   minGap,
		"updated_at":        time.Now(),
	}
	if in.RewardDescription != nil {
		updates["reward_description"] = *in.RewardDescription
	}
	if in.StampLabel != nil {
		updates["stamp_label"] = *in.StampLabel
	}
	if in.Instructions != nil {
		updates["instructions"] = *in.Instructions
	}
	if in.Terms != nil {
		updates["terms"] = *in.Terms
	}

	if err := s.programs.Update(ctx, p.ID, updates); err != nil {
		zap.L().Error("failed to update program", zap.String("program_id", p.ID), zap.Error(err))
		return nil, err
	}

	return s.GetByBusiness(ctx, businessID)
}

// Submit freezes the current design into a LoyaltyPassRequest and hands the
// program to admin provisioning. Valid only from draft.
func (s *Service) Submit(ctx context.Context, businessID string) (*LoyaltyPassRequest, error) {
	span := trace.SpanFromContext(ctx)
	defer span.End()

	zapLog := zap.L().With(
		zap.String("trace_id", span.SpanContext().TraceID().String()),
		zap.String("business_id", businessID),
	)

	var request *LoyaltyPassRequest
	if err := s.db.Transaction(func(tx *gorm.DB) error {
		programsTx := s.programs.WithTrx(tx)

		p, err := programsTx.FindOne(ctx, &LoyaltyProgram{BusinessID: businessID}, option.WithLockingUpdate())
		if err != nil {
			return err
		}
		if p == nil {
			return errutil.NotFound("program not found")
		}

		if p.Status != StatusDraft {
			return errutil.Conflict(fmt.Sprintf("program already %s", p.Status))
		}

		if p.RewardThreshold <= 0 {
			return errutil.ValidationFailed("reward_threshold must be greater than zero")
		}
		if p.RewardDescription == "" {
			return errutil.ValidationFailed("reward_description is required")
		}

		spec, err := json.Marshal(p.Spec())
		if err != nil {
			return err
		}

		request = &LoyaltyPassRequest{
			ID:             s.node.Generate().String(),
			Code:           s.requestCode(ctx),
			ProgramID:      p.ID,
			BusinessID:     p.BusinessID,
			DesignSpecJSON: datatypes.JSON(spec),
			Status:         RequestSubmitted,
		}
		if err := s.requests.WithTrx(tx).Create(ctx, request); err != nil {
			return err
		}

		return programsTx.Update(ctx, p.ID, map[string]any{
			"status":     StatusSubmitted,
			"updated_at": time.Now(),
		})
	}); err != nil {
		zapLog.Error("failed to submit program for provisioning", zap.Error(err))
		return nil, err
	}

	s.enqueueNotify(notify.NewProgramSubmittedTask(notify.ProgramEventPayload{
		BusinessID:  businessID,
		ProgramID:   request.ProgramID,
		RequestID:   request.ID,
		RequestCode: request.Code,
	}))

	zapLog.Info("program submitted for provisioning", zap.String("request_id", request.ID))
	return request, nil
}

func (s *Service) Pause(ctx context.Context, businessID string) (*LoyaltyProgram, error) {
	return s.flipStatus(ctx, businessID, StatusActive, StatusPaused)
}

func (s *Service) Resume(ctx context.Context, businessID string) (*LoyaltyProgram, error) {
	return s.flipStatus(ctx, businessID, StatusPaused, StatusActive)
}

func (s *Service) flipStatus(ctx context.Context, businessID string, from, to ProgramStatus) (*LoyaltyProgram, error) {
	p, err := s.GetByBusiness(ctx, businessID)
	if err != nil {
		return nil, err
	}

	if p.Status != from {
		return nil, errutil.Conflict(fmt.Sprintf("cannot move program from %q to %q", p.Status, to))
	}

	if err := s.programs.Update(ctx, p.ID, map[string]any{
		"status":     to,
		"updated_at": time.Now(),
	}); err != nil {
		return nil, err
	}

	p.Status = to
	return p, nil
}

func (s *Service) enqueueNotify(t *asynq.Task) {
	if s.asynq == nil {
		return
	}
	if _, err := s.asynq.Enqueue(t); err != nil {
		zap.L().Error("failed to enqueue notification task", zap.String("task_type", t.Type()), zap.Error(err))
	}
}

func (s *Service) publicID(businessName, businessID string) string {
	base := slug.Make(businessName)
	if base == "" {
		base = slug.Make(businessID)
	}
	suffix := s.node.Generate().String()
	if len(suffix) > 4 {
		suffix = suffix[len(suffix)-4:]
	}
	return fmt.Sprintf("%s-%s", base, suffix)
}

func (s *Service) requestCode(ctx context.Context) string {
	if s.seq != nil {
		if code, err := s.seq.NextPassRequestCode(ctx); err == nil {
			return code
		}
	}
	return sequence.RandomCode("REQ")
}

func validateKnobs(maxEarnsPerDay, minGapMinutes int) error {
	if maxEarnsPerDay < MinEarnsPerDay || maxEarnsPerDay > MaxEarnsPerDay {
		return errutil.ValidationFailed(
			fmt.Sprintf("max_earns_per_day must be between %d and %d", MinEarnsPerDay, MaxEarnsPerDay),
			errutil.WithDetails(errutil.Detail{Field: "max_earns_per_day", Message: "out of range"}),
		)
	}
	if minGapMinutes < MinGapMinutesLow || minGapMinutes > MinGapMinutesHi {
		return errutil.ValidationFailed(
			fmt.Sprintf("min_gap_minutes must be between %d and %d", MinGapMinutesLow, MinGapMinutesHi),
			errutil.WithDetails(errutil.Detail{Field: "min_gap_minutes", Message: "out of range"}),
		)
	}
	return nil
}
