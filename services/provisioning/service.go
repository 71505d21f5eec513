package provisioning

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"localspot-loyalty/pkg/db/option"
	"localspot-loyalty/pkg/errutil"
	"localspot-loyalty/pkg/repository"
	"localspot-loyalty/pkg/task"
	"localspot-loyalty/services/notify"
	"localspot-loyalty/services/program"
)

// Service is the admin side of the provisioning workflow: it takes a submitted
// pass request, records the wallet platform bindings the operator created by
// hand, and activates the program.
type Service struct {
	db    *gorm.DB
	asynq task.Enqueuer

	requests repository.Repository[program.LoyaltyPassRequest]
	programs repository.Repository[program.LoyaltyProgram]
}

type ServiceParams struct {
	fx.In
	DB    *gorm.DB
	Asynq task.Enqueuer `optional:"true"`
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:       p.DB,
		asynq:    p.Asynq,
		requests: repository.ProvideStore[program.LoyaltyPassRequest](p.DB),
		programs: repository.ProvideStore[program.LoyaltyProgram](p.DB),
	}
}

type ActivateInput struct {
	RequestID  string `json:"-"`
	ReviewedBy string `json:"reviewed_by"`

	TemplateID string `json:"walletpush_template_id"`
	APIKey     string `json:"walletpush_api_key"`
	PassTypeID string `json:"walletpush_pass_type_id"`
}

// ListPending returns requests still waiting for an operator.
func (s *Service) ListPending(ctx context.Context) ([]*program.LoyaltyPassRequest, error) {
	return s.requests.Find(ctx, &program.LoyaltyPassRequest{Status: program.RequestSubmitted})
}

func (s *Service) GetRequest(ctx context.Context, requestID string) (*program.LoyaltyPassRequest, error) {
	r, err := s.requests.FindOne(ctx, &program.LoyaltyPassRequest{ID: requestID})
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, errutil.NotFound("pass request not found")
	}
	return r, nil
}

// Activate binds the operator-created wallet template to the program and moves
// both records forward in one transaction. Member-facing earn starts the moment
// this commits.
func (s *Service) Activate(ctx context.Context, in ActivateInput) (*program.LoyaltyProgram, error) {
	span := trace.SpanFromContext(ctx)
	defer span.End()

	zapLog := zap.L().With(
		zap.String("trace_id", span.SpanContext().TraceID().String()),
		zap.String("request_id", in.RequestID),
	)

	if in.ReviewedBy == "" {
		return nil, errutil.ValidationFailed("reviewed_by is required")
	}
	if in.TemplateID == "" || in.APIKey == "" || in.PassTypeID == "" {
		return nil, errutil.ValidationFailed("template, api key and pass type bindings are all required")
	}

	var activated *program.LoyaltyProgram
	if err := s.db.Transaction(func(tx *gorm.DB) error {
		requestsTx := s.requests.WithTrx(tx)
		programsTx := s.programs.WithTrx(tx)

		r, err := requestsTx.FindOne(ctx, &program.LoyaltyPassRequest{ID: in.RequestID}, option.WithLockingUpdate())
		if err != nil {
			return err
		}
		if r == nil {
			return errutil.NotFound("pass request not found")
		}
		if r.Status != program.RequestSubmitted {
			return errutil.Conflict(fmt.Sprintf("pass request already %s", r.Status))
		}

		p, err := programsTx.FindOne(ctx, &program.LoyaltyProgram{ID: r.ProgramID}, option.WithLockingUpdate())
		if err != nil {
			return err
		}
		if p == nil {
			return errutil.NotFound("program not found")
		}
		if p.Status != program.StatusSubmitted {
			return errutil.Conflict(fmt.Sprintf("program is %s, expected submitted", p.Status))
		}

		now := time.Now()
		if err := requestsTx.Update(ctx, r.ID, map[string]any{
			"status":                  program.RequestIssued,
			"reviewed_by":             in.ReviewedBy,
			"walletpush_template_id":  in.TemplateID,
			"walletpush_pass_type_id": in.PassTypeID,
			"updated_at":              now,
		}); err != nil {
			return err
		}

		if err := programsTx.Update(ctx, p.ID, map[string]any{
			"status":                  program.StatusActive,
			"walletpush_template_id":  in.TemplateID,
			"walletpush_api_key":      in.APIKey,
			"walletpush_pass_type_id": in.PassTypeID,
			"updated_at":              now,
		}); err != nil {
			return err
		}

		p.Status = program.StatusActive
		p.WalletPushTemplateID = in.TemplateID
		p.WalletPushAPIKey = in.APIKey
		p.WalletPushPassTypeID = in.PassTypeID
		activated = p
		return nil
	}); err != nil {
		zapLog.Error("failed to activate program", zap.Error(err))
		return nil, err
	}

	if s.asynq != nil {
		t := notify.NewProgramActivatedTask(notify.ProgramEventPayload{
			BusinessID: activated.BusinessID,
			ProgramID:  activated.ID,
			RequestID:  in.RequestID,
			ReviewedBy: in.ReviewedBy,
		})
		if _, err := s.asynq.Enqueue(t); err != nil {
			zapLog.Error("failed to enqueue activation notification", zap.Error(err))
		}
	}

	zapLog.Info("program activated",
		zap.String("program_id", activated.ID),
		zap.String("reviewed_by", in.ReviewedBy),
	)
	return activated, nil
}
