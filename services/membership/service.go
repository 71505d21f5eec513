package membership

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"localspot-loyalty/pkg/errutil"
	"localspot-loyalty/pkg/repository"
	"localspot-loyalty/services/program"
)

// IssuedPass is the result of a successful external pass issuance.
type IssuedPass struct {
	Serial    string `json:"serial"`
	AppleURL  string `json:"apple_url,omitempty"`
	GoogleURL string `json:"google_url,omitempty"`
}

// PassIssuer issues a wallet pass for a fresh membership. Implementations are
// best-effort: a nil result means no pass, never a failed join.
type PassIssuer interface {
	IssuePass(ctx context.Context, p *program.LoyaltyProgram, m *LoyaltyMembership) *IssuedPass
}

type Service struct {
	db     *gorm.DB
	node   *snowflake.Node
	issuer PassIssuer

	memberships repository.Repository[LoyaltyMembership]
	programs    repository.Repository[program.LoyaltyProgram]
}

type ServiceParams struct {
	fx.In
	DB     *gorm.DB
	Node   *snowflake.Node
	Issuer PassIssuer `optional:"true"`
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:          p.DB,
		node:        p.Node,
		issuer:      p.Issuer,
		memberships: repository.ProvideStore[LoyaltyMembership](p.DB),
		programs:    repository.ProvideStore[program.LoyaltyProgram](p.DB),
	}
}

type Profile struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

type JoinResult struct {
	Membership    *LoyaltyMembership `json:"membership"`
	AlreadyMember bool               `json:"already_member"`
	Pass          *IssuedPass        `json:"pass,omitempty"`
}

// Join creates the membership for (program, wallet pass) or returns the
// existing one. Two devices racing to join resolve through the unique
// constraint: insert first, refetch on conflict. A pre-existence check alone
// would be a TOCTOU bug.
func (s *Service) Join(ctx context.Context, programPublicID, walletPassID string, profile Profile) (*JoinResult, error) {
	span := trace.SpanFromContext(ctx)
	defer span.End()

	zapLog := zap.L().With(
		zap.String("trace_id", span.SpanContext().TraceID().String()),
		zap.String("program_public_id", programPublicID),
		zap.String("wallet_pass_id", walletPassID),
	)

	if walletPassID == "" {
		return nil, errutil.ValidationFailed("wallet_pass_id is required")
	}

	prog, err := s.programs.FindOne(ctx, &program.LoyaltyProgram{PublicID: programPublicID})
	if err != nil {
		zapLog.Error("failed to resolve program", zap.Error(err))
		return nil, err
	}
	if prog == nil {
		return nil, errutil.NotFound("program not found")
	}
	if prog.Status != program.StatusActive && prog.Status != program.StatusPaused {
		return nil, errutil.Conflict("program is not accepting members yet")
	}

	now := time.Now()
	m := &LoyaltyMembership{
		ID:           s.node.Generate().String(),
		ProgramID:    prog.ID,
		WalletPassID: walletPassID,
		BusinessID:   prog.BusinessID,
		Status:       StatusActive,
		JoinedAt:     now,
		ProfileName:  profile.Name,
		ProfileEmail: profile.Email,
	}

	if err := s.memberships.Create(ctx, m); err != nil {
		existing, findErr := s.memberships.FindOne(ctx, &LoyaltyMembership{
			ProgramID:    prog.ID,
			WalletPassID: walletPassID,
		})
		if findErr != nil {
			zapLog.Error("failed to refetch membership after conflict", zap.Error(findErr))
			return nil, findErr
		}
		if existing == nil {
			zapLog.Error("failed to create membership", zap.Error(err))
			return nil, err
		}

		zapLog.Info("join resolved to existing membership", zap.String("membership_id", existing.ID))
		return &JoinResult{Membership: existing, AlreadyMember: true, Pass: existing.pass()}, nil
	}

	result := &JoinResult{Membership: m}

	if s.issuer != nil && prog.Credentials().Complete() {
		if pass := s.issuer.IssuePass(ctx, prog, m); pass != nil {
			if err := s.memberships.Update(ctx, m.ID, map[string]any{
				"walletpush_serial": pass.Serial,
				"updated_at":        time.Now(),
			}); err != nil {
				zapLog.Error("failed to record pass serial", zap.Error(err))
			} else {
				m.WalletPushSerial = &pass.Serial
				result.Pass = pass
			}
		}
	}

	zapLog.Info("membership created", zap.String("membership_id", m.ID))
	return result, nil
}

func (m *LoyaltyMembership) pass() *IssuedPass {
	if m.WalletPushSerial == nil || *m.WalletPushSerial == "" {
		return nil
	}
	return &IssuedPass{Serial: *m.WalletPushSerial}
}

func (s *Service) GetByID(ctx context.Context, membershipID string) (*LoyaltyMembership, error) {
	m, err := s.memberships.FindOne(ctx, &LoyaltyMembership{ID: membershipID})
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, errutil.NotFound("membership not found")
	}
	return m, nil
}

func (s *Service) GetByPass(ctx context.Context, programID, walletPassID string) (*LoyaltyMembership, error) {
	m, err := s.memberships.FindOne(ctx, &LoyaltyMembership{
		ProgramID:    programID,
		WalletPassID: walletPassID,
	})
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, errutil.NotFound("membership not found")
	}
	return m, nil
}

// Deactivate soft-disables a membership. Rows are never deleted; the event
// ledgers keep referencing them.
func (s *Service) Deactivate(ctx context.Context, membershipID string) error {
	m, err := s.GetByID(ctx, membershipID)
	if err != nil {
		return err
	}

	return s.memberships.Update(ctx, m.ID, map[string]any{
		"status":     StatusInactive,
		"updated_at": time.Now(),
	})
}
