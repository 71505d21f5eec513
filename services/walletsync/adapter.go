package walletsync

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"localspot-loyalty/pkg/repository"
	"localspot-loyalty/pkg/walletpush"
	"localspot-loyalty/services/membership"
	"localspot-loyalty/services/program"
)

// Adapter is the only component that talks to the wallet-pass provider. The
// ledger is authoritative; the pass is an eventually-consistent mirror, so no
// call here may fail the operation that triggered it.
type Adapter struct {
	db     *gorm.DB
	client walletpush.Client

	memberships repository.Repository[membership.LoyaltyMembership]
	programs    repository.Repository[program.LoyaltyProgram]
}

type AdapterParams struct {
	fx.In
	DB     *gorm.DB
	Client walletpush.Client
}

func NewAdapter(p AdapterParams) *Adapter {
	return &Adapter{
		db:          p.DB,
		client:      p.Client,
		memberships: repository.ProvideStore[membership.LoyaltyMembership](p.DB),
		programs:    repository.ProvideStore[program.LoyaltyProgram](p.DB),
	}
}

// IssuePass requests a pass from the provider for a fresh membership. Nil on
// any failure: a member without a pass is still a member.
func (a *Adapter) IssuePass(ctx context.Context, p *program.LoyaltyProgram, m *membership.LoyaltyMembership) *membership.IssuedPass {
	zapLog := zap.L().With(
		zap.String("program_id", p.ID),
		zap.String("membership_id", m.ID),
	)

	creds := p.Credentials()
	if !creds.Complete() {
		zapLog.Info("program has no wallet credentials, skipping pass issuance")
		return nil
	}

	result, err := a.client.IssuePass(ctx, creds, map[string]string{
		"memberName":    m.ProfileName,
		"stamps":        "0",
		"rewardTarget":  strconv.Itoa(p.RewardThreshold),
		"rewardText":    p.RewardDescription,
		"programPublic": p.PublicID,
	})
	if err != nil {
		zapLog.Error("pass issuance failed", zap.Error(err))
		return nil
	}

	zapLog.Info("pass issued", zap.String("serial", result.Serial))
	return &membership.IssuedPass{
		Serial:    result.Serial,
		AppleURL:  result.AppleURL,
		GoogleURL: result.GoogleURL,
	}
}

type passField struct {
	name  string
	value string
}

// passFields derives every mirrored field from ledger state.
func passFields(p *program.LoyaltyProgram, m *membership.LoyaltyMembership) []passField {
	rewardReady := "no"
	if p.RewardThreshold > 0 && m.StampsBalance >= int64(p.RewardThreshold) {
		rewardReady = "yes"
	}
	return []passField{
		{name: "stamps", value: strconv.FormatInt(m.StampsBalance, 10)},
		{name: "rewardProgress", value: fmt.Sprintf("%d of %d", m.StampsBalance, p.RewardThreshold)},
		{name: "rewardReady", value: rewardReady},
	}
}

// pushFields writes the batch; only the final field update requests a device
// push so one business event produces at most one notification.
func (a *Adapter) pushFields(ctx context.Context, p *program.LoyaltyProgram, serial string, fields []passField, notify bool) error {
	creds := p.Credentials()
	var lastErr error
	for i, f := range fields {
		push := notify && i == len(fields)-1
		if err := a.client.UpdatePassField(ctx, creds, serial, f.name, f.value, push); err != nil {
			zap.L().Warn("pass field update failed",
				zap.String("serial", serial),
				zap.String("field", f.name),
				zap.Error(err))
			lastErr = err
		}
	}
	return lastErr
}

func (a *Adapter) HandlePushBalance(ctx context.Context, t *asynq.Task) error {
	var payload PushBalancePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	zapLog := zap.L().With(
		zap.String("task_type", t.Type()),
		zap.String("membership_id", payload.MembershipID),
		zap.String("trace_id", payload.TraceID),
	)

	m, err := a.memberships.FindOne(ctx, &membership.LoyaltyMembership{ID: payload.MembershipID})
	if err != nil {
		return err
	}
	if m == nil {
		zapLog.Warn("membership disappeared, dropping sync")
		return nil
	}

	p, err := a.programs.FindOne(ctx, &program.LoyaltyProgram{ID: m.ProgramID})
	if err != nil {
		return err
	}
	if p == nil {
		zapLog.Warn("program disappeared, dropping sync")
		return nil
	}

	if m.WalletPushSerial == nil || *m.WalletPushSerial == "" || !p.Credentials().Complete() {
		zapLog.Info("membership has no issued pass, nothing to sync")
		return nil
	}

	if err := a.pushFields(ctx, p, *m.WalletPushSerial, passFields(p, m), payload.Notify); err != nil {
		return err
	}

	zapLog.Info("pass fields synced", zap.Int64("balance", m.StampsBalance))
	return nil
}

// HandleReconcile recomputes every issued pass of a business from the ledger
// and re-pushes silently. This is the backfill path for provider outages.
func (a *Adapter) HandleReconcile(ctx context.Context, t *asynq.Task) error {
	var payload ReconcilePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	zapLog := zap.L().With(
		zap.String("task_type", t.Type()),
		zap.String("business_id", payload.BusinessID),
	)

	members, err := a.memberships.Find(ctx, &membership.LoyaltyMembership{BusinessID: payload.BusinessID})
	if err != nil {
		return err
	}

	var failed int
	for _, m := range members {
		if m.WalletPushSerial == nil || *m.WalletPushSerial == "" {
			continue
		}

		p, err := a.programs.FindOne(ctx, &program.LoyaltyProgram{ID: m.ProgramID})
		if err != nil {
			return err
		}
		if p == nil || !p.Credentials().Complete() {
			continue
		}

		if err := a.pushFields(ctx, p, *m.WalletPushSerial, passFields(p, m), false); err != nil {
			failed++
		}
	}

	if failed > 0 {
		return fmt.Errorf("reconcile incomplete: %d passes failed", failed)
	}

	zapLog.Info("reconcile complete", zap.Int("passes", len(members)))
	return nil
}
