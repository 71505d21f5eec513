package insights

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"localspot-loyalty/pkg/token"
	"localspot-loyalty/services/earn"
	"localspot-loyalty/services/membership"
	"localspot-loyalty/services/program"
	"localspot-loyalty/services/redemption"
	"localspot-loyalty/services/testutil"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type stubVerifier struct {
	calls int
}

func (v *stubVerifier) Verify(ctx context.Context, businessID, raw string) (*token.Claims, error) {
	v.calls++
	return &token.Claims{
		BusinessID: businessID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID: fmt.Sprintf("jti-%d", v.calls),
		},
	}, nil
}

func newStack(t *testing.T) (*Service, *earn.Service, *redemption.Service, *gorm.DB) {
	t.Helper()

	db := testutil.NewTestDB(t,
		&program.LoyaltyProgram{},
		&membership.LoyaltyMembership{},
		&earn.LoyaltyEarnEvent{},
		&redemption.LoyaltyRedemption{},
	)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	earnSvc := earn.NewService(earn.ServiceParams{DB: db, Node: node, Verifier: &stubVerifier{}})
	redeemSvc := redemption.NewService(redemption.ServiceParams{DB: db, Node: node})

	return NewService(ServiceParams{DB: db}), earnSvc, redeemSvc, db
}

func seed(t *testing.T, db *gorm.DB) {
	t.Helper()

	require.NoError(t, db.Create(&program.LoyaltyProgram{
		ID:                "prog-1",
		BusinessID:        "biz-1",
		PublicID:          "blue-bottle-1234",
		Status:            program.StatusActive,
		Type:              program.TypeStamp,
		RewardThreshold:   10,
		RewardDescription: "Free coffee",
		EarnMode:          program.EarnPerVisit,
		PointsPerEarn:     1,
		MaxEarnsPerDay:    10,
		MinGapMinutes:     0,
	}).Error)

	require.NoError(t, db.Create(&membership.LoyaltyMembership{
		ID:           "member-1",
		ProgramID:    "prog-1",
		WalletPassID: "pass-abc",
		BusinessID:   "biz-1",
		Status:       membership.StatusActive,
		JoinedAt:     time.Now(),
	}).Error)
}

// Ten earns fill the card, one redeem spends it, and a second redeem must wait
// for the card to fill again. Counters and ledgers agree at every step.
func TestEarnRedeemLifecycle(t *testing.T) {
	svc, earnSvc, redeemSvc, db := newStack(t)
	seed(t, db)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		result, err := earnSvc.Earn(ctx, "blue-bottle-1234", "pass-abc", "tok")
		require.NoError(t, err)
		require.True(t, result.Success)
	}

	result, err := redeemSvc.Redeem(ctx, "member-1")
	require.NoError(t, err)
	require.Zero(t, result.RemainingBalance)

	_, err = redeemSvc.Redeem(ctx, "member-1")
	require.Error(t, err)
	require.True(t, redemption.IsInsufficientBalance(err))

	issues, err := svc.IntegrityCheck(ctx, "biz-1")
	require.NoError(t, err)
	require.Empty(t, issues)
}

func TestStats(t *testing.T) {
	svc, earnSvc, redeemSvc, db := newStack(t)
	seed(t, db)
	ctx := context.Background()

	// A second member sitting just under the threshold.
	require.NoError(t, db.Create(&membership.LoyaltyMembership{
		ID:            "member-2",
		ProgramID:     "prog-1",
		WalletPassID:  "pass-def",
		BusinessID:    "biz-1",
		Status:        membership.StatusActive,
		JoinedAt:      time.Now(),
		StampsBalance: 9,
		TotalEarned:   9,
	}).Error)

	for i := 0; i < 10; i++ {
		_, err := earnSvc.Earn(ctx, "blue-bottle-1234", "pass-abc", "tok")
		require.NoError(t, err)
	}
	_, err := redeemSvc.Redeem(ctx, "member-1")
	require.NoError(t, err)

	stats, err := svc.Stats(ctx, "biz-1", time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.EqualValues(t, 2, stats.ActiveMembers)
	require.EqualValues(t, 10, stats.VisitsInPeriod)
	require.EqualValues(t, 1, stats.RedemptionsInPeriod)
	require.EqualValues(t, 1, stats.NearRewardMembers)

	// Nothing happened since the redeem.
	later, err := svc.Stats(ctx, "biz-1", time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.Zero(t, later.VisitsInPeriod)
	require.Zero(t, later.RedemptionsInPeriod)
}

func TestIntegrityCheckFlagsDrift(t *testing.T) {
	svc, earnSvc, _, db := newStack(t)
	seed(t, db)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := earnSvc.Earn(ctx, "blue-bottle-1234", "pass-abc", "tok")
		require.NoError(t, err)
	}

	// Corrupt the counter behind the ledgers' back.
	require.NoError(t, db.Model(&membership.LoyaltyMembership{}).
		Where("id = ?", "member-1").
		Update("stamps_balance", 99).Error)

	issues, err := svc.IntegrityCheck(ctx, "biz-1")
	require.NoError(t, err)
	require.Len(t, issues, 1)
	require.Equal(t, "member-1", issues[0].MembershipID)
	require.EqualValues(t, 99, issues[0].StampsBalance)
	require.EqualValues(t, 3, issues[0].LedgerEarned)
}

func TestStatsUnknownBusiness(t *testing.T) {
	svc, _, _, _ := newStack(t)

	_, err := svc.Stats(context.Background(), "biz-nope", time.Now())
	require.Error(t, err)
}
