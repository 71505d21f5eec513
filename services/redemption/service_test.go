package redemption

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"localspot-loyalty/pkg/errutil"
	"localspot-loyalty/services/membership"
	"localspot-loyalty/services/program"
	"localspot-loyalty/services/testutil"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func newFixture(t *testing.T, balance int64) (*Service, *gorm.DB) {
	t.Helper()

	db := testutil.NewTestDB(t,
		&program.LoyaltyProgram{},
		&membership.LoyaltyMembership{},
		&LoyaltyRedemption{},
	)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

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
		MaxEarnsPerDay:    3,
	}).Error)

	require.NoError(t, db.Create(&membership.LoyaltyMembership{
		ID:            "member-1",
		ProgramID:     "prog-1",
		WalletPassID:  "pass-abc",
		BusinessID:    "biz-1",
		Status:        membership.StatusActive,
		JoinedAt:      time.Now(),
		StampsBalance: balance,
		TotalEarned:   balance,
	}).Error)

	return NewService(ServiceParams{DB: db, Node: node}), db
}

func reloadMember(t *testing.T, db *gorm.DB) *membership.LoyaltyMembership {
	t.Helper()
	var m membership.LoyaltyMembership
	require.NoError(t, db.Where("id = ?", "member-1").First(&m).Error)
	return &m
}

func TestRedeemDeductsThreshold(t *testing.T) {
	svc, db := newFixture(t, 12)
	ctx := context.Background()

	result, err := svc.Redeem(ctx, "member-1")
	require.NoError(t, err)
	require.EqualValues(t, 2, result.RemainingBalance)
	require.NotEmpty(t, result.Code)

	m := reloadMember(t, db)
	require.EqualValues(t, 2, m.StampsBalance)
	require.EqualValues(t, 10, m.TotalRedeemed)
	require.Equal(t, m.StampsBalance, m.TotalEarned-m.TotalRedeemed)

	var r LoyaltyRedemption
	require.NoError(t, db.Where("id = ?", result.RedemptionID).First(&r).Error)
	require.Equal(t, StatusConsumed, r.Status)
	require.EqualValues(t, 10, r.StampsDeducted)
	require.Equal(t, "Free coffee", r.RewardDescription)
}

func TestRedeemInsufficientBalance(t *testing.T) {
	svc, db := newFixture(t, 9)
	ctx := context.Background()

	_, err := svc.Redeem(ctx, "member-1")
	require.Error(t, err)
	require.True(t, IsInsufficientBalance(err))

	m := reloadMember(t, db)
	require.EqualValues(t, 9, m.StampsBalance)

	var count int64
	require.NoError(t, db.Model(&LoyaltyRedemption{}).Count(&count).Error)
	require.Zero(t, count)
}

func TestRedeemExactBalance(t *testing.T) {
	svc, db := newFixture(t, 10)
	ctx := context.Background()

	result, err := svc.Redeem(ctx, "member-1")
	require.NoError(t, err)
	require.Zero(t, result.RemainingBalance)

	m := reloadMember(t, db)
	require.Zero(t, m.StampsBalance)
	require.GreaterOrEqual(t, m.StampsBalance, int64(0))
}

func TestRedeemConcurrentSingleWinner(t *testing.T) {
	// One threshold's worth of balance, two racing redeems. Exactly one may win.
	svc, db := newFixture(t, 10)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.Redeem(ctx, "member-1")
		}(i)
	}
	wg.Wait()

	var successes, insufficient int
	for _, err := range errs {
		switch {
		case err == nil:
			successes++
		case IsInsufficientBalance(err):
			insufficient++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	require.Equal(t, 1, successes)
	require.Equal(t, 1, insufficient)

	m := reloadMember(t, db)
	require.Zero(t, m.StampsBalance)

	var count int64
	require.NoError(t, db.Model(&LoyaltyRedemption{}).Count(&count).Error)
	require.EqualValues(t, 1, count)
}

func TestRedemptionSnapshotImmutable(t *testing.T) {
	svc, db := newFixture(t, 10)
	ctx := context.Background()

	result, err := svc.Redeem(ctx, "member-1")
	require.NoError(t, err)

	// The owner rewords the reward afterwards; history keeps the old text.
	require.NoError(t, db.Model(&program.LoyaltyProgram{}).
		Where("id = ?", "prog-1").
		Update("reward_description", "Free espresso").Error)

	var r LoyaltyRedemption
	require.NoError(t, db.Where("id = ?", result.RedemptionID).First(&r).Error)
	require.Equal(t, "Free coffee", r.RewardDescription)
}

func TestFlag(t *testing.T) {
	svc, db := newFixture(t, 10)
	ctx := context.Background()

	result, err := svc.Redeem(ctx, "member-1")
	require.NoError(t, err)

	flagged, err := svc.Flag(ctx, result.RedemptionID, "admin-1", "suspicious pattern")
	require.NoError(t, err)
	require.Equal(t, StatusFlagged, flagged.Status)
	require.NotNil(t, flagged.FlaggedAt)
	require.Equal(t, "admin-1", flagged.FlaggedBy)

	// Flagging never restores balance.
	m := reloadMember(t, db)
	require.Zero(t, m.StampsBalance)
	require.EqualValues(t, 10, m.TotalRedeemed)

	_, err = svc.Flag(ctx, result.RedemptionID, "admin-2", "again")
	require.Error(t, err)

	var base errutil.BaseError
	require.ErrorAs(t, err, &base)
	require.Equal(t, errutil.StatusConflict, base.Code)
}

func TestFlagRequiresReason(t *testing.T) {
	svc, _ := newFixture(t, 10)

	_, err := svc.Flag(context.Background(), "whatever", "admin-1", "")
	require.Error(t, err)

	var base errutil.BaseError
	require.ErrorAs(t, err, &base)
	require.Equal(t, errutil.StatusValidationFailed, base.Code)
}

func TestListFlagged(t *testing.T) {
	svc, _ := newFixture(t, 10)
	ctx := context.Background()

	result, err := svc.Redeem(ctx, "member-1")
	require.NoError(t, err)

	flagged, err := svc.ListFlagged(ctx, "biz-1")
	require.NoError(t, err)
	require.Empty(t, flagged)

	_, err = svc.Flag(ctx, result.RedemptionID, "admin-1", "suspicious pattern")
	require.NoError(t, err)

	flagged, err = svc.ListFlagged(ctx, "biz-1")
	require.NoError(t, err)
	require.Len(t, flagged, 1)
	require.Equal(t, result.RedemptionID, flagged[0].ID)
}
