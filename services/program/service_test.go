package program

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"localspot-loyalty/pkg/errutil"
	"localspot-loyalty/services/testutil"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type fakeEnqueuer struct {
	tasks []*asynq.Task
}

func (f *fakeEnqueuer) Enqueue(t *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	f.tasks = append(f.tasks, t)
	return &asynq.TaskInfo{}, nil
}

func newTestService(t *testing.T) *Service {
	t.Helper()

	db := testutil.NewTestDB(t, &LoyaltyProgram{}, &LoyaltyPassRequest{})
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	return NewService(ServiceParams{DB: db, Node: node})
}

func TestCreateDraftDefaults(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	p, err := svc.CreateDraft(ctx, "biz-1", DraftInput{
		BusinessName:      "Blue Bottle Cafe",
		RewardThreshold:   10,
		RewardDescription: "Free coffee",
	})
	require.NoError(t, err)
	require.Equal(t, StatusDraft, p.Status)
	require.Equal(t, TypeStamp, p.Type)
	require.Equal(t, EarnPerVisit, p.EarnMode)
	require.Equal(t, 3, p.MaxEarnsPerDay)
	require.Equal(t, 0, p.MinGapMinutes)
	require.NotEmpty(t, p.PublicID)
	require.Contains(t, p.PublicID, "blue-bottle-cafe")
}

func TestCreateDraftZeroGapPersisted(t *testing.T) {
	// Zero means no gap enforcement, a configured value. It must survive the
	// insert and come back as 0 from the database, not as a column default.
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.CreateDraft(ctx, "biz-1", DraftInput{
		RewardThreshold:   10,
		RewardDescription: "Free coffee",
		MaxEarnsPerDay:    5,
		MinGapMinutes:     0,
	})
	require.NoError(t, err)

	got, err := svc.GetByBusiness(ctx, "biz-1")
	require.NoError(t, err)
	require.Equal(t, 0, got.MinGapMinutes)
	require.Equal(t, 5, got.MaxEarnsPerDay)
}

func TestCreateDraftSecondConflict(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.CreateDraft(ctx, "biz-1", DraftInput{RewardThreshold: 5})
	require.NoError(t, err)

	_, err = svc.CreateDraft(ctx, "biz-1", DraftInput{RewardThreshold: 8})
	require.Error(t, err)

	var base errutil.BaseError
	require.ErrorAs(t, err, &base)
	require.Equal(t, errutil.StatusConflict, base.Code)
	require.Contains(t, base.Message, "draft")
}

func TestCreateDraftKnobBounds(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	cases := []struct {
		name     string
		maxEarns int
		minGap   int
	}{
		{"max earns above bound", 11, 60},
		{"max earns negative", -1, 60},
		{"gap above bound", 3, 1441},
		{"gap negative", 3, -5},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.CreateDraft(ctx, "biz-"+tc.name, DraftInput{
				RewardThreshold: 5,
				MaxEarnsPerDay:  tc.maxEarns,
				MinGapMinutes:   tc.minGap,
			})
			require.Error(t, err)

			var base errutil.BaseError
			require.ErrorAs(t, err, &base)
			require.Equal(t, errutil.StatusValidationFailed, base.Code)
		})
	}
}

func TestSubmitFreezesDesign(t *testing.T) {
	svc := newTestService(t)
	enq := &fakeEnqueuer{}
	svc.asynq = enq
	ctx := context.Background()

	p, err := svc.CreateDraft(ctx, "biz-1", DraftInput{
		RewardThreshold:   8,
		RewardDescription: "Free pastry",
		StampLabel:        "croissant",
	})
	require.NoError(t, err)

	req, err := svc.Submit(ctx, "biz-1")
	require.NoError(t, err)
	require.Equal(t, RequestSubmitted, req.Status)
	require.NotEmpty(t, req.Code)

	var spec DesignSpec
	require.NoError(t, json.Unmarshal(req.DesignSpecJSON, &spec))
	require.Equal(t, p.ID, spec.ProgramID)
	require.Equal(t, 8, spec.RewardThreshold)
	require.Equal(t, "Free pastry", spec.RewardDescription)

	got, err := svc.GetByBusiness(ctx, "biz-1")
	require.NoError(t, err)
	require.Equal(t, StatusSubmitted, got.Status)

	require.Len(t, enq.tasks, 1)
}

func TestSubmitRequiresRewardDescription(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.CreateDraft(ctx, "biz-1", DraftInput{RewardThreshold: 8})
	require.NoError(t, err)

	_, err = svc.Submit(ctx, "biz-1")
	require.Error(t, err)

	var base errutil.BaseError
	require.ErrorAs(t, err, &base)
	require.Equal(t, errutil.StatusValidationFailed, base.Code)

	got, err := svc.GetByBusiness(ctx, "biz-1")
	require.NoError(t, err)
	require.Equal(t, StatusDraft, got.Status)
}

func TestSubmitTwiceConflict(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.CreateDraft(ctx, "biz-1", DraftInput{
		RewardThreshold:   8,
		RewardDescription: "Free pastry",
	})
	require.NoError(t, err)

	_, err = svc.Submit(ctx, "biz-1")
	require.NoError(t, err)

	_, err = svc.Submit(ctx, "biz-1")
	require.Error(t, err)

	var base errutil.BaseError
	require.ErrorAs(t, err, &base)
	require.Equal(t, errutil.StatusConflict, base.Code)
}

func TestUpdateSelfServiceAllowList(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	p, err := svc.CreateDraft(ctx, "biz-1", DraftInput{
		RewardThreshold:   8,
		RewardDescription: "Free pastry",
	})
	require.NoError(t, err)

	// Edits are rejected until the program is active.
	desc := "Free sandwich"
	_, err = svc.UpdateSelfService(ctx, "biz-1", SelfServiceUpdate{RewardDescription: &desc})
	require.Error(t, err)

	require.NoError(t, svc.db.Model(&LoyaltyProgram{}).
		Where("id = ?", p.ID).
		Update("status", StatusActive).Error)

	gap := 30
	updated, err := svc.UpdateSelfService(ctx, "biz-1", SelfServiceUpdate{
		RewardDescription: &desc,
		MinGapMinutes:     &gap,
	})
	require.NoError(t, err)
	require.Equal(t, "Free sandwich", updated.RewardDescription)
	require.Equal(t, 30, updated.MinGapMinutes)
	require.Equal(t, 8, updated.RewardThreshold)
}

func TestUpdateSelfServiceKnobBounds(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	p, err := svc.CreateDraft(ctx, "biz-1", DraftInput{
		RewardThreshold:   8,
		RewardDescription: "Free pastry",
	})
	require.NoError(t, err)

	require.NoError(t, svc.db.Model(&LoyaltyProgram{}).
		Where("id = ?", p.ID).
		Update("status", StatusActive).Error)

	bad := 0
	_, err = svc.UpdateSelfService(ctx, "biz-1", SelfServiceUpdate{MaxEarnsPerDay: &bad})
	require.Error(t, err)

	var base errutil.BaseError
	require.ErrorAs(t, err, &base)
	require.Equal(t, errutil.StatusValidationFailed, base.Code)
}

func TestPauseResume(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	p, err := svc.CreateDraft(ctx, "biz-1", DraftInput{
		RewardThreshold:   8,
		RewardDescription: "Free pastry",
	})
	require.NoError(t, err)

	// Pause is only valid from active.
	_, err = svc.Pause(ctx, "biz-1")
	require.Error(t, err)

	require.NoError(t, svc.db.Model(&LoyaltyProgram{}).
		Where("id = ?", p.ID).
		Update("status", StatusActive).Error)

	paused, err := svc.Pause(ctx, "biz-1")
	require.NoError(t, err)
	require.Equal(t, StatusPaused, paused.Status)

	resumed, err := svc.Resume(ctx, "biz-1")
	require.NoError(t, err)
	require.Equal(t, StatusActive, resumed.Status)
}
