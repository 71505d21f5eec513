package provisioning

import (
	"context"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"localspot-loyalty/pkg/errutil"
	"localspot-loyalty/services/program"
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

func submittedProgram(t *testing.T) (*Service, *program.Service, *program.LoyaltyPassRequest) {
	t.Helper()

	db := testutil.NewTestDB(t, &program.LoyaltyProgram{}, &program.LoyaltyPassRequest{})
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	programs := program.NewService(program.ServiceParams{DB: db, Node: node})
	ctx := context.Background()

	_, err = programs.CreateDraft(ctx, "biz-1", program.DraftInput{
		RewardThreshold:   10,
		RewardDescription: "Free coffee",
	})
	require.NoError(t, err)

	req, err := programs.Submit(ctx, "biz-1")
	require.NoError(t, err)

	return NewService(ServiceParams{DB: db}), programs, req
}

func TestActivate(t *testing.T) {
	svc, programs, req := submittedProgram(t)
	enq := &fakeEnqueuer{}
	svc.asynq = enq
	ctx := context.Background()

	p, err := svc.Activate(ctx, ActivateInput{
		RequestID:  req.ID,
		ReviewedBy: "admin-1",
		TemplateID: "tpl-1",
		APIKey:     "key-1",
		PassTypeID: "pass.example.loyalty",
	})
	require.NoError(t, err)
	require.Equal(t, program.StatusActive, p.Status)
	require.Equal(t, "tpl-1", p.WalletPushTemplateID)
	require.Equal(t, "key-1", p.WalletPushAPIKey)
	require.Equal(t, "pass.example.loyalty", p.WalletPushPassTypeID)

	updated, err := svc.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	require.Equal(t, program.RequestIssued, updated.Status)
	require.Equal(t, "admin-1", updated.ReviewedBy)
	require.Equal(t, "tpl-1", updated.WalletPushTemplateID)

	fromDB, err := programs.GetByBusiness(ctx, "biz-1")
	require.NoError(t, err)
	require.Equal(t, program.StatusActive, fromDB.Status)

	require.Len(t, enq.tasks, 1)
}

func TestActivateRequiresBindings(t *testing.T) {
	svc, _, req := submittedProgram(t)
	ctx := context.Background()

	_, err := svc.Activate(ctx, ActivateInput{
		RequestID:  req.ID,
		ReviewedBy: "admin-1",
		TemplateID: "tpl-1",
	})
	require.Error(t, err)

	var base errutil.BaseError
	require.ErrorAs(t, err, &base)
	require.Equal(t, errutil.StatusValidationFailed, base.Code)

	// Nothing moved.
	got, err := svc.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	require.Equal(t, program.RequestSubmitted, got.Status)
}

func TestActivateTwiceConflict(t *testing.T) {
	svc, _, req := submittedProgram(t)
	ctx := context.Background()

	in := ActivateInput{
		RequestID:  req.ID,
		ReviewedBy: "admin-1",
		TemplateID: "tpl-1",
		APIKey:     "key-1",
		PassTypeID: "pass.example.loyalty",
	}

	_, err := svc.Activate(ctx, in)
	require.NoError(t, err)

	_, err = svc.Activate(ctx, in)
	require.Error(t, err)

	var base errutil.BaseError
	require.ErrorAs(t, err, &base)
	require.Equal(t, errutil.StatusConflict, base.Code)
}

func TestListPending(t *testing.T) {
	svc, _, req := submittedProgram(t)
	ctx := context.Background()

	pending, err := svc.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, req.ID, pending[0].ID)

	_, err = svc.Activate(ctx, ActivateInput{
		RequestID:  req.ID,
		ReviewedBy: "admin-1",
		TemplateID: "tpl-1",
		APIKey:     "key-1",
		PassTypeID: "pass.example.loyalty",
	})
	require.NoError(t, err)

	pending, err = svc.ListPending(ctx)
	require.NoError(t, err)
	require.Empty(t, pending)
}
