package walletsync

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"localspot-loyalty/pkg/walletpush"
	"localspot-loyalty/services/membership"
	"localspot-loyalty/services/program"
	"localspot-loyalty/services/testutil"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type fieldUpdate struct {
	serial string
	field  string
	value  string
	push   bool
}

type stubClient struct {
	mu       sync.Mutex
	issueErr error
	fieldErr error
	serial   string
	updates  []fieldUpdate
}

func (c *stubClient) IssuePass(ctx context.Context, creds walletpush.Credentials, fields map[string]string) (*walletpush.IssueResult, error) {
	if c.issueErr != nil {
		return nil, c.issueErr
	}
	return &walletpush.IssueResult{Serial: c.serial, AppleURL: "https://example.com/p"}, nil
}

func (c *stubClient) UpdatePassField(ctx context.Context, creds walletpush.Credentials, serial, field, value string, push bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.updates = append(c.updates, fieldUpdate{serial: serial, field: field, value: value, push: push})
	return c.fieldErr
}

func newFixture(t *testing.T, client walletpush.Client) (*Adapter, *gorm.DB) {
	t.Helper()

	db := testutil.NewTestDB(t, &program.LoyaltyProgram{}, &membership.LoyaltyMembership{})
	return NewAdapter(AdapterParams{DB: db, Client: client}), db
}

func seed(t *testing.T, db *gorm.DB, serial string, balance int64) {
	t.Helper()

	require.NoError(t, db.Create(&program.LoyaltyProgram{
		ID:                   "prog-1",
		BusinessID:           "biz-1",
		PublicID:             "blue-bottle-1234",
		Status:               program.StatusActive,
		RewardThreshold:      10,
		RewardDescription:    "Free coffee",
		WalletPushTemplateID: "tpl-1",
		WalletPushAPIKey:     "key-1",
		WalletPushPassTypeID: "pass.example.loyalty",
	}).Error)

	m := &membership.LoyaltyMembership{
		ID:            "member-1",
		ProgramID:     "prog-1",
		WalletPassID:  "pass-abc",
		BusinessID:    "biz-1",
		Status:        membership.StatusActive,
		JoinedAt:      time.Now(),
		StampsBalance: balance,
		TotalEarned:   balance,
	}
	if serial != "" {
		m.WalletPushSerial = &serial
	}
	require.NoError(t, db.Create(m).Error)
}

func pushTask(t *testing.T, notify bool) *asynq.Task {
	t.Helper()
	payload, err := json.Marshal(PushBalancePayload{MembershipID: "member-1", Notify: notify})
	require.NoError(t, err)
	return asynq.NewTask(TaskPushBalance, payload)
}

func TestIssuePassFailureReturnsNil(t *testing.T) {
	adapter, db := newFixture(t, &stubClient{issueErr: errors.New("provider down")})
	seed(t, db, "", 0)

	var p program.LoyaltyProgram
	require.NoError(t, db.First(&p, "id = ?", "prog-1").Error)
	var m membership.LoyaltyMembership
	require.NoError(t, db.First(&m, "id = ?", "member-1").Error)

	require.Nil(t, adapter.IssuePass(context.Background(), &p, &m))
}

func TestHandlePushBalanceRecomputesAtHandleTime(t *testing.T) {
	client := &stubClient{serial: "serial-1"}
	adapter, db := newFixture(t, client)
	seed(t, db, "serial-1", 7)

	// The payload carries no balance; whatever is in the ledger now wins.
	require.NoError(t, adapter.HandlePushBalance(context.Background(), pushTask(t, true)))

	require.Len(t, client.updates, 3)
	byField := map[string]fieldUpdate{}
	for _, u := range client.updates {
		byField[u.field] = u
		require.Equal(t, "serial-1", u.serial)
	}
	require.Equal(t, "7", byField["stamps"].value)
	require.Equal(t, "7 of 10", byField["rewardProgress"].value)
	require.Equal(t, "no", byField["rewardReady"].value)
}

func TestHandlePushBalanceSinglePush(t *testing.T) {
	client := &stubClient{serial: "serial-1"}
	adapter, db := newFixture(t, client)
	seed(t, db, "serial-1", 10)

	require.NoError(t, adapter.HandlePushBalance(context.Background(), pushTask(t, true)))

	// Only the last field write may trigger a device notification.
	var pushes int
	for _, u := range client.updates {
		if u.push {
			pushes++
		}
	}
	require.Equal(t, 1, pushes)
	require.True(t, client.updates[len(client.updates)-1].push)
}

func TestHandlePushBalanceSilentWhenNotifyOff(t *testing.T) {
	client := &stubClient{serial: "serial-1"}
	adapter, db := newFixture(t, client)
	seed(t, db, "serial-1", 3)

	require.NoError(t, adapter.HandlePushBalance(context.Background(), pushTask(t, false)))

	for _, u := range client.updates {
		require.False(t, u.push)
	}
}

func TestHandlePushBalanceNoSerialSkips(t *testing.T) {
	client := &stubClient{serial: "serial-1"}
	adapter, db := newFixture(t, client)
	seed(t, db, "", 3)

	require.NoError(t, adapter.HandlePushBalance(context.Background(), pushTask(t, true)))
	require.Empty(t, client.updates)
}

func TestHandlePushBalanceMissingMembershipDropped(t *testing.T) {
	client := &stubClient{serial: "serial-1"}
	adapter, _ := newFixture(t, client)

	// A deleted membership is not a reason to retry forever.
	require.NoError(t, adapter.HandlePushBalance(context.Background(), pushTask(t, true)))
	require.Empty(t, client.updates)
}

func TestHandlePushBalanceProviderFailureRetryable(t *testing.T) {
	client := &stubClient{serial: "serial-1", fieldErr: errors.New("503")}
	adapter, db := newFixture(t, client)
	seed(t, db, "serial-1", 3)

	require.Error(t, adapter.HandlePushBalance(context.Background(), pushTask(t, true)))
}

func TestHandleReconcile(t *testing.T) {
	client := &stubClient{serial: "serial-1"}
	adapter, db := newFixture(t, client)
	seed(t, db, "serial-1", 4)

	payload, err := json.Marshal(ReconcilePayload{BusinessID: "biz-1"})
	require.NoError(t, err)

	require.NoError(t, adapter.HandleReconcile(context.Background(), asynq.NewTask(TaskReconcile, payload)))

	require.Len(t, client.updates, 3)
	for _, u := range client.updates {
		require.False(t, u.push)
	}
}
