package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"galapagos/internal/events"
	"galapagos/internal/model"
	"galapagos/internal/repository"
	"galapagos/pkg/ledger"
	"galapagos/pkg/logger"

	"github.com/stretchr/testify/require"
)

var reconcileBase = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func statusExecutor(statuses map[string]ledger.Status) ledger.FuncExecutor {
	return ledger.FuncExecutor{
		ValidateFunc: validateHex,
		StatusFunc: func(ctx context.Context, txHash string) (ledger.Status, error) {
			if st, ok := statuses[txHash]; ok {
				return st, nil
			}
			return ledger.StatusUnknown, nil
		},
	}
}

func (f *fixture) reconciler(exec ledger.Executor, auto bool, now time.Time) *ReconcileService {
	svc := NewReconcileService(f.tickets, exec, f.emitter, f.alerts, ReconcileConfig{
		StaleAfter:  10 * time.Minute,
		AutoResolve: auto,
		BatchSize:   50,
	}, logger.NewNop())
	svc.now = func() time.Time { return now }
	return svc
}

// reserveAt 在指定时间预占票据，units 和 txHash 为空时不写入
func (f *fixture) reserveAt(t *testing.T, at time.Time, id, units, txHash string, ambiguous bool) {
	t.Helper()
	ctx := context.Background()
	f.tickets.SetClock(func() time.Time { return at })
	defer f.tickets.SetClock(func() time.Time { return time.Now().UTC() })

	attemptID := "att-" + id
	_, err := f.tickets.Reserve(ctx, id, attemptID, testAccount)
	require.NoError(t, err)
	if units != "" {
		require.NoError(t, f.tickets.RecordQuote(ctx, id, attemptID, units))
	}
	if txHash != "" {
		require.NoError(t, f.tickets.RecordSubmission(ctx, id, attemptID, txHash))
	}
	if ambiguous {
		require.NoError(t, f.tickets.FlagAmbiguous(ctx, id, attemptID, "timeout"))
	}
}

func TestReconcileFinalizesConfirmedTransfer(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "100", "T1")
	f.reserveAt(t, reconcileBase, "T1", "500", "0xc0", true)

	svc := f.reconciler(statusExecutor(map[string]ledger.Status{"0xc0": ledger.StatusConfirmed}), true, reconcileBase.Add(time.Minute))
	report, err := svc.ReconcileOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, ReconcileReport{Checked: 1, Finalized: 1}, report)

	ticket := f.ticket(t, "T1")
	require.Equal(t, model.TicketRedeemed, ticket.State)
	require.Equal(t, testAccount, ticket.Account.String)
	require.Equal(t, "500", ticket.RewardUnits.String)
	require.Equal(t, "0xc0", ticket.TxHash.String)
	require.False(t, ticket.NeedsReconcile)
	require.Equal(t, []events.Type{events.TicketResolved}, f.emitter.types())
}

func TestReconcileReleasesRevertedTransfer(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "100", "T1")
	f.reserveAt(t, reconcileBase, "T1", "500", "0xbad", true)

	svc := f.reconciler(statusExecutor(map[string]ledger.Status{"0xbad": ledger.StatusReverted}), true, reconcileBase.Add(time.Minute))
	report, err := svc.ReconcileOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.Released)

	ticket := f.ticket(t, "T1")
	require.Equal(t, model.TicketIssued, ticket.State)
	require.False(t, ticket.Account.Valid)
	require.Contains(t, ticket.LastError.String, "0xbad")
}

func TestReconcileWaitsForPendingTransfer(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "100", "T1")
	f.reserveAt(t, reconcileBase, "T1", "500", "0xp", true)

	svc := f.reconciler(statusExecutor(map[string]ledger.Status{"0xp": ledger.StatusPending}), true, reconcileBase.Add(time.Hour))
	report, err := svc.ReconcileOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, ReconcileReport{Checked: 1, Waiting: 1}, report)
	require.Equal(t, model.TicketReserved, f.ticket(t, "T1").State)
	require.Equal(t, 0, f.alerts.count())
}

func TestReconcileReleasesStaleReservationBeforeTransfer(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "100", "T1", "T2")
	f.reserveAt(t, reconcileBase, "T1", "", "", false)
	// 已计算奖励但没有哈希，无法确定是否签名广播过
	f.reserveAt(t, reconcileBase, "T2", "500", "", false)

	svc := f.reconciler(statusExecutor(nil), true, reconcileBase.Add(30*time.Minute))
	report, err := svc.ReconcileOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, ReconcileReport{Checked: 2, Released: 1, Alerted: 1}, report)

	require.Equal(t, model.TicketIssued, f.ticket(t, "T1").State)
	require.Equal(t, model.TicketReserved, f.ticket(t, "T2").State)
	require.Equal(t, 1, f.alerts.count())
}

func TestReconcileAlertsOnUnknownStaleTransfer(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "100", "T1")
	f.reserveAt(t, reconcileBase, "T1", "500", "0xlost", true)

	fresh := f.reconciler(statusExecutor(nil), true, reconcileBase.Add(time.Minute))
	report, err := fresh.ReconcileOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.Waiting)
	require.Equal(t, 0, f.alerts.count())

	stale := f.reconciler(statusExecutor(nil), true, reconcileBase.Add(time.Hour))
	report, err = stale.ReconcileOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.Alerted)
	require.Equal(t, 1, f.alerts.count())
	require.Equal(t, model.TicketReserved, f.ticket(t, "T1").State)
}

func TestReconcileRepeatsAlertOnlyAfterInterval(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "100", "T1")
	f.reserveAt(t, reconcileBase, "T1", "500", "0xlost", true)

	for _, at := range []time.Duration{time.Hour, time.Hour + time.Minute, time.Hour + 30*time.Minute} {
		report, err := f.reconciler(statusExecutor(nil), true, reconcileBase.Add(at)).ReconcileOnce(context.Background())
		require.NoError(t, err)
		require.Equal(t, 1, report.Checked)
	}
	require.Equal(t, 1, f.alerts.count())

	report, err := f.reconciler(statusExecutor(nil), true, reconcileBase.Add(2*time.Hour)).ReconcileOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.Alerted)
	require.Equal(t, 2, f.alerts.count())
}

func TestReconcileLeavesNewerAttemptAlone(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "100", "T1")
	f.reserveAt(t, reconcileBase, "T1", "500", "0xaaa", true)
	ctx := context.Background()

	exec := ledger.FuncExecutor{
		ValidateFunc: validateHex,
		StatusFunc: func(_ context.Context, txHash string) (ledger.Status, error) {
			// 查询链上状态期间另一实例已释放旧尝试，用户又发起了新的兑换
			require.NoError(t, f.tickets.Release(ctx, "T1", "att-T1", "released elsewhere"))
			_, err := f.tickets.Reserve(ctx, "T1", "att-B", testAccount)
			require.NoError(t, err)
			require.NoError(t, f.tickets.RecordSubmission(ctx, "T1", "att-B", "0xbbb"))
			return ledger.StatusReverted, nil
		},
	}
	report, err := f.reconciler(exec, true, reconcileBase.Add(time.Minute)).ReconcileOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, report.Released)

	ticket := f.ticket(t, "T1")
	require.Equal(t, model.TicketReserved, ticket.State)
	require.Equal(t, "att-B", ticket.AttemptID.String)
	require.Equal(t, "0xbbb", ticket.AttemptTxHash.String)
	require.Empty(t, f.emitter.types())
}

func TestReconcileDoesNotFinalizeNewerAttempt(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "100", "T1")
	f.reserveAt(t, reconcileBase, "T1", "500", "0xaaa", true)
	ctx := context.Background()

	exec := ledger.FuncExecutor{
		ValidateFunc: validateHex,
		StatusFunc: func(_ context.Context, txHash string) (ledger.Status, error) {
			require.NoError(t, f.tickets.Release(ctx, "T1", "att-T1", "released elsewhere"))
			_, err := f.tickets.Reserve(ctx, "T1", "att-B", testAccount)
			require.NoError(t, err)
			return ledger.StatusConfirmed, nil
		},
	}
	report, err := f.reconciler(exec, true, reconcileBase.Add(time.Minute)).ReconcileOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, report.Finalized)

	ticket := f.ticket(t, "T1")
	require.Equal(t, model.TicketReserved, ticket.State)
	require.Equal(t, "att-B", ticket.AttemptID.String)
	require.False(t, ticket.TxHash.Valid)
}

func TestReconcileWithoutAutoResolveOnlyReports(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "100", "T1", "T2")
	f.reserveAt(t, reconcileBase, "T1", "500", "0xc0", true)
	f.reserveAt(t, reconcileBase, "T2", "500", "0xbad", true)

	exec := statusExecutor(map[string]ledger.Status{"0xc0": ledger.StatusConfirmed, "0xbad": ledger.StatusReverted})
	svc := f.reconciler(exec, false, reconcileBase.Add(time.Minute))
	report, err := svc.ReconcileOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, ReconcileReport{Checked: 2, Waiting: 2}, report)
	require.Equal(t, model.TicketReserved, f.ticket(t, "T1").State)
	require.Equal(t, model.TicketReserved, f.ticket(t, "T2").State)
}

func TestReconcileStatusErrorKeepsWaiting(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "100", "T1")
	f.reserveAt(t, reconcileBase, "T1", "500", "0xc0", true)

	exec := ledger.FuncExecutor{
		StatusFunc: func(ctx context.Context, txHash string) (ledger.Status, error) {
			return ledger.StatusUnknown, errBoom
		},
	}
	svc := f.reconciler(exec, true, reconcileBase.Add(time.Hour))
	report, err := svc.ReconcileOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.Waiting)
	require.Equal(t, 0, f.alerts.count())
}

func TestResolveRedeemedUsesAttemptFields(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "100", "T1")
	f.reserveAt(t, reconcileBase, "T1", "700", "", true)

	svc := f.reconciler(statusExecutor(nil), false, reconcileBase)

	err := svc.Resolve(context.Background(), "T1", ResolveRedeemed, "", "")
	require.ErrorIs(t, err, ErrInvalidResolution)

	require.NoError(t, svc.Resolve(context.Background(), "T1", ResolveRedeemed, " 0xmanual ", "checked explorer"))
	ticket := f.ticket(t, "T1")
	require.Equal(t, model.TicketRedeemed, ticket.State)
	require.Equal(t, "700", ticket.RewardUnits.String)
	require.Equal(t, "0xmanual", ticket.TxHash.String)

	err = svc.Resolve(context.Background(), "T1", ResolveReleased, "", "")
	require.ErrorIs(t, err, repository.ErrNotReserved)
}

func TestResolveReleasedAndInvalidOutcome(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "100", "T1")
	f.reserveAt(t, reconcileBase, "T1", "700", "0xh", true)

	svc := f.reconciler(statusExecutor(nil), false, reconcileBase)

	err := svc.Resolve(context.Background(), "T1", Resolution("maybe"), "", "")
	require.ErrorIs(t, err, ErrInvalidResolution)

	require.NoError(t, svc.Resolve(context.Background(), "T1", ResolveReleased, "", ""))
	ticket := f.ticket(t, "T1")
	require.Equal(t, model.TicketIssued, ticket.State)
	require.Equal(t, "released by operator", ticket.LastError.String)

	err = svc.Resolve(context.Background(), "missing", ResolveReleased, "", "")
	require.ErrorIs(t, err, repository.ErrTicketNotFound)
}

func TestRetryRestoresFailedTicket(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "100", "T1")
	f.reserveAt(t, reconcileBase, "T1", "", "", false)
	require.NoError(t, f.tickets.MarkFailed(context.Background(), "T1", "att-T1", "token paused"))

	svc := f.reconciler(statusExecutor(nil), false, reconcileBase)
	require.NoError(t, svc.Retry(context.Background(), "T1"))

	ticket := f.ticket(t, "T1")
	require.Equal(t, model.TicketIssued, ticket.State)
	require.Equal(t, 0, ticket.Attempts)
	require.Contains(t, f.emitter.types(), events.TicketRetried)

	err := svc.Retry(context.Background(), "T1")
	require.True(t, errors.Is(err, repository.ErrNotFailed))
}
