package repository

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"galapagos/internal/model"
	"galapagos/internal/testutil"

	"github.com/stretchr/testify/require"
)

func newTicketRepo(t *testing.T, ids ...string) *TicketRepository {
	t.Helper()
	db := testutil.NewDB(t)
	repo := NewTicketRepository(db)

	created := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	tickets := make([]model.Ticket, 0, len(ids))
	for _, id := range ids {
		tickets = append(tickets, model.Ticket{ID: id, ProductID: "p1", Label: "Botella", FaceValue: "100", CreatedAt: created})
	}
	n, err := repo.CreateTickets(context.Background(), tickets)
	require.NoError(t, err)
	require.Equal(t, len(ids), n)
	return repo
}

func TestReserveTransitionsIssuedTicket(t *testing.T) {
	repo := newTicketRepo(t, "T1")
	ctx := context.Background()

	ticket, err := repo.Reserve(ctx, "T1", "a1", "0xabc")
	require.NoError(t, err)
	require.Equal(t, model.TicketReserved, ticket.State)
	require.Equal(t, "a1", ticket.AttemptID.String)
	require.Equal(t, "0xabc", ticket.AttemptAccount.String)
	require.Equal(t, 1, ticket.Attempts)
	require.True(t, ticket.ReservedAt.Valid)
	require.False(t, ticket.Account.Valid)
	require.False(t, ticket.RewardUnits.Valid)

	_, err = repo.Reserve(ctx, "T1", "a2", "0xdef")
	require.ErrorIs(t, err, ErrAlreadyRedeemed)
}

func TestReserveUnknownTicket(t *testing.T) {
	repo := newTicketRepo(t)
	_, err := repo.Reserve(context.Background(), "missing", "a1", "0xabc")
	require.ErrorIs(t, err, ErrTicketNotFound)
}

func TestReserveConcurrentSingleWinner(t *testing.T) {
	repo := newTicketRepo(t, "T1")
	ctx := context.Background()

	const callers = 16
	var wins, already atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := repo.Reserve(ctx, "T1", fmt.Sprintf("a%d", i), "0xabc")
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, ErrAlreadyRedeemed):
				already.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	require.EqualValues(t, 1, wins.Load())
	require.EqualValues(t, callers-1, already.Load())
}

func TestFinalizeIsIdempotentForSameOutcome(t *testing.T) {
	repo := newTicketRepo(t, "T1")
	ctx := context.Background()

	_, err := repo.Reserve(ctx, "T1", "a1", "0xabc")
	require.NoError(t, err)
	require.NoError(t, repo.Finalize(ctx, "T1", "a1", "0xabc", "500", "0xhash"))
	require.NoError(t, repo.Finalize(ctx, "T1", "a1", "0xabc", "500", "0xhash"))

	err = repo.Finalize(ctx, "T1", "a1", "0xother", "500", "0xhash")
	require.ErrorIs(t, err, ErrNotReserved)

	ticket, err := repo.GetTicket(ctx, "T1")
	require.NoError(t, err)
	require.Equal(t, model.TicketRedeemed, ticket.State)
	require.Equal(t, "0xabc", ticket.Account.String)
	require.Equal(t, "500", ticket.RewardUnits.String)
	require.Equal(t, "0xhash", ticket.TxHash.String)
	require.True(t, ticket.RedeemedAt.Valid)

	_, err = repo.Reserve(ctx, "T1", "a2", "0xabc")
	require.ErrorIs(t, err, ErrAlreadyRedeemed)
}

func TestFinalizeRequiresReservation(t *testing.T) {
	repo := newTicketRepo(t, "T1")
	err := repo.Finalize(context.Background(), "T1", "a1", "0xabc", "500", "0xhash")
	require.ErrorIs(t, err, ErrNotReserved)
}

func TestReleaseRestoresIssued(t *testing.T) {
	repo := newTicketRepo(t, "T1")
	ctx := context.Background()

	_, err := repo.Reserve(ctx, "T1", "a1", "0xabc")
	require.NoError(t, err)
	require.NoError(t, repo.RecordQuote(ctx, "T1", "a1", "500"))
	require.NoError(t, repo.Release(ctx, "T1", "a1", "rejected"))
	require.NoError(t, repo.Release(ctx, "T1", "a1", "rejected"))

	ticket, err := repo.GetTicket(ctx, "T1")
	require.NoError(t, err)
	require.Equal(t, model.TicketIssued, ticket.State)
	require.False(t, ticket.AttemptID.Valid)
	require.False(t, ticket.AttemptUnits.Valid)
	require.Equal(t, "rejected", ticket.LastError.String)

	ticket, err = repo.Reserve(ctx, "T1", "a2", "0xabc")
	require.NoError(t, err)
	require.Equal(t, 2, ticket.Attempts)
}

func TestReleaseDoesNotUndoRedemption(t *testing.T) {
	repo := newTicketRepo(t, "T1")
	ctx := context.Background()

	_, err := repo.Reserve(ctx, "T1", "a1", "0xabc")
	require.NoError(t, err)
	require.NoError(t, repo.Finalize(ctx, "T1", "a1", "0xabc", "500", "0xhash"))
	require.ErrorIs(t, repo.Release(ctx, "T1", "a1", "late"), ErrNotReserved)
}

func TestAttemptBookkeepingChecksAttemptID(t *testing.T) {
	repo := newTicketRepo(t, "T1")
	ctx := context.Background()

	_, err := repo.Reserve(ctx, "T1", "a1", "0xabc")
	require.NoError(t, err)
	require.ErrorIs(t, repo.RecordSubmission(ctx, "T1", "other", "0xhash"), ErrNotReserved)
	require.NoError(t, repo.RecordSubmission(ctx, "T1", "a1", "0xhash"))

	ticket, err := repo.GetTicket(ctx, "T1")
	require.NoError(t, err)
	require.Equal(t, "0xhash", ticket.AttemptTxHash.String)
	require.False(t, ticket.TxHash.Valid)
}

func TestStaleAttemptCannotTouchNewReservation(t *testing.T) {
	repo := newTicketRepo(t, "T1")
	ctx := context.Background()

	_, err := repo.Reserve(ctx, "T1", "a1", "0xabc")
	require.NoError(t, err)
	require.NoError(t, repo.Release(ctx, "T1", "a1", "rejected"))
	_, err = repo.Reserve(ctx, "T1", "a2", "0xdef")
	require.NoError(t, err)
	require.NoError(t, repo.RecordSubmission(ctx, "T1", "a2", "0xbbb"))

	err = repo.Release(ctx, "T1", "a1", "reverted")
	require.ErrorIs(t, err, ErrNotReserved)
	require.ErrorIs(t, err, ErrAttemptChanged)
	require.ErrorIs(t, repo.Finalize(ctx, "T1", "a1", "0xabc", "500", "0xaaa"), ErrAttemptChanged)
	require.ErrorIs(t, repo.MarkFailed(ctx, "T1", "a1", "rejected"), ErrAttemptChanged)
	require.ErrorIs(t, repo.FlagAmbiguous(ctx, "T1", "a1", "timeout"), ErrAttemptChanged)

	ticket, err := repo.GetTicket(ctx, "T1")
	require.NoError(t, err)
	require.Equal(t, model.TicketReserved, ticket.State)
	require.Equal(t, "a2", ticket.AttemptID.String)
	require.Equal(t, "0xdef", ticket.AttemptAccount.String)
	require.Equal(t, "0xbbb", ticket.AttemptTxHash.String)
	require.False(t, ticket.NeedsReconcile)
}

func TestReserveReturnsTicketWhenCallerCancelsAfterUpdate(t *testing.T) {
	repo := newTicketRepo(t, "T1")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	repo.afterReserve = cancel

	ticket, err := repo.Reserve(ctx, "T1", "a1", "0xabc")
	require.NoError(t, err)
	require.Equal(t, model.TicketReserved, ticket.State)
	require.Equal(t, "a1", ticket.AttemptID.String)
	require.Error(t, ctx.Err())
}

func TestRecordRejectionCountsAcrossAttempts(t *testing.T) {
	repo := newTicketRepo(t, "T1")
	ctx := context.Background()

	_, err := repo.Reserve(ctx, "T1", "a1", "0xabc")
	require.NoError(t, err)
	n, err := repo.RecordRejection(ctx, "T1", "a1")
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.NoError(t, repo.Release(ctx, "T1", "a1", "rejected"))

	_, err = repo.Reserve(ctx, "T1", "a2", "0xabc")
	require.NoError(t, err)
	_, err = repo.RecordRejection(ctx, "T1", "a1")
	require.ErrorIs(t, err, ErrAttemptChanged)
	n, err = repo.RecordRejection(ctx, "T1", "a2")
	require.NoError(t, err)
	require.Equal(t, 2, n)

	require.NoError(t, repo.MarkFailed(ctx, "T1", "a2", "rejected twice"))
	require.NoError(t, repo.Retry(ctx, "T1"))
	ticket, err := repo.GetTicket(ctx, "T1")
	require.NoError(t, err)
	require.Equal(t, 0, ticket.Rejections)
	require.Equal(t, 0, ticket.Attempts)
}

func TestMarkAlertedClearedByNewReservation(t *testing.T) {
	repo := newTicketRepo(t, "T1")
	ctx := context.Background()
	at := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)

	_, err := repo.Reserve(ctx, "T1", "a1", "0xabc")
	require.NoError(t, err)
	require.NoError(t, repo.MarkAlerted(ctx, "T1", "a1", at))
	ticket, err := repo.GetTicket(ctx, "T1")
	require.NoError(t, err)
	require.True(t, ticket.AlertedAt.Valid)
	require.True(t, at.Equal(ticket.AlertedAt.Time))

	require.NoError(t, repo.Release(ctx, "T1", "a1", "expired"))
	ticket, err = repo.Reserve(ctx, "T1", "a2", "0xabc")
	require.NoError(t, err)
	require.False(t, ticket.AlertedAt.Valid)
	require.ErrorIs(t, repo.MarkAlerted(ctx, "T1", "a1", at), ErrAttemptChanged)
}

func TestFailedTicketNeedsExplicitRetry(t *testing.T) {
	repo := newTicketRepo(t, "T1")
	ctx := context.Background()

	_, err := repo.Reserve(ctx, "T1", "a1", "0xabc")
	require.NoError(t, err)
	require.NoError(t, repo.MarkFailed(ctx, "T1", "a1", "too many rejections"))

	_, err = repo.Reserve(ctx, "T1", "a2", "0xabc")
	require.ErrorIs(t, err, ErrTicketFailed)

	require.NoError(t, repo.Retry(ctx, "T1"))
	require.ErrorIs(t, repo.Retry(ctx, "T1"), ErrNotFailed)

	ticket, err := repo.Reserve(ctx, "T1", "a3", "0xabc")
	require.NoError(t, err)
	require.Equal(t, 1, ticket.Attempts)
}

func TestListReconcilableAndCounts(t *testing.T) {
	repo := newTicketRepo(t, "T1", "T2", "T3", "T4")
	ctx := context.Background()

	base := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	repo.SetClock(func() time.Time { return base })
	_, err := repo.Reserve(ctx, "T1", "a1", "0x1")
	require.NoError(t, err)
	require.NoError(t, repo.FlagAmbiguous(ctx, "T1", "a1", "timeout"))

	_, err = repo.Reserve(ctx, "T2", "a2", "0x2")
	require.NoError(t, err)

	repo.SetClock(func() time.Time { return base.Add(30 * time.Minute) })
	_, err = repo.Reserve(ctx, "T3", "a3", "0x3")
	require.NoError(t, err)

	tickets, err := repo.ListReconcilable(ctx, base.Add(10*time.Minute), 10)
	require.NoError(t, err)
	ids := make([]string, 0, len(tickets))
	for _, tk := range tickets {
		ids = append(ids, tk.ID)
	}
	require.ElementsMatch(t, []string{"T1", "T2"}, ids)

	counts, pending, err := repo.CountByState(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, pending)
	byState := map[model.TicketState]int{}
	for _, c := range counts {
		byState[c.State] = c.Total
	}
	require.Equal(t, 1, byState[model.TicketIssued])
	require.Equal(t, 3, byState[model.TicketReserved])
}

func TestCreateTicketsInChunks(t *testing.T) {
	repo := newTicketRepo(t)
	ctx := context.Background()

	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tickets := make([]model.Ticket, 0, 250)
	for i := 0; i < 250; i++ {
		tickets = append(tickets, model.Ticket{ID: fmt.Sprintf("T%03d", i), ProductID: "p2", Label: "Lata", FaceValue: "50", CreatedAt: created})
	}
	n, err := repo.CreateTickets(ctx, tickets)
	require.NoError(t, err)
	require.Equal(t, 250, n)

	page, err := repo.ListByProduct(ctx, "p2", 100, 200)
	require.NoError(t, err)
	require.Len(t, page, 50)
	require.Equal(t, model.TicketIssued, page[0].State)
}
