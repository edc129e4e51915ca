package service

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"galapagos/internal/events"
	"galapagos/internal/model"
	"galapagos/internal/pricing"
	"galapagos/internal/repository"
	"galapagos/internal/testutil"
	"galapagos/pkg/email"
	"galapagos/pkg/ledger"
	"galapagos/pkg/logger"

	"github.com/stretchr/testify/require"
)

const testAccount = "0x1111111111111111111111111111111111111111"

type stubOracle struct {
	mu    sync.Mutex
	price string
	fresh pricing.Freshness
	err   error
}

func (o *stubOracle) Lookup(ctx context.Context) (pricing.Result, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.err != nil {
		return pricing.Result{Freshness: pricing.Unavailable}, o.err
	}
	p, _ := new(big.Rat).SetString(o.price)
	fresh := o.fresh
	if fresh == "" {
		fresh = pricing.Fresh
	}
	return pricing.Result{Quote: pricing.Quote{Price: p, FetchedAt: time.Now(), Source: "stub"}, Freshness: fresh}, nil
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []events.Event
}

func (e *recordingEmitter) Emit(ev events.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, ev)
}

func (e *recordingEmitter) types() []events.Type {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]events.Type, 0, len(e.events))
	for _, ev := range e.events {
		out = append(out, ev.Type)
	}
	return out
}

type recordingAlerter struct {
	mu     sync.Mutex
	alerts []email.Alert
}

func (a *recordingAlerter) Notify(alert email.Alert) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alerts = append(a.alerts, alert)
}

func (a *recordingAlerter) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.alerts)
}

func validateHex(dest string) error {
	if !strings.HasPrefix(dest, "0x") || len(dest) != 42 {
		return ledger.ErrInvalidDestination
	}
	return nil
}

type fixture struct {
	products *repository.ProductRepository
	tickets  *repository.TicketRepository
	oracle   *stubOracle
	emitter  *recordingEmitter
	alerts   *recordingAlerter
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := testutil.NewDB(t)
	return &fixture{
		products: repository.NewProductRepository(db),
		tickets:  repository.NewTicketRepository(db),
		oracle:   &stubOracle{price: "2.00"},
		emitter:  &recordingEmitter{},
		alerts:   &recordingAlerter{},
	}
}

func (f *fixture) seed(t *testing.T, faceValue string, ids ...string) {
	t.Helper()
	tickets := make([]model.Ticket, 0, len(ids))
	for _, id := range ids {
		tickets = append(tickets, model.Ticket{ID: id, ProductID: "p1", Label: "Botella", FaceValue: faceValue, CreatedAt: time.Now().UTC()})
	}
	_, err := f.tickets.CreateTickets(context.Background(), tickets)
	require.NoError(t, err)
}

func (f *fixture) redemption(exec ledger.Executor, maxAttempts int) *RedemptionService {
	return NewRedemptionService(f.tickets, f.oracle, exec, f.emitter, f.alerts, RedemptionConfig{
		Rate:            big.NewRat(1, 100),
		Decimals:        18,
		MaxAttempts:     maxAttempts,
		TransferTimeout: time.Second,
	}, logger.NewNop())
}

func (f *fixture) ticket(t *testing.T, id string) *model.Ticket {
	t.Helper()
	ticket, err := f.tickets.GetTicket(context.Background(), id)
	require.NoError(t, err)
	return ticket
}

func okExecutor(calls *callCounter) ledger.FuncExecutor {
	return ledger.FuncExecutor{
		ValidateFunc: validateHex,
		TransferFunc: func(ctx context.Context, dest string, units *big.Int, onSubmit func(string)) (*ledger.Receipt, error) {
			n := calls.inc()
			hash := fmt.Sprintf("0xhash%d", n)
			onSubmit(hash)
			return &ledger.Receipt{TxHash: hash, Destination: dest, Units: new(big.Int).Set(units)}, nil
		},
	}
}

type callCounter struct {
	mu sync.Mutex
	n  int
}

func (c *callCounter) inc() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n++
	return c.n
}

func (c *callCounter) get() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

var errBoom = errors.New("boom")
