package service

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"galapagos/internal/events"
	"galapagos/internal/metrics"
	"galapagos/internal/model"
	"galapagos/internal/pricing"
	"galapagos/internal/repository"
	"galapagos/internal/reward"
	"galapagos/pkg/email"
	"galapagos/pkg/ledger"
	"galapagos/pkg/logger"

	"k8s.io/apimachinery/pkg/util/rand"
)

var (
	// ErrTransferPending 转账结果未知，票据保持预占等待对账
	ErrTransferPending = errors.New("transfer pending reconciliation")
	// ErrInvalidAccount 兑换账户格式非法
	ErrInvalidAccount = errors.New("invalid account")
	// ErrRewardTooSmall 按当前价格奖励不足一个最小单位
	ErrRewardTooSmall = errors.New("reward below smallest unit")
)

// PriceOracle 单价查询
type PriceOracle interface {
	Lookup(ctx context.Context) (pricing.Result, error)
}

// RedemptionConfig 兑换参数
type RedemptionConfig struct {
	Rate            *big.Rat
	Decimals        uint8
	MaxAttempts     int
	TransferTimeout time.Duration
}

// RedeemResult 兑换成功的结果
type RedeemResult struct {
	TicketID  string `json:"ticket_id"`
	Account   string `json:"account"`
	Units     string `json:"units"`
	Amount    string `json:"amount"`
	TxHash    string `json:"tx_hash"`
	UnitPrice string `json:"unit_price"`
	Freshness string `json:"price_freshness"`
}

// RedemptionService 兑换协调器
//
// 流程为 预占 -> 计算奖励 -> 转账 -> 确认或释放。
// 转账结果未知时票据保持预占并标记待对账，不会自动重发。
type RedemptionService struct {
	tickets  *repository.TicketRepository
	oracle   PriceOracle
	executor ledger.Executor
	emitter  events.Emitter
	alerts   Alerter
	cfg      RedemptionConfig
	logger   *logger.Logger
}

// NewRedemptionService 创建兑换协调器
func NewRedemptionService(
	tickets *repository.TicketRepository,
	oracle PriceOracle,
	executor ledger.Executor,
	emitter events.Emitter,
	alerts Alerter,
	cfg RedemptionConfig,
	log *logger.Logger,
) *RedemptionService {
	if emitter == nil {
		emitter = events.Discard{}
	}
	if alerts == nil {
		alerts = noopAlerter{}
	}
	if log == nil {
		log = logger.NewNop()
	}
	if cfg.TransferTimeout <= 0 {
		cfg.TransferTimeout = 90 * time.Second
	}
	return &RedemptionService{
		tickets:  tickets,
		oracle:   oracle,
		executor: executor,
		emitter:  emitter,
		alerts:   alerts,
		cfg:      cfg,
		logger:   log,
	}
}

// Redeem 兑换票据并向账户发放奖励
func (s *RedemptionService) Redeem(ctx context.Context, ticketID, account string) (*RedeemResult, error) {
	res, err := s.redeem(ctx, ticketID, strings.TrimSpace(account))
	metrics.Redemption().ObserveRedemption(outcomeOf(err))
	return res, err
}

func (s *RedemptionService) redeem(ctx context.Context, ticketID, account string) (*RedeemResult, error) {
	if err := s.executor.ValidateDestination(account); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAccount, err)
	}

	attemptID := rand.String(16)
	log := s.logger.With("ticket_id", ticketID, "attempt_id", attemptID)

	ticket, err := s.tickets.Reserve(ctx, ticketID, attemptID, account)
	if err != nil {
		return nil, err
	}
	log.Info("票据已预占", "account", account, "attempts", ticket.Attempts)
	s.emitter.Emit(events.Event{Type: events.TicketReserved, TicketID: ticket.ID, ProductID: ticket.ProductID, Account: account})

	// 预占之后的写入不受调用方断开影响，否则票据会停留在预占状态
	work := context.WithoutCancel(ctx)

	units, quote, err := s.computeReward(work, ticket)
	if err != nil {
		log.Warn("计算奖励失败，释放票据", "error", err)
		s.release(work, log, ticket, attemptID, err.Error())
		return nil, err
	}
	if err := s.tickets.RecordQuote(work, ticket.ID, attemptID, units.String()); err != nil {
		log.Error("记录奖励数量失败，释放票据", "error", err)
		s.release(work, log, ticket, attemptID, err.Error())
		return nil, err
	}

	transferCtx, cancel := context.WithTimeout(work, s.cfg.TransferTimeout)
	defer cancel()

	start := time.Now()
	receipt, err := s.executor.Transfer(transferCtx, account, units, func(txHash string) {
		if err := s.tickets.RecordSubmission(work, ticket.ID, attemptID, txHash); err != nil {
			log.Error("记录交易哈希失败", "tx_hash", txHash, "error", err)
		}
	})
	if err != nil {
		return nil, s.handleTransferError(work, log, ticket, attemptID, account, units, err, time.Since(start))
	}
	metrics.Redemption().ObserveTransfer("confirmed", time.Since(start))

	if err := s.tickets.Finalize(work, ticket.ID, attemptID, account, units.String(), receipt.TxHash); err != nil {
		// 资金已转出但状态未落库，保持预占，交给对账根据链上记录确认
		log.Error("确认兑换失败，转入对账", "tx_hash", receipt.TxHash, "error", err)
		if flagErr := s.tickets.FlagAmbiguous(work, ticket.ID, attemptID, "finalize failed: "+err.Error()); flagErr != nil {
			log.Error("标记待对账失败", "error", flagErr)
		}
		s.notifyPending(ticket, account, units, receipt.TxHash, err.Error())
		return nil, fmt.Errorf("%w: %w", ErrTransferPending, ledger.Ambiguous(receipt.TxHash, err))
	}

	amount := reward.FormatUnits(units, s.cfg.Decimals)
	log.Info("票据兑换成功", "account", account, "units", units.String(), "amount", amount, "tx_hash", receipt.TxHash)
	s.emitter.Emit(events.Event{
		Type:      events.TicketRedeemed,
		TicketID:  ticket.ID,
		ProductID: ticket.ProductID,
		Account:   account,
		Units:     units.String(),
		TxHash:    receipt.TxHash,
	})

	return &RedeemResult{
		TicketID:  ticket.ID,
		Account:   account,
		Units:     units.String(),
		Amount:    amount,
		TxHash:    receipt.TxHash,
		UnitPrice: reward.FormatDecimal(quote.Quote.Price, 18),
		Freshness: string(quote.Freshness),
	}, nil
}

// computeReward 获取单价并计算奖励数量
func (s *RedemptionService) computeReward(ctx context.Context, ticket *model.Ticket) (*big.Int, pricing.Result, error) {
	quote, err := s.oracle.Lookup(ctx)
	if err != nil {
		return nil, quote, err
	}
	face, err := reward.ParseDecimal(ticket.FaceValue)
	if err != nil {
		return nil, quote, fmt.Errorf("票据面值非法: %w", err)
	}
	units, err := reward.Reward(face, s.cfg.Rate, quote.Quote.Price, s.cfg.Decimals)
	if err != nil {
		return nil, quote, err
	}
	if units.Sign() == 0 {
		return nil, quote, ErrRewardTooSmall
	}
	return units, quote, nil
}

func (s *RedemptionService) handleTransferError(ctx context.Context, log *logger.Logger, ticket *model.Ticket, attemptID, account string, units *big.Int, err error, took time.Duration) error {
	txHash := ledger.TxHashOf(err)

	if !errors.Is(err, ledger.ErrTransferRejected) {
		// 只有明确的拒绝才能释放，其余一律视为结果未知
		metrics.Redemption().ObserveTransfer("ambiguous", took)
		log.Error("转账结果未知，等待对账", "tx_hash", txHash, "error", err)
		if flagErr := s.tickets.FlagAmbiguous(ctx, ticket.ID, attemptID, err.Error()); flagErr != nil {
			log.Error("标记待对账失败", "error", flagErr)
		}
		s.notifyPending(ticket, account, units, txHash, err.Error())
		if !errors.Is(err, ledger.ErrTransferAmbiguous) {
			err = ledger.Ambiguous(txHash, err)
		}
		return fmt.Errorf("%w: %w", ErrTransferPending, err)
	}

	metrics.Redemption().ObserveTransfer("rejected", took)
	rejections, countErr := s.tickets.RecordRejection(ctx, ticket.ID, attemptID)
	if countErr != nil {
		log.Error("记录拒绝次数失败", "error", countErr)
	}
	if s.cfg.MaxAttempts > 0 && rejections >= s.cfg.MaxAttempts {
		log.Warn("转账多次被拒绝，票据置为失败", "rejections", rejections, "error", err)
		if markErr := s.tickets.MarkFailed(ctx, ticket.ID, attemptID, err.Error()); markErr != nil {
			log.Error("标记票据失败状态失败", "error", markErr)
		}
		s.emitter.Emit(events.Event{Type: events.TicketFailed, TicketID: ticket.ID, ProductID: ticket.ProductID, Account: account, Reason: err.Error()})
		s.alerts.Notify(email.Alert{Type: email.TypeTicketFailed, TicketID: ticket.ID, Account: account, Reason: err.Error(), OccurredAt: time.Now()})
		return fmt.Errorf("兑换失败: %w", err)
	}

	log.Warn("转账被拒绝，释放票据", "tx_hash", txHash, "error", err)
	s.release(ctx, log, ticket, attemptID, err.Error())
	return fmt.Errorf("兑换失败: %w", err)
}

func (s *RedemptionService) release(ctx context.Context, log *logger.Logger, ticket *model.Ticket, attemptID, reason string) {
	if err := s.tickets.Release(ctx, ticket.ID, attemptID, reason); err != nil {
		log.Error("释放票据失败", "error", err)
		return
	}
	s.emitter.Emit(events.Event{Type: events.TicketReleased, TicketID: ticket.ID, ProductID: ticket.ProductID, Reason: reason})
}

func (s *RedemptionService) notifyPending(ticket *model.Ticket, account string, units *big.Int, txHash, reason string) {
	s.emitter.Emit(events.Event{
		Type:      events.TicketPending,
		TicketID:  ticket.ID,
		ProductID: ticket.ProductID,
		Account:   account,
		Units:     units.String(),
		TxHash:    txHash,
		Reason:    reason,
	})
	s.alerts.Notify(email.Alert{
		Type:       email.TypeTransferPending,
		TicketID:   ticket.ID,
		Account:    account,
		Units:      reward.FormatUnits(units, s.cfg.Decimals),
		TxHash:     txHash,
		Reason:     reason,
		OccurredAt: time.Now(),
	})
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return "redeemed"
	case errors.Is(err, ErrTransferPending):
		return "pending"
	case errors.Is(err, repository.ErrAlreadyRedeemed):
		return "already_redeemed"
	case errors.Is(err, repository.ErrTicketNotFound):
		return "not_found"
	case errors.Is(err, repository.ErrTicketFailed):
		return "failed_ticket"
	case errors.Is(err, pricing.ErrPriceUnavailable):
		return "price_unavailable"
	case errors.Is(err, ledger.ErrTransferRejected):
		return "rejected"
	case errors.Is(err, ErrInvalidAccount), errors.Is(err, ErrRewardTooSmall):
		return "invalid"
	default:
		return "error"
	}
}
