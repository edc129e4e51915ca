package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"galapagos/internal/events"
	"galapagos/internal/metrics"
	"galapagos/internal/model"
	"galapagos/internal/repository"
	"galapagos/pkg/email"
	"galapagos/pkg/ledger"
	"galapagos/pkg/logger"
)

// ErrInvalidResolution 人工处理参数非法
var ErrInvalidResolution = errors.New("invalid resolution")

// Resolution 人工处理结果
type Resolution string

const (
	// ResolveRedeemed 确认资金已转出
	ResolveRedeemed Resolution = "redeemed"
	// ResolveReleased 确认资金未转出，票据恢复可兑换
	ResolveReleased Resolution = "released"
)

// ReconcileConfig 对账参数
type ReconcileConfig struct {
	StaleAfter  time.Duration
	AutoResolve bool
	BatchSize   int
	// AlertEvery 同一次尝试两次超时告警之间的最短间隔
	AlertEvery time.Duration
}

// ReconcileReport 一轮对账的统计
type ReconcileReport struct {
	Checked   int `json:"checked"`
	Finalized int `json:"finalized"`
	Released  int `json:"released"`
	Waiting   int `json:"waiting"`
	Alerted   int `json:"alerted"`
}

// ReconcileService 处理转账结果未知的票据
//
// 只依据链上证据确认或释放，从不重新发送转账。
type ReconcileService struct {
	tickets  *repository.TicketRepository
	executor ledger.Executor
	emitter  events.Emitter
	alerts   Alerter
	cfg      ReconcileConfig
	logger   *logger.Logger
	now      func() time.Time
}

// NewReconcileService 创建对账服务
func NewReconcileService(
	tickets *repository.TicketRepository,
	executor ledger.Executor,
	emitter events.Emitter,
	alerts Alerter,
	cfg ReconcileConfig,
	log *logger.Logger,
) *ReconcileService {
	if emitter == nil {
		emitter = events.Discard{}
	}
	if alerts == nil {
		alerts = noopAlerter{}
	}
	if log == nil {
		log = logger.NewNop()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 10 * time.Minute
	}
	if cfg.AlertEvery <= 0 {
		cfg.AlertEvery = time.Hour
	}
	return &ReconcileService{
		tickets:  tickets,
		executor: executor,
		emitter:  emitter,
		alerts:   alerts,
		cfg:      cfg,
		logger:   log,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// ListPending 列出待对账或预占超时的票据
func (s *ReconcileService) ListPending(ctx context.Context) ([]model.Ticket, error) {
	return s.tickets.ListReconcilable(ctx, s.now().Add(-s.cfg.StaleAfter), s.cfg.BatchSize)
}

// ReconcileOnce 执行一轮对账
func (s *ReconcileService) ReconcileOnce(ctx context.Context) (ReconcileReport, error) {
	var report ReconcileReport

	tickets, err := s.ListPending(ctx)
	if err != nil {
		return report, err
	}
	for i := range tickets {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		report.Checked++
		s.reconcileTicket(ctx, &tickets[i], &report)
	}

	if _, pending, err := s.tickets.CountByState(ctx); err == nil {
		metrics.Redemption().SetPending(pending)
	}
	return report, nil
}

func (s *ReconcileService) reconcileTicket(ctx context.Context, ticket *model.Ticket, report *ReconcileReport) {
	attemptID := ticket.AttemptID.String
	log := s.logger.With("ticket_id", ticket.ID, "attempt_id", attemptID)
	stale := ticket.ReservedAt.Valid && s.now().Sub(ticket.ReservedAt.Time) > s.cfg.StaleAfter

	if !ticket.AttemptTxHash.Valid || ticket.AttemptTxHash.String == "" {
		// 未计算出奖励说明还没进入转账阶段，可以安全释放
		if !ticket.AttemptUnits.Valid && stale && s.cfg.AutoResolve {
			if err := s.tickets.Release(ctx, ticket.ID, attemptID, "reservation expired before transfer"); err != nil {
				log.Error("释放超时预占失败", "error", err)
				return
			}
			log.Info("超时预占已释放")
			s.emitter.Emit(events.Event{Type: events.TicketResolved, TicketID: ticket.ID, ProductID: ticket.ProductID, Reason: "released"})
			report.Released++
			return
		}
		if stale {
			s.alertStale(ctx, log, ticket, "没有交易哈希，无法判断资金是否转出", report)
			return
		}
		report.Waiting++
		return
	}

	txHash := ticket.AttemptTxHash.String
	status, err := s.executor.Status(ctx, txHash)
	if err != nil {
		log.Warn("查询交易状态失败", "tx_hash", txHash, "error", err)
		report.Waiting++
		return
	}

	switch status {
	case ledger.StatusConfirmed:
		if !s.cfg.AutoResolve {
			report.Waiting++
			return
		}
		if err := s.finalizeFromAttempt(ctx, ticket, txHash); err != nil {
			log.Error("对账确认兑换失败", "tx_hash", txHash, "error", err)
			return
		}
		log.Info("对账确认兑换成功", "tx_hash", txHash)
		report.Finalized++
	case ledger.StatusReverted:
		if !s.cfg.AutoResolve {
			report.Waiting++
			return
		}
		if err := s.tickets.Release(ctx, ticket.ID, attemptID, "transaction reverted: "+txHash); err != nil {
			log.Error("对账释放票据失败", "tx_hash", txHash, "error", err)
			return
		}
		log.Info("交易已回滚，票据已释放", "tx_hash", txHash)
		s.emitter.Emit(events.Event{Type: events.TicketResolved, TicketID: ticket.ID, ProductID: ticket.ProductID, TxHash: txHash, Reason: "released"})
		report.Released++
	case ledger.StatusPending:
		report.Waiting++
	default:
		if stale {
			s.alertStale(ctx, log, ticket, "链上查不到交易 "+txHash, report)
			return
		}
		report.Waiting++
	}
}

func (s *ReconcileService) finalizeFromAttempt(ctx context.Context, ticket *model.Ticket, txHash string) error {
	if !ticket.AttemptAccount.Valid || !ticket.AttemptUnits.Valid {
		return fmt.Errorf("%w: 缺少尝试账户或奖励数量", ErrInvalidResolution)
	}
	if err := s.tickets.Finalize(ctx, ticket.ID, ticket.AttemptID.String, ticket.AttemptAccount.String, ticket.AttemptUnits.String, txHash); err != nil {
		return err
	}
	s.emitter.Emit(events.Event{
		Type:      events.TicketResolved,
		TicketID:  ticket.ID,
		ProductID: ticket.ProductID,
		Account:   ticket.AttemptAccount.String,
		Units:     ticket.AttemptUnits.String,
		TxHash:    txHash,
		Reason:    "redeemed",
	})
	return nil
}

// alertStale 发出超时告警，同一次尝试在 AlertEvery 内只告警一次
func (s *ReconcileService) alertStale(ctx context.Context, log *logger.Logger, ticket *model.Ticket, reason string, report *ReconcileReport) {
	now := s.now()
	if ticket.AlertedAt.Valid && now.Sub(ticket.AlertedAt.Time) < s.cfg.AlertEvery {
		report.Waiting++
		return
	}
	if err := s.tickets.MarkAlerted(ctx, ticket.ID, ticket.AttemptID.String, now); err != nil {
		log.Warn("记录告警时间失败", "error", err)
		if errors.Is(err, repository.ErrNotReserved) {
			report.Waiting++
			return
		}
	}
	report.Alerted++

	var reserved time.Time
	if ticket.ReservedAt.Valid {
		reserved = ticket.ReservedAt.Time
	}
	s.alerts.Notify(email.Alert{
		Type:       email.TypeStaleReservation,
		TicketID:   ticket.ID,
		Account:    ticket.AttemptAccount.String,
		Units:      ticket.AttemptUnits.String,
		TxHash:     ticket.AttemptTxHash.String,
		Reason:     reason,
		OccurredAt: reserved,
	})
}

// Resolve 管理员根据链下核实结果处理预占票据
func (s *ReconcileService) Resolve(ctx context.Context, ticketID string, outcome Resolution, txHash, reason string) error {
	ticket, err := s.tickets.GetTicket(ctx, ticketID)
	if err != nil {
		return err
	}
	if ticket.State != model.TicketReserved {
		return fmt.Errorf("%w: 当前状态 %s", repository.ErrNotReserved, ticket.State)
	}

	switch outcome {
	case ResolveRedeemed:
		txHash = strings.TrimSpace(txHash)
		if txHash == "" {
			txHash = ticket.AttemptTxHash.String
		}
		if txHash == "" {
			return fmt.Errorf("%w: 需要交易哈希", ErrInvalidResolution)
		}
		if err := s.finalizeFromAttempt(ctx, ticket, txHash); err != nil {
			return err
		}
	case ResolveReleased:
		if reason == "" {
			reason = "released by operator"
		}
		if err := s.tickets.Release(ctx, ticket.ID, ticket.AttemptID.String, reason); err != nil {
			return err
		}
		s.emitter.Emit(events.Event{Type: events.TicketResolved, TicketID: ticket.ID, ProductID: ticket.ProductID, Reason: "released"})
	default:
		return fmt.Errorf("%w: 未知结果 %q", ErrInvalidResolution, outcome)
	}

	s.logger.Info("管理员处理票据", "ticket_id", ticketID, "outcome", string(outcome), "tx_hash", txHash, "reason", reason)
	return nil
}

// Retry 管理员将失败票据恢复为可兑换
func (s *ReconcileService) Retry(ctx context.Context, ticketID string) error {
	if err := s.tickets.Retry(ctx, ticketID); err != nil {
		return err
	}
	s.logger.Info("失败票据已恢复", "ticket_id", ticketID)
	s.emitter.Emit(events.Event{Type: events.TicketRetried, TicketID: ticketID})
	return nil
}
