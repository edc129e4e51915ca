package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"galapagos/internal/model"

	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
)

var (
	// ErrTicketNotFound 票据不存在
	ErrTicketNotFound = errors.New("ticket not found")
	// ErrAlreadyRedeemed 票据已被兑换或正在兑换
	ErrAlreadyRedeemed = errors.New("ticket already redeemed")
	// ErrTicketFailed 票据处于失败状态，需要管理员重试
	ErrTicketFailed = errors.New("ticket failed")
	// ErrNotReserved 票据不处于预占状态
	ErrNotReserved = errors.New("ticket not reserved")
	// ErrNotFailed 票据不处于失败状态
	ErrNotFailed = errors.New("ticket not failed")
	// ErrReserveConflict 多次重试后仍未能完成预占
	ErrReserveConflict = errors.New("ticket reservation conflict")
	// ErrAttemptChanged 票据已被其他兑换尝试预占
	ErrAttemptChanged = errors.New("reservation attempt changed")
)

const (
	maxConflictRetries = 3
	conflictBackoff    = 20 * time.Millisecond
	insertChunkSize    = 100
	maxErrorLength     = 500
)

const ticketColumns = `id, product_id, label, face_value, state, account, reward_units, tx_hash,
	attempt_id, attempt_account, attempt_units, attempt_tx_hash, attempts, rejections, needs_reconcile,
	last_error, reserved_at, alerted_at, created_at, redeemed_at, updated_at`

// TicketRepository 票据存储库，兑换状态的唯一可信来源
type TicketRepository struct {
	db  *sqlx.DB
	now func() time.Time

	afterReserve func()
}

// NewTicketRepository 创建票据存储库
func NewTicketRepository(db *sqlx.DB) *TicketRepository {
	return &TicketRepository{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// SetClock 替换时间来源
func (r *TicketRepository) SetClock(now func() time.Time) {
	r.now = now
}

// CreateTickets 批量写入票据，按块提交，不保证整批原子性，返回已写入数量
func (r *TicketRepository) CreateTickets(ctx context.Context, tickets []model.Ticket) (int, error) {
	created := 0
	for start := 0; start < len(tickets); start += insertChunkSize {
		end := start + insertChunkSize
		if end > len(tickets) {
			end = len(tickets)
		}
		if err := r.insertChunk(ctx, tickets[start:end]); err != nil {
			return created, fmt.Errorf("写入票据失败: %w", err)
		}
		created = end
	}
	return created, nil
}

func (r *TicketRepository) insertChunk(ctx context.Context, tickets []model.Ticket) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := `INSERT INTO tickets (id, product_id, label, face_value, state, attempts, needs_reconcile, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?)`
	for _, t := range tickets {
		if _, err := tx.ExecContext(ctx, query, t.ID, t.ProductID, t.Label, t.FaceValue, string(model.TicketIssued), false, t.CreatedAt, t.CreatedAt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// GetTicket 根据ID获取票据
func (r *TicketRepository) GetTicket(ctx context.Context, id string) (*model.Ticket, error) {
	var ticket model.Ticket
	query := `SELECT ` + ticketColumns + ` FROM tickets WHERE id = ?`
	if err := r.db.GetContext(ctx, &ticket, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTicketNotFound
		}
		return nil, fmt.Errorf("查询票据失败: %w", err)
	}
	return &ticket, nil
}

// ListByProduct 分页获取商品下的票据
func (r *TicketRepository) ListByProduct(ctx context.Context, productID string, limit, offset int) ([]model.Ticket, error) {
	tickets := []model.Ticket{}
	query := `SELECT ` + ticketColumns + ` FROM tickets WHERE product_id = ? ORDER BY created_at, id LIMIT ? OFFSET ?`
	if err := r.db.SelectContext(ctx, &tickets, query, productID, limit, offset); err != nil {
		return nil, fmt.Errorf("查询商品票据失败: %w", err)
	}
	return tickets, nil
}

// Reserve 以条件更新的方式将票据从 issued 置为 reserved
//
// 并发请求中只有一个能使更新命中一行，其余请求根据读到的状态返回 ErrAlreadyRedeemed 或 ErrTicketFailed。
// 更新命中后即使调用方已取消也要读回票据，否则预占会一直挂到对账超时。
func (r *TicketRepository) Reserve(ctx context.Context, id, attemptID, account string) (*model.Ticket, error) {
	query := `UPDATE tickets
		SET state = ?, attempt_id = ?, attempt_account = ?, attempt_units = NULL, attempt_tx_hash = NULL,
			attempts = attempts + 1, needs_reconcile = ?, last_error = NULL, reserved_at = ?, alerted_at = NULL, updated_at = ?
		WHERE id = ? AND state = ?`

	for attempt := 0; attempt <= maxConflictRetries; attempt++ {
		now := r.now()
		affected, err := r.exec(ctx, query, string(model.TicketReserved), attemptID, account, false, now, now, id, string(model.TicketIssued))
		if err != nil {
			return nil, fmt.Errorf("预占票据失败: %w", err)
		}

		if affected == 1 {
			if r.afterReserve != nil {
				r.afterReserve()
			}
			return r.GetTicket(context.WithoutCancel(ctx), id)
		}

		ticket, err := r.GetTicket(ctx, id)
		if err != nil {
			return nil, err
		}
		switch ticket.State {
		case model.TicketReserved, model.TicketRedeemed:
			return nil, fmt.Errorf("%w: 当前状态 %s", ErrAlreadyRedeemed, ticket.State)
		case model.TicketFailed:
			return nil, ErrTicketFailed
		}

		// 读到 issued 说明其他请求在两次读写之间释放了票据，稍后重试
		if err := sleepCtx(ctx, conflictBackoff*time.Duration(attempt+1)); err != nil {
			return nil, err
		}
	}
	return nil, ErrReserveConflict
}

// RecordQuote 记录本次尝试计算出的奖励数量
func (r *TicketRepository) RecordQuote(ctx context.Context, id, attemptID, units string) error {
	query := `UPDATE tickets SET attempt_units = ?, updated_at = ? WHERE id = ? AND state = ? AND attempt_id = ?`
	return r.expectAttempt(ctx, id, attemptID, query, units, r.now(), id, string(model.TicketReserved), attemptID)
}

// RecordSubmission 交易广播后立即记录交易哈希，便于进程崩溃后对账
func (r *TicketRepository) RecordSubmission(ctx context.Context, id, attemptID, txHash string) error {
	query := `UPDATE tickets SET attempt_tx_hash = ?, updated_at = ? WHERE id = ? AND state = ? AND attempt_id = ?`
	return r.expectAttempt(ctx, id, attemptID, query, txHash, r.now(), id, string(model.TicketReserved), attemptID)
}

// RecordRejection 记录一次被明确拒绝的转账，返回累计拒绝次数
func (r *TicketRepository) RecordRejection(ctx context.Context, id, attemptID string) (int, error) {
	query := `UPDATE tickets SET rejections = rejections + 1, updated_at = ? WHERE id = ? AND state = ? AND attempt_id = ?`
	if err := r.expectAttempt(ctx, id, attemptID, query, r.now(), id, string(model.TicketReserved), attemptID); err != nil {
		return 0, err
	}
	ticket, err := r.GetTicket(ctx, id)
	if err != nil {
		return 0, err
	}
	return ticket.Rejections, nil
}

// Finalize 将票据从 reserved 置为 redeemed，并同时写入兑换账户、奖励数量和交易哈希
//
// 只对 attemptID 仍是当前尝试的预占生效。已兑换且账户、数量一致时视为重复确认，直接返回成功。
func (r *TicketRepository) Finalize(ctx context.Context, id, attemptID, account, units, txHash string) error {
	now := r.now()
	query := `UPDATE tickets
		SET state = ?, account = ?, reward_units = ?, tx_hash = ?, attempt_tx_hash = ?,
			needs_reconcile = ?, last_error = NULL, redeemed_at = ?, updated_at = ?
		WHERE id = ? AND state = ? AND attempt_id = ?`
	affected, err := r.exec(ctx, query, string(model.TicketRedeemed), account, units, txHash, txHash, false, now, now,
		id, string(model.TicketReserved), attemptID)
	if err != nil {
		return fmt.Errorf("确认兑换失败: %w", err)
	}
	if affected == 1 {
		return nil
	}

	ticket, err := r.GetTicket(ctx, id)
	if err != nil {
		return err
	}
	if ticket.State == model.TicketRedeemed &&
		ticket.Account.String == account &&
		ticket.RewardUnits.String == units {
		return nil
	}
	return attemptMismatch(ticket, attemptID)
}

// Release 将票据从 reserved 回滚为 issued，仅用于确定没有资金转出的情况
//
// 票据已被其他尝试重新预占时不做任何修改。
func (r *TicketRepository) Release(ctx context.Context, id, attemptID, reason string) error {
	query := `UPDATE tickets
		SET state = ?, attempt_id = NULL, attempt_account = NULL, attempt_units = NULL, attempt_tx_hash = NULL,
			needs_reconcile = ?, last_error = ?, reserved_at = NULL, alerted_at = NULL, updated_at = ?
		WHERE id = ? AND state = ? AND attempt_id = ?`
	affected, err := r.exec(ctx, query, string(model.TicketIssued), false, nullString(reason), r.now(),
		id, string(model.TicketReserved), attemptID)
	if err != nil {
		return fmt.Errorf("释放票据失败: %w", err)
	}
	if affected == 1 {
		return nil
	}

	ticket, err := r.GetTicket(ctx, id)
	if err != nil {
		return err
	}
	if ticket.State == model.TicketIssued {
		return nil
	}
	return attemptMismatch(ticket, attemptID)
}

// MarkFailed 将票据从 reserved 置为 failed，保留尝试字段用于审计
func (r *TicketRepository) MarkFailed(ctx context.Context, id, attemptID, reason string) error {
	query := `UPDATE tickets SET state = ?, needs_reconcile = ?, last_error = ?, updated_at = ?
		WHERE id = ? AND state = ? AND attempt_id = ?`
	affected, err := r.exec(ctx, query, string(model.TicketFailed), false, nullString(reason), r.now(),
		id, string(model.TicketReserved), attemptID)
	if err != nil {
		return fmt.Errorf("标记票据失败状态失败: %w", err)
	}
	if affected == 1 {
		return nil
	}

	ticket, err := r.GetTicket(ctx, id)
	if err != nil {
		return err
	}
	if ticket.State == model.TicketFailed && ticket.AttemptID.String == attemptID {
		return nil
	}
	return attemptMismatch(ticket, attemptID)
}

// FlagAmbiguous 转账结果未知，保持 reserved 并标记待对账
func (r *TicketRepository) FlagAmbiguous(ctx context.Context, id, attemptID, reason string) error {
	query := `UPDATE tickets SET needs_reconcile = ?, last_error = ?, updated_at = ? WHERE id = ? AND state = ? AND attempt_id = ?`
	return r.expectAttempt(ctx, id, attemptID, query, true, nullString(reason), r.now(), id, string(model.TicketReserved), attemptID)
}

// MarkAlerted 记录已为当前尝试发出过超时告警
func (r *TicketRepository) MarkAlerted(ctx context.Context, id, attemptID string, at time.Time) error {
	query := `UPDATE tickets SET alerted_at = ? WHERE id = ? AND state = ? AND attempt_id = ?`
	return r.expectAttempt(ctx, id, attemptID, query, at, id, string(model.TicketReserved), attemptID)
}

// Retry 管理员将失败票据恢复为可兑换
func (r *TicketRepository) Retry(ctx context.Context, id string) error {
	query := `UPDATE tickets
		SET state = ?, attempt_id = NULL, attempt_account = NULL, attempt_units = NULL, attempt_tx_hash = NULL,
			attempts = 0, rejections = 0, needs_reconcile = ?, reserved_at = NULL, alerted_at = NULL, updated_at = ?
		WHERE id = ? AND state = ?`
	affected, err := r.exec(ctx, query, string(model.TicketIssued), false, r.now(), id, string(model.TicketFailed))
	if err != nil {
		return fmt.Errorf("重试票据失败: %w", err)
	}
	if affected == 1 {
		return nil
	}

	ticket, err := r.GetTicket(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: 当前状态 %s", ErrNotFailed, ticket.State)
}

// ListReconcilable 获取待对账或预占超时的票据
func (r *TicketRepository) ListReconcilable(ctx context.Context, staleBefore time.Time, limit int) ([]model.Ticket, error) {
	tickets := []model.Ticket{}
	query := `SELECT ` + ticketColumns + ` FROM tickets
		WHERE state = ? AND (needs_reconcile = ? OR reserved_at < ?)
		ORDER BY reserved_at LIMIT ?`
	if err := r.db.SelectContext(ctx, &tickets, query, string(model.TicketReserved), true, staleBefore, limit); err != nil {
		return nil, fmt.Errorf("查询待对账票据失败: %w", err)
	}
	return tickets, nil
}

// StateCount 各状态票据数量
type StateCount struct {
	State model.TicketState `db:"state" json:"state"`
	Total int               `db:"total" json:"total"`
}

// CountByState 统计各状态票据数量以及待对账数量
func (r *TicketRepository) CountByState(ctx context.Context) ([]StateCount, int, error) {
	counts := []StateCount{}
	if err := r.db.SelectContext(ctx, &counts, `SELECT state, COUNT(*) AS total FROM tickets GROUP BY state ORDER BY state`); err != nil {
		return nil, 0, fmt.Errorf("统计票据状态失败: %w", err)
	}
	var pending int
	query := `SELECT COUNT(*) FROM tickets WHERE state = ? AND needs_reconcile = ?`
	if err := r.db.GetContext(ctx, &pending, query, string(model.TicketReserved), true); err != nil {
		return nil, 0, fmt.Errorf("统计待对账票据失败: %w", err)
	}
	return counts, pending, nil
}

// expectAttempt 执行只对当前尝试生效的更新，未命中时区分票据不存在、状态不符和尝试已变更
func (r *TicketRepository) expectAttempt(ctx context.Context, id, attemptID, query string, args ...interface{}) error {
	affected, err := r.exec(ctx, query, args...)
	if err != nil {
		return err
	}
	if affected == 1 {
		return nil
	}
	ticket, err := r.GetTicket(ctx, id)
	if err != nil {
		return err
	}
	return attemptMismatch(ticket, attemptID)
}

func attemptMismatch(ticket *model.Ticket, attemptID string) error {
	if ticket.State == model.TicketReserved && ticket.AttemptID.String != attemptID {
		return fmt.Errorf("%w: %w: 当前尝试 %s", ErrNotReserved, ErrAttemptChanged, ticket.AttemptID.String)
	}
	return fmt.Errorf("%w: 当前状态 %s", ErrNotReserved, ticket.State)
}

// exec 执行更新并返回影响行数，遇到死锁或锁等待超时时有限次重试
func (r *TicketRepository) exec(ctx context.Context, query string, args ...interface{}) (int64, error) {
	var lastErr error
	for attempt := 0; attempt <= maxConflictRetries; attempt++ {
		res, err := r.db.ExecContext(ctx, query, args...)
		if err == nil {
			return res.RowsAffected()
		}
		lastErr = err
		if !isTransient(err) {
			return 0, err
		}
		if err := sleepCtx(ctx, conflictBackoff*time.Duration(attempt+1)); err != nil {
			return 0, err
		}
	}
	return 0, lastErr
}

// isTransient 判断是否为可重试的MySQL冲突错误
func isTransient(err error) bool {
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		// 1213: 死锁, 1205: 锁等待超时
		return myErr.Number == 1213 || myErr.Number == 1205
	}
	return false
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func nullString(s string) sql.NullString {
	if runes := []rune(s); len(runes) > maxErrorLength {
		s = string(runes[:maxErrorLength])
	}
	return sql.NullString{String: s, Valid: s != ""}
}
