package service

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"galapagos/internal/events"
	"galapagos/internal/model"
	"galapagos/internal/repository"
	"galapagos/internal/reward"
	"galapagos/pkg/logger"

	"github.com/google/uuid"
)

// ErrInvalidIssue 签发参数非法
var ErrInvalidIssue = errors.New("invalid issue request")

const (
	maxIssueCount  = 10000
	exportPageSize = 500
	// faceDecimals 与 products.face_value 的 DECIMAL(20,6) 一致
	faceDecimals = 6
)

// IssueRequest 签发请求，ProductID 为空时按 Name 和 FaceValue 新建商品
type IssueRequest struct {
	ProductID string `json:"product_id"`
	Name      string `json:"name"`
	FaceValue string `json:"face_value"`
	Count     int    `json:"count"`
}

// IssueResult 签发结果
type IssueResult struct {
	ProductID string   `json:"product_id"`
	TicketIDs []string `json:"ticket_ids"`
}

// TicketStatus 票据展示信息
type TicketStatus struct {
	ID              string     `json:"id"`
	State           string     `json:"state"`
	Product         string     `json:"product"`
	FaceValue       string     `json:"face_value"`
	Pending         bool       `json:"pending"`
	Account         string     `json:"account,omitempty"`
	RewardUnits     string     `json:"reward_units,omitempty"`
	RewardAmount    string     `json:"reward_amount,omitempty"`
	TxHash          string     `json:"tx_hash,omitempty"`
	RedeemedAt      *time.Time `json:"redeemed_at,omitempty"`
	EstimatedReward string     `json:"estimated_reward,omitempty"`
	PriceFreshness  string     `json:"price_freshness,omitempty"`
}

// TicketExport 导出给二维码生成的票据
type TicketExport struct {
	ID       string `json:"id"`
	Label    string `json:"label"`
	State    string `json:"state"`
	ClaimURL string `json:"claim_url"`
}

// Summary 票据状态统计
type Summary struct {
	Counts  map[string]int `json:"counts"`
	Total   int            `json:"total"`
	Pending int            `json:"pending"`
}

// TicketServiceConfig 票据服务参数
type TicketServiceConfig struct {
	BaseURL  string
	Rate     *big.Rat
	Decimals uint8
}

// TicketService 票据签发和查询
type TicketService struct {
	products *repository.ProductRepository
	tickets  *repository.TicketRepository
	oracle   PriceOracle
	emitter  events.Emitter
	cfg      TicketServiceConfig
	logger   *logger.Logger
	now      func() time.Time
}

// NewTicketService 创建票据服务
func NewTicketService(
	products *repository.ProductRepository,
	tickets *repository.TicketRepository,
	oracle PriceOracle,
	emitter events.Emitter,
	cfg TicketServiceConfig,
	log *logger.Logger,
) *TicketService {
	if emitter == nil {
		emitter = events.Discard{}
	}
	if log == nil {
		log = logger.NewNop()
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &TicketService{
		products: products,
		tickets:  tickets,
		oracle:   oracle,
		emitter:  emitter,
		cfg:      cfg,
		logger:   log,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// IssueTickets 为商品签发一批票据
//
// 按块写入，不保证整批原子性；部分失败时返回已写入的票据和错误。
func (s *TicketService) IssueTickets(ctx context.Context, req IssueRequest) (*IssueResult, error) {
	if req.Count <= 0 || req.Count > maxIssueCount {
		return nil, fmt.Errorf("%w: 数量必须在 1 到 %d 之间", ErrInvalidIssue, maxIssueCount)
	}

	product, err := s.resolveProduct(ctx, req)
	if err != nil {
		return nil, err
	}

	now := s.now()
	tickets := make([]model.Ticket, 0, req.Count)
	for i := 0; i < req.Count; i++ {
		tickets = append(tickets, model.Ticket{
			ID:        uuid.NewString(),
			ProductID: product.ID,
			Label:     product.Name,
			FaceValue: product.FaceValue,
			CreatedAt: now,
		})
	}

	created, createErr := s.tickets.CreateTickets(ctx, tickets)
	if created > 0 {
		if err := s.products.AddUnits(ctx, product.ID, created); err != nil {
			s.logger.Error("更新商品签发数量失败", "product_id", product.ID, "error", err)
		}
		s.emitter.Emit(events.Event{Type: events.TicketsIssued, ProductID: product.ID, Count: created})
	}

	result := &IssueResult{ProductID: product.ID, TicketIDs: make([]string, 0, created)}
	for _, t := range tickets[:created] {
		result.TicketIDs = append(result.TicketIDs, t.ID)
	}
	s.logger.Info("票据已签发", "product_id", product.ID, "requested", req.Count, "created", created)

	if createErr != nil {
		return result, createErr
	}
	return result, nil
}

func (s *TicketService) resolveProduct(ctx context.Context, req IssueRequest) (*model.Product, error) {
	if req.ProductID != "" {
		return s.products.GetProductByID(ctx, req.ProductID)
	}

	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, fmt.Errorf("%w: 需要商品ID或商品名称", ErrInvalidIssue)
	}
	face, err := reward.ParseDecimal(req.FaceValue)
	if err != nil || face.Sign() <= 0 {
		return nil, fmt.Errorf("%w: 面值必须为正数", ErrInvalidIssue)
	}
	if !reward.FitsPrecision(face, faceDecimals) {
		return nil, fmt.Errorf("%w: 面值最多 %d 位小数", ErrInvalidIssue, faceDecimals)
	}

	product := &model.Product{
		ID:        uuid.NewString(),
		Name:      name,
		FaceValue: reward.FormatDecimal(face, faceDecimals),
		CreatedAt: s.now(),
	}
	if err := s.products.CreateProduct(ctx, product); err != nil {
		return nil, fmt.Errorf("创建商品失败: %w", err)
	}
	return product, nil
}

// RenderStatus 返回票据状态，未兑换的票据附带按当前价格估算的奖励
func (s *TicketService) RenderStatus(ctx context.Context, ticketID string) (*TicketStatus, error) {
	ticket, err := s.tickets.GetTicket(ctx, ticketID)
	if err != nil {
		return nil, err
	}

	face, err := reward.ParseDecimal(ticket.FaceValue)
	if err != nil {
		return nil, fmt.Errorf("票据面值非法: %w", err)
	}

	status := &TicketStatus{
		ID:        ticket.ID,
		State:     string(ticket.State),
		Product:   ticket.Label,
		FaceValue: reward.FormatDecimal(face, faceDecimals),
		Pending:   ticket.IsPending(),
	}

	switch ticket.State {
	case model.TicketRedeemed:
		status.Account = ticket.Account.String
		status.RewardUnits = ticket.RewardUnits.String
		status.TxHash = ticket.TxHash.String
		if units, err := reward.ParseUnits(ticket.RewardUnits.String); err == nil {
			status.RewardAmount = reward.FormatUnits(units, s.cfg.Decimals)
		}
		if ticket.RedeemedAt.Valid {
			at := ticket.RedeemedAt.Time
			status.RedeemedAt = &at
		}
	case model.TicketIssued:
		s.estimate(ctx, face, status)
	}
	return status, nil
}

func (s *TicketService) estimate(ctx context.Context, face *big.Rat, status *TicketStatus) {
	if s.oracle == nil || s.cfg.Rate == nil {
		return
	}
	res, err := s.oracle.Lookup(ctx)
	if err != nil {
		s.logger.Debug("无法估算奖励", "ticket_id", status.ID, "error", err)
		return
	}
	units, err := reward.Reward(face, s.cfg.Rate, res.Quote.Price, s.cfg.Decimals)
	if err != nil {
		return
	}
	status.EstimatedReward = reward.FormatUnits(units, s.cfg.Decimals)
	status.PriceFreshness = string(res.Freshness)
}

// ExportTickets 导出商品下的全部票据及兑换链接
func (s *TicketService) ExportTickets(ctx context.Context, productID string) ([]TicketExport, error) {
	if _, err := s.products.GetProductByID(ctx, productID); err != nil {
		return nil, err
	}

	out := []TicketExport{}
	for offset := 0; ; offset += exportPageSize {
		page, err := s.tickets.ListByProduct(ctx, productID, exportPageSize, offset)
		if err != nil {
			return nil, err
		}
		for _, t := range page {
			out = append(out, TicketExport{
				ID:       t.ID,
				Label:    t.Label,
				State:    string(t.State),
				ClaimURL: s.ClaimURL(t.ID),
			})
		}
		if len(page) < exportPageSize {
			return out, nil
		}
	}
}

// ClaimURL 票据二维码指向的兑换链接
func (s *TicketService) ClaimURL(ticketID string) string {
	return s.cfg.BaseURL + "/r/" + ticketID
}

// Summary 统计各状态票据数量
func (s *TicketService) Summary(ctx context.Context) (*Summary, error) {
	counts, pending, err := s.tickets.CountByState(ctx)
	if err != nil {
		return nil, err
	}
	summary := &Summary{Counts: map[string]int{}, Pending: pending}
	for _, c := range counts {
		summary.Counts[string(c.State)] = c.Total
		summary.Total += c.Total
	}
	return summary, nil
}
