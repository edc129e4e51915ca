package model

import (
	"database/sql"
	"time"
)

// TicketState 票据状态
type TicketState string

const (
	TicketIssued   TicketState = "issued"
	TicketReserved TicketState = "reserved"
	TicketRedeemed TicketState = "redeemed"
	TicketFailed   TicketState = "failed"
)

// Ticket 兑换票据模型
//
// Account、RewardUnits、TxHash、RedeemedAt 只在 reserved -> redeemed 的同一条更新语句中写入。
// Attempt* 字段描述当前正在进行的兑换尝试，释放票据时清空。
type Ticket struct {
	ID             string         `db:"id" json:"id"`
	ProductID      string         `db:"product_id" json:"product_id"`
	Label          string         `db:"label" json:"label"`
	FaceValue      string         `db:"face_value" json:"face_value"`
	State          TicketState    `db:"state" json:"state"`
	Account        sql.NullString `db:"account" json:"account,omitempty"`
	RewardUnits    sql.NullString `db:"reward_units" json:"reward_units,omitempty"`
	TxHash         sql.NullString `db:"tx_hash" json:"tx_hash,omitempty"`
	AttemptID      sql.NullString `db:"attempt_id" json:"attempt_id,omitempty"`
	AttemptAccount sql.NullString `db:"attempt_account" json:"attempt_account,omitempty"`
	AttemptUnits   sql.NullString `db:"attempt_units" json:"attempt_units,omitempty"`
	AttemptTxHash  sql.NullString `db:"attempt_tx_hash" json:"attempt_tx_hash,omitempty"`
	Attempts       int            `db:"attempts" json:"attempts"`
	Rejections     int            `db:"rejections" json:"rejections"`
	NeedsReconcile bool           `db:"needs_reconcile" json:"needs_reconcile"`
	LastError      sql.NullString `db:"last_error" json:"last_error,omitempty"`
	ReservedAt     sql.NullTime   `db:"reserved_at" json:"reserved_at,omitempty"`
	AlertedAt      sql.NullTime   `db:"alerted_at" json:"alerted_at,omitempty"`
	CreatedAt      time.Time      `db:"created_at" json:"created_at"`
	RedeemedAt     sql.NullTime   `db:"redeemed_at" json:"redeemed_at,omitempty"`
	UpdatedAt      time.Time      `db:"updated_at" json:"updated_at"`
}

// IsPending 转账结果未知，等待对账
func (t *Ticket) IsPending() bool {
	return t.State == TicketReserved && t.NeedsReconcile
}
