// Package testutil 提供测试用的内存数据库
package testutil

import (
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

var dbSeq atomic.Int64

// sqliteSchema 与 MySQL 表结构保持同样的列，便于存储库直接复用
var sqliteSchema = []string{
	`CREATE TABLE products (
		id TEXT NOT NULL PRIMARY KEY,
		name TEXT NOT NULL,
		face_value TEXT NOT NULL,
		units INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL
	)`,
	`CREATE TABLE tickets (
		id TEXT NOT NULL PRIMARY KEY,
		product_id TEXT NOT NULL,
		label TEXT NOT NULL,
		face_value TEXT NOT NULL,
		state TEXT NOT NULL,
		account TEXT NULL,
		reward_units TEXT NULL,
		tx_hash TEXT NULL,
		attempt_id TEXT NULL,
		attempt_account TEXT NULL,
		attempt_units TEXT NULL,
		attempt_tx_hash TEXT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		rejections INTEGER NOT NULL DEFAULT 0,
		needs_reconcile BOOLEAN NOT NULL DEFAULT 0,
		last_error TEXT NULL,
		reserved_at DATETIME NULL,
		alerted_at DATETIME NULL,
		created_at DATETIME NOT NULL,
		redeemed_at DATETIME NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE INDEX idx_tickets_state ON tickets (state, needs_reconcile)`,
	`CREATE INDEX idx_tickets_product ON tickets (product_id)`,
}

// NewDB 创建一个独立的内存数据库
//
// 连接数限制为1，所有语句串行执行，并发测试依赖的是条件更新本身而不是数据库锁。
func NewDB(t *testing.T) *sqlx.DB {
	t.Helper()
	sqlx.BindDriver("sqlite", sqlx.QUESTION)

	dsn := fmt.Sprintf("file:galapagos_%d?mode=memory&cache=shared", dbSeq.Add(1))
	db, err := sqlx.Open("sqlite", dsn)
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	for _, stmt := range sqliteSchema {
		_, err := db.Exec(stmt)
		require.NoError(t, err)
	}
	return db
}
