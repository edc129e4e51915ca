package repository

// MySQLSchema 建表语句，可重复执行
var MySQLSchema = []string{
	`CREATE TABLE IF NOT EXISTS products (
		id VARCHAR(36) NOT NULL,
		name VARCHAR(255) NOT NULL,
		face_value DECIMAL(20,6) NOT NULL,
		units INT NOT NULL DEFAULT 0,
		created_at DATETIME(6) NOT NULL,
		PRIMARY KEY (id)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS tickets (
		id VARCHAR(36) NOT NULL,
		product_id VARCHAR(36) NOT NULL,
		label VARCHAR(255) NOT NULL,
		face_value DECIMAL(20,6) NOT NULL,
		state VARCHAR(16) NOT NULL,
		account VARCHAR(128) NULL,
		reward_units VARCHAR(80) NULL,
		tx_hash VARCHAR(80) NULL,
		attempt_id VARCHAR(32) NULL,
		attempt_account VARCHAR(128) NULL,
		attempt_units VARCHAR(80) NULL,
		attempt_tx_hash VARCHAR(80) NULL,
		attempts INT NOT NULL DEFAULT 0,
		rejections INT NOT NULL DEFAULT 0,
		needs_reconcile TINYINT(1) NOT NULL DEFAULT 0,
		last_error VARCHAR(512) NULL,
		reserved_at DATETIME(6) NULL,
		alerted_at DATETIME(6) NULL,
		created_at DATETIME(6) NOT NULL,
		redeemed_at DATETIME(6) NULL,
		updated_at DATETIME(6) NOT NULL,
		PRIMARY KEY (id),
		KEY idx_tickets_state (state, needs_reconcile),
		KEY idx_tickets_product (product_id)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
}
