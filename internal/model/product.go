package model

import (
	"time"
)

// Product 商品模型，票据签发时会快照商品面值
type Product struct {
	ID        string    `db:"id" json:"id"`
	Name      string    `db:"name" json:"name"`
	FaceValue string    `db:"face_value" json:"face_value"`
	Units     int       `db:"units" json:"units"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}
