package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"galapagos/internal/model"

	"github.com/jmoiron/sqlx"
)

// ErrProductNotFound 商品不存在
var ErrProductNotFound = errors.New("product not found")

// ProductRepository 商品存储库
type ProductRepository struct {
	db *sqlx.DB
}

// NewProductRepository 创建商品存储库
func NewProductRepository(db *sqlx.DB) *ProductRepository {
	return &ProductRepository{db: db}
}

// CreateProduct 创建商品
func (r *ProductRepository) CreateProduct(ctx context.Context, product *model.Product) error {
	query := `INSERT INTO products (id, name, face_value, units, created_at) VALUES (?, ?, ?, ?, ?)`
	_, err := r.db.ExecContext(ctx, query,
		product.ID,
		product.Name,
		product.FaceValue,
		product.Units,
		product.CreatedAt,
	)
	return err
}

// GetProductByID 根据ID获取商品
func (r *ProductRepository) GetProductByID(ctx context.Context, id string) (*model.Product, error) {
	var product model.Product
	query := `SELECT id, name, face_value, units, created_at FROM products WHERE id = ?`
	if err := r.db.GetContext(ctx, &product, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrProductNotFound
		}
		return nil, fmt.Errorf("查询商品失败: %w", err)
	}
	return &product, nil
}

// AddUnits 累加商品已签发的票据数量
func (r *ProductRepository) AddUnits(ctx context.Context, id string, units int) error {
	res, err := r.db.ExecContext(ctx, `UPDATE products SET units = units + ? WHERE id = ?`, units, id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrProductNotFound
	}
	return nil
}
