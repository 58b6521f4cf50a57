// 文件: pkg/valuation/mysql_repo.go
// 定价记录 MySQL 存储实现 (GORM)

package valuation

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

// 确保实现了接口
var _ Repository = (*MySQLRepository)(nil)

// MySQLRepository MySQL 实现
type MySQLRepository struct {
	db *gorm.DB
}

// NewMySQLRepository 创建 MySQL 存储
func NewMySQLRepository(db *gorm.DB) *MySQLRepository {
	return &MySQLRepository{db: db}
}

// AutoMigrate 建表
func (r *MySQLRepository) AutoMigrate() error {
	return r.db.AutoMigrate(&Valuation{})
}

// Create 写入记录
func (r *MySQLRepository) Create(ctx context.Context, v *Valuation) error {
	if v.CreatedAt == 0 {
		v.CreatedAt = time.Now().UnixMilli()
	}
	return r.db.WithContext(ctx).Create(v).Error
}

// GetByID 按 ID 查询
func (r *MySQLRepository) GetByID(ctx context.Context, id int64) (*Valuation, error) {
	var v Valuation
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&v).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &v, nil
}

// GetLatestByFingerprint 同一指纹的最新记录
func (r *MySQLRepository) GetLatestByFingerprint(ctx context.Context, fingerprint string) (*Valuation, error) {
	var v Valuation
	err := r.db.WithContext(ctx).
		Where("fingerprint = ?", fingerprint).
		Order("created_at DESC").
		Order("id DESC").
		First(&v).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &v, nil
}

// ListRecent 最近的记录，按创建时间倒序
func (r *MySQLRepository) ListRecent(ctx context.Context, limit int) ([]*Valuation, error) {
	var list []*Valuation
	err := r.db.WithContext(ctx).
		Order("created_at DESC").
		Order("id DESC").
		Limit(limit).
		Find(&list).Error
	return list, err
}
