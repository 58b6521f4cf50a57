// 文件: pkg/valuation/repository.go
package valuation

import "context"

// Repository 定价记录存储
type Repository interface {
	// 创建
	Create(ctx context.Context, v *Valuation) error

	// 查询
	GetByID(ctx context.Context, id int64) (*Valuation, error)
	GetLatestByFingerprint(ctx context.Context, fingerprint string) (*Valuation, error)
	ListRecent(ctx context.Context, limit int) ([]*Valuation, error)
}
