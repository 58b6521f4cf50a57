// 文件: pkg/valuation/cache_repo.go
// 定价记录 Redis 缓存层 (装饰器)
//
// 【缓存策略】
// - 读: 先查 Redis，miss 则查 DB 并异步回填
// - 写: 先写 DB，成功后异步写入两个 key
// - 记录写入后不再修改，无需失效

package valuation

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"optpricer.com/pkg/logger"
)

// 确保实现了接口
var _ Repository = (*CachedRepository)(nil)

const (
	cacheKeyPrefix = "optpricer:valuation:"

	// 单条记录: optpricer:valuation:id:{id}
	cacheKeyID = cacheKeyPrefix + "id:%d"

	// 指纹最新记录: optpricer:valuation:fp:{fingerprint}
	cacheKeyFingerprint = cacheKeyPrefix + "fp:%s"

	// 记录不可变，可以缓存较久
	cacheTTL = 24 * time.Hour

	// 指纹命中较短，同指纹可能出现更新的记录
	fingerprintCacheTTL = 10 * time.Minute
)

// CachedRepository Redis 缓存装饰器
type CachedRepository struct {
	repo  Repository
	redis *redis.Client
}

// NewCachedRepository 创建带缓存的 Repository
//
// 用法:
//
//	mysqlRepo := NewMySQLRepository(db)
//	repo := NewCachedRepository(mysqlRepo, redisClient)
//	svc := NewService(repo, cfg.Pricing)
func NewCachedRepository(repo Repository, rds *redis.Client) *CachedRepository {
	return &CachedRepository{repo: repo, redis: rds}
}

// Create 写 DB 后回填缓存
func (r *CachedRepository) Create(ctx context.Context, v *Valuation) error {
	if err := r.repo.Create(ctx, v); err != nil {
		return err
	}
	go func(v Valuation) {
		ctx := context.Background()
		r.setCache(ctx, fmt.Sprintf(cacheKeyID, v.ID), &v, cacheTTL)
		if v.Fingerprint != "" {
			r.setCache(ctx, fmt.Sprintf(cacheKeyFingerprint, v.Fingerprint), &v, fingerprintCacheTTL)
		}
	}(*v)
	return nil
}

// GetByID 按 ID 查询 (带缓存)
func (r *CachedRepository) GetByID(ctx context.Context, id int64) (*Valuation, error) {
	key := fmt.Sprintf(cacheKeyID, id)
	if v, ok := r.getCache(ctx, key); ok {
		return v, nil
	}

	v, err := r.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	cp := *v // 调用方可能修改返回值
	go r.setCache(context.Background(), key, &cp, cacheTTL)
	return v, nil
}

// GetLatestByFingerprint 按指纹查询 (带缓存)
func (r *CachedRepository) GetLatestByFingerprint(ctx context.Context, fingerprint string) (*Valuation, error) {
	key := fmt.Sprintf(cacheKeyFingerprint, fingerprint)
	if v, ok := r.getCache(ctx, key); ok {
		return v, nil
	}

	v, err := r.repo.GetLatestByFingerprint(ctx, fingerprint)
	if err != nil {
		return nil, err
	}
	cp := *v
	go r.setCache(context.Background(), key, &cp, fingerprintCacheTTL)
	return v, nil
}

// ListRecent 列表变化频繁，不缓存
func (r *CachedRepository) ListRecent(ctx context.Context, limit int) ([]*Valuation, error) {
	return r.repo.ListRecent(ctx, limit)
}

// =============================================================================
// 内部方法
// =============================================================================

func (r *CachedRepository) getCache(ctx context.Context, key string) (*Valuation, bool) {
	data, err := r.redis.Get(ctx, key).Bytes()
	if err != nil {
		return nil, false
	}
	var v Valuation
	if json.Unmarshal(data, &v) != nil {
		return nil, false
	}
	return &v, true
}

func (r *CachedRepository) setCache(ctx context.Context, key string, v *Valuation, ttl time.Duration) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := r.redis.Set(ctx, key, data, ttl).Err(); err != nil {
		logger.Warn(ctx, "valuation cache set failed", "key", key, "error", err)
	}
}
