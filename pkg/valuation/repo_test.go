package valuation

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"optpricer.com/pkg/pricing"
)

const testDSN = "root:123456@tcp(127.0.0.1:3306)/optpricer_test?charset=utf8mb4&parseTime=True&loc=Local"

// setupTestDB 假设本地 MySQL 可用，否则跳过
func setupTestDB(t *testing.T) *MySQLRepository {
	db, err := gorm.Open(mysql.Open(testDSN), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Skipf("skipping test; mysql not available: %v", err)
	}
	repo := NewMySQLRepository(db)
	require.NoError(t, repo.AutoMigrate())
	db.Exec("DELETE FROM valuations")
	return repo
}

// setupTestRedis 假设本地 Redis 运行在 localhost:6379
func setupTestRedis(t *testing.T) *redis.Client {
	rdb := redis.NewClient(&redis.Options{Addr: "localhost:6379", DB: 2})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		t.Skipf("skipping test; redis not available: %v", err)
	}
	rdb.FlushDB(context.Background())
	t.Cleanup(func() { rdb.Close() })
	return rdb
}

func sampleValuation(fp string, createdAt int64) *Valuation {
	return &Valuation{
		ID:          NextID(),
		Fingerprint: fp,
		Method:      MethodLSM,
		Kind:        pricing.Put,
		Style:       pricing.American,

		Spot: 100, Strike: 100, Maturity: 1, Rate: 0.05, Vol: 0.2,
		Paths: 10000, Steps: 100, Basis: "polynomial", Degree: 2,

		Seed:      pricing.Seed(42),
		Price:     decimal.RequireFromString("6.08123456"),
		StdError:  decimal.RequireFromString("0.03"),
		CILower:   decimal.RequireFromString("6.02"),
		CIUpper:   decimal.RequireFromString("6.14"),
		CreatedAt: createdAt,
	}
}

func TestMySQLRepository(t *testing.T) {
	repo := setupTestDB(t)
	ctx := context.Background()

	old := sampleValuation("fp-a", 1000)
	newer := sampleValuation("fp-a", 2000)
	other := sampleValuation("fp-b", 1500)
	for _, v := range []*Valuation{old, newer, other} {
		require.NoError(t, repo.Create(ctx, v))
	}

	got, err := repo.GetByID(ctx, old.ID)
	require.NoError(t, err)
	assert.True(t, got.Price.Equal(old.Price))
	require.NotNil(t, got.Seed)
	assert.Equal(t, uint64(42), *got.Seed)

	latest, err := repo.GetLatestByFingerprint(ctx, "fp-a")
	require.NoError(t, err)
	assert.Equal(t, newer.ID, latest.ID)

	_, err = repo.GetLatestByFingerprint(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = repo.GetByID(ctx, -1)
	require.ErrorIs(t, err, ErrNotFound)

	list, err := repo.ListRecent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, newer.ID, list[0].ID)
	assert.Equal(t, other.ID, list[1].ID)
}

func TestCachedRepository(t *testing.T) {
	rdb := setupTestRedis(t)
	base := newMemRepo()
	repo := NewCachedRepository(base, rdb)
	ctx := context.Background()

	v := sampleValuation("fp-cache", time.Now().UnixMilli())
	require.NoError(t, repo.Create(ctx, v))

	// 回填是异步的，指纹 key 最后写入
	fpKey := fmt.Sprintf(cacheKeyFingerprint, v.Fingerprint)
	require.Eventually(t, func() bool {
		return rdb.Exists(ctx, fpKey).Val() == 1
	}, 2*time.Second, 20*time.Millisecond)

	assert.Equal(t, int64(1), rdb.Exists(ctx, fmt.Sprintf(cacheKeyID, v.ID)).Val())
	assert.LessOrEqual(t, rdb.TTL(ctx, fpKey).Val(), fingerprintCacheTTL)

	// 删除底层记录后仍能从缓存读到
	base.mu.Lock()
	delete(base.byID, v.ID)
	base.all = nil
	base.mu.Unlock()

	got, err := repo.GetByID(ctx, v.ID)
	require.NoError(t, err)
	assert.True(t, got.Price.Equal(v.Price))

	got, err = repo.GetLatestByFingerprint(ctx, "fp-cache")
	require.NoError(t, err)
	assert.Equal(t, v.ID, got.ID)

	_, err = repo.GetByID(ctx, v.ID+1)
	require.ErrorIs(t, err, ErrNotFound)
}
