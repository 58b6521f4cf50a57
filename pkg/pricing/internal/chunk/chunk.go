// Package chunk 把 [0, n) 切成固定大小的块并行处理
//
// 块的边界只取决于 n 和 size，与 worker 数无关，
// 所以每块内部的计算结果在任何并发度下都一致。
package chunk

import (
	"context"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// DefaultSize 默认块大小 (路径数)
const DefaultSize = 4096

// Workers 规范化并发度，<=0 时取 GOMAXPROCS
func Workers(n int) int {
	if n <= 0 {
		return runtime.GOMAXPROCS(0)
	}
	return n
}

// For 对每个块 [lo, hi) 调用 fn
// 只有一个块或 workers==1 时直接在当前 goroutine 执行
func For(ctx context.Context, n, size, workers int, fn func(block, lo, hi int) error) error {
	if n <= 0 {
		return nil
	}
	if size <= 0 {
		size = DefaultSize
	}
	blocks := (n + size - 1) / size
	workers = Workers(workers)

	if blocks == 1 || workers == 1 {
		for b := 0; b < blocks; b++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			lo, hi := bounds(b, size, n)
			if err := fn(b, lo, hi); err != nil {
				return err
			}
		}
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for b := 0; b < blocks; b++ {
		lo, hi := bounds(b, size, n)
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			return fn(b, lo, hi)
		})
	}
	return g.Wait()
}

func bounds(b, size, n int) (int, int) {
	lo := b * size
	hi := lo + size
	if hi > n {
		hi = n
	}
	return lo, hi
}
