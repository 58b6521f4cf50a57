// 文件: pkg/valuation/id.go
// 定价记录 ID: 雪花算法

package valuation

import (
	"sync"

	"github.com/bwmarrin/snowflake"
)

var (
	node     *snowflake.Node
	nodeErr  error
	initOnce sync.Once
)

// InitIDGenerator 初始化雪花节点
// nodeID: 节点ID (0-1023)，只有第一次调用生效
func InitIDGenerator(nodeID int64) error {
	initOnce.Do(func() {
		node, nodeErr = snowflake.NewNode(nodeID)
	})
	return nodeErr
}

// NextID 生成记录 ID
// 未初始化则使用默认节点 0；sync.Once 保证并发首次调用也只建一个节点
func NextID() int64 {
	if err := InitIDGenerator(0); err != nil {
		panic(err)
	}
	return node.Generate().Int64()
}
