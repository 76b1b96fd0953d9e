// 文件: pkg/idgen/idgen.go
// 雪花算法 ID 生成器
// 使用开源库: github.com/bwmarrin/snowflake
//
// 资金费历史、资金费事件、风险告警的 ID 都从这里取。

package idgen

import (
	"fmt"

	"github.com/bwmarrin/snowflake"
)

// Generator 线程安全，每个进程一个 nodeID
type Generator struct {
	node *snowflake.Node
}

// New nodeID: 节点ID (0-1023)
func New(nodeID int64) (*Generator, error) {
	node, err := snowflake.NewNode(nodeID)
	if err != nil {
		return nil, fmt.Errorf("snowflake node %d: %w", nodeID, err)
	}
	return &Generator{node: node}, nil
}

// Next 生成下一个 ID
func (g *Generator) Next() int64 {
	return g.node.Generate().Int64()
}

// NextString Base58 形式，日志里更短
func (g *Generator) NextString() string {
	return g.node.Generate().Base58()
}
