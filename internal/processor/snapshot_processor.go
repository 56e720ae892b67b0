package processor

import (
	"github.com/cardlev/cardlev-loan-engine/pkg/logger"
)

// SnapshotProcessor 快照消息处理器
// 将风险快照消息转换为批量写入项
type SnapshotProcessor struct {
	batchWriter *BatchWriter
}

// NewSnapshotProcessor 创建快照处理器
func NewSnapshotProcessor(bw *BatchWriter) *SnapshotProcessor {
	return &SnapshotProcessor{
		batchWriter: bw,
	}
}

// HandleMessage 实现 MessageHandler 接口
func (p *SnapshotProcessor) HandleMessage(msg Message) error {
	switch m := msg.(type) {
	case SnapshotMessage:
		return p.handleSnapshot(m)
	default:
		logger.Warn().Str("type", msg.Type()).Msg("unknown message type")
		return nil
	}
}

// handleSnapshot 处理快照写入消息
func (p *SnapshotProcessor) handleSnapshot(msg SnapshotMessage) error {
	if p.batchWriter == nil || msg.Snapshot == nil {
		return nil
	}

	item := SnapshotItem{
		Wallet:   msg.Wallet,
		Snapshot: msg.Snapshot,
	}

	if err := p.batchWriter.Add(item); err != nil {
		logger.Error().
			Err(err).
			Str("wallet", msg.Wallet).
			Msg("failed to add snapshot to batch writer")
		return err
	}

	return nil
}
