package processor

import "github.com/cardlev/cardlev-loan-engine/internal/models"

// Message 消息接口
type Message interface {
	Type() string
}

// SnapshotMessage 风险快照写入消息
type SnapshotMessage struct {
	Wallet   string
	Snapshot *models.LoanRiskSnapshot
}

func (m SnapshotMessage) Type() string { return "risk_snapshot" }

// NewSnapshotMessage 创建快照消息
func NewSnapshotMessage(wallet string, snap *models.LoanRiskSnapshot) SnapshotMessage {
	return SnapshotMessage{
		Wallet:   wallet,
		Snapshot: snap,
	}
}
