package dao

import (
	"errors"

	"gorm.io/gorm"
)

var (
	// ErrNotFound 记录不存在
	ErrNotFound = errors.New("record not found")
	// ErrConflict 状态 CAS 失败，说明存在并发迁移
	ErrConflict = errors.New("concurrent status transition")
)

// InitDAO 初始化所有 DAO（应用启动时调用）
func InitDAO(db *gorm.DB) {
	InitLoanDAO(db)
	InitSnapshotDAO(db)
}
