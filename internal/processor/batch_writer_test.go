package processor

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/cardlev/cardlev-loan-engine/internal/dao"
	"github.com/cardlev/cardlev-loan-engine/internal/models"
)

func setupTestDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open("file::memory:?cache=shared"), &gorm.Config{})
	assert.NoError(t, err)

	err = db.AutoMigrate(&models.LoanRiskSnapshot{})
	assert.NoError(t, err)

	return db
}

func TestBatchWriter_StartStop(t *testing.T) {
	db := setupTestDB(t)
	dao.InitDAO(db)

	config := BatchWriterConfig{
		BatchSize:     10,
		FlushInterval: 100 * time.Millisecond,
		MaxQueueSize:  100,
	}

	w := NewBatchWriter(&config)
	w.Start()
	w.Stop()

	// 验证可以正常关闭，不阻塞
	assert.True(t, true)
}

func TestBatchWriter_BatchSizeTrigger(t *testing.T) {
	db := setupTestDB(t)
	dao.InitDAO(db)

	config := BatchWriterConfig{
		BatchSize:     5, // 小批量便于测试
		FlushInterval: 1 * time.Second,
		MaxQueueSize:  100,
	}

	w := NewBatchWriter(&config)
	w.Start()
	defer w.Stop()

	// 添加 5 个不同钱包的快照（达到批量大小）
	for i := 0; i < 5; i++ {
		wallet := fmt.Sprintf("0xwallet%d", i)
		item := SnapshotItem{
			Wallet: wallet,
			Snapshot: &models.LoanRiskSnapshot{
				Wallet:       wallet,
				Seq:          1,
				HealthFactor: "1.275",
				UpdatedAt:    time.Now(),
			},
		}
		err := w.Add(item)
		assert.NoError(t, err)
	}

	// 等待批量处理完成
	time.Sleep(500 * time.Millisecond)

	var snaps []models.LoanRiskSnapshot
	result := db.Find(&snaps)
	assert.NoError(t, result.Error)
	assert.Equal(t, 5, len(snaps)) // 5 个不同钱包
}

func TestBatchWriter_TimerFlush(t *testing.T) {
	db := setupTestDB(t)
	dao.InitDAO(db)

	config := BatchWriterConfig{
		BatchSize:     100, // 大批量，避免触发批量刷新
		FlushInterval: 50 * time.Millisecond,
		MaxQueueSize:  100,
	}

	w := NewBatchWriter(&config)
	w.Start()
	defer w.Stop()

	item := SnapshotItem{
		Wallet: "0xtimer",
		Snapshot: &models.LoanRiskSnapshot{
			Wallet:    "0xtimer",
			Seq:       1,
			UpdatedAt: time.Now(),
		},
	}
	assert.NoError(t, w.Add(item))

	// 定时器应在 FlushInterval 后刷新
	time.Sleep(300 * time.Millisecond)

	var snap models.LoanRiskSnapshot
	err := db.Where("wallet = ?", "0xtimer").First(&snap).Error
	assert.NoError(t, err)
}

func TestBatchWriter_DedupByWallet(t *testing.T) {
	db := setupTestDB(t)
	dao.InitDAO(db)

	config := BatchWriterConfig{
		BatchSize:     100,
		FlushInterval: 1 * time.Second,
		MaxQueueSize:  100,
	}

	w := NewBatchWriter(&config)
	w.Start()

	// 同一钱包写入两次，缓冲区内后者覆盖前者
	for seq := uint64(1); seq <= 2; seq++ {
		item := SnapshotItem{
			Wallet: "0xdedup",
			Snapshot: &models.LoanRiskSnapshot{
				Wallet:       "0xdedup",
				Seq:          seq,
				HealthFactor: fmt.Sprintf("1.%d", seq),
				UpdatedAt:    time.Now(),
			},
		}
		assert.NoError(t, w.Add(item))
		time.Sleep(20 * time.Millisecond) // 让接收协程先缓冲第一条
	}

	w.Stop()

	var snaps []models.LoanRiskSnapshot
	assert.NoError(t, db.Where("wallet = ?", "0xdedup").Find(&snaps).Error)
	assert.Equal(t, 1, len(snaps))
	assert.Equal(t, uint64(2), snaps[0].Seq)
	assert.Equal(t, "1.2", snaps[0].HealthFactor)
}

func TestBatchWriter_FlushOnStop(t *testing.T) {
	db := setupTestDB(t)
	dao.InitDAO(db)

	config := BatchWriterConfig{
		BatchSize:     100,
		FlushInterval: 10 * time.Second, // 定时器不会触发
		MaxQueueSize:  100,
	}

	w := NewBatchWriter(&config)
	w.Start()

	item := SnapshotItem{
		Wallet: "0xstop",
		Snapshot: &models.LoanRiskSnapshot{
			Wallet:    "0xstop",
			Seq:       1,
			UpdatedAt: time.Now(),
		},
	}
	assert.NoError(t, w.Add(item))

	// Stop 应刷新残留缓冲
	w.Stop()

	var snap models.LoanRiskSnapshot
	assert.NoError(t, db.Where("wallet = ?", "0xstop").First(&snap).Error)
}

func TestSnapshotProcessor_HandleMessage(t *testing.T) {
	db := setupTestDB(t)
	dao.InitDAO(db)

	w := NewBatchWriter(&BatchWriterConfig{
		BatchSize:     1,
		FlushInterval: 50 * time.Millisecond,
		MaxQueueSize:  10,
	})
	w.Start()
	defer w.Stop()

	p := NewSnapshotProcessor(w)
	msg := NewSnapshotMessage("0xproc", &models.LoanRiskSnapshot{
		Wallet:    "0xproc",
		Seq:       7,
		AtRisk:    true,
		UpdatedAt: time.Now(),
	})
	assert.NoError(t, p.HandleMessage(msg))

	time.Sleep(300 * time.Millisecond)

	var snap models.LoanRiskSnapshot
	assert.NoError(t, db.Where("wallet = ?", "0xproc").First(&snap).Error)
	assert.True(t, snap.AtRisk)
}
