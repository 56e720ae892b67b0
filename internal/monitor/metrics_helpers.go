package monitor

// 便捷函数供外部调用，无需访问 Metrics 实例

// SetSnapshotQueueSize 设置快照队列大小
func SetSnapshotQueueSize(size int) {
	GetMetrics().SetSnapshotQueueSize(size)
}

// IncSnapshotQueueFull 增加快照队列满事件计数
func IncSnapshotQueueFull() {
	GetMetrics().IncSnapshotQueueFull()
}

// ObserveBatchWriteSize 观察批量写入大小
func ObserveBatchWriteSize(size int) {
	GetMetrics().ObserveBatchWriteSize(size)
}

// ObserveBatchWriteDuration 观察批量写入耗时
func ObserveBatchWriteDuration(duration float64) {
	GetMetrics().ObserveBatchWriteDuration(duration)
}

// IncBatchDedup 增加批量写入去重计数
func IncBatchDedup(table string) {
	GetMetrics().IncBatchDedup(table)
}
