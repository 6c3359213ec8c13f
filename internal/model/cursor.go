package model

// BlockCursor 区块扫描游标，每个扫描流一行
type BlockCursor struct {
	Key                string `gorm:"column:key;type:varchar(64);primaryKey" json:"key"`
	LastProcessedBlock uint64 `gorm:"column:last_processed_block;type:bigint;not null" json:"last_processed_block"`
	BlocksPerWindow    uint64 `gorm:"column:blocks_per_window;type:bigint;not null" json:"blocks_per_window"`
	PollIntervalMs     int64  `gorm:"column:poll_interval_ms;type:bigint;not null" json:"poll_interval_ms"`
	CreatedAt          int64  `gorm:"column:created_at;type:bigint;not null" json:"created_at"`
	UpdatedAt          int64  `gorm:"column:updated_at;type:bigint;not null" json:"updated_at"`
}

// TableName 返回表名
func (BlockCursor) TableName() string {
	return "nft_block_cursors"
}

// NextWindow 计算下一个待处理区间 [from, to]
// 游标已追上安全高度时 ok 为 false
func (c *BlockCursor) NextWindow(safeHeight uint64) (from, to uint64, ok bool) {
	if c.LastProcessedBlock >= safeHeight {
		return 0, 0, false
	}
	from = c.LastProcessedBlock + 1
	to = c.LastProcessedBlock + c.BlocksPerWindow
	if c.BlocksPerWindow == 0 || to > safeHeight {
		to = safeHeight
	}
	return from, to, true
}

// SafeHeight 链高度减去安全确认数
func SafeHeight(chainHeight, safetyBlocks uint64) uint64 {
	if chainHeight < safetyBlocks {
		return 0
	}
	return chainHeight - safetyBlocks
}
