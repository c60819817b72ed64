package models

// HistoryEntry is one row of a session's durable conversation log. Every
// appended entry gets a row, including those still held in the in-memory
// ring. Rows are keyed by (SessionName, Seq) per the persisted state layout.
type HistoryEntry struct {
	SessionName string `gorm:"primaryKey;size:64;column:session_name"`
	Seq         int64  `gorm:"primaryKey;autoIncrement:false;column:seq"`
	Direction   string `gorm:"size:16;column:direction"`
	Text        string `gorm:"type:text;column:text"`
	TS          int64  `gorm:"column:ts"`
}

// TableName overrides GORM's pluralization so the table matches the
// persisted state layout's literal name.
func (HistoryEntry) TableName() string {
	return "history_entries"
}
