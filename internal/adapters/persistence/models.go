package persistence

import (
	"time"
)

// CrawledPageModel represents the crawled_pages table. Pages are
// spooled locally until the coordinator confirms ingestion.
type CrawledPageModel struct {
	ID          int        `gorm:"column:id;primaryKey;autoIncrement"`
	TaskID      string     `gorm:"column:task_id;index;not null"`
	URL         string     `gorm:"column:url;not null"`
	Title       *string    `gorm:"column:title"`
	Text        string     `gorm:"column:text;type:text;not null"`
	Embedding   string     `gorm:"column:embedding;type:text"` // JSON array as text
	Links       string     `gorm:"column:links;type:text"`     // JSON array as text
	ContentHash string     `gorm:"column:content_hash;index;not null"`
	FetchedAt   time.Time  `gorm:"column:fetched_at;not null"`
	ForwardedAt *time.Time `gorm:"column:forwarded_at"`
	CreatedAt   time.Time  `gorm:"column:created_at;not null;autoCreateTime"`
}

func (CrawledPageModel) TableName() string {
	return "crawled_pages"
}
