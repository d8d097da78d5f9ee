package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/ai4all/worker/internal/domain/task"
)

// CrawledPageRepositoryGORM implements the crawled page spool using GORM
type CrawledPageRepositoryGORM struct {
	db *gorm.DB
}

// NewCrawledPageRepository creates a new GORM-based page spool
func NewCrawledPageRepository(db *gorm.DB) *CrawledPageRepositoryGORM {
	return &CrawledPageRepositoryGORM{db: db}
}

// SpoolPages stores a crawl result's pages for later forwarding.
// Pages whose content hash is already spooled for the task are skipped.
func (r *CrawledPageRepositoryGORM) SpoolPages(ctx context.Context, taskID string, pages []task.CrawledPage) error {
	if len(pages) == 0 {
		return nil
	}

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, page := range pages {
			var count int64
			if err := tx.Model(&CrawledPageModel{}).
				Where("task_id = ? AND content_hash = ?", taskID, page.ContentHash).
				Count(&count).Error; err != nil {
				return fmt.Errorf("failed to check for duplicate page: %w", err)
			}
			if count > 0 {
				continue
			}

			record, err := toModel(taskID, page)
			if err != nil {
				return err
			}
			if err := tx.Create(record).Error; err != nil {
				return fmt.Errorf("failed to spool page %s: %w", page.URL, err)
			}
		}
		return nil
	})
}

// PendingPages returns up to limit pages not yet forwarded, oldest first.
func (r *CrawledPageRepositoryGORM) PendingPages(ctx context.Context, limit int) ([]task.CrawledPage, []int, error) {
	var records []CrawledPageModel
	err := r.db.WithContext(ctx).
		Where("forwarded_at IS NULL").
		Order("created_at asc").
		Limit(limit).
		Find(&records).Error
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load pending pages: %w", err)
	}

	pages := make([]task.CrawledPage, len(records))
	ids := make([]int, len(records))
	for i, record := range records {
		page, err := toDomain(record)
		if err != nil {
			return nil, nil, err
		}
		pages[i] = page
		ids[i] = record.ID
	}
	return pages, ids, nil
}

// MarkForwarded stamps pages as delivered to the coordinator.
func (r *CrawledPageRepositoryGORM) MarkForwarded(ctx context.Context, ids []int) error {
	if len(ids) == 0 {
		return nil
	}
	now := time.Now()
	err := r.db.WithContext(ctx).
		Model(&CrawledPageModel{}).
		Where("id IN ?", ids).
		Update("forwarded_at", &now).Error
	if err != nil {
		return fmt.Errorf("failed to mark pages forwarded: %w", err)
	}
	return nil
}

// PurgeForwarded deletes forwarded pages older than the retention
// window and returns the number removed.
func (r *CrawledPageRepositoryGORM) PurgeForwarded(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan)
	result := r.db.WithContext(ctx).
		Where("forwarded_at IS NOT NULL AND forwarded_at < ?", cutoff).
		Delete(&CrawledPageModel{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to purge forwarded pages: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// CountPending returns the number of pages awaiting forwarding.
func (r *CrawledPageRepositoryGORM) CountPending(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&CrawledPageModel{}).
		Where("forwarded_at IS NULL").
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count pending pages: %w", err)
	}
	return count, nil
}

func toModel(taskID string, page task.CrawledPage) (*CrawledPageModel, error) {
	links, err := json.Marshal(page.Links)
	if err != nil {
		return nil, fmt.Errorf("failed to encode links for %s: %w", page.URL, err)
	}
	embedding := ""
	if len(page.Embedding) > 0 {
		raw, err := json.Marshal(page.Embedding)
		if err != nil {
			return nil, fmt.Errorf("failed to encode embedding for %s: %w", page.URL, err)
		}
		embedding = string(raw)
	}
	fetchedAt, err := time.Parse(time.RFC3339, page.FetchedAt)
	if err != nil {
		fetchedAt = time.Now()
	}
	return &CrawledPageModel{
		TaskID:      taskID,
		URL:         page.URL,
		Title:       page.Title,
		Text:        page.Text,
		Embedding:   embedding,
		Links:       string(links),
		ContentHash: page.ContentHash,
		FetchedAt:   fetchedAt,
	}, nil
}

func toDomain(record CrawledPageModel) (task.CrawledPage, error) {
	page := task.CrawledPage{
		URL:         record.URL,
		Title:       record.Title,
		Text:        record.Text,
		ContentHash: record.ContentHash,
		FetchedAt:   record.FetchedAt.Format(time.RFC3339),
	}
	if record.Links != "" {
		if err := json.Unmarshal([]byte(record.Links), &page.Links); err != nil {
			return task.CrawledPage{}, fmt.Errorf("invalid links in database for %s: %w", record.URL, err)
		}
	}
	if record.Embedding != "" {
		if err := json.Unmarshal([]byte(record.Embedding), &page.Embedding); err != nil {
			return task.CrawledPage{}, fmt.Errorf("invalid embedding in database for %s: %w", record.URL, err)
		}
	}
	return page, nil
}
