package repository

import (
	"context"

	"github.com/misszhang/rosterboard/internal/domain"
	"github.com/misszhang/rosterboard/internal/observability"

	"gorm.io/gorm"
)

type ScheduleRepository interface {
	ListByWeek(ctx context.Context, week string) ([]domain.ScheduleEntry, error)
	ReplaceWeek(ctx context.Context, week string, entries []domain.ScheduleEntry) error
	DeleteWeek(ctx context.Context, week string) (int64, error)
	ListWeeks(ctx context.Context) ([]string, error)
}

type GormScheduleRepository struct{ db *gorm.DB }

func NewScheduleRepository(db *gorm.DB) ScheduleRepository { return &GormScheduleRepository{db: db} }

func (r *GormScheduleRepository) ListByWeek(ctx context.Context, week string) ([]domain.ScheduleEntry, error) {
	var entries []domain.ScheduleEntry
	err := r.db.WithContext(ctx).
		Where("week = ?", week).
		Order("sort_order asc").
		Order("id asc").
		Find(&entries).Error
	if err != nil {
		observability.RecordRepositoryOperation(ctx, "schedule", "list_by_week", "error")
		return nil, err
	}
	observability.RecordRepositoryOperation(ctx, "schedule", "list_by_week", "success")
	return entries, nil
}

// ReplaceWeek swaps all manual rows of week in one transaction.
func (r *GormScheduleRepository) ReplaceWeek(ctx context.Context, week string, entries []domain.ScheduleEntry) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("week = ?", week).Delete(&domain.ScheduleEntry{}).Error; err != nil {
			return err
		}
		if len(entries) == 0 {
			return nil
		}
		for i := range entries {
			entries[i].ID = 0
			entries[i].Week = week
		}
		return tx.CreateInBatches(entries, 200).Error
	})
	if err != nil {
		observability.RecordRepositoryOperation(ctx, "schedule", "replace_week", "error")
		return err
	}
	observability.RecordRepositoryOperation(ctx, "schedule", "replace_week", "success")
	return nil
}

func (r *GormScheduleRepository) DeleteWeek(ctx context.Context, week string) (int64, error) {
	res := r.db.WithContext(ctx).Where("week = ?", week).Delete(&domain.ScheduleEntry{})
	if res.Error != nil {
		observability.RecordRepositoryOperation(ctx, "schedule", "delete_week", "error")
		return 0, res.Error
	}
	observability.RecordRepositoryOperation(ctx, "schedule", "delete_week", "success")
	return res.RowsAffected, nil
}

func (r *GormScheduleRepository) ListWeeks(ctx context.Context) ([]string, error) {
	var weeks []string
	err := r.db.WithContext(ctx).
		Model(&domain.ScheduleEntry{}).
		Distinct("week").
		Order("week desc").
		Pluck("week", &weeks).Error
	if err != nil {
		observability.RecordRepositoryOperation(ctx, "schedule", "list_weeks", "error")
		return nil, err
	}
	observability.RecordRepositoryOperation(ctx, "schedule", "list_weeks", "success")
	return weeks, nil
}
