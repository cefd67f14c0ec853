package repository

import (
	"context"

	"github.com/misszhang/rosterboard/internal/domain"
	"github.com/misszhang/rosterboard/internal/observability"

	"gorm.io/gorm"
)

type ContactRepository interface {
	Create(ctx context.Context, msg *domain.ContactMessage) error
	ListPaged(ctx context.Context, req PageRequest) (PageResult[domain.ContactMessage], error)
}

type GormContactRepository struct{ db *gorm.DB }

func NewContactRepository(db *gorm.DB) ContactRepository { return &GormContactRepository{db: db} }

func (r *GormContactRepository) Create(ctx context.Context, msg *domain.ContactMessage) error {
	if err := r.db.WithContext(ctx).Create(msg).Error; err != nil {
		observability.RecordRepositoryOperation(ctx, "contact", "create", "error")
		return err
	}
	observability.RecordRepositoryOperation(ctx, "contact", "create", "success")
	return nil
}

// ListPaged returns messages newest first.
func (r *GormContactRepository) ListPaged(ctx context.Context, req PageRequest) (PageResult[domain.ContactMessage], error) {
	req = req.Normalize()

	var total int64
	if err := r.db.WithContext(ctx).Model(&domain.ContactMessage{}).Count(&total).Error; err != nil {
		observability.RecordRepositoryOperation(ctx, "contact", "list_paged", "error")
		return PageResult[domain.ContactMessage]{}, err
	}
	var items []domain.ContactMessage
	if err := r.db.WithContext(ctx).Order("created_at desc").Order("id desc").Offset(req.Offset()).Limit(req.PageSize).Find(&items).Error; err != nil {
		observability.RecordRepositoryOperation(ctx, "contact", "list_paged", "error")
		return PageResult[domain.ContactMessage]{}, err
	}
	observability.RecordRepositoryOperation(ctx, "contact", "list_paged", "success")
	return newPageResult(req, total, items), nil
}
