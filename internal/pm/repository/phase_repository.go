package repository

import (
	"context"
	"time"

	"github.com/bitfantasy/nimo-pm/internal/pm/entity"
	"gorm.io/gorm"
)

// PhaseRepository 阶段仓库
type PhaseRepository struct {
	db *gorm.DB
}

// NewPhaseRepository 创建阶段仓库
func NewPhaseRepository(db *gorm.DB) *PhaseRepository {
	return &PhaseRepository{db: db}
}

// FindByID 根据ID查找阶段
func (r *PhaseRepository) FindByID(ctx context.Context, id string) (*entity.Phase, error) {
	var p entity.Phase
	err := r.db.WithContext(ctx).
		Where("id = ? AND is_deleted = ?", id, false).
		First(&p).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

// Create 创建阶段
func (r *PhaseRepository) Create(ctx context.Context, p *entity.Phase) error {
	if p.Version == 0 {
		p.Version = 1
	}
	return r.db.WithContext(ctx).Create(p).Error
}

// Update 乐观锁更新，规则同 MilestoneRepository.Update
func (r *PhaseRepository) Update(ctx context.Context, p *entity.Phase, expectedVersion int) error {
	now := time.Now()
	p.ApplyDerivedStatus(now)
	result := r.db.WithContext(ctx).
		Model(&entity.Phase{}).
		Where("id = ? AND version = ? AND is_deleted = ?", p.ID, expectedVersion, false).
		Updates(map[string]interface{}{
			"name":              p.Name,
			"description":       p.Description,
			"sequence":          p.Sequence,
			"status":            p.Status,
			"progress":          p.Progress,
			"start_date":        p.StartDate,
			"end_date":          p.EndDate,
			"actual_start_date": p.ActualStartDate,
			"actual_end_date":   p.ActualEndDate,
			"budget":            p.Budget,
			"version":           expectedVersion + 1,
			"updated_at":        now,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrVersionConflict
	}
	p.Version = expectedVersion + 1
	p.UpdatedAt = now
	return nil
}

// ListByProject 项目阶段列表
func (r *PhaseRepository) ListByProject(ctx context.Context, projectID string) ([]entity.Phase, error) {
	var list []entity.Phase
	err := r.db.WithContext(ctx).
		Where("project_id = ? AND is_deleted = ?", projectID, false).
		Order("sequence ASC").
		Find(&list).Error
	return list, err
}
