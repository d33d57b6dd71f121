package repository

import (
	"context"
	"time"

	"github.com/bitfantasy/nimo-pm/internal/pm/entity"
	"gorm.io/gorm"
)

// MilestoneRepository 里程碑仓库
type MilestoneRepository struct {
	db *gorm.DB
}

// NewMilestoneRepository 创建里程碑仓库
func NewMilestoneRepository(db *gorm.DB) *MilestoneRepository {
	return &MilestoneRepository{db: db}
}

// FindByID 根据ID查找未删除的里程碑
func (r *MilestoneRepository) FindByID(ctx context.Context, id string) (*entity.Milestone, error) {
	var m entity.Milestone
	err := r.db.WithContext(ctx).
		Where("id = ? AND is_deleted = ?", id, false).
		First(&m).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &m, nil
}

// Create 创建里程碑
func (r *MilestoneRepository) Create(ctx context.Context, m *entity.Milestone) error {
	if m.Version == 0 {
		m.Version = 1
	}
	return r.db.WithContext(ctx).Create(m).Error
}

// Update 乐观锁更新：仅当版本等于 expectedVersion 且未删除时写入
// 状态在写入前重新推导，成功后版本加一
func (r *MilestoneRepository) Update(ctx context.Context, m *entity.Milestone, expectedVersion int) error {
	now := time.Now()
	m.ApplyDerivedStatus(now)
	result := r.db.WithContext(ctx).
		Model(&entity.Milestone{}).
		Where("id = ? AND version = ? AND is_deleted = ?", m.ID, expectedVersion, false).
		Updates(map[string]interface{}{
			"phase_id":          m.PhaseID,
			"title":             m.Title,
			"description":       m.Description,
			"due_date":          m.DueDate,
			"completed_date":    m.CompletedDate,
			"status":            m.Status,
			"priority":          m.Priority,
			"progress":          m.Progress,
			"assignee_id":       m.AssigneeID,
			"linked_task_ids":   m.LinkedTaskIDs,
			"deliverables":      m.Deliverables,
			"dependencies":      m.Dependencies,
			"budget_allocation": m.BudgetAllocation,
			"actual_cost":       m.ActualCost,
			"version":           expectedVersion + 1,
			"updated_at":        now,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrVersionConflict
	}
	m.Version = expectedVersion + 1
	m.UpdatedAt = now
	return nil
}

// SoftDelete 软删除
func (r *MilestoneRepository) SoftDelete(ctx context.Context, id, by string, at time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&entity.Milestone{}).
		Where("id = ? AND is_deleted = ?", id, false).
		Updates(map[string]interface{}{
			"is_deleted": true,
			"deleted_at": at,
			"deleted_by": by,
			"version":    gorm.Expr("version + 1"),
			"updated_at": at,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListByProject 项目下的里程碑，按截止日期排序
func (r *MilestoneRepository) ListByProject(ctx context.Context, projectID string) ([]entity.Milestone, error) {
	var list []entity.Milestone
	err := r.db.WithContext(ctx).
		Where("project_id = ? AND is_deleted = ?", projectID, false).
		Order("due_date ASC NULLS LAST, created_at ASC").
		Find(&list).Error
	return list, err
}

// ListByPhase 阶段下的里程碑
func (r *MilestoneRepository) ListByPhase(ctx context.Context, phaseID string) ([]entity.Milestone, error) {
	var list []entity.Milestone
	err := r.db.WithContext(ctx).
		Where("phase_id = ? AND is_deleted = ?", phaseID, false).
		Find(&list).Error
	return list, err
}
