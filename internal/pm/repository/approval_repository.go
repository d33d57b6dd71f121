package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/bitfantasy/nimo-pm/internal/pm/entity"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ActiveApprovalIndexSQL 每个里程碑最多一个激活的审批实例
const ActiveApprovalIndexSQL = `CREATE UNIQUE INDEX IF NOT EXISTS uk_milestone_approvals_active
ON milestone_approvals (milestone_id) WHERE is_active`

var openStatuses = []entity.OverallStatus{entity.OverallPending, entity.OverallInReview}

// ApprovalRepository 里程碑审批仓库
type ApprovalRepository struct {
	db *gorm.DB
}

// NewApprovalRepository 创建审批仓库
func NewApprovalRepository(db *gorm.DB) *ApprovalRepository {
	return &ApprovalRepository{db: db}
}

// FindByID 根据ID查找
func (r *ApprovalRepository) FindByID(ctx context.Context, id string) (*entity.MilestoneApproval, error) {
	var a entity.MilestoneApproval
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&a).Error; err != nil {
		return nil, notFound(err)
	}
	return &a, nil
}

// FindActiveByMilestone 里程碑当前激活的审批实例
func (r *ApprovalRepository) FindActiveByMilestone(ctx context.Context, milestoneID string) (*entity.MilestoneApproval, error) {
	var a entity.MilestoneApproval
	err := r.db.WithContext(ctx).
		Where("milestone_id = ? AND is_active = ?", milestoneID, true).
		Order("submitted_at DESC").
		First(&a).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &a, nil
}

// CreateActive 在事务中创建新的激活实例
// 已结束但仍激活的旧实例（已通过）被置为非激活；存在未结束的激活实例时返回 ErrActiveExists
func (r *ApprovalRepository) CreateActive(ctx context.Context, a *entity.MilestoneApproval) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current []entity.MilestoneApproval
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("milestone_id = ? AND is_active = ?", a.MilestoneID, true).
			Find(&current).Error; err != nil {
			return err
		}

		for _, c := range current {
			if !c.OverallStatus.Terminal() {
				return ErrActiveExists
			}
			if err := tx.Model(&entity.MilestoneApproval{}).
				Where("id = ?", c.ID).
				Updates(map[string]interface{}{
					"is_active":  false,
					"version":    gorm.Expr("version + 1"),
					"updated_at": time.Now(),
				}).Error; err != nil {
				return err
			}
		}

		return tx.Create(a).Error
	})
	if IsUniqueViolation(err) {
		return ErrActiveExists
	}
	return err
}

// Update 乐观锁更新：仅当库中版本等于 expectedVersion 时写入，成功后版本加一
func (r *ApprovalRepository) Update(ctx context.Context, a *entity.MilestoneApproval, expectedVersion int) error {
	now := time.Now()
	result := r.db.WithContext(ctx).
		Model(&entity.MilestoneApproval{}).
		Where("id = ? AND version = ?", a.ID, expectedVersion).
		Updates(map[string]interface{}{
			"stages":              datatypes.NewJSONType(a.Stages),
			"current_stage":       a.CurrentStage,
			"overall_status":      a.OverallStatus,
			"rejection_reason":    a.RejectionReason,
			"final_approved_at":   a.FinalApprovedAt,
			"final_approved_by":   a.FinalApprovedBy,
			"cancelled_at":        a.CancelledAt,
			"cancelled_by":        a.CancelledBy,
			"cancellation_reason": a.CancellationReason,
			"is_active":           a.IsActive,
			"version":             expectedVersion + 1,
			"updated_at":          now,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrVersionConflict
	}
	a.Version = expectedVersion + 1
	a.UpdatedAt = now
	return nil
}

// MarkMilestoneSynced 记录里程碑同步结果，不改变版本
func (r *ApprovalRepository) MarkMilestoneSynced(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).
		Model(&entity.MilestoneApproval{}).
		Where("id = ?", id).
		UpdateColumn("milestone_synced", true).Error
}

// ListOpenForUser 激活且未结束、当前节点与用户相关的实例，按提交时间排序
// 当前节点里有该用户的待处理票，或节点要求的角色之一为用户所持有
func (r *ApprovalRepository) ListOpenForUser(ctx context.Context, userID string, roles []string) ([]entity.MilestoneApproval, error) {
	pendingVote, err := json.Marshal([]map[string]string{{"userId": userID, "status": string(entity.VotePending)}})
	if err != nil {
		return nil, err
	}

	match := "s->'approvals' @> ?::jsonb"
	args := []interface{}{string(pendingVote)}
	if len(roles) > 0 {
		match += " OR EXISTS (SELECT 1 FROM jsonb_array_elements_text(s->'requiredRoles') AS r(role) WHERE r.role IN ?)"
		args = append(args, roles)
	}

	var list []entity.MilestoneApproval
	err = r.db.WithContext(ctx).
		Where("is_active = ? AND overall_status IN ?", true, openStatuses).
		Where("EXISTS (SELECT 1 FROM jsonb_array_elements(milestone_approvals.stages) AS s "+
			"WHERE s->>'stageName' = milestone_approvals.current_stage AND ("+match+"))", args...).
		Order("submitted_at ASC").
		Find(&list).Error
	return list, err
}

// ListUnsynced 已通过但里程碑尚未同步的实例
func (r *ApprovalRepository) ListUnsynced(ctx context.Context) ([]entity.MilestoneApproval, error) {
	var list []entity.MilestoneApproval
	err := r.db.WithContext(ctx).
		Where("overall_status = ? AND milestone_synced = ?", entity.OverallApproved, false).
		Find(&list).Error
	return list, err
}
