package service

import (
	"context"
	"errors"
	"time"

	"github.com/bitfantasy/nimo-pm/internal/pm/apperr"
	"github.com/bitfantasy/nimo-pm/internal/pm/entity"
	"github.com/bitfantasy/nimo-pm/internal/pm/repository"
)

// MilestoneStore 里程碑持久化，Update 按版本号比较交换，已删除的行视为冲突
type MilestoneStore interface {
	FindByID(ctx context.Context, id string) (*entity.Milestone, error)
	Create(ctx context.Context, m *entity.Milestone) error
	Update(ctx context.Context, m *entity.Milestone, expectedVersion int) error
	SoftDelete(ctx context.Context, id, by string, at time.Time) error
	ListByProject(ctx context.Context, projectID string) ([]entity.Milestone, error)
	ListByPhase(ctx context.Context, phaseID string) ([]entity.Milestone, error)
}

// PhaseStore 阶段持久化
type PhaseStore interface {
	FindByID(ctx context.Context, id string) (*entity.Phase, error)
	Create(ctx context.Context, p *entity.Phase) error
	Update(ctx context.Context, p *entity.Phase, expectedVersion int) error
	ListByProject(ctx context.Context, projectID string) ([]entity.Phase, error)
}

// ApprovalStore 审批实例持久化，Update 必须是按版本号的比较交换
type ApprovalStore interface {
	FindByID(ctx context.Context, id string) (*entity.MilestoneApproval, error)
	FindActiveByMilestone(ctx context.Context, milestoneID string) (*entity.MilestoneApproval, error)
	CreateActive(ctx context.Context, a *entity.MilestoneApproval) error
	Update(ctx context.Context, a *entity.MilestoneApproval, expectedVersion int) error
	MarkMilestoneSynced(ctx context.Context, id string) error
	ListOpenForUser(ctx context.Context, userID string, roles []string) ([]entity.MilestoneApproval, error)
	ListUnsynced(ctx context.Context) ([]entity.MilestoneApproval, error)
}

// UserDirectory 用户与角色目录
type UserDirectory interface {
	HasRole(ctx context.Context, userID, role string) (bool, error)
	UserIDsWithRoles(ctx context.Context, roles []string) ([]string, error)
	FeishuUserIDs(ctx context.Context, userIDs []string) (map[string]string, error)
}

// storeErr 把仓库错误翻译成业务错误
func storeErr(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	var ae *apperr.Error
	if errors.As(err, &ae) {
		return err
	}
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return apperr.NotFound(format, args...)
	case errors.Is(err, repository.ErrVersionConflict):
		return apperr.Conflict(err, "数据已被他人修改，请刷新后重试")
	case errors.Is(err, repository.ErrActiveExists):
		return apperr.Precondition("该里程碑已有进行中的审批")
	default:
		return apperr.Persistence(err, "存储服务暂时不可用")
	}
}
