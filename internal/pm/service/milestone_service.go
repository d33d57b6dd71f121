package service

import (
	"context"
	"math"
	"strings"
	"time"

	"github.com/bitfantasy/nimo-pm/internal/pm/apperr"
	"github.com/bitfantasy/nimo-pm/internal/pm/entity"
	"github.com/bitfantasy/nimo-pm/internal/pm/sse"
	"github.com/bitfantasy/nimo-pm/internal/pm/status"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

// MilestoneService 里程碑服务
// 所有写路径在落库前都会重新推导状态，并把进度汇总到所属阶段
type MilestoneService struct {
	milestones MilestoneStore
	phases     PhaseStore
	hub        *sse.Hub
	logger     *zap.Logger
	retry      RetryPolicy
	now        func() time.Time
}

// NewMilestoneService 创建里程碑服务
func NewMilestoneService(milestones MilestoneStore, phases PhaseStore, hub *sse.Hub, logger *zap.Logger) *MilestoneService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MilestoneService{
		milestones: milestones,
		phases:     phases,
		hub:        hub,
		logger:     logger,
		retry:      DefaultRetryPolicy,
		now:        time.Now,
	}
}

// SetRetryPolicy 设置乐观锁重试策略
func (s *MilestoneService) SetRetryPolicy(p RetryPolicy) {
	s.retry = p
}

// CreateMilestoneReq 创建里程碑请求
type CreateMilestoneReq struct {
	ProjectID        string     `json:"projectId" binding:"required"`
	PhaseID          *string    `json:"phaseId"`
	Title            string     `json:"title" binding:"required,max=200"`
	Description      string     `json:"description"`
	DueDate          *time.Time `json:"dueDate"`
	Priority         string     `json:"priority" binding:"omitempty,oneof=low medium high urgent"`
	Progress         int        `json:"progress" binding:"min=0,max=100"`
	AssigneeID       *string    `json:"assigneeId"`
	LinkedTasks      []string   `json:"linkedTasks"`
	Deliverables     []string   `json:"deliverables"`
	Dependencies     []string   `json:"dependencies"`
	BudgetAllocation float64    `json:"budgetAllocation"`
	ActualCost       float64    `json:"actualCost"`
}

// UpdateMilestoneReq 部分更新，nil 字段不修改
type UpdateMilestoneReq struct {
	Title            *string    `json:"title" binding:"omitempty,max=200"`
	Description      *string    `json:"description"`
	PhaseID          *string    `json:"phaseId"`
	DueDate          *time.Time `json:"dueDate"`
	Priority         *string    `json:"priority" binding:"omitempty,oneof=low medium high urgent"`
	Progress         *int       `json:"progress" binding:"omitempty,min=0,max=100"`
	Status           *string    `json:"status"`
	AssigneeID       *string    `json:"assigneeId"`
	LinkedTasks      *[]string  `json:"linkedTasks"`
	Deliverables     *[]string  `json:"deliverables"`
	Dependencies     *[]string  `json:"dependencies"`
	BudgetAllocation *float64   `json:"budgetAllocation"`
	ActualCost       *float64   `json:"actualCost"`
}

// InlineUpdateReq 列表页行内修改
type InlineUpdateReq struct {
	Status   *string    `json:"status"`
	Priority *string    `json:"priority" binding:"omitempty,oneof=low medium high urgent"`
	DueDate  *time.Time `json:"dueDate"`
	Progress *int       `json:"progress" binding:"omitempty,min=0,max=100"`
}

// Create 创建里程碑
func (s *MilestoneService) Create(ctx context.Context, userID string, req *CreateMilestoneReq) (*entity.Milestone, error) {
	if err := validateTitle(req.Title); err != nil {
		return nil, err
	}
	if req.Priority == "" {
		req.Priority = entity.PriorityMedium
	}
	if !entity.ValidPriority(req.Priority) {
		return nil, apperr.Validation("priority", "不支持的优先级: %s", req.Priority)
	}
	if err := validateProgress(req.Progress); err != nil {
		return nil, err
	}

	m := &entity.Milestone{
		ID:               uuid.New().String(),
		ProjectID:        req.ProjectID,
		Title:            strings.TrimSpace(req.Title),
		Description:      req.Description,
		DueDate:          req.DueDate,
		Status:           status.MilestonePending,
		Priority:         req.Priority,
		Progress:         req.Progress,
		AssigneeID:       req.AssigneeID,
		LinkedTaskIDs:    datatypes.JSONSlice[string](req.LinkedTasks),
		Deliverables:     datatypes.JSONSlice[string](req.Deliverables),
		Dependencies:     datatypes.JSONSlice[string](req.Dependencies),
		BudgetAllocation: req.BudgetAllocation,
		ActualCost:       req.ActualCost,
		CreatedBy:        userID,
	}
	if err := s.attachPhase(ctx, m, req.PhaseID); err != nil {
		return nil, err
	}

	m.ApplyDerivedStatus(s.now())
	if err := s.milestones.Create(ctx, m); err != nil {
		return nil, storeErr(err, "创建里程碑失败")
	}

	s.rollupPhase(ctx, m.PhaseID)
	s.publish(m, "created")
	return m, nil
}

// Get 获取里程碑
func (s *MilestoneService) Get(ctx context.Context, id string) (*entity.Milestone, error) {
	m, err := s.milestones.FindByID(ctx, id)
	if err != nil {
		return nil, storeErr(err, "里程碑不存在: %s", id)
	}
	return m, nil
}

// ListByProject 项目下的里程碑
func (s *MilestoneService) ListByProject(ctx context.Context, projectID string) ([]entity.Milestone, error) {
	list, err := s.milestones.ListByProject(ctx, projectID)
	if err != nil {
		return nil, storeErr(err, "查询里程碑失败")
	}
	return list, nil
}

// Update 部分更新
func (s *MilestoneService) Update(ctx context.Context, id string, req *UpdateMilestoneReq) (*entity.Milestone, error) {
	return s.mutate(ctx, id, "updated", func(m *entity.Milestone) (bool, error) {
		return true, s.applyUpdate(ctx, m, req)
	})
}

func (s *MilestoneService) applyUpdate(ctx context.Context, m *entity.Milestone, req *UpdateMilestoneReq) error {
	if req.Title != nil {
		if err := validateTitle(*req.Title); err != nil {
			return err
		}
		m.Title = strings.TrimSpace(*req.Title)
	}
	if req.Description != nil {
		m.Description = *req.Description
	}
	if req.PhaseID != nil {
		if err := s.attachPhase(ctx, m, req.PhaseID); err != nil {
			return err
		}
	}
	if req.AssigneeID != nil {
		m.AssigneeID = req.AssigneeID
	}
	if req.LinkedTasks != nil {
		m.LinkedTaskIDs = datatypes.JSONSlice[string](*req.LinkedTasks)
	}
	if req.Deliverables != nil {
		m.Deliverables = datatypes.JSONSlice[string](*req.Deliverables)
	}
	if req.Dependencies != nil {
		for _, dep := range *req.Dependencies {
			if dep == m.ID {
				return apperr.Validation("dependencies", "里程碑不能依赖自身")
			}
		}
		m.Dependencies = datatypes.JSONSlice[string](*req.Dependencies)
	}
	if req.BudgetAllocation != nil {
		m.BudgetAllocation = *req.BudgetAllocation
	}
	if req.ActualCost != nil {
		m.ActualCost = *req.ActualCost
	}
	return applyInline(m, InlineUpdateReq{
		Status:   req.Status,
		Priority: req.Priority,
		DueDate:  req.DueDate,
		Progress: req.Progress,
	})
}

// InlineUpdate 只修改状态、优先级、截止日期、进度
func (s *MilestoneService) InlineUpdate(ctx context.Context, id string, req *InlineUpdateReq) (*entity.Milestone, error) {
	return s.mutate(ctx, id, "updated", func(m *entity.Milestone) (bool, error) {
		return true, applyInline(m, *req)
	})
}

// Delete 软删除
func (s *MilestoneService) Delete(ctx context.Context, id, userID string) error {
	m, err := s.milestones.FindByID(ctx, id)
	if err != nil {
		return storeErr(err, "里程碑不存在: %s", id)
	}
	if err := s.milestones.SoftDelete(ctx, id, userID, s.now()); err != nil {
		return storeErr(err, "里程碑不存在: %s", id)
	}
	s.rollupPhase(ctx, m.PhaseID)
	s.publish(m, "deleted")
	return nil
}

// CompleteFromApproval 审批最终通过后把里程碑置为完成，可重复调用
func (s *MilestoneService) CompleteFromApproval(ctx context.Context, id string) (*entity.Milestone, error) {
	return s.mutate(ctx, id, "approval_completed", func(m *entity.Milestone) (bool, error) {
		if m.Progress == 100 && m.Status == status.MilestoneCompleted {
			return false, nil
		}
		m.Progress = 100
		return true, nil
	})
}

// mutate 读-改-写，版本冲突时重新读取并重放 fn
// fn 返回 false 表示无需写入
func (s *MilestoneService) mutate(ctx context.Context, id, action string, fn func(m *entity.Milestone) (bool, error)) (*entity.Milestone, error) {
	var (
		saved    *entity.Milestone
		oldPhase *string
		changed  bool
	)
	err := s.retry.run(ctx, func() error {
		m, err := s.milestones.FindByID(ctx, id)
		if err != nil {
			return err
		}
		oldPhase = m.PhaseID
		if changed, err = fn(m); err != nil || !changed {
			saved = m
			return err
		}
		m.ApplyDerivedStatus(s.now())
		if err := s.milestones.Update(ctx, m, m.Version); err != nil {
			return err
		}
		saved = m
		return nil
	})
	if err != nil {
		return nil, storeErr(err, "里程碑不存在: %s", id)
	}
	if !changed {
		return saved, nil
	}

	s.rollupPhase(ctx, saved.PhaseID)
	if !samePhase(oldPhase, saved.PhaseID) {
		s.rollupPhase(ctx, oldPhase)
	}
	s.publish(saved, action)
	return saved, nil
}

// attachPhase 校验阶段存在且属于同一项目，空字符串表示解除关联
func (s *MilestoneService) attachPhase(ctx context.Context, m *entity.Milestone, phaseID *string) error {
	if phaseID == nil || *phaseID == "" {
		m.PhaseID = nil
		return nil
	}
	p, err := s.phases.FindByID(ctx, *phaseID)
	if err != nil {
		return storeErr(err, "阶段不存在: %s", *phaseID)
	}
	if p.ProjectID != m.ProjectID {
		return apperr.Validation("phaseId", "阶段不属于项目 %s", m.ProjectID)
	}
	id := p.ID
	m.PhaseID = &id
	return nil
}

// rollupPhase 阶段进度 = 未删除里程碑进度的平均值（四舍五入）
// 汇总失败只记录日志，不影响里程碑本身的写入
func (s *MilestoneService) rollupPhase(ctx context.Context, phaseID *string) {
	if phaseID == nil || *phaseID == "" || s.phases == nil {
		return
	}
	list, err := s.milestones.ListByPhase(ctx, *phaseID)
	if err != nil {
		s.logger.Warn("list milestones for phase rollup failed", zap.String("phase_id", *phaseID), zap.Error(err))
		return
	}
	if len(list) == 0 {
		return
	}
	progress := MeanProgress(list)

	err = s.retry.run(ctx, func() error {
		p, err := s.phases.FindByID(ctx, *phaseID)
		if err != nil {
			return err
		}
		if progress == p.Progress {
			return nil
		}
		p.Progress = progress
		p.ApplyDerivedStatus(s.now())
		return s.phases.Update(ctx, p, p.Version)
	})
	if err != nil {
		s.logger.Warn("phase rollup update failed", zap.String("phase_id", *phaseID), zap.Error(err))
	}
}

func (s *MilestoneService) publish(m *entity.Milestone, action string) {
	if s.hub == nil {
		return
	}
	s.hub.PublishMilestoneUpdate(m.ProjectID, m.ID, action)
}

// MeanProgress 里程碑进度平均值，四舍五入
func MeanProgress(list []entity.Milestone) int {
	if len(list) == 0 {
		return 0
	}
	sum := 0
	for _, m := range list {
		sum += status.ClampProgress(m.Progress)
	}
	return int(math.Round(float64(sum) / float64(len(list))))
}

// applyInline 校验并写入可影响状态的字段，状态推导留给 save
func applyInline(m *entity.Milestone, req InlineUpdateReq) error {
	if req.Priority != nil {
		if !entity.ValidPriority(*req.Priority) {
			return apperr.Validation("priority", "不支持的优先级: %s", *req.Priority)
		}
		m.Priority = *req.Priority
	}
	if req.Progress != nil {
		if err := validateProgress(*req.Progress); err != nil {
			return err
		}
		m.Progress = *req.Progress
	}
	if req.DueDate != nil {
		m.DueDate = req.DueDate
	}
	if req.Status != nil {
		st := status.MilestoneStatus(*req.Status)
		if !st.Valid() {
			return apperr.Validation("status", "不支持的里程碑状态: %s", *req.Status)
		}
		m.Status = st
	}
	return nil
}

func validateTitle(title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return apperr.Validation("title", "不能为空")
	}
	if len([]rune(title)) > 200 {
		return apperr.Validation("title", "不能超过200个字符")
	}
	return nil
}

func validateProgress(p int) error {
	if p < 0 || p > 100 {
		return apperr.Validation("progress", "必须在 0 到 100 之间")
	}
	return nil
}

func samePhase(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
