package service

import (
	"context"
	"strings"
	"time"

	"github.com/bitfantasy/nimo-pm/internal/pm/apperr"
	"github.com/bitfantasy/nimo-pm/internal/pm/entity"
	"github.com/bitfantasy/nimo-pm/internal/pm/status"
	"github.com/google/uuid"
)

// PhaseService 项目阶段服务
type PhaseService struct {
	phases     PhaseStore
	milestones MilestoneStore
	retry      RetryPolicy
	now        func() time.Time
}

// NewPhaseService 创建阶段服务
func NewPhaseService(phases PhaseStore, milestones MilestoneStore) *PhaseService {
	return &PhaseService{phases: phases, milestones: milestones, retry: DefaultRetryPolicy, now: time.Now}
}

// SetRetryPolicy 设置乐观锁重试策略
func (s *PhaseService) SetRetryPolicy(p RetryPolicy) {
	s.retry = p
}

// CreatePhaseReq 创建阶段请求
type CreatePhaseReq struct {
	ProjectID   string     `json:"projectId" binding:"required"`
	Name        string     `json:"name" binding:"required,max=128"`
	Description string     `json:"description"`
	Order       int        `json:"order" binding:"min=0"`
	Status      string     `json:"status"`
	Progress    int        `json:"progress" binding:"min=0,max=100"`
	StartDate   *time.Time `json:"startDate"`
	EndDate     *time.Time `json:"endDate"`
	Budget      float64    `json:"budget"`
}

// UpdatePhaseReq 部分更新
type UpdatePhaseReq struct {
	Name        *string    `json:"name" binding:"omitempty,max=128"`
	Description *string    `json:"description"`
	Order       *int       `json:"order" binding:"omitempty,min=0"`
	Status      *string    `json:"status"`
	Progress    *int       `json:"progress" binding:"omitempty,min=0,max=100"`
	StartDate   *time.Time `json:"startDate"`
	EndDate     *time.Time `json:"endDate"`
	Budget      *float64   `json:"budget"`
}

func (s *PhaseService) Create(ctx context.Context, userID string, req *CreatePhaseReq) (*entity.Phase, error) {
	if strings.TrimSpace(req.Name) == "" {
		return nil, apperr.Validation("name", "不能为空")
	}
	if req.Order < 0 {
		return nil, apperr.Validation("order", "不能为负数")
	}
	if err := validateProgress(req.Progress); err != nil {
		return nil, err
	}
	st := status.PhasePending
	if req.Status != "" {
		st = status.PhaseStatus(req.Status)
		if !st.Valid() {
			return nil, apperr.Validation("status", "不支持的阶段状态: %s", req.Status)
		}
	}

	p := &entity.Phase{
		ID:          uuid.New().String(),
		ProjectID:   req.ProjectID,
		Name:        strings.TrimSpace(req.Name),
		Description: req.Description,
		Sequence:    req.Order,
		Status:      st,
		Progress:    req.Progress,
		StartDate:   req.StartDate,
		EndDate:     req.EndDate,
		Budget:      req.Budget,
		CreatedBy:   userID,
	}
	if !p.DatesValid() {
		return nil, apperr.Validation("endDate", "结束日期必须晚于开始日期")
	}

	p.ApplyDerivedStatus(s.now())
	if err := s.phases.Create(ctx, p); err != nil {
		return nil, storeErr(err, "创建阶段失败")
	}
	return p, nil
}

func (s *PhaseService) Get(ctx context.Context, id string) (*entity.Phase, error) {
	p, err := s.phases.FindByID(ctx, id)
	if err != nil {
		return nil, storeErr(err, "阶段不存在: %s", id)
	}
	p.Overdue = p.IsOverdue(s.now())
	return p, nil
}

func (s *PhaseService) ListByProject(ctx context.Context, projectID string) ([]entity.Phase, error) {
	list, err := s.phases.ListByProject(ctx, projectID)
	if err != nil {
		return nil, storeErr(err, "查询阶段失败")
	}
	now := s.now()
	for i := range list {
		list[i].Overdue = list[i].IsOverdue(now)
	}
	return list, nil
}

func (s *PhaseService) Update(ctx context.Context, id string, req *UpdatePhaseReq) (*entity.Phase, error) {
	return s.mutate(ctx, id, func(p *entity.Phase) (bool, error) {
		return true, applyPhaseUpdate(p, req)
	})
}

func applyPhaseUpdate(p *entity.Phase, req *UpdatePhaseReq) error {
	if req.Name != nil {
		if strings.TrimSpace(*req.Name) == "" {
			return apperr.Validation("name", "不能为空")
		}
		p.Name = strings.TrimSpace(*req.Name)
	}
	if req.Description != nil {
		p.Description = *req.Description
	}
	if req.Order != nil {
		if *req.Order < 0 {
			return apperr.Validation("order", "不能为负数")
		}
		p.Sequence = *req.Order
	}
	if req.Status != nil {
		st := status.PhaseStatus(*req.Status)
		if !st.Valid() {
			return apperr.Validation("status", "不支持的阶段状态: %s", *req.Status)
		}
		p.Status = st
	}
	if req.Progress != nil {
		if err := validateProgress(*req.Progress); err != nil {
			return err
		}
		p.Progress = *req.Progress
	}
	if req.StartDate != nil {
		p.StartDate = req.StartDate
	}
	if req.EndDate != nil {
		p.EndDate = req.EndDate
	}
	if req.Budget != nil {
		p.Budget = *req.Budget
	}
	if !p.DatesValid() {
		return apperr.Validation("endDate", "结束日期必须晚于开始日期")
	}
	return nil
}

// Recompute 按里程碑重新汇总阶段进度
func (s *PhaseService) Recompute(ctx context.Context, id string) (*entity.Phase, error) {
	return s.mutate(ctx, id, func(p *entity.Phase) (bool, error) {
		list, err := s.milestones.ListByPhase(ctx, id)
		if err != nil {
			return false, err
		}
		if len(list) == 0 {
			return false, nil
		}
		p.Progress = MeanProgress(list)
		return true, nil
	})
}

// mutate 读-改-写，版本冲突时重新读取并重放 fn；fn 返回 false 表示无需写入
func (s *PhaseService) mutate(ctx context.Context, id string, fn func(p *entity.Phase) (bool, error)) (*entity.Phase, error) {
	var saved *entity.Phase
	err := s.retry.run(ctx, func() error {
		p, err := s.phases.FindByID(ctx, id)
		if err != nil {
			return err
		}
		changed, err := fn(p)
		if err != nil {
			return err
		}
		saved = p
		if !changed {
			return nil
		}
		p.ApplyDerivedStatus(s.now())
		return s.phases.Update(ctx, p, p.Version)
	})
	if err != nil {
		return nil, storeErr(err, "阶段不存在: %s", id)
	}
	saved.Overdue = saved.IsOverdue(s.now())
	return saved, nil
}
