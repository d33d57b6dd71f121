// Package approval 里程碑审批流程引擎
//
// 引擎只操作内存中的 entity.MilestoneApproval，不做任何 IO（角色目录通过 RoleChecker 注入）。
// 持久化、乐观锁重试和通知由 service 层负责。
package approval

import (
	"sort"
	"strings"
	"time"

	"github.com/bitfantasy/nimo-pm/internal/pm/apperr"
	"github.com/bitfantasy/nimo-pm/internal/pm/entity"
)

// Approver 预先指派的审批人
type Approver struct {
	UserID string `json:"userId" yaml:"userId"`
	Role   string `json:"role" yaml:"role"`
}

// StageConfig 审批节点配置
type StageConfig struct {
	StageName     string     `json:"stageName" yaml:"stageName"`
	RequiredRoles []string   `json:"requiredRoles" yaml:"requiredRoles"`
	IsOptional    bool       `json:"isOptional" yaml:"isOptional"`
	Order         int        `json:"order" yaml:"order"`
	Approvers     []Approver `json:"approvers,omitempty" yaml:"approvers,omitempty"`
}

// CreateInput 创建审批实例的输入
type CreateInput struct {
	ID                 string
	MilestoneID        string
	MilestoneTitle     string
	ProjectID          string
	PhaseID            *string
	Stages             []StageConfig
	SubmittedBy        string
	SubmissionComments string
	CompletionDeadline *time.Time
}

// NewWorkflow 按模板生成审批实例
// 节点按 order 升序保存，全部为 pending，当前节点为第一个节点
func NewWorkflow(in CreateInput, now time.Time) (*entity.MilestoneApproval, error) {
	if err := validateCreate(in); err != nil {
		return nil, err
	}

	configs := make([]StageConfig, len(in.Stages))
	copy(configs, in.Stages)
	sort.SliceStable(configs, func(i, j int) bool { return configs[i].Order < configs[j].Order })

	stages := make([]entity.ApprovalStage, 0, len(configs))
	for _, cfg := range configs {
		stage := entity.ApprovalStage{
			Name:          strings.TrimSpace(cfg.StageName),
			RequiredRoles: append([]string(nil), cfg.RequiredRoles...),
			IsOptional:    cfg.IsOptional,
			Order:         cfg.Order,
			Status:        entity.StagePending,
			Votes:         []entity.ApprovalVote{},
		}
		for _, ap := range cfg.Approvers {
			stage.Votes = append(stage.Votes, entity.ApprovalVote{
				UserID:     ap.UserID,
				Role:       ap.Role,
				Status:     entity.VotePending,
				AssignedAt: now,
			})
		}
		stages = append(stages, stage)
	}

	w := &entity.MilestoneApproval{
		ID:                 in.ID,
		MilestoneID:        in.MilestoneID,
		MilestoneTitle:     in.MilestoneTitle,
		ProjectID:          in.ProjectID,
		PhaseID:            in.PhaseID,
		OverallStatus:      entity.OverallPending,
		SubmittedBy:        in.SubmittedBy,
		SubmittedAt:        now,
		CompletionDeadline: in.CompletionDeadline,
		SubmissionComments: in.SubmissionComments,
		IsActive:           true,
		Version:            1,
		Stages:             stages,
	}
	advance(w)
	return w, nil
}

func validateCreate(in CreateInput) error {
	if in.MilestoneID == "" {
		return apperr.Validation("milestoneId", "不能为空")
	}
	if in.ProjectID == "" {
		return apperr.Validation("projectId", "不能为空")
	}
	if in.SubmittedBy == "" {
		return apperr.Validation("submittedBy", "不能为空")
	}
	if len(in.Stages) == 0 {
		return apperr.Validation("workflowConfig.approvalStages", "至少需要一个审批节点")
	}

	names := make(map[string]bool, len(in.Stages))
	orders := make(map[int]bool, len(in.Stages))
	required := 0
	for i, s := range in.Stages {
		name := strings.TrimSpace(s.StageName)
		if name == "" {
			return apperr.Validation("workflowConfig.approvalStages.stageName", "第%d个节点名称为空", i+1)
		}
		if names[name] {
			return apperr.Validation("workflowConfig.approvalStages.stageName", "节点名称重复: %s", name)
		}
		names[name] = true

		if s.Order < 0 {
			return apperr.Validation("workflowConfig.approvalStages.order", "节点 %s 的顺序不能为负数", name)
		}
		if orders[s.Order] {
			return apperr.Validation("workflowConfig.approvalStages.order", "节点顺序重复: %d", s.Order)
		}
		orders[s.Order] = true

		if len(s.RequiredRoles) == 0 {
			return apperr.Validation("workflowConfig.approvalStages.requiredRoles", "节点 %s 未配置审批角色", name)
		}
		for _, r := range s.RequiredRoles {
			if strings.TrimSpace(r) == "" {
				return apperr.Validation("workflowConfig.approvalStages.requiredRoles", "节点 %s 存在空角色", name)
			}
		}

		seen := make(map[string]bool, len(s.Approvers))
		for _, ap := range s.Approvers {
			if ap.UserID == "" {
				return apperr.Validation("workflowConfig.approvalStages.approvers", "节点 %s 审批人为空", name)
			}
			if seen[ap.UserID] {
				return apperr.Validation("workflowConfig.approvalStages.approvers", "节点 %s 审批人重复: %s", name, ap.UserID)
			}
			seen[ap.UserID] = true
			if !containsString(s.RequiredRoles, ap.Role) {
				return apperr.Validation("workflowConfig.approvalStages.approvers", "审批人 %s 的角色 %s 不属于节点 %s", ap.UserID, ap.Role, name)
			}
		}

		if !s.IsOptional {
			required++
		}
	}
	if required == 0 {
		return apperr.Validation("workflowConfig.approvalStages.isOptional", "至少需要一个必选节点")
	}
	return nil
}

// EvaluateStage 计算节点状态（纯函数）
//  1. 任一票驳回 → rejected
//  2. 至少一张有效票、没有待处理票、且每个必需角色都有通过票 → approved
//  3. 有通过票 → in-review
//  4. 否则 pending
//
// 委托票既不计入通过也不推动状态，由被委托人的票决定
func EvaluateStage(stage entity.ApprovalStage) entity.StageStatus {
	approvedRoles := make(map[string]bool, len(stage.RequiredRoles))
	counted := 0
	pending := false
	moving := false

	for _, v := range stage.Votes {
		switch v.Status {
		case entity.VoteRejected:
			return entity.StageRejected
		case entity.VoteApproved:
			counted++
			moving = true
			approvedRoles[v.Role] = true
		case entity.VotePending:
			pending = true
		}
	}

	if counted > 0 && !pending {
		covered := true
		for _, r := range stage.RequiredRoles {
			if !approvedRoles[r] {
				covered = false
				break
			}
		}
		if covered {
			return entity.StageApproved
		}
	}
	if moving {
		return entity.StageInReview
	}
	return entity.StagePending
}

// RollupStage 重新计算节点状态，通过或驳回时记录完成时间（只记一次）
func RollupStage(stage *entity.ApprovalStage, now time.Time) entity.StageStatus {
	next := EvaluateStage(*stage)
	if (next == entity.StageApproved || next == entity.StageRejected) && stage.CompletedAt == nil {
		t := now
		stage.CompletedAt = &t
	}
	stage.Status = next
	return next
}

// RollupWorkflow 在任意节点变化后重新计算整体状态并推进当前节点
// 优先级：任一节点驳回 → rejected；必选节点全部通过 → approved；有节点审批中或已通过 → in-review；否则 pending
// 已处于终态的实例保持不变
func RollupWorkflow(w *entity.MilestoneApproval, now time.Time) entity.OverallStatus {
	if w.OverallStatus.Terminal() {
		return w.OverallStatus
	}

	allRequiredApproved := true
	anyInReview := false
	var rejectedVote *entity.ApprovalVote

	for i := range w.Stages {
		s := &w.Stages[i]
		st := RollupStage(s, now)
		switch st {
		case entity.StageRejected:
			if rejectedVote == nil {
				rejectedVote = firstVote(s, entity.VoteRejected)
			}
		case entity.StageInReview:
			anyInReview = true
		case entity.StageApproved:
			// 已有节点通过但整体未完成，同样视为审批中
			anyInReview = true
		}
		if !s.IsOptional && st != entity.StageApproved {
			allRequiredApproved = false
		}
	}

	switch {
	case rejectedVote != nil:
		w.OverallStatus = entity.OverallRejected
		w.RejectionReason = rejectedVote.Comments
		if w.RejectionReason == "" {
			w.RejectionReason = "审批人未填写驳回原因"
		}
		w.IsActive = false
	case allRequiredApproved:
		w.OverallStatus = entity.OverallApproved
		if w.FinalApprovedAt == nil {
			t := now
			w.FinalApprovedAt = &t
		}
		w.FinalApprovedBy = lastApprover(w)
	case anyInReview:
		w.OverallStatus = entity.OverallInReview
	default:
		w.OverallStatus = entity.OverallPending
	}

	advance(w)
	return w.OverallStatus
}

// advance 当前节点 = 第一个未通过且未被跳过的节点
// 可选节点没有任何待处理票且仍为 pending 时视为跳过
// 整体通过后停留在最后一个节点
func advance(w *entity.MilestoneApproval) {
	if len(w.Stages) == 0 {
		w.CurrentStage = ""
		return
	}
	last := w.Stages[len(w.Stages)-1].Name
	if w.OverallStatus == entity.OverallApproved {
		w.CurrentStage = last
		return
	}
	for i := range w.Stages {
		s := &w.Stages[i]
		if s.Status == entity.StageApproved {
			continue
		}
		if bypassed(s) {
			continue
		}
		w.CurrentStage = s.Name
		return
	}
	w.CurrentStage = last
}

func bypassed(s *entity.ApprovalStage) bool {
	return s.IsOptional && s.Status == entity.StagePending && !s.HasPendingVote()
}

// Cancel 撤回审批，只有未结束的实例可以撤回
func Cancel(w *entity.MilestoneApproval, by, reason string, now time.Time) error {
	if by == "" {
		return apperr.Validation("cancelledBy", "不能为空")
	}
	if w.OverallStatus.Terminal() {
		return apperr.Precondition("审批已结束（%s），不能撤回", w.OverallStatus)
	}
	t := now
	w.OverallStatus = entity.OverallCancelled
	w.CancelledAt = &t
	w.CancelledBy = by
	w.CancellationReason = reason
	w.IsActive = false
	return nil
}

func firstVote(s *entity.ApprovalStage, status entity.VoteStatus) *entity.ApprovalVote {
	for i := range s.Votes {
		if s.Votes[i].Status == status {
			return &s.Votes[i]
		}
	}
	return nil
}

// lastApprover 决定时间最晚的通过票，时间相同取后出现者
func lastApprover(w *entity.MilestoneApproval) string {
	var who string
	var at time.Time
	for _, s := range w.Stages {
		for _, v := range s.Votes {
			if v.Status != entity.VoteApproved || v.ApprovedAt == nil {
				continue
			}
			if who == "" || !v.ApprovedAt.Before(at) {
				who = v.UserID
				at = *v.ApprovedAt
			}
		}
	}
	return who
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
