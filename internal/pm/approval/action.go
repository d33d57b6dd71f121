package approval

import (
	"context"
	"time"

	"github.com/bitfantasy/nimo-pm/internal/pm/apperr"
	"github.com/bitfantasy/nimo-pm/internal/pm/entity"
)

// Action 审批动作
type Action string

const (
	ActionApprove  Action = "approve"
	ActionReject   Action = "reject"
	ActionDelegate Action = "delegate"
)

// Valid 是否为合法动作
func (a Action) Valid() bool {
	return a == ActionApprove || a == ActionReject || a == ActionDelegate
}

// RoleChecker 角色目录：用户是否持有某角色
type RoleChecker interface {
	HasRole(ctx context.Context, userID, role string) (bool, error)
}

// RoleCheckerFunc 函数适配器
type RoleCheckerFunc func(ctx context.Context, userID, role string) (bool, error)

func (f RoleCheckerFunc) HasRole(ctx context.Context, userID, role string) (bool, error) {
	return f(ctx, userID, role)
}

// ActionInput 一次审批操作
type ActionInput struct {
	ActorID    string
	ActorRole  string
	Action     Action
	Comments   string
	DelegateTo string
}

// Outcome 操作结果，用于驱动通知
type Outcome struct {
	Action      Action
	Stage       string
	StageStatus entity.StageStatus
	StageClosed bool // 本次操作使节点通过或驳回
	Advanced    bool // 当前节点发生变化
	NextStage   string
	Overall     entity.OverallStatus
	Finished    bool // 本次操作使实例进入终态
	Enrolled    bool // 操作人按角色临时加入了本节点
	DelegateTo  string
}

// Apply 校验并执行一次审批操作
// 任何前置条件不满足都返回错误，不会静默忽略；同一操作重复提交第二次返回 PRECONDITION
func Apply(ctx context.Context, w *entity.MilestoneApproval, in ActionInput, roles RoleChecker, now time.Time) (*Outcome, error) {
	if !in.Action.Valid() {
		return nil, apperr.Validation("action", "不支持的审批动作: %s", in.Action)
	}
	if in.ActorID == "" {
		return nil, apperr.Validation("actorId", "不能为空")
	}
	if in.Action == ActionDelegate {
		if in.DelegateTo == "" {
			return nil, apperr.Validation("delegateToUserId", "委托必须指定被委托人")
		}
		if in.DelegateTo == in.ActorID {
			return nil, apperr.Validation("delegateToUserId", "不能委托给自己")
		}
	}
	if w.OverallStatus.Terminal() {
		return nil, apperr.Precondition("审批已结束（%s），不能再操作", w.OverallStatus)
	}

	stage := w.Current()
	if stage == nil {
		return nil, apperr.NotFound("审批节点不存在: %s", w.CurrentStage)
	}

	out := &Outcome{Action: in.Action, Stage: stage.Name}

	idx := stage.VoteIndex(in.ActorID)
	role := in.ActorRole
	if idx >= 0 {
		if stage.Votes[idx].Status.Decided() {
			return nil, apperr.Precondition("您已在节点 %s 处理过（%s）", stage.Name, stage.Votes[idx].Status)
		}
		role = stage.Votes[idx].Role
	} else {
		if other := pendingStageOf(w, in.ActorID); other != "" {
			return nil, apperr.Precondition("当前待审节点为 %s，尚未轮到节点 %s", stage.Name, other)
		}
		if role == "" || !stage.RequiresRole(role) {
			return nil, apperr.Forbidden("节点 %s 需要角色 %v", stage.Name, stage.RequiredRoles)
		}
		if err := requireRole(ctx, roles, in.ActorID, role); err != nil {
			return nil, err
		}
	}

	di := -1
	if in.Action == ActionDelegate {
		di = stage.VoteIndex(in.DelegateTo)
		if di >= 0 && stage.Votes[di].Status.Decided() {
			return nil, apperr.Precondition("被委托人已在节点 %s 处理过", stage.Name)
		}
		// 每人每节点只有一张票，票的角色不同则无法承接委托
		if di >= 0 && stage.Votes[di].Role != role {
			return nil, apperr.Precondition("被委托人已以角色 %s 在节点 %s 待审，不能承接角色 %s 的委托",
				stage.Votes[di].Role, stage.Name, role)
		}
		if err := requireRole(ctx, roles, in.DelegateTo, role); err != nil {
			return nil, err
		}
	}

	// 校验全部通过后才修改实例
	if idx < 0 {
		stage.Votes = append(stage.Votes, entity.ApprovalVote{
			UserID:     in.ActorID,
			Role:       role,
			Status:     entity.VotePending,
			AssignedAt: now,
		})
		idx = len(stage.Votes) - 1
		out.Enrolled = true
	}

	t := now
	vote := &stage.Votes[idx]
	vote.ApprovedAt = &t
	vote.Comments = in.Comments

	switch in.Action {
	case ActionApprove:
		vote.Status = entity.VoteApproved
	case ActionReject:
		vote.Status = entity.VoteRejected
	case ActionDelegate:
		vote.Status = entity.VoteDelegated
		vote.DelegatedTo = in.DelegateTo
		if di >= 0 {
			stage.Votes[di].DelegatedFrom = in.ActorID
		} else {
			stage.Votes = append(stage.Votes, entity.ApprovalVote{
				UserID:        in.DelegateTo,
				Role:          role,
				Status:        entity.VotePending,
				DelegatedFrom: in.ActorID,
				AssignedAt:    now,
			})
		}
		out.DelegateTo = in.DelegateTo
	}

	before := stage.Status
	prevStage := w.CurrentStage
	RollupWorkflow(w, now)

	out.StageStatus = stage.Status
	out.StageClosed = before != stage.Status &&
		(stage.Status == entity.StageApproved || stage.Status == entity.StageRejected)
	out.NextStage = w.CurrentStage
	out.Advanced = prevStage != w.CurrentStage
	out.Overall = w.OverallStatus
	out.Finished = w.OverallStatus.Terminal()
	return out, nil
}

func requireRole(ctx context.Context, roles RoleChecker, userID, role string) error {
	if roles == nil {
		return apperr.Forbidden("无法校验用户 %s 的角色 %s", userID, role)
	}
	ok, err := roles.HasRole(ctx, userID, role)
	if err != nil {
		return apperr.Persistence(err, "查询用户角色失败")
	}
	if !ok {
		return apperr.Forbidden("用户 %s 不具备角色 %s", userID, role)
	}
	return nil
}

// pendingStageOf 用户在非当前节点的待处理票所在节点
func pendingStageOf(w *entity.MilestoneApproval, userID string) string {
	for _, s := range w.Stages {
		if s.Name == w.CurrentStage {
			continue
		}
		for _, v := range s.Votes {
			if v.UserID == userID && v.Status == entity.VotePending {
				return s.Name
			}
		}
	}
	return ""
}

// AwaitsUser 实例当前是否在等待该用户处理
// 用户在当前节点有待处理票，或尚未投票且持有当前节点要求的角色
func AwaitsUser(w *entity.MilestoneApproval, userID string, roles []string) bool {
	if w.OverallStatus.Terminal() {
		return false
	}
	stage := w.Current()
	if stage == nil {
		return false
	}
	if idx := stage.VoteIndex(userID); idx >= 0 {
		return stage.Votes[idx].Status == entity.VotePending
	}
	return pendingStageOf(w, userID) == "" && MatchRole(w, roles) != ""
}

// MatchRole 在用户角色中找出第一个当前节点接受的角色
func MatchRole(w *entity.MilestoneApproval, roles []string) string {
	stage := w.Current()
	if stage == nil {
		return ""
	}
	for _, r := range roles {
		if stage.RequiresRole(r) {
			return r
		}
	}
	return ""
}
