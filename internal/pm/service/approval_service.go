package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bitfantasy/nimo-pm/internal/pm/apperr"
	"github.com/bitfantasy/nimo-pm/internal/pm/approval"
	"github.com/bitfantasy/nimo-pm/internal/pm/entity"
	"github.com/bitfantasy/nimo-pm/internal/pm/status"
	"github.com/bitfantasy/nimo-pm/internal/shared/dedup"
	"github.com/bitfantasy/nimo-pm/internal/shared/metrics"
	"github.com/google/uuid"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"
)

// RoleAdmin 可以撤回任意审批的角色
const RoleAdmin = "admin"

const asyncTimeout = 10 * time.Second

// ApprovalService 里程碑审批服务
// 负责加载、调用引擎、乐观锁写回和提交后的通知/同步，规则本身在 approval 包
type ApprovalService struct {
	approvals  ApprovalStore
	milestones MilestoneStore
	completer  *MilestoneService
	users      UserDirectory
	templates  *TemplateService
	notifier   Notifier
	deduper    *dedup.Deduper
	archiver   Archiver
	retry      RetryPolicy
	logger     *zap.Logger
	now        func() time.Time
	runAsync   func(func())
}

// NewApprovalService 创建审批服务
func NewApprovalService(
	approvals ApprovalStore,
	milestones MilestoneStore,
	completer *MilestoneService,
	users UserDirectory,
	templates *TemplateService,
	logger *zap.Logger,
) *ApprovalService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if templates == nil {
		templates = NewTemplateService(nil)
	}
	return &ApprovalService{
		approvals:  approvals,
		milestones: milestones,
		completer:  completer,
		users:      users,
		templates:  templates,
		retry:      DefaultRetryPolicy,
		logger:     logger,
		now:        time.Now,
		runAsync:   func(fn func()) { go fn() },
	}
}

// SetNotifier 设置通知渠道
func (s *ApprovalService) SetNotifier(n Notifier) {
	s.notifier = n
}

// SetDeduper 设置通知去重
func (s *ApprovalService) SetDeduper(d *dedup.Deduper) {
	s.deduper = d
}

// SetArchiver 设置结束快照归档
func (s *ApprovalService) SetArchiver(a Archiver) {
	s.archiver = a
}

// SetRetryPolicy 设置乐观锁重试策略
func (s *ApprovalService) SetRetryPolicy(p RetryPolicy) {
	s.retry = p
}

// Actor 当前操作人
type Actor struct {
	UserID string
	Roles  []string
}

// HasRole 是否持有角色
func (a Actor) HasRole(role string) bool {
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// WorkflowConfig 审批流程配置
type WorkflowConfig struct {
	ApprovalStages []approval.StageConfig `json:"approvalStages"`
}

// CreateApprovalReq 提交里程碑审批
type CreateApprovalReq struct {
	MilestoneID        string         `json:"milestoneId" binding:"required"`
	ProjectID          string         `json:"projectId"`
	PhaseID            *string        `json:"phaseId"`
	WorkflowConfig     WorkflowConfig `json:"workflowConfig"`
	TemplateKey        string         `json:"templateKey"`
	SubmissionComments string         `json:"submissionComments"`
	CompletionDeadline *time.Time     `json:"completionDeadline"`
}

// ActionReq 审批操作
type ActionReq struct {
	ApprovalID       string `json:"approvalId" binding:"required"`
	Action           string `json:"action" binding:"required,oneof=approve reject delegate"`
	Comments         string `json:"comments"`
	DelegateToUserID string `json:"delegateToUserId" binding:"required_if=Action delegate"`
	Role             string `json:"role"`
}

// Create 为里程碑创建审批实例
func (s *ApprovalService) Create(ctx context.Context, actor Actor, req *CreateApprovalReq) (*entity.MilestoneApproval, error) {
	if actor.UserID == "" {
		return nil, apperr.Validation("submittedBy", "不能为空")
	}
	stages := req.WorkflowConfig.ApprovalStages
	if len(stages) == 0 && req.TemplateKey != "" {
		tpl, err := s.templates.Stages(req.TemplateKey)
		if err != nil {
			return nil, err
		}
		stages = tpl
	}

	m, err := s.milestones.FindByID(ctx, req.MilestoneID)
	if err != nil {
		return nil, storeErr(err, "里程碑不存在: %s", req.MilestoneID)
	}
	if req.ProjectID == "" {
		req.ProjectID = m.ProjectID
	}
	if req.ProjectID != m.ProjectID {
		return nil, apperr.Validation("projectId", "里程碑不属于项目 %s", req.ProjectID)
	}
	if m.Status == status.MilestoneCompleted {
		return nil, apperr.Precondition("里程碑已完成，无需提交审批")
	}
	phaseID := req.PhaseID
	if phaseID == nil || *phaseID == "" {
		phaseID = m.PhaseID
	}

	now := s.now()
	w, err := approval.NewWorkflow(approval.CreateInput{
		ID:                 uuid.New().String(),
		MilestoneID:        m.ID,
		MilestoneTitle:     m.Title,
		ProjectID:          req.ProjectID,
		PhaseID:            phaseID,
		Stages:             stages,
		SubmittedBy:        actor.UserID,
		SubmissionComments: req.SubmissionComments,
		CompletionDeadline: req.CompletionDeadline,
	}, now)
	if err != nil {
		return nil, err
	}

	err = s.retry.run(ctx, func() error {
		return s.approvals.CreateActive(ctx, w)
	})
	if err != nil {
		return nil, storeErr(err, "创建审批失败")
	}

	metrics.RecordTransition(string(w.OverallStatus))
	s.logger.Info("milestone approval created",
		zap.String("approval_id", w.ID),
		zap.String("milestone_id", w.MilestoneID),
		zap.String("submitted_by", w.SubmittedBy),
		zap.Int("stages", len(w.Stages)))

	ev := newEvent(EventApprovalCreated, w, actor.UserID, now)
	ev.Comments = w.SubmissionComments
	ev.Recipients = s.stageRecipients(ctx, w)
	s.dispatch(ev)
	return w, nil
}

// ApplyAction 执行审批操作，版本冲突时重新读取后重试
func (s *ApprovalService) ApplyAction(ctx context.Context, actor Actor, req *ActionReq) (*entity.MilestoneApproval, *approval.Outcome, error) {
	act := approval.Action(req.Action)
	if !act.Valid() {
		return nil, nil, apperr.Validation("action", "不支持的审批动作: %s", req.Action)
	}

	var (
		w   *entity.MilestoneApproval
		out *approval.Outcome
		now time.Time
	)
	err := s.retry.run(ctx, func() error {
		var err error
		w, err = s.approvals.FindByID(ctx, req.ApprovalID)
		if err != nil {
			return err
		}
		role := req.Role
		if role == "" {
			role = approval.MatchRole(w, actor.Roles)
		}
		now = s.now()
		out, err = approval.Apply(ctx, w, approval.ActionInput{
			ActorID:    actor.UserID,
			ActorRole:  role,
			Action:     act,
			Comments:   req.Comments,
			DelegateTo: req.DelegateToUserID,
		}, s.users, now)
		if err != nil {
			return err
		}
		return s.approvals.Update(ctx, w, w.Version)
	})
	if err != nil {
		err = storeErr(err, "审批不存在: %s", req.ApprovalID)
		metrics.RecordApprovalAction(req.Action, strings.ToLower(string(apperr.KindOf(err))))
		return nil, nil, err
	}
	metrics.RecordApprovalAction(req.Action, "success")

	s.logger.Info("approval action applied",
		zap.String("approval_id", w.ID),
		zap.String("actor", actor.UserID),
		zap.String("action", req.Action),
		zap.String("stage", out.Stage),
		zap.String("stage_status", string(out.StageStatus)),
		zap.String("overall_status", string(w.OverallStatus)))

	s.afterAction(ctx, w, out, actor, req.Comments, now)
	return w, out, nil
}

// afterAction 提交后的副作用：状态指标、通知、里程碑同步、归档，失败都不影响操作结果
func (s *ApprovalService) afterAction(ctx context.Context, w *entity.MilestoneApproval, out *approval.Outcome, actor Actor, comments string, now time.Time) {
	if out.Finished {
		metrics.RecordTransition(string(out.Overall))
	}

	switch {
	case out.Action == approval.ActionDelegate:
		ev := newEvent(EventApprovalDelegated, w, actor.UserID, now)
		ev.Recipients = []string{out.DelegateTo}
		ev.Comments = comments
		s.dispatch(ev)
	case out.Overall == entity.OverallApproved:
		ev := newEvent(EventApprovalApproved, w, actor.UserID, now)
		ev.Comments = comments
		s.dispatch(ev)
	case out.Overall == entity.OverallRejected:
		ev := newEvent(EventApprovalRejected, w, actor.UserID, now)
		ev.Comments = w.RejectionReason
		s.dispatch(ev)
	case out.Advanced:
		ev := newEvent(EventApprovalStageAdvanced, w, actor.UserID, now)
		ev.Recipients = s.stageRecipients(ctx, w)
		s.dispatch(ev)
	}

	if out.Overall == entity.OverallApproved {
		if _, err := s.SyncMilestone(ctx, w.ID); err != nil {
			s.logger.Warn("milestone sync after final approval failed",
				zap.String("approval_id", w.ID),
				zap.String("milestone_id", w.MilestoneID),
				zap.Error(err))
		} else {
			w.MilestoneSynced = true
		}
	}
	if out.Finished {
		s.archive(w)
	}
}

// Cancel 撤回审批，仅发起人或管理员可操作
func (s *ApprovalService) Cancel(ctx context.Context, actor Actor, id, reason string) (*entity.MilestoneApproval, error) {
	var w *entity.MilestoneApproval
	var recipients []string
	now := s.now()
	err := s.retry.run(ctx, func() error {
		var err error
		w, err = s.approvals.FindByID(ctx, id)
		if err != nil {
			return err
		}
		if w.SubmittedBy != actor.UserID && !actor.HasRole(RoleAdmin) {
			return apperr.Forbidden("只有发起人或管理员可以撤回审批")
		}
		recipients = pendingVoters(w)
		if err := approval.Cancel(w, actor.UserID, reason, now); err != nil {
			return err
		}
		return s.approvals.Update(ctx, w, w.Version)
	})
	if err != nil {
		return nil, storeErr(err, "审批不存在: %s", id)
	}

	metrics.RecordTransition(string(w.OverallStatus))
	s.logger.Info("milestone approval cancelled",
		zap.String("approval_id", w.ID),
		zap.String("cancelled_by", actor.UserID))

	ev := newEvent(EventApprovalCancelled, w, actor.UserID, now)
	ev.Recipients = recipients
	ev.Comments = reason
	s.dispatch(ev)
	s.archive(w)
	return w, nil
}

// SyncMilestone 把最终通过的审批同步到里程碑（进度 100、状态完成），可重复调用
func (s *ApprovalService) SyncMilestone(ctx context.Context, id string) (*entity.MilestoneApproval, error) {
	w, err := s.approvals.FindByID(ctx, id)
	if err != nil {
		return nil, storeErr(err, "审批不存在: %s", id)
	}
	if w.OverallStatus != entity.OverallApproved {
		return nil, apperr.Precondition("审批尚未通过（%s），不能同步里程碑", w.OverallStatus)
	}
	if w.MilestoneSynced {
		return w, nil
	}
	if s.completer == nil {
		return nil, apperr.Precondition("未配置里程碑同步")
	}

	if _, err := s.completer.CompleteFromApproval(ctx, w.MilestoneID); err != nil {
		metrics.RecordMilestoneSync("failed")
		return nil, err
	}
	if err := s.approvals.MarkMilestoneSynced(ctx, w.ID); err != nil {
		metrics.RecordMilestoneSync("failed")
		return nil, storeErr(err, "审批不存在: %s", id)
	}
	metrics.RecordMilestoneSync("success")
	w.MilestoneSynced = true
	return w, nil
}

// ReconcileUnsynced 补偿已通过但未同步里程碑的审批，返回成功数量
func (s *ApprovalService) ReconcileUnsynced(ctx context.Context) (int, error) {
	list, err := s.approvals.ListUnsynced(ctx)
	if err != nil {
		return 0, storeErr(err, "查询待同步审批失败")
	}
	synced := 0
	var errs []error
	for _, w := range list {
		if _, err := s.SyncMilestone(ctx, w.ID); err != nil {
			errs = append(errs, err)
			continue
		}
		synced++
	}
	if synced > 0 || len(errs) > 0 {
		s.logger.Info("milestone sync reconciled", zap.Int("synced", synced), zap.Int("failed", len(errs)))
	}
	return synced, errors.Join(errs...)
}

// Get 获取审批实例
func (s *ApprovalService) Get(ctx context.Context, id string) (*entity.MilestoneApproval, error) {
	w, err := s.approvals.FindByID(ctx, id)
	if err != nil {
		return nil, storeErr(err, "审批不存在: %s", id)
	}
	return w, nil
}

// ActiveForMilestone 里程碑当前激活的审批
func (s *ApprovalService) ActiveForMilestone(ctx context.Context, milestoneID string) (*entity.MilestoneApproval, error) {
	w, err := s.approvals.FindActiveByMilestone(ctx, milestoneID)
	if err != nil {
		return nil, storeErr(err, "里程碑 %s 没有进行中的审批", milestoneID)
	}
	return w, nil
}

// ListPending 等待该用户处理的审批
func (s *ApprovalService) ListPending(ctx context.Context, actor Actor) ([]entity.MilestoneApproval, error) {
	// 存储层按当前节点粗筛，精确判定仍以 AwaitsUser 为准
	open, err := s.approvals.ListOpenForUser(ctx, actor.UserID, actor.Roles)
	if err != nil {
		return nil, storeErr(err, "查询待审批失败")
	}
	out := make([]entity.MilestoneApproval, 0, len(open))
	for i := range open {
		if approval.AwaitsUser(&open[i], actor.UserID, actor.Roles) {
			out = append(out, open[i])
		}
	}
	return out, nil
}

// ExportPending 导出待审批列表
func (s *ApprovalService) ExportPending(ctx context.Context, actor Actor) (*excelize.File, string, error) {
	list, err := s.ListPending(ctx, actor)
	if err != nil {
		return nil, "", err
	}
	return exportPendingApprovals(list, s.now())
}

// Templates 可用的审批模板
func (s *ApprovalService) Templates() []ApprovalTemplate {
	return s.templates.List()
}

// stageRecipients 当前节点的待处理人；没有预设审批人时取持有节点角色的用户
func (s *ApprovalService) stageRecipients(ctx context.Context, w *entity.MilestoneApproval) []string {
	if ids := pendingVoters(w); len(ids) > 0 {
		return ids
	}
	stage := w.Current()
	if stage == nil || s.users == nil {
		return nil
	}
	ids, err := s.users.UserIDsWithRoles(ctx, stage.RequiredRoles)
	if err != nil {
		s.logger.Warn("resolve stage recipients failed", zap.String("approval_id", w.ID), zap.Error(err))
		return nil
	}
	out := ids[:0]
	for _, id := range ids {
		if stage.VoteIndex(id) < 0 {
			out = append(out, id)
		}
	}
	return out
}

func pendingVoters(w *entity.MilestoneApproval) []string {
	stage := w.Current()
	if stage == nil {
		return nil
	}
	var ids []string
	for _, v := range stage.Votes {
		if v.Status == entity.VotePending {
			ids = append(ids, v.UserID)
		}
	}
	return ids
}

// dispatch 异步通知，去重后发送，失败只记录日志
func (s *ApprovalService) dispatch(ev Event) {
	if s.notifier == nil {
		return
	}
	s.runAsync(func() {
		ctx, cancel := context.WithTimeout(context.Background(), asyncTimeout)
		defer cancel()
		if !s.deduper.AcquireOnce(ctx, ev.DedupKey()) {
			s.logger.Debug("duplicate notification skipped", zap.String("key", ev.DedupKey()))
			return
		}
		if err := s.notifier.Notify(ctx, ev); err != nil {
			s.logger.Warn("approval notification failed",
				zap.String("event", ev.Type),
				zap.String("approval_id", ev.ApprovalID),
				zap.Error(err))
		}
	})
}

func (s *ApprovalService) archive(w *entity.MilestoneApproval) {
	if s.archiver == nil {
		return
	}
	snapshot := w.Clone()
	s.runAsync(func() {
		ctx, cancel := context.WithTimeout(context.Background(), asyncTimeout)
		defer cancel()
		if err := s.archiver.Archive(ctx, snapshot); err != nil {
			s.logger.Warn("archive approval snapshot failed", zap.String("approval_id", snapshot.ID), zap.Error(err))
		}
	})
}
