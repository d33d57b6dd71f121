package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bitfantasy/nimo-pm/internal/pm/entity"
	"github.com/bitfantasy/nimo-pm/internal/pm/sse"
	"github.com/bitfantasy/nimo-pm/internal/shared/feishu"
	"github.com/bitfantasy/nimo-pm/internal/shared/metrics"
	"go.uber.org/zap"
)

// 审批事件类型，同时用作 MQ routing key
const (
	EventApprovalCreated       = "approval.created"
	EventApprovalStageAdvanced = "approval.stage_advanced"
	EventApprovalApproved      = "approval.approved"
	EventApprovalRejected      = "approval.rejected"
	EventApprovalCancelled     = "approval.cancelled"
	EventApprovalDelegated     = "approval.delegated"
)

// Event 审批通知事件
type Event struct {
	Type           string    `json:"type"`
	ApprovalID     string    `json:"approvalId"`
	MilestoneID    string    `json:"milestoneId"`
	MilestoneTitle string    `json:"milestoneTitle"`
	ProjectID      string    `json:"projectId"`
	Stage          string    `json:"stage"`
	RequiredRoles  []string  `json:"requiredRoles,omitempty"`
	OverallStatus  string    `json:"overallStatus"`
	ActorID        string    `json:"actorId"`
	SubmittedBy    string    `json:"submittedBy"`
	Recipients     []string  `json:"recipients,omitempty"`
	Comments       string    `json:"comments,omitempty"`
	OccurredAt     time.Time `json:"occurredAt"`
}

// DedupKey 同一审批同一事件同一节点只通知一次
func (e Event) DedupKey() string {
	key := fmt.Sprintf("notify:%s:%s:%s", e.ApprovalID, e.Type, e.Stage)
	if e.Type == EventApprovalDelegated && len(e.Recipients) > 0 {
		key += ":" + e.Recipients[0]
	}
	return key
}

// Notifier 通知渠道
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// MultiNotifier 依次调用各渠道，单个渠道失败不影响其他渠道
type MultiNotifier struct {
	channels map[string]Notifier
	order    []string
	logger   *zap.Logger
}

// NewMultiNotifier 创建组合通知器
func NewMultiNotifier(logger *zap.Logger) *MultiNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MultiNotifier{channels: map[string]Notifier{}, logger: logger}
}

// Add 注册渠道，n 为 nil 时忽略
func (m *MultiNotifier) Add(name string, n Notifier) *MultiNotifier {
	if n == nil {
		return m
	}
	if _, ok := m.channels[name]; !ok {
		m.order = append(m.order, name)
	}
	m.channels[name] = n
	return m
}

// Channels 已注册的渠道名
func (m *MultiNotifier) Channels() []string {
	return append([]string(nil), m.order...)
}

func (m *MultiNotifier) Notify(ctx context.Context, ev Event) error {
	var errs []error
	for _, name := range m.order {
		if err := m.channels[name].Notify(ctx, ev); err != nil {
			metrics.RecordNotification(name, "failed")
			m.logger.Warn("notification failed",
				zap.String("channel", name),
				zap.String("event", ev.Type),
				zap.String("approval_id", ev.ApprovalID),
				zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		metrics.RecordNotification(name, "sent")
	}
	return errors.Join(errs...)
}

// SSENotifier 推送到浏览器
type SSENotifier struct {
	hub *sse.Hub
}

func NewSSENotifier(hub *sse.Hub) *SSENotifier {
	return &SSENotifier{hub: hub}
}

func (n *SSENotifier) Notify(_ context.Context, ev Event) error {
	u := sse.ApprovalUpdate{
		ProjectID:     ev.ProjectID,
		MilestoneID:   ev.MilestoneID,
		ApprovalID:    ev.ApprovalID,
		Action:        ev.Type,
		CurrentStage:  ev.Stage,
		OverallStatus: ev.OverallStatus,
	}
	n.hub.PublishApprovalUpdate(u)
	for _, uid := range ev.Recipients {
		n.hub.PublishUserApprovalTodo(uid, u)
	}
	return nil
}

// CardSender 飞书卡片发送
type CardSender interface {
	SendUserCard(ctx context.Context, userID string, card feishu.InteractiveCard) error
}

// FeishuNotifier 飞书卡片通知：待办发给审批人，结果发给发起人
type FeishuNotifier struct {
	sender    CardSender
	users     UserDirectory
	publicURL string
}

func NewFeishuNotifier(sender CardSender, users UserDirectory, publicURL string) *FeishuNotifier {
	return &FeishuNotifier{sender: sender, users: users, publicURL: publicURL}
}

func (n *FeishuNotifier) Notify(ctx context.Context, ev Event) error {
	var targets []string
	var card feishu.InteractiveCard

	info := feishu.ApprovalCardInfo{
		MilestoneTitle: ev.MilestoneTitle,
		StageName:      ev.Stage,
		RequiredRoles:  ev.RequiredRoles,
		Submitter:      ev.SubmittedBy,
		Comment:        ev.Comments,
	}
	if n.publicURL != "" {
		info.Link = fmt.Sprintf("%s/milestones/%s", n.publicURL, ev.MilestoneID)
	}

	switch ev.Type {
	case EventApprovalCreated, EventApprovalStageAdvanced:
		targets = ev.Recipients
		card = feishu.NewApprovalTodoCard(info, "里程碑待审批")
	case EventApprovalDelegated:
		targets = ev.Recipients
		card = feishu.NewApprovalTodoCard(info, "您收到一个委托审批")
	case EventApprovalApproved:
		targets = []string{ev.SubmittedBy}
		card = feishu.NewApprovalResultCard(ev.MilestoneTitle, "通过", ev.Comments)
	case EventApprovalRejected:
		targets = []string{ev.SubmittedBy}
		card = feishu.NewApprovalResultCard(ev.MilestoneTitle, "驳回", ev.Comments)
	case EventApprovalCancelled:
		targets = ev.Recipients
		card = feishu.NewApprovalResultCard(ev.MilestoneTitle, "已撤回", ev.Comments)
	default:
		return nil
	}
	if len(targets) == 0 {
		return nil
	}

	ids, err := n.users.FeishuUserIDs(ctx, targets)
	if err != nil {
		return fmt.Errorf("查询飞书用户失败: %w", err)
	}

	var errs []error
	for _, uid := range targets {
		fid, ok := ids[uid]
		if !ok {
			continue
		}
		if err := n.sender.SendUserCard(ctx, fid, card); err != nil {
			errs = append(errs, fmt.Errorf("发送给 %s 失败: %w", uid, err))
		}
	}
	return errors.Join(errs...)
}

// EventPublisher 消息队列发布
type EventPublisher interface {
	Publish(ctx context.Context, routingKey string, payload any) error
}

// MQNotifier 把审批事件发布到消息队列，供下游系统订阅
type MQNotifier struct {
	pub EventPublisher
}

func NewMQNotifier(pub EventPublisher) *MQNotifier {
	return &MQNotifier{pub: pub}
}

func (n *MQNotifier) Notify(ctx context.Context, ev Event) error {
	return n.pub.Publish(ctx, ev.Type, ev)
}

// newEvent 根据审批实例当前状态构造事件
func newEvent(typ string, a *entity.MilestoneApproval, actor string, now time.Time) Event {
	ev := Event{
		Type:           typ,
		ApprovalID:     a.ID,
		MilestoneID:    a.MilestoneID,
		MilestoneTitle: a.MilestoneTitle,
		ProjectID:      a.ProjectID,
		Stage:          a.CurrentStage,
		OverallStatus:  string(a.OverallStatus),
		ActorID:        actor,
		SubmittedBy:    a.SubmittedBy,
		OccurredAt:     now,
	}
	if s := a.Current(); s != nil {
		ev.RequiredRoles = append([]string(nil), s.RequiredRoles...)
	}
	return ev
}
