package entity

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// VoteStatus 审批票状态，只能 pending → approved/rejected/delegated
type VoteStatus string

const (
	VotePending   VoteStatus = "pending"
	VoteApproved  VoteStatus = "approved"
	VoteRejected  VoteStatus = "rejected"
	VoteDelegated VoteStatus = "delegated"
)

// Decided 是否已经决定（非 pending 的票不可再改）
func (s VoteStatus) Decided() bool {
	return s != VotePending
}

// StageStatus 审批节点状态
type StageStatus string

const (
	StagePending  StageStatus = "pending"
	StageInReview StageStatus = "in-review"
	StageApproved StageStatus = "approved"
	StageRejected StageStatus = "rejected"
)

// OverallStatus 审批实例整体状态
type OverallStatus string

const (
	OverallPending   OverallStatus = "pending"
	OverallInReview  OverallStatus = "in-review"
	OverallApproved  OverallStatus = "approved"
	OverallRejected  OverallStatus = "rejected"
	OverallCancelled OverallStatus = "cancelled"
)

// Terminal 终态不可再流转
func (s OverallStatus) Terminal() bool {
	return s == OverallApproved || s == OverallRejected || s == OverallCancelled
}

// ApprovalVote 单个审批人的投票
type ApprovalVote struct {
	UserID        string     `json:"userId"`
	Role          string     `json:"role"`
	Status        VoteStatus `json:"status"`
	Comments      string     `json:"comments,omitempty"`
	ApprovedAt    *time.Time `json:"approvedAt,omitempty"` // 决定时间，通过和驳回都会记录
	DelegatedTo   string     `json:"delegatedTo,omitempty"`
	DelegatedFrom string     `json:"delegatedFrom,omitempty"`
	AssignedAt    time.Time  `json:"assignedAt"`
}

// ApprovalStage 审批节点
type ApprovalStage struct {
	Name          string         `json:"stageName"`
	RequiredRoles []string       `json:"requiredRoles"`
	IsOptional    bool           `json:"isOptional"`
	Order         int            `json:"order"`
	Status        StageStatus    `json:"stageStatus"`
	CompletedAt   *time.Time     `json:"completedAt,omitempty"`
	Votes         []ApprovalVote `json:"approvals"`
}

// RequiresRole 节点是否接受该角色
func (s *ApprovalStage) RequiresRole(role string) bool {
	for _, r := range s.RequiredRoles {
		if r == role {
			return true
		}
	}
	return false
}

// VoteIndex 返回用户在本节点的票下标，-1 表示没有
// 同一用户可能先被委托后又投过票，取最后一张
func (s *ApprovalStage) VoteIndex(userID string) int {
	for i := len(s.Votes) - 1; i >= 0; i-- {
		if s.Votes[i].UserID == userID {
			return i
		}
	}
	return -1
}

// HasPendingVote 节点里是否还有待处理的票
func (s *ApprovalStage) HasPendingVote() bool {
	for _, v := range s.Votes {
		if v.Status == VotePending {
			return true
		}
	}
	return false
}

// MilestoneApproval 里程碑审批实例（聚合根）
// 节点与投票整体存为一个 JSONB 文档，Version 用于乐观锁
type MilestoneApproval struct {
	ID                 string        `json:"id" gorm:"primaryKey;size:36"`
	MilestoneID        string        `json:"milestoneId" gorm:"size:36;not null;index"`
	MilestoneTitle     string        `json:"milestoneTitle" gorm:"size:200"`
	ProjectID          string        `json:"projectId" gorm:"size:36;not null;index"`
	PhaseID            *string       `json:"phaseId" gorm:"size:36"`
	CurrentStage       string        `json:"currentStage" gorm:"size:128"`
	OverallStatus      OverallStatus `json:"overallStatus" gorm:"size:16;not null;default:pending;index"`
	SubmittedBy        string        `json:"submittedBy" gorm:"size:36;not null"`
	SubmittedAt        time.Time     `json:"submittedAt"`
	CompletionDeadline *time.Time    `json:"completionDeadline"`
	SubmissionComments string        `json:"submissionComments" gorm:"type:text"`
	RejectionReason    string        `json:"rejectionReason,omitempty" gorm:"type:text"`
	FinalApprovedAt    *time.Time    `json:"finalApprovedAt"`
	FinalApprovedBy    string        `json:"finalApprovedBy,omitempty" gorm:"size:36"`
	CancelledAt        *time.Time    `json:"cancelledAt"`
	CancelledBy        string        `json:"cancelledBy,omitempty" gorm:"size:36"`
	CancellationReason string        `json:"cancellationReason,omitempty" gorm:"type:text"`
	IsActive           bool          `json:"isActive" gorm:"not null;default:true"`
	MilestoneSynced    bool          `json:"milestoneSynced" gorm:"not null;default:false"`
	Version            int           `json:"version" gorm:"not null;default:1"`
	CreatedAt          time.Time     `json:"createdAt"`
	UpdatedAt          time.Time     `json:"updatedAt"`

	Stages    []ApprovalStage                     `json:"stages" gorm:"-"`
	StagesDoc datatypes.JSONType[[]ApprovalStage] `json:"-" gorm:"column:stages;type:jsonb;not null"`
}

func (MilestoneApproval) TableName() string {
	return "milestone_approvals"
}

// StageByName 按名称查找节点
func (a *MilestoneApproval) StageByName(name string) *ApprovalStage {
	for i := range a.Stages {
		if a.Stages[i].Name == name {
			return &a.Stages[i]
		}
	}
	return nil
}

// Current 当前待处理节点
func (a *MilestoneApproval) Current() *ApprovalStage {
	return a.StageByName(a.CurrentStage)
}

// PackStages 把节点写回 JSONB 字段
func (a *MilestoneApproval) PackStages() {
	a.StagesDoc = datatypes.NewJSONType(a.Stages)
}

func (a *MilestoneApproval) BeforeSave(tx *gorm.DB) error {
	a.PackStages()
	return nil
}

func (a *MilestoneApproval) AfterFind(tx *gorm.DB) error {
	a.Stages = a.StagesDoc.Data()
	return nil
}

// Clone 深拷贝节点和投票，用于快照
func (a *MilestoneApproval) Clone() *MilestoneApproval {
	c := *a
	c.Stages = make([]ApprovalStage, len(a.Stages))
	for i, s := range a.Stages {
		s.RequiredRoles = append([]string(nil), s.RequiredRoles...)
		s.Votes = append([]ApprovalVote(nil), s.Votes...)
		c.Stages[i] = s
	}
	return &c
}
