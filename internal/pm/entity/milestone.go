package entity

import (
	"time"

	"github.com/bitfantasy/nimo-pm/internal/pm/status"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// 里程碑优先级
const (
	PriorityLow    = "low"
	PriorityMedium = "medium"
	PriorityHigh   = "high"
	PriorityUrgent = "urgent"
)

// ValidPriority 是否为合法优先级
func ValidPriority(p string) bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// Milestone 里程碑实体
// Status 是派生字段，写入前必须经过 ApplyDerivedStatus
type Milestone struct {
	ID               string                      `json:"id" gorm:"primaryKey;size:36"`
	ProjectID        string                      `json:"projectId" gorm:"size:36;not null;index"`
	PhaseID          *string                     `json:"phaseId" gorm:"size:36;index"`
	Title            string                      `json:"title" gorm:"size:200;not null"`
	Description      string                      `json:"description" gorm:"type:text"`
	DueDate          *time.Time                  `json:"dueDate"`
	CompletedDate    *time.Time                  `json:"completedDate"`
	Status           status.MilestoneStatus      `json:"status" gorm:"size:16;not null;default:pending"`
	Priority         string                      `json:"priority" gorm:"size:16;not null;default:medium"`
	Progress         int                         `json:"progress" gorm:"not null;default:0"`
	AssigneeID       *string                     `json:"assigneeId" gorm:"size:36"`
	LinkedTaskIDs    datatypes.JSONSlice[string] `json:"linkedTasks" gorm:"type:jsonb"`
	Deliverables     datatypes.JSONSlice[string] `json:"deliverables" gorm:"type:jsonb"`
	Dependencies     datatypes.JSONSlice[string] `json:"dependencies" gorm:"type:jsonb"`
	BudgetAllocation float64                     `json:"budgetAllocation" gorm:"type:decimal(14,2);default:0"`
	ActualCost       float64                     `json:"actualCost" gorm:"type:decimal(14,2);default:0"`
	CreatedBy        string                      `json:"createdBy" gorm:"size:36;not null"`
	IsDeleted        bool                        `json:"isDeleted" gorm:"not null;default:false;index"`
	DeletedAt        *time.Time                  `json:"deletedAt"`
	DeletedBy        string                      `json:"deletedBy,omitempty" gorm:"size:36"`
	Version          int                         `json:"version" gorm:"not null;default:1"`
	CreatedAt        time.Time                   `json:"createdAt"`
	UpdatedAt        time.Time                   `json:"updatedAt"`
}

func (Milestone) TableName() string {
	return "milestones"
}

// ApplyDerivedStatus 重新推导状态，完成时间只盖一次
func (m *Milestone) ApplyDerivedStatus(now time.Time) {
	m.Progress = status.ClampProgress(m.Progress)
	next := status.DeriveMilestone(m.Progress, m.DueDate, m.Status, now)
	if next == status.MilestoneCompleted && m.CompletedDate == nil {
		t := now
		m.CompletedDate = &t
	}
	m.Status = next
}

// BeforeSave 持久化前兜底推导，保证直接走 gorm 的写入也无法绕过
func (m *Milestone) BeforeSave(tx *gorm.DB) error {
	m.ApplyDerivedStatus(time.Now())
	return nil
}
