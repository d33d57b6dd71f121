package entity

import (
	"time"

	"github.com/bitfantasy/nimo-pm/internal/pm/status"
	"gorm.io/gorm"
)

// Phase 项目阶段
type Phase struct {
	ID              string             `json:"id" gorm:"primaryKey;size:36"`
	ProjectID       string             `json:"projectId" gorm:"size:36;not null;index"`
	Name            string             `json:"name" gorm:"size:128;not null"`
	Description     string             `json:"description" gorm:"type:text"`
	Sequence        int                `json:"order" gorm:"not null;default:0"`
	Status          status.PhaseStatus `json:"status" gorm:"size:16;not null;default:pending"`
	Progress        int                `json:"progress" gorm:"not null;default:0"`
	StartDate       *time.Time         `json:"startDate"`
	EndDate         *time.Time         `json:"endDate"`
	ActualStartDate *time.Time         `json:"actualStartDate"`
	ActualEndDate   *time.Time         `json:"actualEndDate"`
	Budget          float64            `json:"budget" gorm:"type:decimal(14,2);default:0"`
	CreatedBy       string             `json:"createdBy" gorm:"size:36;not null"`
	IsDeleted       bool               `json:"isDeleted" gorm:"not null;default:false;index"`
	DeletedAt       *time.Time         `json:"deletedAt"`
	DeletedBy       string             `json:"deletedBy,omitempty" gorm:"size:36"`
	Version         int                `json:"version" gorm:"not null;default:1"`
	CreatedAt       time.Time          `json:"createdAt"`
	UpdatedAt       time.Time          `json:"updatedAt"`

	// 非数据库字段
	Overdue bool `json:"isOverdue" gorm:"-"`
}

func (Phase) TableName() string {
	return "phases"
}

// ApplyDerivedStatus 推导阶段状态并记录实际起止时间
func (p *Phase) ApplyDerivedStatus(now time.Time) {
	p.Progress = status.ClampProgress(p.Progress)
	prev := p.Status
	next := status.DerivePhase(p.Progress, p.Status)

	if next == status.PhaseInProgress && prev != status.PhaseInProgress && p.ActualStartDate == nil {
		t := now
		p.ActualStartDate = &t
	}
	if next == status.PhaseCompleted && p.ActualEndDate == nil {
		t := now
		p.ActualEndDate = &t
	}
	p.Status = next
	p.Overdue = status.IsPhaseOverdue(p.EndDate, p.Status, now)
}

// IsOverdue 是否逾期
func (p *Phase) IsOverdue(now time.Time) bool {
	return status.IsPhaseOverdue(p.EndDate, p.Status, now)
}

// DatesValid 结束日期必须晚于开始日期
func (p *Phase) DatesValid() bool {
	if p.StartDate == nil || p.EndDate == nil {
		return true
	}
	return p.EndDate.After(*p.StartDate)
}

func (p *Phase) BeforeSave(tx *gorm.DB) error {
	p.ApplyDerivedStatus(time.Now())
	return nil
}

func (p *Phase) AfterFind(tx *gorm.DB) error {
	p.Overdue = p.IsOverdue(time.Now())
	return nil
}
