// Package status 里程碑/阶段状态推导
//
// 状态是进度和日期的派生值，任何写入 progress、due date 或 status 的路径都必须经过这里。
// 所有函数都是纯函数，不返回错误。
package status

import "time"

// MilestoneStatus 里程碑状态
type MilestoneStatus string

const (
	MilestonePending    MilestoneStatus = "pending"
	MilestoneInProgress MilestoneStatus = "in-progress"
	MilestoneCompleted  MilestoneStatus = "completed"
	MilestoneOverdue    MilestoneStatus = "overdue"
)

// Valid 是否为合法的里程碑状态
func (s MilestoneStatus) Valid() bool {
	switch s {
	case MilestonePending, MilestoneInProgress, MilestoneCompleted, MilestoneOverdue:
		return true
	}
	return false
}

// PhaseStatus 阶段状态
type PhaseStatus string

const (
	PhasePending    PhaseStatus = "pending"
	PhasePlanning   PhaseStatus = "planning"
	PhaseInProgress PhaseStatus = "in-progress"
	PhaseOnHold     PhaseStatus = "on-hold"
	PhaseCompleted  PhaseStatus = "completed"
	PhaseCancelled  PhaseStatus = "cancelled"
)

// Valid 是否为合法的阶段状态
func (s PhaseStatus) Valid() bool {
	switch s {
	case PhasePending, PhasePlanning, PhaseInProgress, PhaseOnHold, PhaseCompleted, PhaseCancelled:
		return true
	}
	return false
}

// DeriveMilestone 根据进度、截止日期和当前状态计算里程碑状态
// 规则按顺序匹配，先命中者生效：
//  1. progress == 100 且未完成 → completed
//  2. progress > 0 且 pending → in-progress
//  3. 未完成且已过截止日期 → overdue
//  4. 保持不变
func DeriveMilestone(progress int, due *time.Time, current MilestoneStatus, now time.Time) MilestoneStatus {
	if !current.Valid() {
		current = MilestonePending
	}
	progress = ClampProgress(progress)

	if progress == 100 && current != MilestoneCompleted {
		return MilestoneCompleted
	}
	if progress > 0 && current == MilestonePending {
		return MilestoneInProgress
	}
	if current != MilestoneCompleted && due != nil && due.Before(now) {
		return MilestoneOverdue
	}
	return current
}

// DerivePhase 阶段状态推导
// 阶段不存储 overdue，逾期通过 IsPhaseOverdue 读取
func DerivePhase(progress int, current PhaseStatus) PhaseStatus {
	if !current.Valid() {
		current = PhasePending
	}
	progress = ClampProgress(progress)

	if progress == 100 && current != PhaseCompleted {
		return PhaseCompleted
	}
	if progress > 0 && current == PhasePending {
		return PhaseInProgress
	}
	return current
}

// IsPhaseOverdue 阶段是否逾期（派生读，不落库）
func IsPhaseOverdue(endDate *time.Time, current PhaseStatus, now time.Time) bool {
	if endDate == nil {
		return false
	}
	if current == PhaseCompleted || current == PhaseCancelled {
		return false
	}
	return endDate.Before(now)
}

// ClampProgress 把进度限制在 [0,100]
func ClampProgress(progress int) int {
	if progress < 0 {
		return 0
	}
	if progress > 100 {
		return 100
	}
	return progress
}
