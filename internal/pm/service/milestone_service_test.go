package service

import (
	"context"
	"testing"
	"time"

	"github.com/bitfantasy/nimo-pm/internal/pm/apperr"
	"github.com/bitfantasy/nimo-pm/internal/pm/entity"
	"github.com/bitfantasy/nimo-pm/internal/pm/status"
	"github.com/bitfantasy/nimo-pm/internal/pm/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var today = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

func newMilestoneFixture(t *testing.T) (*MilestoneService, *testutil.MemoryMilestones, *testutil.MemoryPhases) {
	t.Helper()
	milestones := testutil.NewMemoryMilestones()
	phases := testutil.NewMemoryPhases()
	phases.Put(entity.Phase{ID: "ph-evt", ProjectID: "p-1", Name: "EVT", Status: status.PhasePending})
	phases.Put(entity.Phase{ID: "ph-dvt", ProjectID: "p-1", Name: "DVT", Status: status.PhasePending})
	phases.Put(entity.Phase{ID: "ph-other", ProjectID: "p-2", Name: "Other", Status: status.PhasePending})

	svc := NewMilestoneService(milestones, phases, nil, nil)
	svc.now = func() time.Time { return today }
	return svc, milestones, phases
}

func strPtr(s string) *string { return &s }
func intPtr(i int) *int       { return &i }

func TestMilestoneService_CreateDerivesStatus(t *testing.T) {
	svc, _, _ := newMilestoneFixture(t)
	yesterday := today.AddDate(0, 0, -1)

	// 进度规则先于逾期规则
	m, err := svc.Create(context.Background(), "u-1", &CreateMilestoneReq{
		ProjectID: "p-1",
		Title:     "EVT 样机",
		Progress:  45,
		DueDate:   &yesterday,
	})
	require.NoError(t, err)
	assert.Equal(t, status.MilestoneInProgress, m.Status)
	assert.Equal(t, entity.PriorityMedium, m.Priority)
	assert.Equal(t, "u-1", m.CreatedBy)

	m, err = svc.Create(context.Background(), "u-1", &CreateMilestoneReq{
		ProjectID: "p-1",
		Title:     "逾期里程碑",
		DueDate:   &yesterday,
	})
	require.NoError(t, err)
	assert.Equal(t, status.MilestoneOverdue, m.Status)
}

func TestMilestoneService_CreateValidation(t *testing.T) {
	svc, _, _ := newMilestoneFixture(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		req   CreateMilestoneReq
		field string
	}{
		{"empty title", CreateMilestoneReq{ProjectID: "p-1", Title: "  "}, "title"},
		{"bad priority", CreateMilestoneReq{ProjectID: "p-1", Title: "x", Priority: "critical"}, "priority"},
		{"progress too large", CreateMilestoneReq{ProjectID: "p-1", Title: "x", Progress: 120}, "progress"},
		{"phase of other project", CreateMilestoneReq{ProjectID: "p-1", Title: "x", PhaseID: strPtr("ph-other")}, "phaseId"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := tt.req
			_, err := svc.Create(ctx, "u-1", &req)
			require.Error(t, err)
			assert.True(t, apperr.Is(err, apperr.KindValidation))
			assert.Equal(t, tt.field, apperr.FieldOf(err))
		})
	}

	_, err := svc.Create(ctx, "u-1", &CreateMilestoneReq{ProjectID: "p-1", Title: "x", PhaseID: strPtr("ph-missing")})
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestMilestoneService_SingleFieldUpdatesRederive(t *testing.T) {
	svc, _, _ := newMilestoneFixture(t)
	ctx := context.Background()

	m, err := svc.Create(ctx, "u-1", &CreateMilestoneReq{ProjectID: "p-1", Title: "DVT", Progress: 30})
	require.NoError(t, err)
	require.Equal(t, status.MilestoneInProgress, m.Status)

	// 只改截止日期
	past := today.AddDate(0, 0, -2)
	m, err = svc.InlineUpdate(ctx, m.ID, &InlineUpdateReq{DueDate: &past})
	require.NoError(t, err)
	assert.Equal(t, status.MilestoneOverdue, m.Status)

	// 只改进度
	m, err = svc.Update(ctx, m.ID, &UpdateMilestoneReq{Progress: intPtr(100)})
	require.NoError(t, err)
	assert.Equal(t, status.MilestoneCompleted, m.Status)
	require.NotNil(t, m.CompletedDate)
	stamped := *m.CompletedDate

	// 已完成后再改截止日期不会回到逾期，完成时间也不会重盖
	svc.now = func() time.Time { return today.Add(48 * time.Hour) }
	m, err = svc.InlineUpdate(ctx, m.ID, &InlineUpdateReq{DueDate: &past, Priority: strPtr(entity.PriorityUrgent)})
	require.NoError(t, err)
	assert.Equal(t, status.MilestoneCompleted, m.Status)
	assert.Equal(t, entity.PriorityUrgent, m.Priority)
	assert.True(t, stamped.Equal(*m.CompletedDate))
}

func TestMilestoneService_InlineStatusValidated(t *testing.T) {
	svc, _, _ := newMilestoneFixture(t)
	ctx := context.Background()
	m, err := svc.Create(ctx, "u-1", &CreateMilestoneReq{ProjectID: "p-1", Title: "PVT", Progress: 20})
	require.NoError(t, err)

	_, err = svc.InlineUpdate(ctx, m.ID, &InlineUpdateReq{Status: strPtr("done")})
	assert.Equal(t, "status", apperr.FieldOf(err))

	// 手动置回 pending 会被进度规则纠正
	m, err = svc.InlineUpdate(ctx, m.ID, &InlineUpdateReq{Status: strPtr("pending")})
	require.NoError(t, err)
	assert.Equal(t, status.MilestoneInProgress, m.Status)

	_, err = svc.Update(ctx, m.ID, &UpdateMilestoneReq{Dependencies: &[]string{m.ID}})
	assert.Equal(t, "dependencies", apperr.FieldOf(err))
}

func TestMilestoneService_PhaseRollup(t *testing.T) {
	svc, _, phases := newMilestoneFixture(t)
	ctx := context.Background()

	a, err := svc.Create(ctx, "u-1", &CreateMilestoneReq{ProjectID: "p-1", Title: "A", PhaseID: strPtr("ph-evt"), Progress: 40})
	require.NoError(t, err)
	_, err = svc.Create(ctx, "u-1", &CreateMilestoneReq{ProjectID: "p-1", Title: "B", PhaseID: strPtr("ph-evt"), Progress: 61})
	require.NoError(t, err)

	evt, err := phases.FindByID(ctx, "ph-evt")
	require.NoError(t, err)
	assert.Equal(t, 51, evt.Progress)
	assert.Equal(t, status.PhaseInProgress, evt.Status)
	require.NotNil(t, evt.ActualStartDate)

	// 移动到另一个阶段，两边都重新汇总
	_, err = svc.Update(ctx, a.ID, &UpdateMilestoneReq{PhaseID: strPtr("ph-dvt")})
	require.NoError(t, err)

	evt, _ = phases.FindByID(ctx, "ph-evt")
	dvt, _ := phases.FindByID(ctx, "ph-dvt")
	assert.Equal(t, 61, evt.Progress)
	assert.Equal(t, 40, dvt.Progress)

	require.NoError(t, svc.Delete(ctx, a.ID, "u-1"))
	_, err = svc.Get(ctx, a.ID)
	assert.True(t, apperr.Is(err, apperr.KindNotFound))

	list, err := svc.ListByProject(ctx, "p-1")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestMilestoneService_CompleteFromApprovalIdempotent(t *testing.T) {
	svc, milestones, phases := newMilestoneFixture(t)
	ctx := context.Background()
	m, err := svc.Create(ctx, "u-1", &CreateMilestoneReq{ProjectID: "p-1", Title: "MP", PhaseID: strPtr("ph-evt"), Progress: 80})
	require.NoError(t, err)

	done, err := svc.CompleteFromApproval(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, 100, done.Progress)
	assert.Equal(t, status.MilestoneCompleted, done.Status)
	first := *done.CompletedDate

	svc.now = func() time.Time { return today.Add(time.Hour) }
	again, err := svc.CompleteFromApproval(ctx, m.ID)
	require.NoError(t, err)
	assert.True(t, first.Equal(*again.CompletedDate))

	stored, _ := milestones.FindByID(ctx, m.ID)
	assert.Equal(t, status.MilestoneCompleted, stored.Status)

	evt, _ := phases.FindByID(ctx, "ph-evt")
	assert.Equal(t, 100, evt.Progress)
	assert.Equal(t, status.PhaseCompleted, evt.Status)
	assert.NotNil(t, evt.ActualEndDate)

	_, err = svc.CompleteFromApproval(ctx, "missing")
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestMeanProgress(t *testing.T) {
	assert.Equal(t, 0, MeanProgress(nil))
	assert.Equal(t, 51, MeanProgress([]entity.Milestone{{Progress: 40}, {Progress: 61}}))
	assert.Equal(t, 33, MeanProgress([]entity.Milestone{{Progress: 100}, {Progress: 0}, {Progress: 0}}))
}

func fastRetry() RetryPolicy {
	return RetryPolicy{Attempts: 3, Backoff: time.Millisecond}
}

func TestMilestoneService_ConcurrentWriteIsReplayed(t *testing.T) {
	svc, milestones, _ := newMilestoneFixture(t)
	svc.SetRetryPolicy(fastRetry())
	ctx := context.Background()
	m, err := svc.Create(ctx, "u-1", &CreateMilestoneReq{ProjectID: "p-1", Title: "EVT", Progress: 10})
	require.NoError(t, err)

	// 第一次写入前另一个请求抢先修改了描述
	raced := false
	milestones.BeforeUpdate = func(id string) {
		if !raced {
			raced = true
			milestones.Modify(id, func(m *entity.Milestone) { m.Description = "并发修改" })
		}
	}

	got, err := svc.InlineUpdate(ctx, m.ID, &InlineUpdateReq{Progress: intPtr(50)})
	require.NoError(t, err)
	assert.Equal(t, 50, got.Progress)
	assert.Equal(t, 3, got.Version)

	stored, err := milestones.FindByID(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, "并发修改", stored.Description)
	assert.Equal(t, 50, stored.Progress)
	assert.Equal(t, status.MilestoneInProgress, stored.Status)
	assert.Equal(t, 1, milestones.Updates)
}

func TestMilestoneService_DeleteDuringUpdateIsNotUndone(t *testing.T) {
	svc, milestones, _ := newMilestoneFixture(t)
	svc.SetRetryPolicy(fastRetry())
	ctx := context.Background()
	m, err := svc.Create(ctx, "u-1", &CreateMilestoneReq{ProjectID: "p-1", Title: "DVT"})
	require.NoError(t, err)

	milestones.BeforeUpdate = func(id string) {
		_ = milestones.SoftDelete(ctx, id, "u-2", today)
	}

	_, err = svc.CompleteFromApproval(ctx, m.ID)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
	assert.Equal(t, 0, milestones.Updates)

	_, err = milestones.FindByID(ctx, m.ID)
	assert.True(t, apperr.Is(storeErr(err, "x"), apperr.KindNotFound))
}

func TestMilestoneService_ConflictExhausted(t *testing.T) {
	svc, milestones, _ := newMilestoneFixture(t)
	svc.SetRetryPolicy(fastRetry())
	ctx := context.Background()
	m, err := svc.Create(ctx, "u-1", &CreateMilestoneReq{ProjectID: "p-1", Title: "PVT"})
	require.NoError(t, err)

	milestones.BeforeUpdate = func(id string) {
		milestones.Modify(id, func(*entity.Milestone) {})
	}
	_, err = svc.Update(ctx, m.ID, &UpdateMilestoneReq{Title: strPtr("PVT-2")})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindConflict))

	stored, _ := milestones.FindByID(ctx, m.ID)
	assert.Equal(t, "PVT", stored.Title)
}

func TestMilestoneService_PhaseRollupReplaysOnConflict(t *testing.T) {
	svc, _, phases := newMilestoneFixture(t)
	svc.SetRetryPolicy(fastRetry())
	ctx := context.Background()

	raced := false
	phases.BeforeUpdate = func(id string) {
		if !raced {
			raced = true
			phases.Modify(id, func(p *entity.Phase) { p.Name = "EVT-renamed" })
		}
	}

	_, err := svc.Create(ctx, "u-1", &CreateMilestoneReq{ProjectID: "p-1", Title: "A", PhaseID: strPtr("ph-evt"), Progress: 70})
	require.NoError(t, err)

	evt, err := phases.FindByID(ctx, "ph-evt")
	require.NoError(t, err)
	assert.Equal(t, 70, evt.Progress)
	assert.Equal(t, "EVT-renamed", evt.Name)
	assert.Equal(t, status.PhaseInProgress, evt.Status)
}
