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

func newPhaseService() (*PhaseService, *testutil.MemoryMilestones) {
	milestones := testutil.NewMemoryMilestones()
	svc := NewPhaseService(testutil.NewMemoryPhases(), milestones)
	svc.now = func() time.Time { return today }
	return svc, milestones
}

func TestPhaseService_Create(t *testing.T) {
	svc, _ := newPhaseService()
	ctx := context.Background()
	start := today.AddDate(0, 0, -30)
	end := today.AddDate(0, 0, -1)

	p, err := svc.Create(ctx, "u-1", &CreatePhaseReq{
		ProjectID: "p-1",
		Name:      "EVT",
		Order:     1,
		Progress:  10,
		StartDate: &start,
		EndDate:   &end,
	})
	require.NoError(t, err)
	assert.Equal(t, status.PhaseInProgress, p.Status)
	assert.NotNil(t, p.ActualStartDate)
	assert.True(t, p.Overdue)

	got, err := svc.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, got.Overdue)
	// 阶段不存储逾期状态
	assert.Equal(t, status.PhaseInProgress, got.Status)
}

func TestPhaseService_Validation(t *testing.T) {
	svc, _ := newPhaseService()
	ctx := context.Background()
	start := today
	end := today.AddDate(0, 0, -1)

	_, err := svc.Create(ctx, "u-1", &CreatePhaseReq{ProjectID: "p-1", Name: "EVT", StartDate: &start, EndDate: &end})
	assert.True(t, apperr.Is(err, apperr.KindValidation))
	assert.Equal(t, "endDate", apperr.FieldOf(err))

	_, err = svc.Create(ctx, "u-1", &CreatePhaseReq{ProjectID: "p-1", Name: "EVT", Status: "paused"})
	assert.Equal(t, "status", apperr.FieldOf(err))

	_, err = svc.Create(ctx, "u-1", &CreatePhaseReq{ProjectID: "p-1"})
	assert.Equal(t, "name", apperr.FieldOf(err))

	p, err := svc.Create(ctx, "u-1", &CreatePhaseReq{ProjectID: "p-1", Name: "DVT", StartDate: &start})
	require.NoError(t, err)
	_, err = svc.Update(ctx, p.ID, &UpdatePhaseReq{EndDate: &end})
	assert.Equal(t, "endDate", apperr.FieldOf(err))

	_, err = svc.Update(ctx, "missing", &UpdatePhaseReq{})
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestPhaseService_UpdateStampsDates(t *testing.T) {
	svc, _ := newPhaseService()
	ctx := context.Background()

	p, err := svc.Create(ctx, "u-1", &CreatePhaseReq{ProjectID: "p-1", Name: "PVT", Status: "planning"})
	require.NoError(t, err)
	assert.Equal(t, status.PhasePlanning, p.Status)
	assert.Nil(t, p.ActualStartDate)

	p, err = svc.Update(ctx, p.ID, &UpdatePhaseReq{Progress: intPtr(100)})
	require.NoError(t, err)
	assert.Equal(t, status.PhaseCompleted, p.Status)
	require.NotNil(t, p.ActualEndDate)
	assert.False(t, p.Overdue)
}

func TestPhaseService_Recompute(t *testing.T) {
	svc, milestones := newPhaseService()
	ctx := context.Background()

	p, err := svc.Create(ctx, "u-1", &CreatePhaseReq{ProjectID: "p-1", Name: "EVT"})
	require.NoError(t, err)

	phaseID := p.ID
	milestones.Put(entity.Milestone{ID: "m-1", ProjectID: "p-1", PhaseID: &phaseID, Progress: 20})
	milestones.Put(entity.Milestone{ID: "m-2", ProjectID: "p-1", PhaseID: &phaseID, Progress: 50})
	milestones.Put(entity.Milestone{ID: "m-3", ProjectID: "p-1", PhaseID: &phaseID, Progress: 90, IsDeleted: true})

	p, err = svc.Recompute(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 35, p.Progress)
	assert.Equal(t, status.PhaseInProgress, p.Status)

	list, err := svc.ListByProject(ctx, "p-1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, 35, list[0].Progress)
}

func TestPhaseService_UpdateReplaysOnConflict(t *testing.T) {
	phases := testutil.NewMemoryPhases()
	svc := NewPhaseService(phases, testutil.NewMemoryMilestones())
	svc.now = func() time.Time { return today }
	svc.SetRetryPolicy(RetryPolicy{Attempts: 3, Backoff: time.Millisecond})
	ctx := context.Background()

	p, err := svc.Create(ctx, "u-1", &CreatePhaseReq{ProjectID: "p-1", Name: "EVT"})
	require.NoError(t, err)

	raced := false
	phases.BeforeUpdate = func(id string) {
		if !raced {
			raced = true
			phases.Modify(id, func(p *entity.Phase) { p.Progress = 40 })
		}
	}

	got, err := svc.Update(ctx, p.ID, &UpdatePhaseReq{Name: strPtr("EVT-2")})
	require.NoError(t, err)
	assert.Equal(t, "EVT-2", got.Name)
	assert.Equal(t, 40, got.Progress)
	assert.Equal(t, status.PhaseInProgress, got.Status)
	assert.Equal(t, 3, got.Version)
	assert.Equal(t, 1, phases.Updates)
}
