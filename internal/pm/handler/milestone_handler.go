package handler

import (
	"github.com/bitfantasy/nimo-pm/internal/pm/service"
	"github.com/gin-gonic/gin"
)

// MilestoneHandler 里程碑
type MilestoneHandler struct {
	svc *service.MilestoneService
}

func NewMilestoneHandler(svc *service.MilestoneService) *MilestoneHandler {
	return &MilestoneHandler{svc: svc}
}

// Create 创建里程碑
// POST /api/v1/milestones
func (h *MilestoneHandler) Create(c *gin.Context) {
	var req service.CreateMilestoneReq
	if !bindJSON(c, &req) {
		return
	}

	m, err := h.svc.Create(c.Request.Context(), GetUserID(c), &req)
	if err != nil {
		HandleError(c, err)
		return
	}
	Created(c, m)
}

func (h *MilestoneHandler) Get(c *gin.Context) {
	m, err := h.svc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		HandleError(c, err)
		return
	}
	Success(c, m)
}

// ListByProject 项目下的里程碑
// GET /api/v1/projects/:id/milestones
func (h *MilestoneHandler) ListByProject(c *gin.Context) {
	list, err := h.svc.ListByProject(c.Request.Context(), c.Param("id"))
	if err != nil {
		HandleError(c, err)
		return
	}
	Success(c, gin.H{"items": list, "total": len(list)})
}

// Update 部分更新里程碑
func (h *MilestoneHandler) Update(c *gin.Context) {
	var req service.UpdateMilestoneReq
	if !bindJSON(c, &req) {
		return
	}

	m, err := h.svc.Update(c.Request.Context(), c.Param("id"), &req)
	if err != nil {
		HandleError(c, err)
		return
	}
	Success(c, m)
}

// InlineUpdate 行内修改状态/优先级/截止日期
// PATCH /api/v1/milestones/:id/inline
func (h *MilestoneHandler) InlineUpdate(c *gin.Context) {
	var req service.InlineUpdateReq
	if !bindJSON(c, &req) {
		return
	}

	m, err := h.svc.InlineUpdate(c.Request.Context(), c.Param("id"), &req)
	if err != nil {
		HandleError(c, err)
		return
	}
	Success(c, m)
}

func (h *MilestoneHandler) Delete(c *gin.Context) {
	if err := h.svc.Delete(c.Request.Context(), c.Param("id"), GetUserID(c)); err != nil {
		HandleError(c, err)
		return
	}
	Success(c, nil)
}
