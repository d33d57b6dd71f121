package handler

import (
	"github.com/bitfantasy/nimo-pm/internal/pm/service"
	"github.com/gin-gonic/gin"
)

type PhaseHandler struct {
	svc *service.PhaseService
}

func NewPhaseHandler(svc *service.PhaseService) *PhaseHandler {
	return &PhaseHandler{svc: svc}
}

func (h *PhaseHandler) Create(c *gin.Context) {
	var req service.CreatePhaseReq
	if !bindJSON(c, &req) {
		return
	}

	p, err := h.svc.Create(c.Request.Context(), GetUserID(c), &req)
	if err != nil {
		HandleError(c, err)
		return
	}
	Created(c, p)
}

func (h *PhaseHandler) Get(c *gin.Context) {
	p, err := h.svc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		HandleError(c, err)
		return
	}
	Success(c, p)
}

// ListByProject GET /api/v1/projects/:id/phases
func (h *PhaseHandler) ListByProject(c *gin.Context) {
	list, err := h.svc.ListByProject(c.Request.Context(), c.Param("id"))
	if err != nil {
		HandleError(c, err)
		return
	}
	Success(c, gin.H{"items": list, "total": len(list)})
}

func (h *PhaseHandler) Update(c *gin.Context) {
	var req service.UpdatePhaseReq
	if !bindJSON(c, &req) {
		return
	}

	p, err := h.svc.Update(c.Request.Context(), c.Param("id"), &req)
	if err != nil {
		HandleError(c, err)
		return
	}
	Success(c, p)
}

// Recompute 按里程碑重新汇总阶段进度
// POST /api/v1/phases/:id/recompute
func (h *PhaseHandler) Recompute(c *gin.Context) {
	p, err := h.svc.Recompute(c.Request.Context(), c.Param("id"))
	if err != nil {
		HandleError(c, err)
		return
	}
	Success(c, p)
}
