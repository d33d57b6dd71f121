package handler

import (
	"net/url"

	"github.com/bitfantasy/nimo-pm/internal/pm/service"
	"github.com/gin-gonic/gin"
)

// ApprovalHandler 里程碑审批
type ApprovalHandler struct {
	svc *service.ApprovalService
}

func NewApprovalHandler(svc *service.ApprovalService) *ApprovalHandler {
	return &ApprovalHandler{svc: svc}
}

// Create 提交里程碑审批
// POST /api/v1/approvals
func (h *ApprovalHandler) Create(c *gin.Context) {
	var req service.CreateApprovalReq
	if !bindJSON(c, &req) {
		return
	}

	w, err := h.svc.Create(c.Request.Context(), actorOf(c), &req)
	if err != nil {
		HandleError(c, err)
		return
	}
	Created(c, w)
}

// Action 通过/驳回/转交
// PUT /api/v1/approvals/action
func (h *ApprovalHandler) Action(c *gin.Context) {
	var req service.ActionReq
	if !bindJSON(c, &req) {
		return
	}

	w, out, err := h.svc.ApplyAction(c.Request.Context(), actorOf(c), &req)
	if err != nil {
		HandleError(c, err)
		return
	}
	Success(c, gin.H{
		"approval": w,
		"outcome": gin.H{
			"action":      out.Action,
			"stage":       out.Stage,
			"stageStatus": out.StageStatus,
			"advanced":    out.Advanced,
			"nextStage":   out.NextStage,
			"finished":    out.Finished,
		},
	})
}

// Get 审批详情
func (h *ApprovalHandler) Get(c *gin.Context) {
	w, err := h.svc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		HandleError(c, err)
		return
	}
	Success(c, w)
}

// Cancel 撤回审批
// POST /api/v1/approvals/:id/cancel
func (h *ApprovalHandler) Cancel(c *gin.Context) {
	var req struct {
		Reason string `json:"reason"`
	}
	// body 可以为空
	_ = c.ShouldBindJSON(&req)

	w, err := h.svc.Cancel(c.Request.Context(), actorOf(c), c.Param("id"), req.Reason)
	if err != nil {
		HandleError(c, err)
		return
	}
	Success(c, w)
}

// Sync 重新同步已通过审批的里程碑
// POST /api/v1/approvals/:id/sync
func (h *ApprovalHandler) Sync(c *gin.Context) {
	w, err := h.svc.SyncMilestone(c.Request.Context(), c.Param("id"))
	if err != nil {
		HandleError(c, err)
		return
	}
	Success(c, w)
}

// ListPending 待我审批
// GET /api/v1/approvals/pending
func (h *ApprovalHandler) ListPending(c *gin.Context) {
	list, err := h.svc.ListPending(c.Request.Context(), actorOf(c))
	if err != nil {
		HandleError(c, err)
		return
	}
	Success(c, gin.H{"items": list, "total": len(list)})
}

// ExportPending 导出待我审批为 Excel
// GET /api/v1/approvals/export
func (h *ApprovalHandler) ExportPending(c *gin.Context) {
	f, filename, err := h.svc.ExportPending(c.Request.Context(), actorOf(c))
	if err != nil {
		HandleError(c, err)
		return
	}
	defer f.Close()

	c.Header("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	c.Header("Content-Disposition", "attachment; filename*=UTF-8''"+url.PathEscape(filename))
	if err := f.Write(c.Writer); err != nil {
		InternalError(c, "导出失败: "+err.Error())
	}
}

// ActiveForMilestone 里程碑当前生效的审批
// GET /api/v1/milestones/:id/approval
func (h *ApprovalHandler) ActiveForMilestone(c *gin.Context) {
	w, err := h.svc.ActiveForMilestone(c.Request.Context(), c.Param("id"))
	if err != nil {
		HandleError(c, err)
		return
	}
	Success(c, w)
}

// ListTemplates 审批模板
func (h *ApprovalHandler) ListTemplates(c *gin.Context) {
	Success(c, gin.H{"items": h.svc.Templates()})
}
