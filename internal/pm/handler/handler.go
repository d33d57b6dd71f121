package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"reflect"
	"strings"

	"github.com/bitfantasy/nimo-pm/internal/middleware"
	"github.com/bitfantasy/nimo-pm/internal/pm/apperr"
	"github.com/bitfantasy/nimo-pm/internal/pm/service"
	"github.com/bitfantasy/nimo-pm/internal/pm/sse"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
)

func init() {
	// 校验错误里的字段名使用 json 名
	if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
		v.RegisterTagNameFunc(func(f reflect.StructField) string {
			name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})
	}
}

// Handlers 处理器集合
type Handlers struct {
	Approval  *ApprovalHandler
	Milestone *MilestoneHandler
	Phase     *PhaseHandler
	SSE       *SSEHandler
}

// NewHandlers 创建处理器集合
func NewHandlers(svcs *service.Services, hub *sse.Hub) *Handlers {
	return &Handlers{
		Approval:  NewApprovalHandler(svcs.Approval),
		Milestone: NewMilestoneHandler(svcs.Milestone),
		Phase:     NewPhaseHandler(svcs.Phase),
		SSE:       NewSSEHandler(hub),
	}
}

// RegisterRoutes 注册业务路由，调用方负责挂载鉴权中间件
func (h *Handlers) RegisterRoutes(api *gin.RouterGroup) {
	approvals := api.Group("/approvals")
	{
		approvals.POST("", h.Approval.Create)
		approvals.PUT("/action", h.Approval.Action)
		approvals.GET("/pending", h.Approval.ListPending)
		approvals.GET("/export", h.Approval.ExportPending)
		approvals.GET("/:id", h.Approval.Get)
		approvals.POST("/:id/cancel", h.Approval.Cancel)
		approvals.POST("/:id/sync", middleware.RequireRole(service.RoleAdmin), h.Approval.Sync)
	}
	api.GET("/approval-templates", h.Approval.ListTemplates)

	milestones := api.Group("/milestones")
	{
		milestones.POST("", h.Milestone.Create)
		milestones.GET("/:id", h.Milestone.Get)
		milestones.PUT("/:id", h.Milestone.Update)
		milestones.PATCH("/:id/inline", h.Milestone.InlineUpdate)
		milestones.DELETE("/:id", h.Milestone.Delete)
		milestones.GET("/:id/approval", h.Approval.ActiveForMilestone)
	}

	phases := api.Group("/phases")
	{
		phases.POST("", h.Phase.Create)
		phases.GET("/:id", h.Phase.Get)
		phases.PUT("/:id", h.Phase.Update)
		phases.POST("/:id/recompute", h.Phase.Recompute)
	}

	api.GET("/projects/:id/milestones", h.Milestone.ListByProject)
	api.GET("/projects/:id/phases", h.Phase.ListByProject)

	api.GET("/sse/events", h.SSE.Stream)
}

// Response 统一响应结构
type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Success 成功响应
func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Code:    0,
		Message: "success",
		Data:    data,
	})
}

// Created 创建成功响应
func Created(c *gin.Context, data interface{}) {
	c.JSON(http.StatusCreated, Response{
		Code:    0,
		Message: "created",
		Data:    data,
	})
}

// Error 错误响应，HTTP 状态码取业务码前三位
func Error(c *gin.Context, code int, message string) {
	c.JSON(code/100, Response{
		Code:    code,
		Message: message,
	})
}

// BadRequest 请求参数错误响应
func BadRequest(c *gin.Context, message string) {
	Error(c, 40000, message)
}

// Unauthorized 未授权响应
func Unauthorized(c *gin.Context, message string) {
	Error(c, 40100, message)
}

// Forbidden 禁止访问响应
func Forbidden(c *gin.Context, message string) {
	Error(c, 40300, message)
}

// NotFound 资源不存在响应
func NotFound(c *gin.Context, message string) {
	Error(c, 40400, message)
}

// InternalError 服务器错误响应
func InternalError(c *gin.Context, message string) {
	Error(c, 50000, message)
}

// 业务码
const (
	CodeValidation   = 40000
	CodeForbidden    = 40300
	CodeNotFound     = 40400
	CodePrecondition = 40900
	CodeConflict     = 40901
	CodeInternal     = 50000
	CodeUnavailable  = 50300
)

// HandleError 按错误类别输出响应
func HandleError(c *gin.Context, err error) {
	var e *apperr.Error
	if !errors.As(err, &e) {
		InternalError(c, err.Error())
		return
	}
	switch e.Kind {
	case apperr.KindValidation:
		c.JSON(http.StatusBadRequest, Response{
			Code:    CodeValidation,
			Message: e.Error(),
			Data:    gin.H{"field": e.Field},
		})
	case apperr.KindNotFound:
		Error(c, CodeNotFound, e.Message)
	case apperr.KindPrecondition:
		Error(c, CodePrecondition, e.Message)
	case apperr.KindForbidden:
		Error(c, CodeForbidden, e.Message)
	case apperr.KindConflict:
		Error(c, CodeConflict, e.Message)
	case apperr.KindPersistence:
		Error(c, CodeUnavailable, e.Message)
	default:
		InternalError(c, e.Error())
	}
}

// GetUserID 从上下文获取用户ID
func GetUserID(c *gin.Context) string {
	return c.GetString(middleware.CtxUserID)
}

// actorOf 当前登录用户及其角色
func actorOf(c *gin.Context) service.Actor {
	return service.Actor{UserID: GetUserID(c), Roles: middleware.Roles(c)}
}

// bindJSON 绑定请求体，失败时按字段输出 40000
func bindJSON(c *gin.Context, req interface{}) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		HandleError(c, bindError(err))
		return false
	}
	return true
}

func bindError(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return apperr.Validation(fe.Field(), "%s", validationMessage(fe))
	}
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		return apperr.Validation(typeErr.Field, "类型错误，应为 %s", typeErr.Type)
	}
	return apperr.Validation("body", "请求体格式错误: %v", err)
}

func validationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required", "required_if":
		return "不能为空"
	case "oneof":
		return "必须是以下之一: " + fe.Param()
	case "min":
		if fe.Kind() == reflect.String {
			return "长度不能小于 " + fe.Param()
		}
		return "不能小于 " + fe.Param()
	case "max":
		if fe.Kind() == reflect.String {
			return "长度不能超过 " + fe.Param()
		}
		return "不能大于 " + fe.Param()
	}
	return "不合法"
}
