package handler

import (
	"bytes"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/bitfantasy/nimo-pm/internal/pm/apperr"
	"github.com/bitfantasy/nimo-pm/internal/pm/service"
	"github.com/bitfantasy/nimo-pm/internal/pm/testutil"
	"github.com/gin-gonic/gin"
)

type testEnv struct {
	router     *gin.Engine
	approvals  *testutil.MemoryApprovals
	milestones *testutil.MemoryMilestones
}

func setupHandlerTest(t *testing.T) *testEnv {
	t.Helper()
	milestones := testutil.NewMemoryMilestones()
	phases := testutil.NewMemoryPhases()
	approvals := testutil.NewMemoryApprovals()
	dir := testutil.NewMemoryDirectory().
		Grant("u-manager", "manager").
		Grant("u-admin", "admin").
		Grant("u-submitter", "engineer")

	templates, err := service.ParseTemplates([]byte(`
templates:
  - key: standard
    name: 标准评审
    stages:
      - {stageName: Manager Review, requiredRoles: [manager], order: 0}
      - {stageName: Final Approval, requiredRoles: [admin], order: 1}
`))
	if err != nil {
		t.Fatalf("parse templates: %v", err)
	}

	milestoneSvc := service.NewMilestoneService(milestones, phases, nil, nil)
	svcs := &service.Services{
		Milestone: milestoneSvc,
		Phase:     service.NewPhaseService(phases, milestones),
		Approval:  service.NewApprovalService(approvals, milestones, milestoneSvc, dir, templates, nil),
		Template:  templates,
	}

	router := testutil.SetupRouter()
	NewHandlers(svcs, nil).RegisterRoutes(testutil.AuthGroup(router, "/api/v1"))

	return &testEnv{router: router, approvals: approvals, milestones: milestones}
}

func dataOf(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	resp := testutil.ParseResponse(w)
	data, ok := resp["data"].(map[string]interface{})
	if !ok {
		t.Fatalf("response has no data object: %s", w.Body.String())
	}
	return data
}

func codeOf(w *httptest.ResponseRecorder) int {
	resp := testutil.ParseResponse(w)
	code, _ := resp["code"].(float64)
	return int(code)
}

func (e *testEnv) createMilestone(t *testing.T, token string) string {
	t.Helper()
	w := testutil.DoRequest(e.router, "POST", "/api/v1/milestones", map[string]interface{}{
		"projectId": "p-1",
		"title":     "EVT 样机完成",
		"progress":  45,
	}, token)
	if w.Code != http.StatusCreated {
		t.Fatalf("create milestone: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	return dataOf(t, w)["id"].(string)
}

func TestApprovalFlow_ManagerThenAdmin(t *testing.T) {
	env := setupHandlerTest(t)
	submitter := testutil.GenerateTestToken("u-submitter", "engineer")
	manager := testutil.GenerateTestToken("u-manager", "manager")
	admin := testutil.GenerateTestToken("u-admin", "admin")

	milestoneID := env.createMilestone(t, submitter)

	w := testutil.DoRequest(env.router, "POST", "/api/v1/approvals", map[string]interface{}{
		"milestoneId": milestoneID,
		"projectId":   "p-1",
		"workflowConfig": map[string]interface{}{
			"approvalStages": []map[string]interface{}{
				{"stageName": "Manager Review", "requiredRoles": []string{"manager"}, "order": 0},
				{"stageName": "Final Approval", "requiredRoles": []string{"admin"}, "order": 1},
			},
		},
		"submissionComments": "测试报告已上传",
	}, submitter)
	if w.Code != http.StatusCreated {
		t.Fatalf("create approval: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	created := dataOf(t, w)
	approvalID := created["id"].(string)
	if created["currentStage"] != "Manager Review" {
		t.Errorf("Expected currentStage Manager Review, got %v", created["currentStage"])
	}

	// 第二个进行中的审批被拒绝
	w = testutil.DoRequest(env.router, "POST", "/api/v1/approvals", map[string]interface{}{
		"milestoneId": milestoneID,
		"templateKey": "standard",
	}, submitter)
	if w.Code != http.StatusConflict {
		t.Errorf("Expected 409 for second active approval, got %d: %s", w.Code, w.Body.String())
	}

	// 经理待办中能看到
	w = testutil.DoRequest(env.router, "GET", "/api/v1/approvals/pending", nil, manager)
	if w.Code != http.StatusOK {
		t.Fatalf("pending: expected 200, got %d", w.Code)
	}
	if total := dataOf(t, w)["total"].(float64); total != 1 {
		t.Errorf("Expected 1 pending approval for manager, got %v", total)
	}

	// admin 不能越过当前节点
	w = testutil.DoRequest(env.router, "PUT", "/api/v1/approvals/action", map[string]interface{}{
		"approvalId": approvalID,
		"action":     "approve",
	}, admin)
	if w.Code != http.StatusForbidden && w.Code != http.StatusConflict {
		t.Errorf("Expected admin to be refused at manager stage, got %d: %s", w.Code, w.Body.String())
	}

	w = testutil.DoRequest(env.router, "PUT", "/api/v1/approvals/action", map[string]interface{}{
		"approvalId": approvalID,
		"action":     "approve",
		"comments":   "同意",
	}, manager)
	if w.Code != http.StatusOK {
		t.Fatalf("manager approve: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	outcome := dataOf(t, w)["outcome"].(map[string]interface{})
	if outcome["advanced"] != true || outcome["nextStage"] != "Final Approval" {
		t.Errorf("Expected advance to Final Approval, got %v", outcome)
	}

	// 重复提交
	w = testutil.DoRequest(env.router, "PUT", "/api/v1/approvals/action", map[string]interface{}{
		"approvalId": approvalID,
		"action":     "approve",
	}, manager)
	if w.Code != http.StatusConflict && w.Code != http.StatusForbidden {
		t.Errorf("Expected duplicate approve to fail, got %d", w.Code)
	}

	w = testutil.DoRequest(env.router, "PUT", "/api/v1/approvals/action", map[string]interface{}{
		"approvalId": approvalID,
		"action":     "approve",
	}, admin)
	if w.Code != http.StatusOK {
		t.Fatalf("admin approve: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	final := dataOf(t, w)["approval"].(map[string]interface{})
	if final["overallStatus"] != "approved" {
		t.Errorf("Expected approved, got %v", final["overallStatus"])
	}
	if final["milestoneSynced"] != true {
		t.Errorf("Expected milestone synced")
	}

	w = testutil.DoRequest(env.router, "GET", "/api/v1/milestones/"+milestoneID, nil, submitter)
	m := dataOf(t, w)
	if m["status"] != "completed" || m["progress"].(float64) != 100 {
		t.Errorf("Expected milestone completed at 100%%, got %v / %v", m["status"], m["progress"])
	}

	// 已同步的审批再次同步保持幂等
	w = testutil.DoRequest(env.router, "POST", "/api/v1/approvals/"+approvalID+"/sync", nil, admin)
	if w.Code != http.StatusOK {
		t.Errorf("sync: expected 200, got %d: %s", w.Code, w.Body.String())
	}
}

func TestApprovalCreate_Validation(t *testing.T) {
	env := setupHandlerTest(t)
	token := testutil.GenerateTestToken("u-submitter", "engineer")

	w := testutil.DoRequest(env.router, "POST", "/api/v1/approvals", map[string]interface{}{
		"projectId": "p-1",
	}, token)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400, got %d", w.Code)
	}
	if field := dataOf(t, w)["field"]; field != "milestoneId" {
		t.Errorf("Expected field milestoneId, got %v", field)
	}

	w = testutil.DoRequest(env.router, "POST", "/api/v1/approvals", map[string]interface{}{
		"milestoneId": "m-missing",
		"templateKey": "standard",
	}, token)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown milestone, got %d", w.Code)
	}

	w = testutil.DoRequest(env.router, "POST", "/api/v1/approvals", nil, "")
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 without token, got %d", w.Code)
	}
}

func TestApprovalReject(t *testing.T) {
	env := setupHandlerTest(t)
	submitter := testutil.GenerateTestToken("u-submitter", "engineer")
	manager := testutil.GenerateTestToken("u-manager", "manager")
	milestoneID := env.createMilestone(t, submitter)

	w := testutil.DoRequest(env.router, "POST", "/api/v1/approvals", map[string]interface{}{
		"milestoneId": milestoneID,
		"templateKey": "standard",
	}, submitter)
	approvalID := dataOf(t, w)["id"].(string)

	w = testutil.DoRequest(env.router, "PUT", "/api/v1/approvals/action", map[string]interface{}{
		"approvalId": approvalID,
		"action":     "reject",
		"comments":   "缺少跌落测试",
	}, manager)
	if w.Code != http.StatusOK {
		t.Fatalf("reject: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	ap := dataOf(t, w)["approval"].(map[string]interface{})
	if ap["overallStatus"] != "rejected" || ap["rejectionReason"] != "缺少跌落测试" {
		t.Errorf("Unexpected rejected approval: %v", ap)
	}

	// 驳回后里程碑不变
	w = testutil.DoRequest(env.router, "GET", "/api/v1/milestones/"+milestoneID, nil, submitter)
	if p := dataOf(t, w)["progress"].(float64); p != 45 {
		t.Errorf("Expected progress 45, got %v", p)
	}

	// 终态后没有进行中的审批
	w = testutil.DoRequest(env.router, "GET", "/api/v1/milestones/"+milestoneID+"/approval", nil, submitter)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for active approval, got %d", w.Code)
	}

	// 同步只允许管理员
	w = testutil.DoRequest(env.router, "POST", "/api/v1/approvals/"+approvalID+"/sync", nil, submitter)
	if w.Code != http.StatusForbidden {
		t.Errorf("Expected 403 for non-admin sync, got %d", w.Code)
	}

	// 未通过的审批不能同步
	admin := testutil.GenerateTestToken("u-admin", "admin")
	w = testutil.DoRequest(env.router, "POST", "/api/v1/approvals/"+approvalID+"/sync", nil, admin)
	if w.Code != http.StatusConflict {
		t.Errorf("Expected 409 syncing a rejected approval, got %d", w.Code)
	}
}

func TestApprovalCancel(t *testing.T) {
	env := setupHandlerTest(t)
	submitter := testutil.GenerateTestToken("u-submitter", "engineer")
	manager := testutil.GenerateTestToken("u-manager", "manager")
	milestoneID := env.createMilestone(t, submitter)

	w := testutil.DoRequest(env.router, "POST", "/api/v1/approvals", map[string]interface{}{
		"milestoneId": milestoneID,
		"templateKey": "standard",
	}, submitter)
	approvalID := dataOf(t, w)["id"].(string)

	w = testutil.DoRequest(env.router, "POST", "/api/v1/approvals/"+approvalID+"/cancel",
		map[string]interface{}{"reason": "x"}, manager)
	if w.Code != http.StatusForbidden {
		t.Errorf("Expected 403 for non-submitter cancel, got %d", w.Code)
	}

	w = testutil.DoRequest(env.router, "POST", "/api/v1/approvals/"+approvalID+"/cancel",
		map[string]interface{}{"reason": "资料需要补充"}, submitter)
	if w.Code != http.StatusOK {
		t.Fatalf("cancel: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if st := dataOf(t, w)["overallStatus"]; st != "cancelled" {
		t.Errorf("Expected cancelled, got %v", st)
	}

	w = testutil.DoRequest(env.router, "GET", "/api/v1/approvals/"+approvalID, nil, manager)
	if w.Code != http.StatusOK {
		t.Errorf("get: expected 200, got %d", w.Code)
	}
}

func TestApprovalExportPending(t *testing.T) {
	env := setupHandlerTest(t)
	submitter := testutil.GenerateTestToken("u-submitter", "engineer")
	manager := testutil.GenerateTestToken("u-manager", "manager")
	milestoneID := env.createMilestone(t, submitter)

	testutil.DoRequest(env.router, "POST", "/api/v1/approvals", map[string]interface{}{
		"milestoneId": milestoneID,
		"templateKey": "standard",
	}, submitter)

	w := testutil.DoRequest(env.router, "GET", "/api/v1/approvals/export", nil, manager)
	if w.Code != http.StatusOK {
		t.Fatalf("export: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet" {
		t.Errorf("Unexpected content type %q", ct)
	}
	// xlsx 是 zip 包
	if !bytes.HasPrefix(w.Body.Bytes(), []byte("PK")) {
		t.Errorf("Expected zip payload")
	}
}

func TestApprovalTemplates(t *testing.T) {
	env := setupHandlerTest(t)
	w := testutil.DoRequest(env.router, "GET", "/api/v1/approval-templates", nil, testutil.GenerateTestToken("u-submitter"))
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	items := dataOf(t, w)["items"].([]interface{})
	if len(items) != 1 {
		t.Fatalf("Expected 1 template, got %d", len(items))
	}
	tpl := items[0].(map[string]interface{})
	if tpl["key"] != "standard" {
		t.Errorf("Expected key standard, got %v", tpl["key"])
	}
}

func TestHandleError_Mapping(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   int
	}{
		{apperr.Validation("title", "不能为空"), http.StatusBadRequest, CodeValidation},
		{apperr.NotFound("x"), http.StatusNotFound, CodeNotFound},
		{apperr.Precondition("x"), http.StatusConflict, CodePrecondition},
		{apperr.Forbidden("x"), http.StatusForbidden, CodeForbidden},
		{apperr.Conflict(errors.New("version"), "x"), http.StatusConflict, CodeConflict},
		{apperr.Persistence(errors.New("down"), "x"), http.StatusServiceUnavailable, CodeUnavailable},
		{errors.New("boom"), http.StatusInternalServerError, CodeInternal},
	}
	gin.SetMode(gin.TestMode)
	for _, tt := range tests {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		HandleError(c, tt.err)
		if w.Code != tt.status {
			t.Errorf("%v: expected status %d, got %d", tt.err, tt.status, w.Code)
		}
		if got := codeOf(w); got != tt.code {
			t.Errorf("%v: expected code %d, got %d", tt.err, tt.code, got)
		}
	}
}

func TestRequestBinding_FieldErrors(t *testing.T) {
	env := setupHandlerTest(t)
	token := testutil.GenerateTestToken("u-submitter", "engineer")

	tests := []struct {
		name   string
		method string
		path   string
		body   map[string]interface{}
		field  string
	}{
		{"milestone without project", "POST", "/api/v1/milestones", map[string]interface{}{"title": "x"}, "projectId"},
		{"milestone progress out of range", "POST", "/api/v1/milestones", map[string]interface{}{"projectId": "p-1", "title": "x", "progress": 120}, "progress"},
		{"milestone progress wrong type", "POST", "/api/v1/milestones", map[string]interface{}{"projectId": "p-1", "title": "x", "progress": "half"}, "progress"},
		{"milestone bad priority", "POST", "/api/v1/milestones", map[string]interface{}{"projectId": "p-1", "title": "x", "priority": "critical"}, "priority"},
		{"action without approval", "PUT", "/api/v1/approvals/action", map[string]interface{}{"action": "approve"}, "approvalId"},
		{"unknown action", "PUT", "/api/v1/approvals/action", map[string]interface{}{"approvalId": "a-1", "action": "escalate"}, "action"},
		{"delegate without target", "PUT", "/api/v1/approvals/action", map[string]interface{}{"approvalId": "a-1", "action": "delegate"}, "delegateToUserId"},
		{"phase without name", "POST", "/api/v1/phases", map[string]interface{}{"projectId": "p-1"}, "name"},
		{"phase negative order", "POST", "/api/v1/phases", map[string]interface{}{"projectId": "p-1", "name": "EVT", "order": -1}, "order"},
		{"phase end before start", "POST", "/api/v1/phases", map[string]interface{}{
			"projectId": "p-1", "name": "EVT",
			"startDate": "2026-03-10T00:00:00Z", "endDate": "2026-03-01T00:00:00Z",
		}, "endDate"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := testutil.DoRequest(env.router, tt.method, tt.path, tt.body, token)
			if w.Code != http.StatusBadRequest {
				t.Fatalf("Expected 400, got %d: %s", w.Code, w.Body.String())
			}
			if code := codeOf(w); code != CodeValidation {
				t.Errorf("Expected code %d, got %d", CodeValidation, code)
			}
			if field := dataOf(t, w)["field"]; field != tt.field {
				t.Errorf("Expected field %s, got %v", tt.field, field)
			}
		})
	}
}
