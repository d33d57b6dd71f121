package handler

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bitfantasy/nimo-pm/internal/pm/sse"
	"github.com/bitfantasy/nimo-pm/internal/pm/testutil"
)

func TestSSEStream(t *testing.T) {
	hub := sse.NewHub()
	router := testutil.SetupRouter()
	testutil.AuthGroup(router, "/api/v1").GET("/sse/events", NewSSEHandler(hub).Stream)
	srv := httptest.NewServer(router)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	token := testutil.GenerateTestToken("u-manager", "manager")
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/v1/sse/events?token="+token, nil)
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("Content-Type = %q", ct)
	}

	lines := bufio.NewScanner(resp.Body)
	next := func(prefix string) string {
		t.Helper()
		for lines.Scan() {
			if strings.HasPrefix(lines.Text(), prefix) {
				return lines.Text()
			}
		}
		t.Fatalf("stream ended before %q: %v", prefix, lines.Err())
		return ""
	}

	next("event:connected")
	if hub.Count() != 1 {
		t.Fatalf("Expected 1 registered client, got %d", hub.Count())
	}

	hub.PublishUserApprovalTodo("u-manager", sse.ApprovalUpdate{ApprovalID: "a-1", MilestoneID: "m-1", Action: "approval.created"})
	if got := next("event: "); got != "event: my_approval_update" {
		t.Errorf("unexpected event line %q", got)
	}
	if data := next("data: "); !strings.Contains(data, `"approvalId":"a-1"`) {
		t.Errorf("unexpected data line %q", data)
	}

	cancel()
	deadline := time.Now().Add(2 * time.Second)
	for hub.Count() != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if hub.Count() != 0 {
		t.Errorf("Expected client unregistered after disconnect")
	}
}
