package handler

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/bitfantasy/nimo-pm/internal/pm/sse"
	"github.com/gin-gonic/gin"
)

const sseHeartbeat = 30 * time.Second

// SSEHandler 审批和里程碑变更推送
type SSEHandler struct {
	hub       *sse.Hub
	heartbeat time.Duration
}

// NewSSEHandler hub 为空时使用全局 hub
func NewSSEHandler(hub *sse.Hub) *SSEHandler {
	if hub == nil {
		hub = sse.GlobalHub
	}
	return &SSEHandler{hub: hub, heartbeat: sseHeartbeat}
}

// Stream GET /api/v1/sse/events?token=xxx
func (h *SSEHandler) Stream(c *gin.Context) {
	client := &sse.Client{
		ID:     fmt.Sprintf("%s_%d", GetUserID(c), time.Now().UnixNano()),
		UserID: GetUserID(c),
		Events: make(chan sse.Event, 64),
	}
	h.hub.Register(client)
	defer h.hub.Unregister(client.ID)

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.SSEvent("connected", gin.H{"client_id": client.ID})
	c.Writer.Flush()

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case ev, ok := <-client.Events:
			if !ok {
				return false
			}
			// Data 已经是 JSON 字符串，原样输出
			c.Render(-1, sseRaw{event: ev.EventType, data: ev.Data})
			return true
		case <-heartbeat.C:
			_, err := io.WriteString(w, ": keepalive\n\n")
			return err == nil
		}
	})
}

// sseRaw 不再对 data 做 JSON 编码
type sseRaw struct {
	event string
	data  string
}

func (r sseRaw) Render(w http.ResponseWriter) error {
	r.WriteContentType(w)
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", r.event, r.data)
	return err
}

func (r sseRaw) WriteContentType(w http.ResponseWriter) {
	if ct := w.Header()["Content-Type"]; len(ct) == 0 {
		w.Header()["Content-Type"] = []string{"text/event-stream"}
	}
}
