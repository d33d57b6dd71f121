package sse

import (
	"encoding/json"
	"log"
	"sync"
)

// Event represents a Server-Sent Event
type Event struct {
	EventType string `json:"event"`
	Data      string `json:"data"`
}

// Client represents a connected SSE client
type Client struct {
	ID     string
	UserID string
	Events chan Event
}

// Hub manages all SSE client connections
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

// GlobalHub is the singleton SSE Hub instance
var GlobalHub = NewHub()

// NewHub creates a new SSE Hub
func NewHub() *Hub {
	return &Hub{
		clients: make(map[string]*Client),
	}
}

// Register adds a new client to the hub
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client.ID] = client
	log.Printf("[SSE] Client registered: id=%s user=%s (total: %d)", client.ID, client.UserID, len(h.clients))
}

// Unregister removes a client from the hub
func (h *Hub) Unregister(clientID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if client, ok := h.clients[clientID]; ok {
		close(client.Events)
		delete(h.clients, clientID)
		log.Printf("[SSE] Client unregistered: id=%s (total: %d)", clientID, len(h.clients))
	}
}

// Count 当前连接数
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast sends an event to all connected clients
func (h *Hub) Broadcast(event Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, client := range h.clients {
		select {
		case client.Events <- event:
		default:
			log.Printf("[SSE] Client %s buffer full, skipping event", client.ID)
		}
	}
}

// SendToUser 给特定用户发送事件（而非广播）
func (h *Hub) SendToUser(userID string, event Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, client := range h.clients {
		if client.UserID != userID {
			continue
		}
		select {
		case client.Events <- event:
		default:
			log.Printf("[SSE] Client %s buffer full, skipping user event", client.ID)
		}
	}
}

// ApprovalUpdate 审批变化推送内容
type ApprovalUpdate struct {
	ProjectID     string `json:"projectId"`
	MilestoneID   string `json:"milestoneId"`
	ApprovalID    string `json:"approvalId"`
	Action        string `json:"action"`
	CurrentStage  string `json:"currentStage,omitempty"`
	OverallStatus string `json:"overallStatus,omitempty"`
}

// PublishApprovalUpdate 广播审批变化，前端据此刷新里程碑详情
func (h *Hub) PublishApprovalUpdate(u ApprovalUpdate) {
	data, _ := json.Marshal(u)
	h.Broadcast(Event{EventType: "approval_update", Data: string(data)})
	log.Printf("[SSE] Published approval_update: milestone=%s approval=%s action=%s", u.MilestoneID, u.ApprovalID, u.Action)
}

// PublishUserApprovalTodo 通知用户待办列表刷新
func (h *Hub) PublishUserApprovalTodo(userID string, u ApprovalUpdate) {
	data, _ := json.Marshal(u)
	h.SendToUser(userID, Event{EventType: "my_approval_update", Data: string(data)})
}

// PublishMilestoneUpdate 里程碑级别更新（创建、进度、状态变化）
func (h *Hub) PublishMilestoneUpdate(projectID, milestoneID, action string) {
	data, _ := json.Marshal(map[string]string{
		"projectId":   projectID,
		"milestoneId": milestoneID,
		"action":      action,
	})
	h.Broadcast(Event{EventType: "milestone_update", Data: string(data)})
	log.Printf("[SSE] Published milestone_update: project=%s milestone=%s action=%s", projectID, milestoneID, action)
}
