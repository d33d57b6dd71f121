package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// 审批操作计数
	ApprovalActionCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pm_approval_action_total",
			Help: "Total number of approval actions applied",
		},
		[]string{"action", "result"}, // result: ok, validation, precondition, forbidden, conflict, persistence
	)

	// 乐观锁冲突计数（含重试成功的）
	ApprovalVersionConflicts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pm_approval_version_conflicts_total",
			Help: "Optimistic lock conflicts hit while applying approval actions",
		},
	)

	// 审批实例状态流转
	ApprovalTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pm_approval_transitions_total",
			Help: "Approval instances reaching a new overall status",
		},
		[]string{"status"},
	)

	// 里程碑同步结果
	MilestoneSyncCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pm_milestone_sync_total",
			Help: "Milestone sync attempts after final approval",
		},
		[]string{"status"}, // success, failed
	)

	// 通知发送结果
	NotificationCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pm_notification_total",
			Help: "Notification dispatch results per channel",
		},
		[]string{"channel", "status"}, // status: sent, failed, duplicate
	)

	// HTTP 请求延迟（秒）
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pm_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"method", "path", "status"},
	)
)

// RecordApprovalAction 记录审批操作结果
func RecordApprovalAction(action, result string) {
	ApprovalActionCount.WithLabelValues(action, result).Inc()
}

// IncrementVersionConflict 记录一次版本冲突
func IncrementVersionConflict() {
	ApprovalVersionConflicts.Inc()
}

// RecordTransition 记录审批整体状态变化
func RecordTransition(status string) {
	ApprovalTransitions.WithLabelValues(status).Inc()
}

// RecordMilestoneSync 记录里程碑同步结果
func RecordMilestoneSync(status string) {
	MilestoneSyncCount.WithLabelValues(status).Inc()
}

// RecordNotification 记录通知结果
func RecordNotification(channel, status string) {
	NotificationCount.WithLabelValues(channel, status).Inc()
}

// RecordHTTPRequestDuration 记录 HTTP 请求延迟
func RecordHTTPRequestDuration(method, path, status string, duration time.Duration) {
	HTTPRequestDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())
}
