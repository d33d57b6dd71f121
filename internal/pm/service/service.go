package service

import (
	"github.com/bitfantasy/nimo-pm/internal/config"
	"github.com/bitfantasy/nimo-pm/internal/pm/repository"
	"github.com/bitfantasy/nimo-pm/internal/pm/sse"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"
)

// Services 服务集合
type Services struct {
	Milestone *MilestoneService
	Phase     *PhaseService
	Approval  *ApprovalService
	Template  *TemplateService
}

// NewServices 创建服务集合，通知渠道和归档由调用方按可用的基础设施挂载
func NewServices(repos *repository.Repositories, hub *sse.Hub, templates *TemplateService, cfg *config.Config, logger *zap.Logger) *Services {
	milestoneSvc := NewMilestoneService(repos.Milestone, repos.Phase, hub, logger)
	phaseSvc := NewPhaseService(repos.Phase, repos.Milestone)
	approvalSvc := NewApprovalService(repos.Approval, repos.Milestone, milestoneSvc, repos.User, templates, logger)
	if cfg != nil && cfg.Approval.RetryAttempts > 0 {
		policy := RetryPolicy{
			Attempts: cfg.Approval.RetryAttempts,
			Backoff:  cfg.Approval.RetryBackoff,
		}
		approvalSvc.SetRetryPolicy(policy)
		milestoneSvc.SetRetryPolicy(policy)
		phaseSvc.SetRetryPolicy(policy)
	}

	return &Services{
		Milestone: milestoneSvc,
		Phase:     phaseSvc,
		Approval:  approvalSvc,
		Template:  templates,
	}
}

// NewMinioClient 未配置 endpoint 时返回 nil
func NewMinioClient(cfg config.MinIOConfig) (*minio.Client, error) {
	if cfg.Endpoint == "" {
		return nil, nil
	}
	return minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
}
