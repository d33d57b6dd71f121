package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"

	"github.com/bitfantasy/nimo-pm/internal/pm/entity"
	"github.com/minio/minio-go/v7"
)

// Archiver 审批结束后的快照归档
type Archiver interface {
	Archive(ctx context.Context, a *entity.MilestoneApproval) error
}

// MinioArchiver 把审批实例快照写入对象存储
type MinioArchiver struct {
	client *minio.Client
	bucket string
	prefix string
}

// NewMinioArchiver 创建归档器
func NewMinioArchiver(client *minio.Client, bucket, prefix string) *MinioArchiver {
	if prefix == "" {
		prefix = "approvals"
	}
	return &MinioArchiver{client: client, bucket: bucket, prefix: prefix}
}

// EnsureBucket 桶不存在时创建
func (a *MinioArchiver) EnsureBucket(ctx context.Context) error {
	exists, err := a.client.BucketExists(ctx, a.bucket)
	if err != nil {
		return fmt.Errorf("检查存储桶失败: %w", err)
	}
	if exists {
		return nil
	}
	if err := a.client.MakeBucket(ctx, a.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("创建存储桶失败: %w", err)
	}
	return nil
}

// ObjectKey 快照对象路径 <prefix>/<milestoneId>/<approvalId>.json
func (a *MinioArchiver) ObjectKey(ap *entity.MilestoneApproval) string {
	return ArchiveObjectKey(a.prefix, ap)
}

// ArchiveObjectKey 归档对象路径
func ArchiveObjectKey(prefix string, ap *entity.MilestoneApproval) string {
	return path.Join(prefix, ap.MilestoneID, ap.ID+".json")
}

func (a *MinioArchiver) Archive(ctx context.Context, ap *entity.MilestoneApproval) error {
	data, err := json.MarshalIndent(ap, "", "  ")
	if err != nil {
		return fmt.Errorf("序列化审批快照失败: %w", err)
	}
	_, err = a.client.PutObject(ctx, a.bucket, a.ObjectKey(ap), bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		return fmt.Errorf("上传审批快照失败: %w", err)
	}
	return nil
}
