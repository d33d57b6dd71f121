package repository

import (
	"context"

	"github.com/bitfantasy/nimo-pm/internal/pm/entity"
	"gorm.io/gorm"
)

// UserRepository 用户与角色目录
type UserRepository struct {
	db *gorm.DB
}

// NewUserRepository 创建用户仓库
func NewUserRepository(db *gorm.DB) *UserRepository {
	return &UserRepository{db: db}
}

// FindByID 根据ID查找用户
func (r *UserRepository) FindByID(ctx context.Context, id string) (*entity.User, error) {
	var u entity.User
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&u).Error; err != nil {
		return nil, notFound(err)
	}
	return &u, nil
}

// HasRole 用户是否持有启用状态的角色
func (r *UserRepository) HasRole(ctx context.Context, userID, role string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Table("user_roles").
		Joins("JOIN roles ON roles.id = user_roles.role_id").
		Where("user_roles.user_id = ? AND roles.code = ? AND roles.status = ?", userID, role, "active").
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// RoleCodes 用户的全部角色编码
func (r *UserRepository) RoleCodes(ctx context.Context, userID string) ([]string, error) {
	var codes []string
	err := r.db.WithContext(ctx).
		Table("user_roles").
		Joins("JOIN roles ON roles.id = user_roles.role_id").
		Where("user_roles.user_id = ? AND roles.status = ?", userID, "active").
		Pluck("roles.code", &codes).Error
	return codes, err
}

// FeishuUserIDs 批量获取飞书用户ID，用于消息推送
func (r *UserRepository) FeishuUserIDs(ctx context.Context, userIDs []string) (map[string]string, error) {
	if len(userIDs) == 0 {
		return map[string]string{}, nil
	}
	var users []entity.User
	err := r.db.WithContext(ctx).
		Select("id", "feishu_user_id").
		Where("id IN ? AND feishu_user_id <> ''", userIDs).
		Find(&users).Error
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(users))
	for _, u := range users {
		out[u.ID] = u.FeishuUserID
	}
	return out, nil
}

// UserIDsWithRoles 持有任一角色的启用用户
func (r *UserRepository) UserIDsWithRoles(ctx context.Context, roles []string) ([]string, error) {
	if len(roles) == 0 {
		return nil, nil
	}
	var ids []string
	err := r.db.WithContext(ctx).
		Table("user_roles").
		Joins("JOIN roles ON roles.id = user_roles.role_id").
		Joins("JOIN users ON users.id = user_roles.user_id").
		Where("roles.code IN ? AND roles.status = ? AND users.status = ?", roles, "active", "active").
		Distinct().
		Pluck("user_roles.user_id", &ids).Error
	return ids, err
}
