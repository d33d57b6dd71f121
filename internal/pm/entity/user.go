package entity

import (
	"time"
)

// User 用户（仅作为审批人目录使用，账号体系由外部系统维护）
type User struct {
	ID           string    `json:"id" gorm:"primaryKey;size:36"`
	FeishuUserID string    `json:"feishuUserId" gorm:"size:64;index"`
	Name         string    `json:"name" gorm:"size:64;not null"`
	Email        string    `json:"email" gorm:"size:128"`
	Status       string    `json:"status" gorm:"size:16;not null;default:active"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`

	Roles []Role `json:"roles,omitempty" gorm:"many2many:user_roles;"`
}

func (User) TableName() string {
	return "users"
}

// Role 角色，Code 对应审批节点的 requiredRoles
type Role struct {
	ID        string    `json:"id" gorm:"primaryKey;size:36"`
	Code      string    `json:"code" gorm:"size:64;not null;uniqueIndex"`
	Name      string    `json:"name" gorm:"size:64;not null"`
	Status    string    `json:"status" gorm:"size:16;not null;default:active"`
	CreatedAt time.Time `json:"createdAt"`
}

func (Role) TableName() string {
	return "roles"
}

// UserRole 用户角色关联
type UserRole struct {
	UserID    string    `json:"userId" gorm:"primaryKey;size:36"`
	RoleID    string    `json:"roleId" gorm:"primaryKey;size:36"`
	CreatedAt time.Time `json:"createdAt"`
}

func (UserRole) TableName() string {
	return "user_roles"
}
