package service

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/bitfantasy/nimo-pm/internal/pm/apperr"
	"github.com/bitfantasy/nimo-pm/internal/pm/approval"
	"gopkg.in/yaml.v3"
)

// ApprovalTemplate 命名的审批流程模板
type ApprovalTemplate struct {
	Key         string                 `json:"key" yaml:"key"`
	Name        string                 `json:"name" yaml:"name"`
	Description string                 `json:"description" yaml:"description"`
	Stages      []approval.StageConfig `json:"approvalStages" yaml:"stages"`
}

type templateFile struct {
	Templates []ApprovalTemplate `yaml:"templates"`
}

// TemplateService 审批模板
type TemplateService struct {
	templates map[string]ApprovalTemplate
}

// NewTemplateService 由已解析的模板创建
func NewTemplateService(list []ApprovalTemplate) *TemplateService {
	m := make(map[string]ApprovalTemplate, len(list))
	for _, t := range list {
		m[t.Key] = t
	}
	return &TemplateService{templates: m}
}

// LoadTemplates 从 yaml 文件加载模板，文件不存在时返回空集合
func LoadTemplates(path string) (*TemplateService, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return NewTemplateService(nil), nil
		}
		return nil, fmt.Errorf("读取审批模板失败: %w", err)
	}
	return ParseTemplates(data)
}

// ParseTemplates 解析 yaml 模板，并逐个校验节点配置
func ParseTemplates(data []byte) (*TemplateService, error) {
	var f templateFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("解析审批模板失败: %w", err)
	}
	seen := map[string]bool{}
	for _, t := range f.Templates {
		if t.Key == "" {
			return nil, fmt.Errorf("审批模板缺少 key")
		}
		if seen[t.Key] {
			return nil, fmt.Errorf("审批模板 key 重复: %s", t.Key)
		}
		seen[t.Key] = true
		// 用一个占位实例校验节点配置
		if _, err := approval.NewWorkflow(approval.CreateInput{
			MilestoneID: "template", ProjectID: "template", SubmittedBy: "template", Stages: t.Stages,
		}, time.Time{}); err != nil {
			return nil, fmt.Errorf("审批模板 %s 配置错误: %w", t.Key, err)
		}
	}
	return NewTemplateService(f.Templates), nil
}

// List 按 key 排序的模板列表
func (s *TemplateService) List() []ApprovalTemplate {
	out := make([]ApprovalTemplate, 0, len(s.templates))
	for _, t := range s.templates {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Stages 取模板的节点配置副本
func (s *TemplateService) Stages(key string) ([]approval.StageConfig, error) {
	t, ok := s.templates[key]
	if !ok {
		return nil, apperr.Validation("templateKey", "审批模板不存在: %s", key)
	}
	out := make([]approval.StageConfig, len(t.Stages))
	copy(out, t.Stages)
	return out, nil
}
