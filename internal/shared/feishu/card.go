package feishu

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// SendUserCard 向个人发送消息卡片（user_id）
func (c *FeishuClient) SendUserCard(ctx context.Context, userID string, card InteractiveCard) error {
	return c.sendCard(ctx, "user_id", userID, card)
}

// SendCard 向群聊发送消息卡片
func (c *FeishuClient) SendCard(ctx context.Context, chatID string, card InteractiveCard) error {
	return c.sendCard(ctx, "chat_id", chatID, card)
}

func (c *FeishuClient) sendCard(ctx context.Context, idType, id string, card InteractiveCard) error {
	cardBytes, err := json.Marshal(card)
	if err != nil {
		return fmt.Errorf("序列化卡片内容失败: %w", err)
	}

	reqBody := map[string]interface{}{
		"receive_id": id,
		"msg_type":   "interactive",
		"content":    string(cardBytes),
	}
	path := fmt.Sprintf("/open-apis/im/v1/messages?receive_id_type=%s", idType)

	var resp SendMessageResponse
	if err := c.call(ctx, http.MethodPost, path, reqBody, &resp); err != nil {
		return fmt.Errorf("发送消息卡片失败: %w", err)
	}
	return nil
}

// ApprovalCardInfo 审批卡片内容
type ApprovalCardInfo struct {
	MilestoneTitle string
	StageName      string
	RequiredRoles  []string
	Submitter      string
	Comment        string
	Link           string
}

func mdField(label, value string) CardField {
	return CardField{IsShort: true, Text: CardText{Tag: "lark_md", Content: fmt.Sprintf("**%s**\n%s", label, value)}}
}

// NewApprovalTodoCard 待审批提醒（新提交、节点推进、收到委托）
func NewApprovalTodoCard(info ApprovalCardInfo, title string) InteractiveCard {
	elements := []CardElement{
		{
			Tag: "div",
			Fields: []CardField{
				mdField("里程碑", info.MilestoneTitle),
				mdField("审批节点", info.StageName),
				mdField("审批角色", strings.Join(info.RequiredRoles, "、")),
				mdField("发起人", info.Submitter),
			},
		},
	}
	if info.Comment != "" {
		elements = append(elements, CardElement{
			Tag:  "div",
			Text: &CardText{Tag: "lark_md", Content: fmt.Sprintf("**说明**\n%s", info.Comment)},
		})
	}
	if info.Link != "" {
		elements = append(elements, CardElement{
			Tag: "action",
			Actions: []CardAction{
				{Tag: "button", Text: CardText{Tag: "plain_text", Content: "去处理"}, Type: "primary", URL: info.Link},
			},
		})
	}
	elements = append(elements,
		CardElement{Tag: "hr"},
		CardElement{Tag: "note", Elements: []CardElement{
			{Tag: "plain_text", Content: "请登录项目管理系统处理此审批"},
		}},
	)

	return InteractiveCard{
		Config:   &CardConfig{WideScreenMode: true},
		Header:   &CardHeader{Title: CardText{Tag: "plain_text", Content: title}, Template: "orange"},
		Elements: elements,
	}
}

// NewApprovalResultCard 审批结果通知，result 为 通过/驳回/已撤回
func NewApprovalResultCard(milestoneTitle, result, comment string) InteractiveCard {
	template := "green"
	if result != "通过" {
		template = "red"
	}

	elements := []CardElement{
		{
			Tag: "div",
			Fields: []CardField{
				mdField("里程碑", milestoneTitle),
				mdField("审批结果", result),
			},
		},
	}
	if comment != "" {
		elements = append(elements,
			CardElement{Tag: "hr"},
			CardElement{Tag: "div", Text: &CardText{Tag: "lark_md", Content: fmt.Sprintf("**意见**\n%s", comment)}},
		)
	}

	return InteractiveCard{
		Config:   &CardConfig{WideScreenMode: true},
		Header:   &CardHeader{Title: CardText{Tag: "plain_text", Content: "里程碑审批结果"}, Template: template},
		Elements: elements,
	}
}
