package feishu

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// DefaultBaseURL 飞书开放平台API基础地址
const DefaultBaseURL = "https://open.feishu.cn"

const tokenPath = "/open-apis/auth/v3/app_access_token/internal"

// 令牌失效相关错误码，遇到后清掉缓存重试一次
var tokenInvalidCodes = map[int]bool{
	99991661: true,
	99991663: true,
	99991664: true,
}

// APIError 飞书返回的业务错误
type APIError struct {
	Code int
	Msg  string
	Path string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("飞书API错误[%d]: %s (path=%s)", e.Code, e.Msg, e.Path)
}

// FeishuClient 飞书客户端，只用于发送审批通知卡片
type FeishuClient struct {
	appID      string
	appSecret  string
	baseURL    string
	httpClient *http.Client

	mu     sync.Mutex
	token  string
	expire time.Time
	now    func() time.Time
}

// Option 客户端选项
type Option func(*FeishuClient)

// WithHTTPClient 替换默认 HTTP 客户端
func WithHTTPClient(hc *http.Client) Option {
	return func(c *FeishuClient) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// NewClient baseURL 为空时使用开放平台地址
func NewClient(appID, appSecret, baseURL string, opts ...Option) *FeishuClient {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	c := &FeishuClient{
		appID:      appID,
		appSecret:  appSecret,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// AppAccessToken 自建应用令牌，缓存到过期前 60 秒
func (c *FeishuClient) AppAccessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" && c.now().Before(c.expire) {
		return c.token, nil
	}

	payload, _ := json.Marshal(map[string]string{
		"app_id":     c.appID,
		"app_secret": c.appSecret,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+tokenPath, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("创建token请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("请求飞书token失败: %w", err)
	}
	defer resp.Body.Close()

	var out struct {
		BaseResponse
		AppAccessToken string `json:"app_access_token"`
		Expire         int    `json:"expire"` // 秒
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("解析token响应失败: %w", err)
	}
	if out.Code != 0 {
		return "", &APIError{Code: out.Code, Msg: out.Msg, Path: tokenPath}
	}

	c.token = out.AppAccessToken
	c.expire = c.now().Add(time.Duration(out.Expire-60) * time.Second)
	return c.token, nil
}

func (c *FeishuClient) invalidateToken(stale string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	// 并发请求可能已经换了新令牌
	if c.token == stale {
		c.token = ""
	}
}

// call 发送带令牌的请求；令牌被判失效时刷新后重试一次
func (c *FeishuClient) call(ctx context.Context, method, path string, body, result interface{}) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("序列化请求体失败: %w", err)
		}
	}

	for attempt := 0; ; attempt++ {
		token, err := c.AppAccessToken(ctx)
		if err != nil {
			return fmt.Errorf("获取访问令牌失败: %w", err)
		}
		err = c.send(ctx, method, path, token, payload, result)
		var apiErr *APIError
		if attempt == 0 && errors.As(err, &apiErr) && tokenInvalidCodes[apiErr.Code] {
			c.invalidateToken(token)
			continue
		}
		return err
	}
}

func (c *FeishuClient) send(ctx context.Context, method, path, token string, payload []byte, result interface{}) error {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("创建HTTP请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP请求失败: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("读取响应体失败: %w", err)
	}

	var base BaseResponse
	if err := json.Unmarshal(raw, &base); err != nil {
		return fmt.Errorf("解析响应失败 (status=%d): %w", resp.StatusCode, err)
	}
	if base.Code != 0 {
		return &APIError{Code: base.Code, Msg: base.Msg, Path: path}
	}
	if result != nil {
		if err := json.Unmarshal(raw, result); err != nil {
			return fmt.Errorf("解析响应体失败: %w", err)
		}
	}
	return nil
}
