package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ErrResourceGone 远端资源/账号已不存在
// 对删除类操作来说这不是失败 —— 目标状态已经达成，调用方应视为成功
var ErrResourceGone = errors.New("远端资源不存在")

// APIError 外部接口返回的非 2xx 响应
// 5xx 视为瞬时故障（下个 tick 重试），其余 4xx 视为永久失败（人工介入）
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("外部接口返回 %d: %s", e.StatusCode, e.Body)
}

// IsTransient 是否为可重试的瞬时失败（网络错误、超时、5xx）
func IsTransient(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode >= 500
	}
	// 非 APIError 的失败（连接、超时等）一律按瞬时处理
	return true
}

// HypervisorUser 虚拟化面板侧的用户
type HypervisorUser struct {
	ID                 string `json:"id"`
	Username           string `json:"username"`
	ExternalRelationID string `json:"external_relation_id"` // 关联的身份系统ID（可能为任意外部系统的ID）
}

// HypervisorClient 虚拟化控制面板客户端接口
// 开机/装系统等操作全部由面板托管，这里只消费生命周期相关的操作
type HypervisorClient interface {
	Suspend(ctx context.Context, resourceID string) error
	Unsuspend(ctx context.Context, resourceID string) error
	// Delete 删除资源；远端返回"不存在"时返回 ErrResourceGone
	Delete(ctx context.Context, resourceID string) error
	// DeleteAccount 删除面板侧账号并级联删除其名下资源
	DeleteAccount(ctx context.Context, accountID string) error
	ListUsers(ctx context.Context, page, pageSize int) ([]HypervisorUser, error)
}

type hypervisorClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewHypervisorClient 创建虚拟化面板客户端
// 超时必须有界：单个慢请求不能拖死整个 tick
func NewHypervisorClient(baseURL, apiKey string, timeout time.Duration) HypervisorClient {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &hypervisorClient{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *hypervisorClient) do(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrResourceGone
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &APIError{StatusCode: resp.StatusCode, Body: string(raw)}
	}

	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *hypervisorClient) Suspend(ctx context.Context, resourceID string) error {
	return c.do(ctx, http.MethodPost, "/servers/"+resourceID+"/suspend", nil, nil)
}

func (c *hypervisorClient) Unsuspend(ctx context.Context, resourceID string) error {
	return c.do(ctx, http.MethodPost, "/servers/"+resourceID+"/unsuspend", nil, nil)
}

func (c *hypervisorClient) Delete(ctx context.Context, resourceID string) error {
	return c.do(ctx, http.MethodDelete, "/servers/"+resourceID, nil, nil)
}

func (c *hypervisorClient) DeleteAccount(ctx context.Context, accountID string) error {
	return c.do(ctx, http.MethodDelete, "/users/"+accountID, nil, nil)
}

func (c *hypervisorClient) ListUsers(ctx context.Context, page, pageSize int) ([]HypervisorUser, error) {
	var result struct {
		Users []HypervisorUser `json:"users"`
	}
	path := fmt.Sprintf("/users?page=%d&page_size=%d", page, pageSize)
	if err := c.do(ctx, http.MethodGet, path, nil, &result); err != nil {
		return nil, err
	}
	return result.Users, nil
}
