package client

import (
	"context"
	"io"
	"net/http"
	"time"
)

// IdentityClient 身份系统客户端接口
//
// 【注意】出错时"当作存在"还是"当作不存在"由调用方按场景决定：
// 孤儿清理这种破坏性场景必须 fail-open（出错跳过，不删），
// 这里只如实返回 (exists, err)，不替调用方做选择
type IdentityClient interface {
	Exists(ctx context.Context, ownerID string) (bool, error)
}

type identityClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func NewIdentityClient(baseURL, apiKey string, timeout time.Duration) IdentityClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &identityClient{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *identityClient) Exists(ctx context.Context, ownerID string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/users/"+ownerID, nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		return true, nil
	case resp.StatusCode == http.StatusNotFound:
		return false, nil
	default:
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return false, &APIError{StatusCode: resp.StatusCode, Body: string(raw)}
	}
}
