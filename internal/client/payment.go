package client

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"
)

// ChargeResult 网关扣款结果
// Approved=false 是正常的业务结果（卡被拒），和网络/网关错误严格区分
type ChargeResult struct {
	EventID       string `json:"event_id"` // 网关侧事件ID，入账时作为外部事件幂等键
	Approved      bool   `json:"approved"`
	DeclineReason string `json:"decline_reason"`
}

// PaymentGatewayClient 支付网关客户端接口
type PaymentGatewayClient interface {
	Charge(ctx context.Context, customerID, paymentMethodID string, amount int64, currency string) (*ChargeResult, error)
	// DeleteCustomer 删除网关侧客户及其支付方式；"已不存在"视为成功
	DeleteCustomer(ctx context.Context, customerID string) error
}

type paymentGatewayClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func NewPaymentGatewayClient(baseURL, apiKey string, timeout time.Duration) PaymentGatewayClient {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &paymentGatewayClient{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *paymentGatewayClient) Charge(ctx context.Context, customerID, paymentMethodID string, amount int64, currency string) (*ChargeResult, error) {
	payload, err := json.Marshal(map[string]interface{}{
		"customer_id":       customerID,
		"payment_method_id": paymentMethodID,
		"amount":            amount,
		"currency":          currency,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/charges", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &APIError{StatusCode: resp.StatusCode, Body: string(raw)}
	}

	var result ChargeResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *paymentGatewayClient) DeleteCustomer(ctx context.Context, customerID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+"/customers/"+customerID, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	// 客户已不存在：目标状态已达成
	if resp.StatusCode == http.StatusNotFound {
		return nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &APIError{StatusCode: resp.StatusCode, Body: string(raw)}
	}
	return nil
}
