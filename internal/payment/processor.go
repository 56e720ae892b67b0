package payment

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tidwall/gjson"

	"github.com/cardlev/cardlev-loan-engine/pkg/logger"
)

// ProcessorClient 卡处理器 HTTP 客户端
// 授权采用 manual capture: 创建时只冻结额度，扣款/释放由后续调用决定
type ProcessorClient struct {
	endpoint   string
	apiKey     string
	currency   string
	httpClient *http.Client
}

// NewProcessorClient 创建处理器客户端
func NewProcessorClient(endpoint, apiKey, currency string, timeout time.Duration) *ProcessorClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &ProcessorClient{
		endpoint:   endpoint,
		apiKey:     apiKey,
		currency:   currency,
		httpClient: &http.Client{Timeout: timeout},
	}
}

var _ Client = (*ProcessorClient)(nil)

// CreateHold 创建预授权（只授权不扣款）
// 拒绝授权返回 ErrPaymentDeclined（终态），网络/5xx 返回 *ProcessorError（瞬态）
func (c *ProcessorClient) CreateHold(ctx context.Context, amountCents int64, currency, customerID, paymentMethodID string) (*HoldReference, error) {
	if currency == "" {
		currency = c.currency
	}

	payload := map[string]any{
		"amount":         amountCents,
		"currency":       currency,
		"customer":       customerID,
		"payment_method": paymentMethodID,
		"capture_method": "manual",
		"confirm":        true,
	}

	body, status, err := c.post(ctx, "/v1/holds", payload, newIdempotencyKey())
	if err != nil {
		return nil, &ProcessorError{Op: "create_hold", StatusCode: status, Err: err}
	}

	holdStatus := gjson.GetBytes(body, "status").String()
	switch {
	case status == http.StatusPaymentRequired, holdStatus == "declined":
		logger.Warn().Str("customer", customerID).Int64("amount_cents", amountCents).
			Str("reason", gjson.GetBytes(body, "decline_reason").String()).Msg("hold declined")
		return nil, ErrPaymentDeclined
	case status >= http.StatusBadRequest:
		return nil, &ProcessorError{Op: "create_hold", StatusCode: status, Err: fmt.Errorf("%s", body)}
	}

	intentID := gjson.GetBytes(body, "id").String()
	if intentID == "" {
		return nil, &ProcessorError{Op: "create_hold", StatusCode: status, Err: fmt.Errorf("missing intent id in response")}
	}

	return &HoldReference{
		IntentID:        intentID,
		AuthorizedCents: gjson.GetBytes(body, "amount").Int(),
		Status:          holdStatus,
	}, nil
}

// CaptureHold 扣款
// 处理器返回"已扣款"视为成功，保证跨进程重试的幂等
func (c *ProcessorClient) CaptureHold(ctx context.Context, intentID string) error {
	return c.resolve(ctx, intentID, "capture", "hold_already_captured")
}

// ReleaseHold 释放冻结额度
func (c *ProcessorClient) ReleaseHold(ctx context.Context, intentID string) error {
	return c.resolve(ctx, intentID, "cancel", "hold_already_canceled")
}

func (c *ProcessorClient) resolve(ctx context.Context, intentID, action, alreadyCode string) error {
	body, status, err := c.post(ctx, fmt.Sprintf("/v1/holds/%s/%s", intentID, action), map[string]any{}, "")
	if err != nil {
		return &ProcessorError{Op: action, StatusCode: status, Err: err}
	}

	if status >= http.StatusBadRequest {
		if gjson.GetBytes(body, "error.code").String() == alreadyCode {
			logger.Info().Str("intent", intentID).Str("action", action).Msg("hold already resolved at processor")
			return nil
		}
		return &ProcessorError{Op: action, StatusCode: status, Err: fmt.Errorf("%s", body)}
	}

	return nil
}

// post 发送请求，返回响应体和状态码；仅传输层失败返回 error
func (c *ProcessorClient) post(ctx context.Context, path string, payload any, idempotencyKey string) ([]byte, int, error) {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return nil, 0, fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+path, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, 0, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read response: %w", err)
	}

	// 5xx 走传输层错误路径，上层包装为瞬态
	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, resp.StatusCode, fmt.Errorf("status %d: %s", resp.StatusCode, body)
	}

	return body, resp.StatusCode, nil
}

func newIdempotencyKey() string {
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	return "hold_" + hex.EncodeToString(buf)
}
