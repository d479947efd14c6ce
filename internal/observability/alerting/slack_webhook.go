package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultWebhookTimeout = 10 * time.Second

// SlackWebhookSender 通过 Incoming Webhook 向 Slack 投递消息。
type SlackWebhookSender struct {
	webhookURL string
	httpClient *http.Client
}

// NewSlackWebhookSender 创建 Slack Webhook 发送器。
func NewSlackWebhookSender(webhookURL string) (*SlackWebhookSender, error) {
	webhookURL = strings.TrimSpace(webhookURL)
	if webhookURL == "" {
		return nil, fmt.Errorf("Slack webhook URL 不能为空")
	}
	return &SlackWebhookSender{
		webhookURL: webhookURL,
		httpClient: &http.Client{Timeout: defaultWebhookTimeout},
	}, nil
}

// Send 向指定频道发送一条文本消息。
func (s *SlackWebhookSender) Send(ctx context.Context, channel, content string) error {
	payload, err := json.Marshal(map[string]string{
		"channel": channel,
		"text":    content,
	})
	if err != nil {
		return fmt.Errorf("编码 Slack 消息失败: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("构建 Slack 请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("发送 Slack 消息失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("Slack 返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}
