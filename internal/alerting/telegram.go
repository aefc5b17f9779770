package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"saleguard/internal/activity"
)

// TelegramChannel 通过 Telegram Bot API 推送告警。
type TelegramChannel struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramChannel 构造 Telegram 告警通道；凭证缺失即视为禁用。
func NewTelegramChannel(botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramChannel {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramChannel{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
	}
}

func (c *TelegramChannel) Name() string { return "telegram" }

// Enabled 基于凭证是否配置。
func (c *TelegramChannel) Enabled() bool {
	return c.botToken != "" && c.chatID != ""
}

// Send 调用 sendMessage API 推送文本。
func (c *TelegramChannel) Send(ctx context.Context, alert activity.Alert) error {
	payload := map[string]string{
		"chat_id": c.chatID,
		"text":    renderAlert(alert),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", c.baseURL, c.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram 响应码异常: %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			return fmt.Errorf("telegram 返回 ok=false")
		}
	}

	c.logger.Info().
		Str("rule_id", alert.RuleID).
		Str("severity", string(alert.Severity)).
		Msg("告警已发送 (Telegram)")
	return nil
}

func renderAlert(alert activity.Alert) string {
	builder := strings.Builder{}
	builder.WriteString(fmt.Sprintf("[SaleGuard Alert] %s\n", alert.RuleID))
	builder.WriteString(fmt.Sprintf("Severity: %s\n", alert.Severity))
	builder.WriteString(fmt.Sprintf("Time: %s UTC\n", alert.CreatedAt.UTC().Format(time.RFC3339)))
	builder.WriteString(fmt.Sprintf("Activity: %s\n", alert.Source.Type))
	builder.WriteString(fmt.Sprintf("Actor: %s\n", alert.Source.Actor.Hex()))
	if alert.Source.Counterparty != nil {
		builder.WriteString(fmt.Sprintf("Counterparty: %s\n", alert.Source.Counterparty.Hex()))
	}
	if !alert.Source.Amount.IsZero() {
		builder.WriteString(fmt.Sprintf("Amount: %s\n", alert.Source.Amount.String()))
	}
	builder.WriteString(alert.Description)
	return builder.String()
}

var _ Channel = (*TelegramChannel)(nil)
