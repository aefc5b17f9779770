package alerting

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"saleguard/internal/activity"
)

// Channel 定义告警输送接口。
type Channel interface {
	Name() string
	Enabled() bool
	Send(ctx context.Context, alert activity.Alert) error
}

// ConsoleChannel writes alerts to the structured log. Always enabled.
type ConsoleChannel struct {
	logger zerolog.Logger
}

// NewConsoleChannel constructs the console channel.
func NewConsoleChannel(logger zerolog.Logger) *ConsoleChannel {
	return &ConsoleChannel{logger: logger.With().Str("component", "alert_console").Logger()}
}

func (c *ConsoleChannel) Name() string  { return "console" }
func (c *ConsoleChannel) Enabled() bool { return true }

func (c *ConsoleChannel) Send(_ context.Context, alert activity.Alert) error {
	c.logger.Warn().
		Str("rule_id", alert.RuleID).
		Str("severity", string(alert.Severity)).
		Str("activity_type", string(alert.Source.Type)).
		Str("actor", alert.Source.Actor.Hex()).
		Time("created_at", alert.CreatedAt).
		Msg(alert.Description)
	return nil
}

// FileChannel appends alerts to a JSON-lines file.
type FileChannel struct {
	path string

	mu sync.Mutex
}

// NewFileChannel constructs the file channel; an empty path disables it.
func NewFileChannel(path string) *FileChannel {
	return &FileChannel{path: path}
}

func (c *FileChannel) Name() string  { return "file" }
func (c *FileChannel) Enabled() bool { return c.path != "" }

func (c *FileChannel) Send(_ context.Context, alert activity.Alert) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	file, err := os.OpenFile(c.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open alert log: %w", err)
	}
	defer file.Close()

	line := struct {
		ID          string            `json:"id"`
		RuleID      string            `json:"rule_id"`
		Severity    activity.Severity `json:"severity"`
		Description string            `json:"description"`
		Actor       string            `json:"actor"`
		CreatedAt   time.Time         `json:"created_at"`
	}{
		ID:          alert.ID,
		RuleID:      alert.RuleID,
		Severity:    alert.Severity,
		Description: alert.Description,
		Actor:       alert.Source.Actor.Hex(),
		CreatedAt:   alert.CreatedAt,
	}

	encoder := json.NewEncoder(file)
	if err := encoder.Encode(line); err != nil {
		return fmt.Errorf("append alert log: %w", err)
	}
	return nil
}

var (
	_ Channel = (*ConsoleChannel)(nil)
	_ Channel = (*FileChannel)(nil)
)
