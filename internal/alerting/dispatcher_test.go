package alerting

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"saleguard/internal/activity"
)

type recordingChannel struct {
	name    string
	enabled bool
	err     error

	mu   sync.Mutex
	sent []activity.Alert
}

func (c *recordingChannel) Name() string  { return c.name }
func (c *recordingChannel) Enabled() bool { return c.enabled }

func (c *recordingChannel) Send(_ context.Context, alert activity.Alert) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.sent = append(c.sent, alert)
	return nil
}

func (c *recordingChannel) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

func TestDispatchCooldownSuppression(t *testing.T) {
	channel := &recordingChannel{name: "console", enabled: true}
	d := NewDispatcher([]Channel{channel}, Options{Cooldown: 5 * time.Minute}, testLogger())

	now := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return now }

	alert := testAlert()
	d.Dispatch(context.Background(), alert)
	d.Dispatch(context.Background(), alert)
	if channel.count() != 1 {
		t.Fatalf("cooldown 内重复告警应被抑制, 发送了 %d 次", channel.count())
	}

	// Different severity has its own cooldown key.
	critical := alert
	critical.Severity = activity.SeverityCritical
	d.Dispatch(context.Background(), critical)
	if channel.count() != 2 {
		t.Fatalf("不同 severity 不应共享 cooldown, 发送了 %d 次", channel.count())
	}

	now = now.Add(6 * time.Minute)
	d.Dispatch(context.Background(), alert)
	if channel.count() != 3 {
		t.Fatalf("cooldown 过期后应重新发送, 发送了 %d 次", channel.count())
	}
}

func TestDispatchChannelFailureIsolation(t *testing.T) {
	failing := &recordingChannel{name: "telegram", enabled: true, err: errors.New("boom")}
	healthy := &recordingChannel{name: "console", enabled: true}
	disabled := &recordingChannel{name: "file", enabled: false}

	d := NewDispatcher([]Channel{failing, healthy, disabled}, Options{}, testLogger())
	d.Dispatch(context.Background(), testAlert())

	if healthy.count() != 1 {
		t.Fatal("健康通道不应被失败通道阻断")
	}
	if disabled.count() != 0 {
		t.Fatal("禁用通道不应收到告警")
	}
}

func TestDispatchSeverityRouting(t *testing.T) {
	console := &recordingChannel{name: "console", enabled: true}
	telegram := &recordingChannel{name: "telegram", enabled: true}

	d := NewDispatcher([]Channel{console, telegram}, Options{
		Routes: map[activity.Severity][]string{
			activity.SeverityHigh: {"console"},
		},
	}, testLogger())

	high := testAlert() // SeverityHigh
	d.Dispatch(context.Background(), high)
	if console.count() != 1 || telegram.count() != 0 {
		t.Fatalf("HIGH 应仅路由到 console: console=%d telegram=%d", console.count(), telegram.count())
	}

	// Unrouted severity falls back to all channels.
	medium := testAlert()
	medium.RuleID = "RAPID_TRANSACTIONS"
	medium.Severity = activity.SeverityMedium
	d.Dispatch(context.Background(), medium)
	if console.count() != 2 || telegram.count() != 1 {
		t.Fatalf("MEDIUM 应广播: console=%d telegram=%d", console.count(), telegram.count())
	}
}

func TestEnqueueNeverBlocks(t *testing.T) {
	d := NewDispatcher(nil, Options{QueueSize: 1}, testLogger())

	// Queue capacity 1; the second enqueue must drop, not block.
	done := make(chan struct{})
	go func() {
		d.Enqueue(testAlert())
		d.Enqueue(testAlert())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Enqueue 阻塞")
	}
}

func TestRunDrainsQueue(t *testing.T) {
	channel := &recordingChannel{name: "console", enabled: true}
	d := NewDispatcher([]Channel{channel}, Options{}, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = d.Run(ctx) }()

	d.Enqueue(testAlert())

	deadline := time.After(time.Second)
	for channel.count() == 0 {
		select {
		case <-deadline:
			t.Fatal("queued alert 未被消费")
		case <-time.After(10 * time.Millisecond):
		}
	}
}
