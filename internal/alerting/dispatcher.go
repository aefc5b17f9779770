package alerting

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"saleguard/internal/activity"
)

type cooldownKey struct {
	ruleID   string
	severity activity.Severity
}

// Options tune dispatch behaviour.
type Options struct {
	// Cooldown suppresses repeated dispatches per (rule, severity) key.
	Cooldown time.Duration
	// Routes maps a severity to the channel names that receive it. A
	// missing entry falls back to all enabled channels.
	Routes map[activity.Severity][]string
	// QueueSize bounds the async dispatch queue.
	QueueSize int
}

// Dispatcher fans alerts out to notification channels. Dispatch is
// asynchronous so core state transitions never block on notification
// I/O; per-channel failures are logged and never propagated.
type Dispatcher struct {
	channels []Channel
	opts     Options
	logger   zerolog.Logger

	mu       sync.Mutex
	lastSent map[cooldownKey]time.Time

	queue chan activity.Alert

	now func() time.Time
}

// NewDispatcher constructs a dispatcher over the given channels.
func NewDispatcher(channels []Channel, opts Options, logger zerolog.Logger) *Dispatcher {
	if opts.Cooldown <= 0 {
		opts.Cooldown = 5 * time.Minute
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	return &Dispatcher{
		channels: channels,
		opts:     opts,
		logger:   logger.With().Str("component", "dispatcher").Logger(),
		lastSent: make(map[cooldownKey]time.Time),
		queue:    make(chan activity.Alert, opts.QueueSize),
		now:      time.Now,
	}
}

// Enqueue hands an alert to the async worker. Never blocks; when the
// queue is full the alert degrades to log-only.
func (d *Dispatcher) Enqueue(alert activity.Alert) {
	select {
	case d.queue <- alert:
	default:
		d.logger.Error().
			Str("rule_id", alert.RuleID).
			Str("severity", string(alert.Severity)).
			Msg("dispatch queue full, alert dropped to log")
	}
}

// Run consumes the queue until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case alert := <-d.queue:
			d.Dispatch(ctx, alert)
		}
	}
}

// Dispatch sends one alert synchronously: cooldown check, then
// independent sends to every routed channel with errors collected, not
// propagated.
func (d *Dispatcher) Dispatch(ctx context.Context, alert activity.Alert) {
	if !d.takeCooldown(alert) {
		d.logger.Debug().
			Str("rule_id", alert.RuleID).
			Str("severity", string(alert.Severity)).
			Msg("alert suppressed by cooldown")
		return
	}

	routed := d.routedChannels(alert.Severity)
	for _, channel := range routed {
		if !channel.Enabled() {
			continue
		}
		if err := channel.Send(ctx, alert); err != nil {
			// One failing channel never blocks the rest.
			d.logger.Error().Err(err).
				Str("channel", channel.Name()).
				Str("rule_id", alert.RuleID).
				Msg("alert channel send failed")
		}
	}
}

// takeCooldown records the dispatch timestamp unless the key is still
// cooling down.
func (d *Dispatcher) takeCooldown(alert activity.Alert) bool {
	key := cooldownKey{ruleID: alert.RuleID, severity: alert.Severity}

	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if last, ok := d.lastSent[key]; ok && now.Sub(last) < d.opts.Cooldown {
		return false
	}
	d.lastSent[key] = now
	return true
}

func (d *Dispatcher) routedChannels(severity activity.Severity) []Channel {
	names, ok := d.opts.Routes[severity]
	if !ok {
		return d.channels
	}
	routed := make([]Channel, 0, len(names))
	for _, channel := range d.channels {
		for _, name := range names {
			if channel.Name() == name {
				routed = append(routed, channel)
				break
			}
		}
	}
	return routed
}
