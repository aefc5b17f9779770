package app

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"saleguard/internal/activity"
	"saleguard/internal/alerting"
	"saleguard/internal/anomaly"
	"saleguard/internal/config"
	"saleguard/internal/emergency"
	"saleguard/internal/executor"
	"saleguard/internal/feeder"
	"saleguard/internal/limits"
	"saleguard/internal/oracle"
	"saleguard/internal/quorum"
	"saleguard/internal/scheduler"
	"saleguard/internal/service"
	"saleguard/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

// core bundles the assembled control components for one command run.
type core struct {
	svc        *service.Service
	dispatcher *alerting.Dispatcher
	store      *storage.Store
	owner      common.Address
}

func (a *App) owner() (common.Address, error) {
	if !common.IsHexAddress(a.Config.App.Owner) {
		return common.Address{}, fmt.Errorf("app.owner %q is not a valid address", a.Config.App.Owner)
	}
	return common.HexToAddress(a.Config.App.Owner), nil
}

func (a *App) signerSet(owner common.Address) (quorum.SignerSet, error) {
	if len(a.Config.Quorum.Signers) == 0 {
		// Single-operator fallback; quorum of one.
		return quorum.NewSignerSet([]common.Address{owner}, 1)
	}

	signers := make([]common.Address, 0, len(a.Config.Quorum.Signers))
	for _, raw := range a.Config.Quorum.Signers {
		if !common.IsHexAddress(raw) {
			return quorum.SignerSet{}, fmt.Errorf("quorum.signers entry %q is not a valid address", raw)
		}
		signers = append(signers, common.HexToAddress(raw))
	}
	return quorum.NewSignerSet(signers, a.Config.Quorum.Required)
}

func (a *App) newExecutor() quorum.Executor {
	eth := a.Config.Ethereum
	if eth.RPCURL == "" || eth.PrivateKey == "" {
		a.Logger.Warn().Msg("ethereum executor not configured; transfers run in dry-run mode")
		return executor.NewDryRun(a.Logger)
	}
	return executor.NewChain(executor.Options{
		RPCURL:        eth.RPCURL,
		TokenAddress:  eth.TokenAddress,
		PrivateKeyHex: eth.PrivateKey,
		ChainID:       eth.ChainID,
		TokenDecimals: eth.TokenDecimals,
		Timeout:       eth.RequestTimeout,
	}, a.Logger)
}

func (a *App) newChannels() []alerting.Channel {
	channels := make([]alerting.Channel, 0, len(a.Config.Alerting.Channels))
	for _, name := range a.Config.Alerting.Channels {
		switch name {
		case "console":
			channels = append(channels, alerting.NewConsoleChannel(a.Logger))
		case "file":
			channels = append(channels, alerting.NewFileChannel(a.Config.Alerting.FilePath))
		case "telegram":
			tg := a.Config.Alerting.Telegram
			channels = append(channels, alerting.NewTelegramChannel(tg.BotToken, tg.ChatID, tg.APIBase, 10*time.Second, a.Logger))
		default:
			a.Logger.Warn().Str("channel", name).Msg("未知的告警通道，忽略")
		}
	}
	return channels
}

func severityRoutes(raw map[string][]string) map[activity.Severity][]string {
	if len(raw) == 0 {
		return nil
	}
	routes := make(map[activity.Severity][]string, len(raw))
	for severity, names := range raw {
		routes[activity.Severity(strings.ToUpper(severity))] = names
	}
	return routes
}

func (a *App) thresholds() (anomaly.Thresholds, error) {
	t := anomaly.DefaultThresholds()
	cfg := a.Config.Anomaly

	if cfg.LargeTransferAmount != "" {
		value, err := decimal.NewFromString(cfg.LargeTransferAmount)
		if err != nil {
			return anomaly.Thresholds{}, fmt.Errorf("anomaly.large_transfer_amount: %w", err)
		}
		t.LargeTransfer = value
	}
	if cfg.LargeInvestmentAmount != "" {
		value, err := decimal.NewFromString(cfg.LargeInvestmentAmount)
		if err != nil {
			return anomaly.Thresholds{}, fmt.Errorf("anomaly.large_investment_amount: %w", err)
		}
		t.LargeInvestment = value
	}
	if cfg.RapidTxCount > 0 {
		t.RapidCount = cfg.RapidTxCount
	}
	if cfg.RapidTxWindow > 0 {
		t.RapidWindow = cfg.RapidTxWindow
	}
	if cfg.RepeatedPatternCount > 0 {
		t.RepeatCount = cfg.RepeatedPatternCount
	}
	if cfg.PriceChangeAlertPct > 0 {
		t.PriceChangePct = uint64(cfg.PriceChangeAlertPct)
	}
	return t, nil
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

// buildCore 组装完整的控制核心。调用方负责执行返回的 closer。
func (a *App) buildCore(ctx context.Context, withAlerts bool) (*core, func(), error) {
	owner, err := a.owner()
	if err != nil {
		return nil, nil, err
	}

	priceOracle := oracle.New(oracle.Options{
		MaxCents:       uint64(a.Config.Oracle.MaxPriceCents),
		MaxChangePct:   uint64(a.Config.Oracle.MaxChangePct),
		Cooldown:       a.Config.Oracle.UpdateCooldown,
		ValidityWindow: a.Config.Oracle.ValidityWindow,
	}, a.Logger)

	bounds := limits.Bounds{
		MinCents:   uint64(a.Config.Limits.MinCents),
		MaxCents:   uint64(a.Config.Limits.MaxCents),
		LargeCents: uint64(a.Config.Limits.LargeCents),
	}
	calc, err := limits.NewCalculator(bounds, priceOracle)
	if err != nil {
		return nil, nil, err
	}

	periods := limits.Periods{
		MVPDeadline:     a.Config.Limits.MVPDeadline,
		ReleaseDeadline: a.Config.Limits.ReleaseDeadline,
	}

	signers, err := a.signerSet(owner)
	if err != nil {
		return nil, nil, err
	}

	exec := a.newExecutor()
	ledger := quorum.NewLedger(signers, exec, quorum.Options{Delay: a.Config.Quorum.Timelock}, a.Logger)

	control, err := emergency.New(owner, signers.Members(), a.Logger)
	if err != nil {
		return nil, nil, err
	}

	thresholds, err := a.thresholds()
	if err != nil {
		return nil, nil, err
	}
	engine := anomaly.NewEngine(anomaly.DefaultRules(thresholds), a.Config.Anomaly.HistorySize, a.Logger)

	var dispatcher *alerting.Dispatcher
	if withAlerts && a.Config.Alerting.Enabled {
		dispatcher = alerting.NewDispatcher(a.newChannels(), alerting.Options{
			Cooldown: a.Config.Alerting.Cooldown,
			Routes:   severityRoutes(a.Config.Alerting.Routes),
		}, a.Logger)
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return nil, nil, err
	}
	if store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; persistence disabled")
	}

	var svcStore service.Store
	if store != nil {
		svcStore = store
	}

	svc := service.New(owner, priceOracle, calc, periods, ledger, control, engine, dispatcher, exec, svcStore, a.Logger)
	if err := svc.Hydrate(ctx); err != nil {
		a.Logger.Warn().Err(err).Msg("failed to restore pending requests")
	}

	closer := func() {
		if closeStore != nil {
			closeStore()
		}
	}
	return &core{svc: svc, dispatcher: dispatcher, store: store, owner: owner}, closer, nil
}

// Run executes the long-running guard service: price feed, discrepancy
// monitor and async alert dispatch.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	c, closeCore, err := a.buildCore(ctx, true)
	if err != nil {
		return err
	}
	defer closeCore()

	if c.store != nil && a.Config.Scheduler.AdvisoryLockKey != 0 {
		unlock, acquired, lockErr := c.store.TryAdvisoryLock(ctx, a.Config.Scheduler.AdvisoryLockKey)
		if lockErr != nil {
			return fmt.Errorf("acquire advisory lock: %w", lockErr)
		}
		if !acquired {
			return errors.New("another saleguard instance holds the advisory lock")
		}
		defer unlock()
	}

	fetcher := feeder.NewHTTPFetcher(feeder.HTTPOptions{
		BaseURL:   a.Config.Feed.BaseURL,
		AssetID:   a.Config.Feed.AssetID,
		Currency:  a.Config.Feed.Currency,
		APIKey:    a.Config.Feed.APIKey,
		Timeout:   a.Config.Feed.RequestTimeout,
		UserAgent: a.Config.Feed.UserAgent,
	}, a.Logger)

	feed := feeder.New(fetcher, c.svc, feeder.Options{
		MaxAttempts: a.Config.Feed.MaxAttempts,
		Backoff:     a.Config.Feed.RetryBackoff,
	}, a.Logger)

	monitor := feeder.NewMonitor(fetcher, c.svc, c.svc, uint64(a.Config.Feed.DiscrepancyPct), a.Logger)

	feedSched := scheduler.New(scheduler.Options{
		Name:         "price_feed",
		Interval:     a.Config.Scheduler.FeedInterval,
		AlignToStart: a.Config.Scheduler.AlignToBucket,
		StartupDelay: a.Config.Scheduler.StartupDelay,
	}, a.Logger)

	monitorSched := scheduler.New(scheduler.Options{
		Name:         "price_monitor",
		Interval:     a.Config.Scheduler.MonitorInterval,
		AlignToStart: a.Config.Scheduler.AlignToBucket,
		StartupDelay: a.Config.Scheduler.StartupDelay,
	}, a.Logger)

	errCh := make(chan error, 3)
	if c.dispatcher != nil {
		go func() { errCh <- c.dispatcher.Run(ctx) }()
	}
	go func() { errCh <- feedSched.Run(ctx, feed.ProcessTick) }()
	go func() { errCh <- monitorSched.Run(ctx, monitor.ProcessTick) }()

	a.Logger.Info().Msg("starting guard service")
	runErr := <-errCh
	cancel()

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		a.Logger.Error().Err(runErr).Msg("guard service terminated with error")
		return runErr
	}

	a.Logger.Info().Msg("guard service stopped")
	return nil
}

// ExportOptions hold parameters for exporting price history.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit  int
	Alerts bool
}

// ReplayOptions configure the replay job.
type ReplayOptions struct {
	From time.Time
	To   time.Time
}
