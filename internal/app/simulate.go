package app

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"saleguard/internal/activity"
	"saleguard/internal/alerting"
	"saleguard/internal/anomaly"
)

// SimulateAlert 构造一条可疑活动并完整走一遍检测与通知链路。
func (a *App) SimulateAlert(ctx context.Context, amount decimal.Decimal) error {
	if !a.Config.Alerting.Enabled {
		return errors.New("alerting 未启用")
	}

	channels := a.newChannels()
	if len(channels) == 0 {
		return errors.New("未配置任何告警通道")
	}

	thresholds, err := a.thresholds()
	if err != nil {
		return err
	}
	engine := anomaly.NewEngine(anomaly.DefaultRules(thresholds), a.Config.Anomaly.HistorySize, a.Logger)
	dispatcher := alerting.NewDispatcher(channels, alerting.Options{
		Cooldown: a.Config.Alerting.Cooldown,
	}, a.Logger)

	if amount.Sign() <= 0 {
		amount = thresholds.LargeTransfer.Add(decimal.NewFromInt(1))
	}

	act := activity.New(activity.TypeTransfer, common.HexToAddress("0x00000000000000000000000000000000000000F0"), time.Now().UTC())
	counterparty := common.HexToAddress("0x00000000000000000000000000000000000000F1")
	act.Counterparty = &counterparty
	act.Amount = amount
	act.Reason = "simulated"

	alerts := engine.Observe(act)
	if len(alerts) == 0 {
		return errors.New("模拟活动未触发任何规则，请调大 --amount")
	}

	for _, alert := range alerts {
		dispatcher.Dispatch(ctx, alert)
	}

	a.Logger.Info().Int("alerts", len(alerts)).Msg("模拟告警已发送")
	return nil
}
