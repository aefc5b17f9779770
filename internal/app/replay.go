package app

import (
	"context"
	"errors"
)

// Replay 重放历史活动，按当前规则集重新产生告警。
func (a *App) Replay(ctx context.Context, opts ReplayOptions) error {
	start := opts.From.UTC()
	end := opts.To.UTC()
	if !start.Before(end) {
		return errors.New("重放范围为空，请检查 --from/--to")
	}

	c, closeCore, err := a.buildCore(ctx, true)
	if err != nil {
		return err
	}
	defer closeCore()

	if c.store == nil {
		return errors.New("database.dsn 未配置，无法重放")
	}

	if c.dispatcher != nil {
		dispatchCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		go func() { _ = c.dispatcher.Run(dispatchCtx) }()
	}

	emitted, err := c.svc.Replay(ctx, start, end)
	if err != nil {
		a.Logger.Error().Err(err).Msg("重放失败")
		return err
	}

	a.Logger.Info().Int("alerts", emitted).Msg("重放完成")
	return nil
}
