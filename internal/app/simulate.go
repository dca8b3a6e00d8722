package app

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"windowgate/internal/alerting"
	"windowgate/internal/alerts"
)

// SimulateAlert 通过已配置的告警通道发送一条测试通知。
func (a *App) SimulateAlert(ctx context.Context, opts SimulateOptions) error {
	notifier, closeNotifier := a.newNotifier()
	defer closeNotifier()
	if _, ok := notifier.(alerting.Nop); ok {
		return errors.New("未配置任何告警通道")
	}

	def := alerts.Definition{Type: opts.Type, Threshold: opts.Value, WindowMinutes: 15, Symbol: opts.Symbol}
	rule, err := def.Rule()
	if err != nil {
		return err
	}

	note := alerting.Notification{
		AlertID:     "a_simulated",
		Type:        string(rule.Type()),
		Symbol:      rule.SymbolFilter(),
		Value:       decimal.NewFromFloat(opts.Value),
		Threshold:   decimal.NewFromFloat(rule.ThresholdValue()),
		Window:      rule.Window(),
		TriggeredAt: time.Now().UTC(),
	}
	return notifier.Notify(ctx, note)
}
