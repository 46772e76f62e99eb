package gateway

import (
	"context"
	"fmt"
	"strings"

	"pricepush/pkg/logx"
)

type Config struct {
	Driver        string
	MaxRecipients int
	Telegram      TelegramConfig
	SNS           SNSConfig
	Breaker       *BreakerConfig // nil disables the breaker
}

// Open builds the configured driver. An empty driver means "log".
func Open(ctx context.Context, cfg Config, log logx.Logger) (Gateway, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))

	var (
		g   Gateway
		err error
	)
	switch driver {
	case "", "log":
		g = NewLog(log, cfg.MaxRecipients)
	case "telegram":
		tc := cfg.Telegram
		tc.MaxRecipients = cfg.MaxRecipients
		g, err = NewTelegram(tc, log)
	case "sns":
		sc := cfg.SNS
		sc.MaxRecipients = cfg.MaxRecipients
		g, err = NewSNS(ctx, sc, log)
	default:
		return nil, fmt.Errorf("unknown gateway driver: %s", driver)
	}
	if err != nil {
		return nil, err
	}
	if cfg.Breaker != nil {
		bc := *cfg.Breaker
		if bc.Name == "" {
			bc.Name = "gateway-" + driver
		}
		g = NewBreaker(g, bc, log)
	}
	return g, nil
}
