package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"pricepush/internal/content"
	"pricepush/pkg/logx"
)

type TelegramConfig struct {
	Token      string
	ParseMode  string
	RatePerSec float64 // 0 means 25/s, under Telegram's global bot limit
	// URL overrides the Bot API endpoint.
	URL           string
	MaxRecipients int
}

// Telegram pushes to chat ids through the Bot API. Telegram has no multicast,
// so a batch is a paced sequence of sendMessage calls.
type Telegram struct {
	bot     *tele.Bot
	log     logx.Logger
	limiter *rate.Limiter
	mode    tele.ParseMode
	max     int
}

func NewTelegram(cfg TelegramConfig, log logx.Logger) (*Telegram, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		URL:     cfg.URL,
		Offline: true,
		Client:  &http.Client{Timeout: 8 * time.Second},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 25
	}
	limit := cfg.MaxRecipients
	if limit <= 0 {
		limit = DefaultMaxRecipients
	}
	return &Telegram{
		bot:     b,
		log:     log.With(logx.String("comp", "gateway"), logx.String("driver", "telegram")),
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
		mode:    tele.ParseMode(cfg.ParseMode),
		max:     limit,
	}, nil
}

func (t *Telegram) MaxRecipients() int { return t.max }

func (t *Telegram) PushOne(ctx context.Context, recipient string, p content.Payload) error {
	if err := t.send(ctx, recipient, content.Render(p)); err != nil {
		return &Error{Op: "push_one", Recipients: 1, Retryable: !Permanent(err), Err: err}
	}
	return nil
}

func (t *Telegram) PushBatch(ctx context.Context, recipients []string, p content.Payload, opts Options) (BatchResult, error) {
	if len(recipients) > t.max {
		return BatchResult{}, &Error{Op: "push_batch", Recipients: len(recipients), Err: ErrTooManyRecipients}
	}
	text := content.Render(p)
	res, err := pushEach(ctx, recipients, func(ctx context.Context, r string) error {
		return t.send(ctx, r, text)
	})
	if len(res.Failed) > 0 {
		t.log.Debug("partial batch failure", logx.String("task", opts.TaskID), logx.Int("failed", len(res.Failed)), logx.Err(res.FailedErr))
	}
	return res, err
}

func (t *Telegram) send(ctx context.Context, recipient, text string) error {
	chatID, err := strconv.ParseInt(strings.TrimSpace(recipient), 10, 64)
	if err != nil {
		return NoRetry(fmt.Errorf("%w %q: not a chat id", ErrInvalidRecipient, recipient))
	}
	if err := t.limiter.Wait(ctx); err != nil {
		return err
	}
	_, err = t.bot.Send(&tele.Chat{ID: chatID}, text, &tele.SendOptions{
		ParseMode:             t.mode,
		DisableWebPagePreview: true,
	})
	return classifyTelegram(err)
}

// classifyTelegram marks Bot API client errors permanent and carries flood waits.
func classifyTelegram(err error) error {
	if err == nil {
		return nil
	}
	var flood tele.FloodError
	if errors.As(err, &flood) {
		return RetryAfter(err, time.Duration(flood.RetryAfter)*time.Second)
	}
	var te *tele.Error
	if errors.As(err, &te) && (te.Code == http.StatusBadRequest || te.Code == http.StatusForbidden) {
		return NoRetry(err)
	}
	return err
}
