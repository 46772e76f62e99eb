package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pricepush/internal/content"
	"pricepush/pkg/logx"
)

func TestErrorClassification(t *testing.T) {
	t.Parallel()
	base := errors.New("boom")

	assert.False(t, Permanent(base))
	assert.True(t, Permanent(NoRetry(base)))
	assert.True(t, Permanent(fmt.Errorf("wrapped: %w", NoRetry(base))))
	assert.True(t, Permanent(&Error{Op: "x", Err: base}))
	assert.False(t, Permanent(&Error{Op: "x", Retryable: true, Err: base}))
	assert.Nil(t, NoRetry(nil))

	d, ok := RetryAfterHint(fmt.Errorf("ctx: %w", RetryAfter(base, 7*time.Second)))
	require.True(t, ok)
	assert.Equal(t, 7*time.Second, d)
	_, ok = RetryAfterHint(base)
	assert.False(t, ok)
	assert.ErrorIs(t, RetryAfter(base, -time.Second), base)
}

func TestPushEachPartialAndTotal(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	send := func(_ context.Context, r string) error {
		if strings.HasPrefix(r, "bad") {
			return NoRetry(errors.New("blocked"))
		}
		return nil
	}

	res, err := pushEach(ctx, []string{"a", "bad1", "b", "bad2"}, send)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Sent)
	assert.Equal(t, []string{"bad1", "bad2"}, res.Failed)
	assert.True(t, IsNoRetry(res.FailedErr))

	_, err = pushEach(ctx, []string{"bad1", "bad2"}, send)
	var ge *Error
	require.ErrorAs(t, err, &ge)
	assert.False(t, ge.Retryable)
	assert.Equal(t, 2, ge.Recipients)

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	_, err = pushEach(cctx, []string{"a"}, send)
	require.ErrorIs(t, err, context.Canceled)
}

func TestLogGateway(t *testing.T) {
	t.Parallel()
	g := NewLog(logx.Nop(), 2)
	ctx := context.Background()
	p := content.Text{Body: "hi"}

	res, err := g.PushBatch(ctx, []string{"1", "2"}, p, Options{TaskID: "t"})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Sent)
	require.NoError(t, g.PushOne(ctx, "3", p))
	assert.Equal(t, 3, g.Sent())

	_, err = g.PushBatch(ctx, []string{"1", "2", "3"}, p, Options{})
	require.ErrorIs(t, err, ErrTooManyRecipients)
}

type flakyGateway struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *flakyGateway) MaxRecipients() int { return 10 }
func (f *flakyGateway) PushOne(context.Context, string, content.Payload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.err
}
func (f *flakyGateway) PushBatch(_ context.Context, rs []string, _ content.Payload, _ Options) (BatchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return BatchResult{}, f.err
	}
	return BatchResult{Sent: len(rs)}, nil
}

func TestBreakerOpensAndFailsFast(t *testing.T) {
	t.Parallel()
	inner := &flakyGateway{err: &Error{Op: "push_batch", Retryable: true, Err: errors.New("503")}}
	cfg := DefaultBreakerConfig("test")
	cfg.MinRequests = 2
	cfg.Timeout = time.Minute
	b := NewBreaker(inner, cfg, logx.Nop())
	ctx := context.Background()
	p := content.Text{Body: "x"}

	for i := 0; i < 2; i++ {
		_, err := b.PushBatch(ctx, []string{"1"}, p, Options{})
		require.Error(t, err)
	}
	assert.Equal(t, "open", b.State())

	_, err := b.PushBatch(ctx, []string{"1"}, p, Options{})
	require.ErrorIs(t, err, ErrCircuitOpen)
	d, ok := RetryAfterHint(err)
	require.True(t, ok)
	assert.Equal(t, time.Minute, d)
	assert.Equal(t, 2, inner.calls)
}

func TestBreakerIgnoresPermanentErrors(t *testing.T) {
	t.Parallel()
	inner := &flakyGateway{err: NoRetry(errors.New("chat not found"))}
	cfg := DefaultBreakerConfig("test")
	cfg.MinRequests = 1
	b := NewBreaker(inner, cfg, logx.Nop())

	for i := 0; i < 5; i++ {
		err := b.PushOne(context.Background(), "1", content.Text{Body: "x"})
		require.True(t, IsNoRetry(err))
	}
	assert.Equal(t, "closed", b.State())
	assert.Equal(t, 5, inner.calls)
}

type fakeSNS struct {
	mu   sync.Mutex
	ins  []*sns.PublishInput
	fail map[string]error
}

type snsAPIError struct{ code string }

func (e snsAPIError) Error() string     { return "api error " + e.code }
func (e snsAPIError) ErrorCode() string { return e.code }

func (f *fakeSNS) Publish(_ context.Context, in *sns.PublishInput, _ ...func(*sns.Options)) (*sns.PublishOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ins = append(f.ins, in)
	key := ""
	switch {
	case in.PhoneNumber != nil:
		key = *in.PhoneNumber
	case in.TargetArn != nil:
		key = *in.TargetArn
	}
	if err := f.fail[key]; err != nil {
		return nil, err
	}
	return &sns.PublishOutput{}, nil
}

func TestSNSRoutesRecipients(t *testing.T) {
	t.Parallel()
	fake := &fakeSNS{fail: map[string]error{"+15550000": snsAPIError{code: "InvalidParameter"}}}
	g := NewSNSWithClient(fake, SNSConfig{TopicARN: "arn:aws:sns:us-east-1:1:alerts"}, logx.Nop())

	res, err := g.PushBatch(context.Background(),
		[]string{"+15551234", "arn:aws:sns:us-east-1:1:endpoint/APNS/app/abc", "user-42", "+15550000"},
		content.Text{Body: "BTC above 70000"}, Options{TaskID: "t1"})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Sent)
	assert.Equal(t, []string{"+15550000"}, res.Failed)
	assert.True(t, Permanent(res.FailedErr))

	require.Len(t, fake.ins, 4)
	assert.Equal(t, "+15551234", *fake.ins[0].PhoneNumber)
	assert.NotNil(t, fake.ins[1].TargetArn)
	assert.Equal(t, "arn:aws:sns:us-east-1:1:alerts", *fake.ins[2].TopicArn)
	assert.Equal(t, "user-42", *fake.ins[2].MessageAttributes["recipient"].StringValue)
	assert.Equal(t, "BTC above 70000", *fake.ins[0].Message)
}

func TestSNSRejectsUnroutableRecipient(t *testing.T) {
	t.Parallel()
	g := NewSNSWithClient(&fakeSNS{}, SNSConfig{}, logx.Nop())
	err := g.PushOne(context.Background(), "user-42", content.Text{Body: "x"})
	require.ErrorIs(t, err, ErrInvalidRecipient)
	assert.True(t, Permanent(err))
}

func TestTelegramSendsThroughBotAPI(t *testing.T) {
	t.Parallel()
	var (
		mu    sync.Mutex
		chats []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var req map[string]any
		_ = json.Unmarshal(body, &req)
		chat := fmt.Sprint(req["chat_id"])
		mu.Lock()
		chats = append(chats, chat)
		mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		if chat == "403" {
			_, _ = io.WriteString(w, `{"ok":false,"error_code":403,"description":"Forbidden: bot was blocked by the user"}`)
			return
		}
		_, _ = fmt.Fprintf(w, `{"ok":true,"result":{"message_id":1,"date":0,"chat":{"id":%s,"type":"private"},"text":"x"}}`, chat)
	}))
	defer srv.Close()

	g, err := NewTelegram(TelegramConfig{Token: "123:abc", URL: srv.URL, RatePerSec: 1000}, logx.Nop())
	require.NoError(t, err)

	res, err := g.PushBatch(context.Background(), []string{"101", "403", "102", "not-a-chat"}, content.Text{Body: "hello"}, Options{})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Sent)
	assert.ElementsMatch(t, []string{"403", "not-a-chat"}, res.Failed)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"101", "403", "102"}, chats)
}

func TestOpenDrivers(t *testing.T) {
	t.Parallel()
	g, err := Open(context.Background(), Config{MaxRecipients: 50}, logx.Nop())
	require.NoError(t, err)
	assert.Equal(t, 50, g.MaxRecipients())

	bc := DefaultBreakerConfig("")
	g, err = Open(context.Background(), Config{Driver: "log", Breaker: &bc}, logx.Nop())
	require.NoError(t, err)
	require.IsType(t, &Breaker{}, g)

	_, err = Open(context.Background(), Config{Driver: "telegram"}, logx.Nop())
	require.Error(t, err)
	_, err = Open(context.Background(), Config{Driver: "pigeon"}, logx.Nop())
	require.Error(t, err)
}
