package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	snstypes "github.com/aws/aws-sdk-go-v2/service/sns/types"

	"pricepush/internal/content"
	"pricepush/pkg/logx"
)

type SNSConfig struct {
	Region string
	// TopicARN receives recipients that are neither phone numbers nor endpoint
	// ARNs; the recipient id travels as the "recipient" message attribute for
	// subscription filter policies.
	TopicARN      string
	MaxRecipients int
}

// SNSPublisher is the subset of the SNS client used here.
type SNSPublisher interface {
	Publish(ctx context.Context, in *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SNS pushes SMS (E.164 recipients) and mobile push (endpoint ARN recipients).
type SNS struct {
	client SNSPublisher
	topic  string
	log    logx.Logger
	max    int
}

// NewSNS loads AWS credentials from the default chain.
func NewSNS(ctx context.Context, cfg SNSConfig, log logx.Logger) (*SNS, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewSNSWithClient(sns.NewFromConfig(awsCfg), cfg, log), nil
}

func NewSNSWithClient(client SNSPublisher, cfg SNSConfig, log logx.Logger) *SNS {
	if log.IsZero() {
		log = logx.Nop()
	}
	limit := cfg.MaxRecipients
	if limit <= 0 {
		limit = DefaultMaxRecipients
	}
	return &SNS{
		client: client,
		topic:  cfg.TopicARN,
		log:    log.With(logx.String("comp", "gateway"), logx.String("driver", "sns")),
		max:    limit,
	}
}

func (s *SNS) MaxRecipients() int { return s.max }

func (s *SNS) PushOne(ctx context.Context, recipient string, p content.Payload) error {
	if err := s.publish(ctx, recipient, content.Render(p)); err != nil {
		return &Error{Op: "push_one", Recipients: 1, Retryable: !Permanent(err), Err: err}
	}
	return nil
}

func (s *SNS) PushBatch(ctx context.Context, recipients []string, p content.Payload, opts Options) (BatchResult, error) {
	if len(recipients) > s.max {
		return BatchResult{}, &Error{Op: "push_batch", Recipients: len(recipients), Err: ErrTooManyRecipients}
	}
	msg := content.Render(p)
	res, err := pushEach(ctx, recipients, func(ctx context.Context, r string) error {
		return s.publish(ctx, r, msg)
	})
	if len(res.Failed) > 0 {
		s.log.Debug("partial batch failure", logx.String("task", opts.TaskID), logx.Int("failed", len(res.Failed)), logx.Err(res.FailedErr))
	}
	return res, err
}

func (s *SNS) publish(ctx context.Context, recipient, msg string) error {
	in := &sns.PublishInput{Message: aws.String(msg)}
	r := strings.TrimSpace(recipient)
	switch {
	case strings.HasPrefix(r, "arn:"):
		in.TargetArn = aws.String(r)
	case strings.HasPrefix(r, "+"):
		in.PhoneNumber = aws.String(r)
	case s.topic != "" && r != "":
		in.TopicArn = aws.String(s.topic)
		in.MessageAttributes = map[string]snstypes.MessageAttributeValue{
			"recipient": {DataType: aws.String("String"), StringValue: aws.String(r)},
		}
	default:
		return NoRetry(fmt.Errorf("%w %q: want E.164 number or endpoint ARN", ErrInvalidRecipient, recipient))
	}
	_, err := s.client.Publish(ctx, in)
	return classifySNS(err)
}

type apiError interface {
	ErrorCode() string
}

func classifySNS(err error) error {
	if err == nil {
		return nil
	}
	var ae apiError
	if !errors.As(err, &ae) {
		return err
	}
	switch ae.ErrorCode() {
	case "InvalidParameter", "InvalidParameterValue", "EndpointDisabled", "NotFound", "AuthorizationError":
		return NoRetry(err)
	}
	return err
}
