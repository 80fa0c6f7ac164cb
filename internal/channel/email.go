package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"go.uber.org/zap"

	"github.com/afroverse/notify/internal/db"
	"github.com/afroverse/notify/internal/dispatch"
)

// ErrNoEmailAddress means the notification metadata carries no recipient
// address.
var ErrNoEmailAddress = errors.New("notification metadata missing email address")

// sesAPI is the subset of the SES client the email sender uses.
type sesAPI interface {
	SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
}

// EmailSender is the last link of the fallback chain, delivering via SES.
type EmailSender struct {
	client sesAPI
	from   string
	logger *zap.Logger

	sent   atomic.Int64
	failed atomic.Int64
}

type EmailConfig struct {
	Region    string
	FromEmail string
}

// NewEmailSender creates the SES sender.
func NewEmailSender(ctx context.Context, cfg EmailConfig, logger *zap.Logger) (*EmailSender, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config for SES: %w", err)
	}
	return &EmailSender{
		client: ses.NewFromConfig(awsCfg),
		from:   cfg.FromEmail,
		logger: logger,
	}, nil
}

// NewEmailSenderWithClient injects an SES client, used by tests.
func NewEmailSenderWithClient(client sesAPI, from string, logger *zap.Logger) *EmailSender {
	return &EmailSender{client: client, from: from, logger: logger}
}

// Send emails the notification title/message to the address in metadata.
func (s *EmailSender) Send(ctx context.Context, notif *db.Notification, _ dispatch.Preferences) (string, error) {
	var meta notifMetadata
	if len(notif.Metadata) > 0 {
		if err := json.Unmarshal(notif.Metadata, &meta); err != nil {
			s.failed.Add(1)
			return "", fmt.Errorf("invalid notification metadata: %w", err)
		}
	}
	if meta.Email == "" {
		s.failed.Add(1)
		return "", ErrNoEmailAddress
	}

	subject := notif.Title
	if subject == "" {
		subject = "Afroverse"
	}

	input := &ses.SendEmailInput{
		Source: aws.String(s.from),
		Destination: &types.Destination{
			ToAddresses: []string{meta.Email},
		},
		Message: &types.Message{
			Subject: &types.Content{
				Data:    aws.String(subject),
				Charset: aws.String("UTF-8"),
			},
			Body: &types.Body{
				Text: &types.Content{
					Data:    aws.String(notif.Message),
					Charset: aws.String("UTF-8"),
				},
			},
		},
	}

	result, err := s.client.SendEmail(ctx, input)
	if err != nil {
		s.failed.Add(1)
		return "", fmt.Errorf("ses send failed: %w", err)
	}

	s.sent.Add(1)
	s.logger.Info("email sent",
		zap.String("notification_id", notif.ID.String()),
		zap.String("to", meta.Email),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)
	return aws.ToString(result.MessageId), nil
}

// Stats reports the sender's delivery counters.
func (s *EmailSender) Stats() map[string]any {
	return map[string]any{
		"sent":   s.sent.Load(),
		"failed": s.failed.Load(),
	}
}
