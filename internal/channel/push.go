// Package channel implements the concrete senders behind the dispatcher:
// push (SNS platform endpoints), WhatsApp Cloud API, in-app, and email
// (SES), plus a development log sender.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/afroverse/notify/internal/db"
	"github.com/afroverse/notify/internal/dispatch"
)

// ErrNoValidDevice means the user has no active device token used within
// the last 30 days. Treated as an invalid-recipient failure, not a crash.
var ErrNoValidDevice = errors.New("no valid device token for user")

// TokenStore resolves a user's deliverable push registrations.
type TokenStore interface {
	ValidDeviceTokens(ctx context.Context, userID uuid.UUID) ([]*db.DeviceToken, error)
	DeactivateDeviceToken(ctx context.Context, token string) error
}

// snsAPI is the subset of the SNS client the push sender uses.
type snsAPI interface {
	CreatePlatformEndpoint(ctx context.Context, params *sns.CreatePlatformEndpointInput, optFns ...func(*sns.Options)) (*sns.CreatePlatformEndpointOutput, error)
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// PushSender delivers to every valid device of the user through SNS
// platform endpoints. One device accepting the message counts as success.
type PushSender struct {
	client         snsAPI
	platformAppARN string
	tokens         TokenStore
	logger         *zap.Logger

	sent   atomic.Int64
	failed atomic.Int64
}

type PushConfig struct {
	Region         string
	PlatformAppARN string
}

// NewPushSender creates the SNS-backed push sender.
func NewPushSender(ctx context.Context, cfg PushConfig, tokens TokenStore, logger *zap.Logger) (*PushSender, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config for SNS: %w", err)
	}
	return &PushSender{
		client:         sns.NewFromConfig(awsCfg),
		platformAppARN: cfg.PlatformAppARN,
		tokens:         tokens,
		logger:         logger,
	}, nil
}

// NewPushSenderWithClient injects an SNS client, used by tests.
func NewPushSenderWithClient(client snsAPI, platformAppARN string, tokens TokenStore, logger *zap.Logger) *PushSender {
	return &PushSender{client: client, platformAppARN: platformAppARN, tokens: tokens, logger: logger}
}

type pushPayload struct {
	Title    string          `json:"title"`
	Message  string          `json:"message"`
	Type     string          `json:"type"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// Send publishes the notification to each of the user's valid devices.
func (s *PushSender) Send(ctx context.Context, notif *db.Notification, _ dispatch.Preferences) (string, error) {
	devices, err := s.tokens.ValidDeviceTokens(ctx, notif.UserID)
	if err != nil {
		s.failed.Add(1)
		return "", fmt.Errorf("load device tokens: %w", err)
	}
	if len(devices) == 0 {
		s.failed.Add(1)
		return "", ErrNoValidDevice
	}

	body, err := json.Marshal(pushPayload{
		Title:    notif.Title,
		Message:  notif.Message,
		Type:     notif.Type,
		Metadata: notif.Metadata,
	})
	if err != nil {
		s.failed.Add(1)
		return "", fmt.Errorf("marshal push payload: %w", err)
	}

	var (
		firstID string
		lastErr error
	)
	for _, device := range devices {
		endpoint, err := s.client.CreatePlatformEndpoint(ctx, &sns.CreatePlatformEndpointInput{
			PlatformApplicationArn: aws.String(s.platformAppARN),
			Token:                  aws.String(device.Token),
		})
		if err != nil {
			lastErr = fmt.Errorf("create platform endpoint: %w", err)
			continue
		}

		result, err := s.client.Publish(ctx, &sns.PublishInput{
			TargetArn: endpoint.EndpointArn,
			Message:   aws.String(string(body)),
		})
		if err != nil {
			lastErr = fmt.Errorf("sns publish: %w", err)
			// A rejected endpoint usually means a stale token; retire it
			// so we stop paying for the dead device.
			if derr := s.tokens.DeactivateDeviceToken(ctx, device.Token); derr != nil {
				s.logger.Warn("failed to deactivate stale device token", zap.Error(derr))
			}
			continue
		}

		if firstID == "" {
			firstID = aws.ToString(result.MessageId)
		}
	}

	if firstID == "" {
		s.failed.Add(1)
		if lastErr == nil {
			lastErr = ErrNoValidDevice
		}
		return "", lastErr
	}

	s.sent.Add(1)
	s.logger.Info("push sent",
		zap.String("notification_id", notif.ID.String()),
		zap.Int("devices", len(devices)),
		zap.String("message_id", firstID),
	)
	return firstID, nil
}

// Stats reports the sender's delivery counters.
func (s *PushSender) Stats() map[string]any {
	return map[string]any{
		"sent":   s.sent.Load(),
		"failed": s.failed.Load(),
	}
}
