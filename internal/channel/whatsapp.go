package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/afroverse/notify/internal/db"
	"github.com/afroverse/notify/internal/dispatch"
)

// ErrNoPhoneNumber means the notification metadata carries no WhatsApp
// recipient.
var ErrNoPhoneNumber = errors.New("notification metadata missing phone number")

// WhatsAppSender delivers through the WhatsApp Business Cloud API:
// POST {base}/{phoneNumberID}/messages with a bearer token.
type WhatsAppSender struct {
	client        *http.Client
	baseURL       string
	phoneNumberID string
	token         string
	logger        *zap.Logger

	sent   atomic.Int64
	failed atomic.Int64
}

type WhatsAppConfig struct {
	BaseURL       string // default https://graph.facebook.com/v18.0
	PhoneNumberID string
	Token         string
	Timeout       time.Duration
}

// NewWhatsAppSender creates the Cloud API sender.
func NewWhatsAppSender(cfg WhatsAppConfig, logger *zap.Logger) *WhatsAppSender {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://graph.facebook.com/v18.0"
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &WhatsAppSender{
		client:        &http.Client{Timeout: timeout},
		baseURL:       cfg.BaseURL,
		phoneNumberID: cfg.PhoneNumberID,
		token:         cfg.Token,
		logger:        logger,
	}
}

type whatsAppText struct {
	Body string `json:"body"`
}

type whatsAppRequest struct {
	MessagingProduct string       `json:"messaging_product"`
	To               string       `json:"to"`
	Type             string       `json:"type"`
	Text             whatsAppText `json:"text"`
}

type whatsAppResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
	Error *struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	} `json:"error"`
}

type notifMetadata struct {
	Phone string `json:"phone"`
	Email string `json:"email"`
}

// Send posts one text message to the user's phone number from the
// notification metadata.
func (s *WhatsAppSender) Send(ctx context.Context, notif *db.Notification, _ dispatch.Preferences) (string, error) {
	var meta notifMetadata
	if len(notif.Metadata) > 0 {
		if err := json.Unmarshal(notif.Metadata, &meta); err != nil {
			s.failed.Add(1)
			return "", fmt.Errorf("invalid notification metadata: %w", err)
		}
	}
	if meta.Phone == "" {
		s.failed.Add(1)
		return "", ErrNoPhoneNumber
	}

	text := notif.Message
	if notif.Title != "" {
		text = notif.Title + "\n" + notif.Message
	}

	body, err := json.Marshal(whatsAppRequest{
		MessagingProduct: "whatsapp",
		To:               meta.Phone,
		Type:             "text",
		Text:             whatsAppText{Body: text},
	})
	if err != nil {
		s.failed.Add(1)
		return "", fmt.Errorf("marshal whatsapp request: %w", err)
	}

	url := fmt.Sprintf("%s/%s/messages", s.baseURL, s.phoneNumberID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		s.failed.Add(1)
		return "", fmt.Errorf("create whatsapp request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.token)

	resp, err := s.client.Do(req)
	if err != nil {
		s.failed.Add(1)
		return "", fmt.Errorf("whatsapp request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	var parsed whatsAppResponse
	_ = json.Unmarshal(respBody, &parsed)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		s.failed.Add(1)
		if parsed.Error != nil {
			return "", fmt.Errorf("whatsapp api error %d: %s", parsed.Error.Code, parsed.Error.Message)
		}
		return "", fmt.Errorf("whatsapp returned status %d", resp.StatusCode)
	}

	messageID := ""
	if len(parsed.Messages) > 0 {
		messageID = parsed.Messages[0].ID
	}

	s.sent.Add(1)
	s.logger.Info("whatsapp message sent",
		zap.String("notification_id", notif.ID.String()),
		zap.String("message_id", messageID),
	)
	return messageID, nil
}

// Stats reports the sender's delivery counters.
func (s *WhatsAppSender) Stats() map[string]any {
	return map[string]any{
		"sent":   s.sent.Load(),
		"failed": s.failed.Load(),
	}
}
