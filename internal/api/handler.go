package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/afroverse/notify/internal/campaign"
	"github.com/afroverse/notify/internal/db"
	"github.com/afroverse/notify/internal/dispatch"
	"github.com/afroverse/notify/internal/service"
)

// Repository is the persistence surface the HTTP handlers need.
type Repository interface {
	GetNotification(ctx context.Context, id uuid.UUID) (*db.Notification, error)
	ListNotificationsByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*db.Notification, error)
	MarkRead(ctx context.Context, id uuid.UUID) error
	UpsertDeviceToken(ctx context.Context, t *db.DeviceToken) error
	DeactivateDeviceToken(ctx context.Context, token string) error
	SetChannelPreference(ctx context.Context, p *db.ChannelPreference) error
}

// Campaigns is the read surface for campaign endpoints.
type Campaigns interface {
	GetByKey(ctx context.Context, key string) (*campaign.Campaign, error)
	Active(ctx context.Context, now time.Time) ([]*campaign.Campaign, error)
}

// Notifier is the service surface for create endpoints.
type Notifier interface {
	Create(ctx context.Context, req service.CreateRequest) (*db.Notification, error)
	CreateBulk(ctx context.Context, reqs []service.CreateRequest) ([]*db.Notification, error)
	CreateFromCampaign(ctx context.Context, campaignKey string, userID uuid.UUID, metadata json.RawMessage) (*db.Notification, error)
}

// StatsSource exposes dispatcher stats for the admin endpoint.
type StatsSource interface {
	Stats() map[string]any
}

// ErrorResponse follows problem+json shape
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Handler holds dependencies for the HTTP API
type Handler struct {
	logger    *zap.Logger
	repo      Repository
	campaigns Campaigns
	notifier  Notifier
	stats     StatsSource
}

// NewHandler creates the API handler
func NewHandler(logger *zap.Logger, repo Repository, campaigns Campaigns, notifier Notifier, stats StatsSource) *Handler {
	return &Handler{
		logger:    logger,
		repo:      repo,
		campaigns: campaigns,
		notifier:  notifier,
		stats:     stats,
	}
}

// NotificationRequest is the POST /v1/notifications body
type NotificationRequest struct {
	UserID      string          `json:"user_id"`
	Type        string          `json:"type"`
	Channel     string          `json:"channel"`
	Title       string          `json:"title"`
	Message     string          `json:"message"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	Fallback    bool            `json:"fallback,omitempty"`
	CampaignKey string          `json:"campaign_key,omitempty"`
}

// CreateNotification handles POST /v1/notifications. With a campaign_key
// the campaign path (variant bucketing + throttle) is taken and the other
// content fields are ignored.
func (h *Handler) CreateNotification(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req NotificationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid JSON body")
		return
	}

	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "user_id must be a UUID")
		return
	}

	var notif *db.Notification
	if req.CampaignKey != "" {
		notif, err = h.notifier.CreateFromCampaign(ctx, req.CampaignKey, userID, req.Metadata)
	} else {
		ch, perr := dispatch.ParseChannel(req.Channel)
		if perr != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", perr.Error())
			return
		}
		notif, err = h.notifier.Create(ctx, service.CreateRequest{
			UserID:   userID,
			Type:     req.Type,
			Channel:  ch,
			Title:    req.Title,
			Message:  req.Message,
			Metadata: req.Metadata,
			Fallback: req.Fallback,
		})
	}

	switch {
	case err == nil:
	case errors.Is(err, service.ErrThrottled):
		h.writeError(w, http.StatusTooManyRequests, "throttled", err.Error())
		return
	case errors.Is(err, service.ErrCampaignInactive), errors.Is(err, service.ErrChannelUnsupported):
		h.writeError(w, http.StatusConflict, "campaign_unavailable", err.Error())
		return
	case errors.Is(err, campaign.ErrNotFound):
		h.writeError(w, http.StatusNotFound, "not_found", err.Error())
		return
	default:
		h.logger.Error("failed to create notification", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to create notification")
		return
	}

	h.writeJSON(w, http.StatusAccepted, map[string]string{"id": notif.ID.String()})
}

// BulkRequest is the POST /v1/notifications/bulk body
type BulkRequest struct {
	Notifications []NotificationRequest `json:"notifications"`
}

// CreateBulk handles POST /v1/notifications/bulk
func (h *Handler) CreateBulk(w http.ResponseWriter, r *http.Request) {
	var req BulkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid JSON body")
		return
	}
	if len(req.Notifications) == 0 {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "notifications must not be empty")
		return
	}

	reqs := make([]service.CreateRequest, 0, len(req.Notifications))
	for i, n := range req.Notifications {
		userID, err := uuid.Parse(n.UserID)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request",
				"notifications["+strconv.Itoa(i)+"].user_id must be a UUID")
			return
		}
		ch, err := dispatch.ParseChannel(n.Channel)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
		reqs = append(reqs, service.CreateRequest{
			UserID:   userID,
			Type:     n.Type,
			Channel:  ch,
			Title:    n.Title,
			Message:  n.Message,
			Metadata: n.Metadata,
		})
	}

	notifs, err := h.notifier.CreateBulk(r.Context(), reqs)
	if err != nil {
		h.logger.Error("failed to create bulk notifications", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to create notifications")
		return
	}

	ids := make([]string, len(notifs))
	for i, n := range notifs {
		ids[i] = n.ID.String()
	}
	h.writeJSON(w, http.StatusAccepted, map[string]any{"ids": ids})
}

// GetNotification handles GET /v1/notifications/{id}
func (h *Handler) GetNotification(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "id must be a UUID")
		return
	}

	notif, err := h.repo.GetNotification(r.Context(), id)
	if errors.Is(err, db.ErrNotificationNotFound) {
		h.writeError(w, http.StatusNotFound, "not_found", "Notification not found")
		return
	}
	if err != nil {
		h.logger.Error("failed to get notification", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to load notification")
		return
	}
	h.writeJSON(w, http.StatusOK, notif)
}

// ListUserNotifications handles GET /v1/users/{id}/notifications
func (h *Handler) ListUserNotifications(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "id must be a UUID")
		return
	}

	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}
	offset := 0
	if o := r.URL.Query().Get("offset"); o != "" {
		if n, err := strconv.Atoi(o); err == nil && n >= 0 {
			offset = n
		}
	}

	notifs, err := h.repo.ListNotificationsByUser(r.Context(), userID, limit, offset)
	if err != nil {
		h.logger.Error("failed to list notifications", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to list notifications")
		return
	}
	if notifs == nil {
		notifs = []*db.Notification{}
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"notifications": notifs})
}

// MarkNotificationRead handles POST /v1/notifications/{id}/read
func (h *Handler) MarkNotificationRead(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "id must be a UUID")
		return
	}

	if err := h.repo.MarkRead(r.Context(), id); err != nil {
		if errors.Is(err, db.ErrNotificationNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Notification not found")
			return
		}
		h.logger.Error("failed to mark read", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to mark notification read")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DeviceRequest is the POST /v1/devices body
type DeviceRequest struct {
	UserID   string `json:"user_id"`
	Token    string `json:"token"`
	Platform string `json:"platform"`
}

// RegisterDevice handles POST /v1/devices
func (h *Handler) RegisterDevice(w http.ResponseWriter, r *http.Request) {
	var req DeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid JSON body")
		return
	}

	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "user_id must be a UUID")
		return
	}
	if req.Token == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "token is required")
		return
	}
	switch req.Platform {
	case db.PlatformWeb, db.PlatformAndroid, db.PlatformIOS:
	default:
		h.writeError(w, http.StatusBadRequest, "invalid_request", "platform must be web, android or ios")
		return
	}

	token := &db.DeviceToken{
		ID:       uuid.New(),
		UserID:   userID,
		Token:    req.Token,
		Platform: req.Platform,
	}
	if err := h.repo.UpsertDeviceToken(r.Context(), token); err != nil {
		h.logger.Error("failed to register device", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to register device")
		return
	}
	h.writeJSON(w, http.StatusCreated, map[string]string{"id": token.ID.String()})
}

// UnregisterDevice handles DELETE /v1/devices/{token}
func (h *Handler) UnregisterDevice(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	if err := h.repo.DeactivateDeviceToken(r.Context(), token); err != nil {
		if errors.Is(err, db.ErrDeviceTokenNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Device token not found")
			return
		}
		h.logger.Error("failed to unregister device", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to unregister device")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// PreferenceRequest is the PUT /v1/users/{id}/preferences body
type PreferenceRequest struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`
	Enabled bool   `json:"enabled"`
}

// SetPreference handles PUT /v1/users/{id}/preferences
func (h *Handler) SetPreference(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "id must be a UUID")
		return
	}

	var req PreferenceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid JSON body")
		return
	}
	if _, err := dispatch.ParseChannel(req.Channel); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	pref := &db.ChannelPreference{
		UserID:  userID,
		Type:    req.Type,
		Channel: req.Channel,
		Enabled: req.Enabled,
	}
	if err := h.repo.SetChannelPreference(r.Context(), pref); err != nil {
		h.logger.Error("failed to set preference", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to set preference")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListCampaigns handles GET /v1/campaigns
func (h *Handler) ListCampaigns(w http.ResponseWriter, r *http.Request) {
	campaigns, err := h.campaigns.Active(r.Context(), time.Now())
	if err != nil {
		h.logger.Error("failed to list campaigns", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to list campaigns")
		return
	}
	if campaigns == nil {
		campaigns = []*campaign.Campaign{}
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"campaigns": campaigns})
}

// GetCampaign handles GET /v1/campaigns/{key}
func (h *Handler) GetCampaign(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	camp, err := h.campaigns.GetByKey(r.Context(), key)
	if errors.Is(err, campaign.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, "not_found", "Campaign not found")
		return
	}
	if err != nil {
		h.logger.Error("failed to get campaign", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to load campaign")
		return
	}
	h.writeJSON(w, http.StatusOK, camp)
}

// GetCampaignThrottle handles GET /v1/campaigns/{key}/throttle, returning
// the stored limits unchanged.
func (h *Handler) GetCampaignThrottle(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	camp, err := h.campaigns.GetByKey(r.Context(), key)
	if errors.Is(err, campaign.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, "not_found", "Campaign not found")
		return
	}
	if err != nil {
		h.logger.Error("failed to get campaign", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to load campaign")
		return
	}
	h.writeJSON(w, http.StatusOK, camp.ThrottleSettings())
}

// DispatchStats handles GET /v1/dispatch/stats
func (h *Handler) DispatchStats(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.stats.Stats())
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("failed to encode response", zap.Error(err))
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  http.StatusText(status),
		Status: status,
		Detail: detail,
	})
}
