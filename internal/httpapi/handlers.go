package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"comms-platform/internal/auth"
	"comms-platform/internal/conversations"
	"comms-platform/internal/integrations"
	"comms-platform/internal/outbound"
	"comms-platform/internal/provider"
	"comms-platform/internal/syncjob"
	"comms-platform/pkg/logger"

	"github.com/gin-gonic/gin"
)

// Handlers is the authenticated control surface: sync orchestration,
// conversation reads, outbound subscriptions, and message sending. Every
// operation is scoped to the caller's workspace from the access token.
type Handlers struct {
	orch       *syncjob.Orchestrator
	engine     *conversations.Service
	dispatcher *outbound.Dispatcher
	integs     *integrations.Service
	adapters   *provider.Registry
	notifier   outbound.Notifier
	clock      func() time.Time
}

func NewHandlers(orch *syncjob.Orchestrator, engine *conversations.Service, dispatcher *outbound.Dispatcher, integs *integrations.Service, adapters *provider.Registry, notifier outbound.Notifier) *Handlers {
	if notifier == nil {
		notifier = outbound.NoopNotifier{}
	}
	return &Handlers{
		orch:       orch,
		engine:     engine,
		dispatcher: dispatcher,
		integs:     integs,
		adapters:   adapters,
		notifier:   notifier,
		clock:      time.Now,
	}
}

func workspaceID(c *gin.Context) (string, bool) {
	wid, err := auth.WorkspaceID(c.Request.Context())
	if err != nil || wid == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "workspace_id required"})
		return "", false
	}
	return wid, true
}

type startSyncRequest struct {
	Provider          string    `json:"provider" binding:"required"`
	PhoneLineID       string    `json:"phone_line_id"`
	Since             time.Time `json:"since"`
	Until             time.Time `json:"until"`
	OnlySavedContacts bool      `json:"only_saved_contacts"`
	Limit             int       `json:"limit"`
}

func (r startSyncRequest) options() syncjob.Options {
	return syncjob.Options{
		Provider:          r.Provider,
		PhoneLineID:       r.PhoneLineID,
		Since:             r.Since,
		Until:             r.Until,
		OnlySavedContacts: r.OnlySavedContacts,
		Limit:             r.Limit,
	}
}

// StartSync launches a background sync. The call returns as soon as the job
// is accepted; progress is observed by polling GetSyncStatus.
func (h *Handlers) StartSync(c *gin.Context) {
	wid, ok := workspaceID(c)
	if !ok {
		return
	}
	var req startSyncRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "provider is required"})
		return
	}

	err := h.orch.Start(c.Request.Context(), wid, req.options())
	switch {
	case err == nil:
		c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
	case errors.Is(err, syncjob.ErrSyncRunning):
		c.JSON(http.StatusConflict, gin.H{"error": "sync already running"})
	case errors.Is(err, integrations.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "no active integration for provider"})
	case errors.Is(err, provider.ErrUnknownProvider):
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown provider"})
	default:
		logger.From(c.Request.Context()).Error("sync start failed", "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func (h *Handlers) GetSyncStatus(c *gin.Context) {
	wid, ok := workspaceID(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, h.orch.Status(wid))
}

func (h *Handlers) CancelSync(c *gin.Context) {
	wid, ok := workspaceID(c)
	if !ok {
		return
	}
	if !h.orch.Cancel(wid) {
		c.JSON(http.StatusConflict, gin.H{"error": "no sync running"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "cancelling"})
}

func (h *Handlers) QuickSync(c *gin.Context) {
	wid, ok := workspaceID(c)
	if !ok {
		return
	}
	var req startSyncRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "provider is required"})
		return
	}

	sum, err := h.orch.QuickSync(c.Request.Context(), wid, req.options())
	switch {
	case err == nil:
		c.JSON(http.StatusOK, sum)
	case errors.Is(err, integrations.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "no active integration for provider"})
	case errors.Is(err, provider.ErrUnknownProvider):
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown provider"})
	default:
		logger.From(c.Request.Context()).Error("quick sync failed", "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func (h *Handlers) ListConversations(c *gin.Context) {
	wid, ok := workspaceID(c)
	if !ok {
		return
	}
	out, err := h.engine.ListConversations(c.Request.Context(), wid, queryInt(c, "limit"))
	if err != nil {
		logger.From(c.Request.Context()).Error("list conversations failed", "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	if out == nil {
		out = []conversations.Conversation{}
	}
	c.JSON(http.StatusOK, gin.H{"conversations": out})
}

// ContactHistory returns the merged message/call history for one contact
// across all of their conversation rows.
func (h *Handlers) ContactHistory(c *gin.Context) {
	wid, ok := workspaceID(c)
	if !ok {
		return
	}
	hist, err := h.engine.ContactHistory(c.Request.Context(), wid, c.Param("number"), queryInt(c, "limit"))
	if errors.Is(err, conversations.ErrInvalidEvent) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid contact number"})
		return
	}
	if err != nil {
		logger.From(c.Request.Context()).Error("contact history failed", "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, hist)
}

type createSubscriptionRequest struct {
	URL    string   `json:"url" binding:"required"`
	Secret string   `json:"secret"`
	Events []string `json:"events"`
}

func (h *Handlers) CreateSubscription(c *gin.Context) {
	wid, ok := workspaceID(c)
	if !ok {
		return
	}
	var req createSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "url is required"})
		return
	}
	sub, err := h.dispatcher.CreateSubscription(c.Request.Context(), wid, req.URL, req.Secret, req.Events)
	if err != nil {
		logger.From(c.Request.Context()).Error("create subscription failed", "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusCreated, sub)
}

func (h *Handlers) ListSubscriptions(c *gin.Context) {
	wid, ok := workspaceID(c)
	if !ok {
		return
	}
	subs, err := h.dispatcher.ListSubscriptions(c.Request.Context(), wid)
	if err != nil {
		logger.From(c.Request.Context()).Error("list subscriptions failed", "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	if subs == nil {
		subs = []outbound.Subscription{}
	}
	c.JSON(http.StatusOK, gin.H{"subscriptions": subs})
}

func (h *Handlers) DeleteSubscription(c *gin.Context) {
	wid, ok := workspaceID(c)
	if !ok {
		return
	}
	err := h.dispatcher.DeleteSubscription(c.Request.Context(), wid, c.Param("id"))
	if errors.Is(err, outbound.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	if err != nil {
		logger.From(c.Request.Context()).Error("delete subscription failed", "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

func (h *Handlers) ReactivateSubscription(c *gin.Context) {
	wid, ok := workspaceID(c)
	if !ok {
		return
	}
	err := h.dispatcher.ReactivateSubscription(c.Request.Context(), wid, c.Param("id"))
	if errors.Is(err, outbound.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	if err != nil {
		logger.From(c.Request.Context()).Error("reactivate subscription failed", "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "active"})
}

type sendMessageRequest struct {
	Provider   string `json:"provider" binding:"required"`
	From       string `json:"from" binding:"required"`
	To         string `json:"to" binding:"required"`
	Body       string `json:"body"`
	Channel    string `json:"channel"`
	TemplateID string `json:"template_id"`
}

// SendMessage sends through the provider, records the outbound message
// locally, and emits message.sent or message.failed. A provider failure is
// reported to the caller but still produces a failed outbound event.
func (h *Handlers) SendMessage(c *gin.Context) {
	wid, ok := workspaceID(c)
	if !ok {
		return
	}
	var req sendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "provider, from and to are required"})
		return
	}

	adapter, err := h.adapters.Get(req.Provider)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown provider"})
		return
	}
	creds, _, err := h.integs.ActiveCredentials(c.Request.Context(), wid, req.Provider)
	if errors.Is(err, integrations.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no active integration for provider"})
		return
	}
	if err != nil {
		logger.From(c.Request.Context()).Error("credential resolution failed", "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	channel := provider.Channel(req.Channel)
	if channel == "" {
		channel = provider.ChannelSMS
	}
	res, sendErr := adapter.SendMessage(c.Request.Context(), creds, provider.SendMessageRequest{
		From:       req.From,
		To:         req.To,
		Body:       req.Body,
		Channel:    channel,
		TemplateID: req.TemplateID,
	})

	notifyCtx := context.WithoutCancel(c.Request.Context())
	if sendErr != nil {
		logger.From(c.Request.Context()).Warn("provider send failed", "provider", req.Provider, "err", sendErr)
		go h.notifier.Notify(notifyCtx, wid, outbound.EventMessageFailed, gin.H{
			"provider": req.Provider,
			"to":       req.To,
		})
		status := http.StatusBadGateway
		if provider.IsAuthError(sendErr) {
			status = http.StatusUnauthorized
		}
		c.JSON(status, gin.H{"error": "provider send failed"})
		return
	}

	sentAt := res.SentAt
	if sentAt.IsZero() {
		sentAt = h.clock().UTC()
	}
	ev := provider.InboundEvent{
		Provider:          req.Provider,
		ExternalEventID:   res.ProviderMessageID,
		Kind:              provider.EventKindMessage,
		OurNumber:         req.From,
		ParticipantNumber: req.To,
		Channel:           channel,
		Direction:         provider.DirectionOut,
		Message: &provider.MessageData{
			ProviderMessageID: res.ProviderMessageID,
			Direction:         provider.DirectionOut,
			Body:              req.Body,
			Status:            res.Status,
			From:              req.From,
			To:                req.To,
			CreatedAt:         sentAt,
		},
		OccurredAt: sentAt,
	}
	conv, err := h.engine.ReconcileInbound(c.Request.Context(), wid, ev)
	if err != nil {
		// The provider accepted the message; local bookkeeping failing must
		// not turn the response into an error.
		logger.From(c.Request.Context()).Error("outbound message bookkeeping failed", "err", err)
	}

	go h.notifier.Notify(notifyCtx, wid, outbound.EventMessageSent, gin.H{
		"provider":          req.Provider,
		"providerMessageId": res.ProviderMessageID,
		"conversationId":    conv.ID,
		"status":            res.Status,
	})
	c.JSON(http.StatusOK, gin.H{
		"provider_message_id": res.ProviderMessageID,
		"status":              res.Status,
		"conversation_id":     conv.ID,
	})
}

func queryInt(c *gin.Context, key string) int {
	n, err := strconv.Atoi(c.Query(key))
	if err != nil {
		return 0
	}
	return n
}
