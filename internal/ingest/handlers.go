package ingest

import (
	"errors"
	"io"
	"net/http"
	"net/url"
	"time"

	"comms-platform/internal/integrations"
	"comms-platform/internal/provider"
	"comms-platform/pkg/logger"

	"github.com/gin-gonic/gin"
)

const (
	headerTwilioSignature    = "X-Twilio-Signature"
	headerOpenPhoneSignature = "Openphone-Signature"
	headerBridgeSignature    = "X-Signature"
)

// Handler terminates provider webhooks: signature verification, payload
// parsing, then hand-off to the gateway. Providers only ever see fast
// 2xx/4xx responses without internal detail; a 5xx is reserved for the one
// case where a retry is safe and useful (idempotency record not yet written).
type Handler struct {
	gateway *Gateway
	clock   func() time.Time
}

func NewHandler(gw *Gateway) *Handler {
	return &Handler{gateway: gw, clock: time.Now}
}

// ProviderWebhook handles POST /webhooks/:provider/:token.
func (h *Handler) ProviderWebhook(c *gin.Context) {
	providerName := c.Param("provider")
	in, ok := h.resolve(c, providerName, c.Param("token"))
	if !ok {
		return
	}

	switch providerName {
	case "twilio":
		form, ok := h.verifiedTwilioForm(c, in)
		if !ok {
			return
		}
		ev, err := provider.ParseTwilioInboundSMS(form, h.clock())
		h.handleParsed(c, in, ev, err)
	case "openphone":
		body, ok := h.verifiedBody(c, in, headerOpenPhoneSignature)
		if !ok {
			return
		}
		ev, err := provider.ParseOpenPhoneWebhook(body, h.clock())
		h.handleParsed(c, in, ev, err)
	case "whatsapp":
		body, ok := h.verifiedBody(c, in, headerBridgeSignature)
		if !ok {
			return
		}
		ev, err := provider.ParseWhatsAppWebhook(body, h.clock())
		h.handleParsed(c, in, ev, err)
	default:
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	}
}

// TwilioMessageStatus handles the literal status-callback route. The token
// rides in a query parameter because the callback URL is fixed per route,
// set when the outbound message is sent.
func (h *Handler) TwilioMessageStatus(c *gin.Context) {
	in, ok := h.resolve(c, "twilio", c.Query("token"))
	if !ok {
		return
	}
	form, ok := h.verifiedTwilioForm(c, in)
	if !ok {
		return
	}
	ev, err := provider.ParseTwilioStatusCallback(form, h.clock())
	h.handleParsed(c, in, ev, err)
}

// TwilioCallStatus handles voice status callbacks.
func (h *Handler) TwilioCallStatus(c *gin.Context) {
	in, ok := h.resolve(c, "twilio", c.Query("token"))
	if !ok {
		return
	}
	form, ok := h.verifiedTwilioForm(c, in)
	if !ok {
		return
	}
	ev, err := provider.ParseTwilioCallStatus(form, h.clock())
	h.handleParsed(c, in, ev, err)
}

func (h *Handler) resolve(c *gin.Context, providerName, token string) (integrations.Integration, bool) {
	in, err := h.gateway.ResolveToken(c.Request.Context(), providerName, token)
	if errors.Is(err, ErrUnknownToken) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return integrations.Integration{}, false
	}
	if err != nil {
		logger.From(c.Request.Context()).Error("webhook token resolution failed", "provider", providerName, "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return integrations.Integration{}, false
	}
	return in, true
}

func (h *Handler) verifiedTwilioForm(c *gin.Context, in integrations.Integration) (url.Values, bool) {
	if err := c.Request.ParseForm(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return nil, false
	}
	form := c.Request.PostForm

	if in.WebhookSecret == "" {
		logger.From(c.Request.Context()).Warn("webhook secret not configured, skipping signature check",
			"provider", "twilio", "workspace_id", in.WorkspaceID)
		return form, true
	}
	if !VerifyTwilio(in.WebhookSecret, requestURL(c), form, c.GetHeader(headerTwilioSignature)) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid signature"})
		return nil, false
	}
	return form, true
}

func (h *Handler) verifiedBody(c *gin.Context, in integrations.Integration, header string) ([]byte, bool) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return nil, false
	}

	if in.WebhookSecret == "" {
		logger.From(c.Request.Context()).Warn("webhook secret not configured, skipping signature check",
			"provider", in.Provider, "workspace_id", in.WorkspaceID)
		return body, true
	}
	if !VerifyHMACSHA256(in.WebhookSecret, body, c.GetHeader(header)) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid signature"})
		return nil, false
	}
	return body, true
}

func (h *Handler) handleParsed(c *gin.Context, in integrations.Integration, ev provider.InboundEvent, parseErr error) {
	if parseErr != nil {
		logger.From(c.Request.Context()).Debug("webhook payload rejected", "provider", in.Provider, "err", parseErr)
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if err := h.gateway.Process(c.Request.Context(), in, ev); err != nil {
		logger.From(c.Request.Context()).Error("webhook processing failed", "provider", in.Provider, "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// requestURL rebuilds the externally visible URL for Twilio signature
// verification, honoring the proxy protocol header.
func requestURL(c *gin.Context) string {
	scheme := "https"
	if proto := c.GetHeader("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	} else if c.Request.TLS == nil {
		scheme = "http"
	}
	return scheme + "://" + c.Request.Host + c.Request.RequestURI
}
