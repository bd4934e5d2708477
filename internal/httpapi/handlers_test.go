package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"comms-platform/internal/auth"
	"comms-platform/internal/conversations"
	"comms-platform/internal/integrations"
	"comms-platform/internal/outbound"
	"comms-platform/internal/provider"
	"comms-platform/internal/syncjob"

	"github.com/gin-gonic/gin"
)

type stubAdapter struct {
	sendErr    error
	sent       []provider.SendMessageRequest
	convs      []provider.ConversationData
	blockFetch chan struct{}
}

func (a *stubAdapter) Name() string { return "stub" }

func (a *stubAdapter) SupportedChannels() []provider.Channel {
	return []provider.Channel{provider.ChannelSMS}
}

func (a *stubAdapter) SendMessage(ctx context.Context, creds provider.Credentials, req provider.SendMessageRequest) (provider.SendMessageResult, error) {
	if a.sendErr != nil {
		return provider.SendMessageResult{}, a.sendErr
	}
	a.sent = append(a.sent, req)
	return provider.SendMessageResult{ProviderMessageID: "PM1", Status: "queued", SentAt: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}, nil
}

func (a *stubAdapter) GetConversations(ctx context.Context, creds provider.Credentials, opts provider.ListOptions) ([]provider.ConversationData, error) {
	if a.blockFetch != nil {
		<-a.blockFetch
	}
	return a.convs, nil
}

func (a *stubAdapter) GetMessages(ctx context.Context, creds provider.Credentials, q provider.MessagesQuery) ([]provider.MessageData, error) {
	return nil, nil
}

func (a *stubAdapter) GetCalls(ctx context.Context, creds provider.Credentials, q provider.CallsQuery) ([]provider.CallData, error) {
	return nil, nil
}

func (a *stubAdapter) InitiateCall(ctx context.Context, creds provider.Credentials, req provider.InitiateCallRequest) (provider.InitiateCallResult, error) {
	return provider.InitiateCallResult{}, errors.New("not implemented")
}

func (a *stubAdapter) ValidateCredentials(ctx context.Context, creds provider.Credentials) error {
	return nil
}

func (a *stubAdapter) GetPhoneNumbers(ctx context.Context, creds provider.Credentials) ([]provider.PhoneNumber, error) {
	return nil, nil
}

type apiHarness struct {
	router   *gin.Engine
	convRepo *conversations.MemoryRepo
	subRepo  *outbound.MemoryRepo
	adapter  *stubAdapter
}

func newAPIHarness(t *testing.T) *apiHarness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	adapter := &stubAdapter{}
	integs := integrations.NewService(integrations.NewMemoryRepo(), integrations.JSONCodec{})
	if _, err := integs.Setup(context.Background(), integrations.SetupRequest{
		WorkspaceID: "ws1",
		Provider:    "stub",
		Credentials: provider.Credentials{"api_key": "k"},
	}); err != nil {
		t.Fatalf("setup integration: %v", err)
	}

	convRepo := conversations.NewMemoryRepo()
	engine := conversations.NewService(convRepo, nil)
	registry := provider.NewRegistry(adapter)
	orch := syncjob.NewOrchestrator(syncjob.NewRegistry(10), integs, registry, engine, nil, syncjob.OrchestratorOptions{})

	subRepo := outbound.NewMemoryRepo()
	dispatcher := outbound.NewDispatcher(subRepo, outbound.DispatcherOptions{})

	h := NewHandlers(orch, engine, dispatcher, integs, registry, nil)

	r := gin.New()
	r.Use(func(c *gin.Context) {
		ctx := auth.WithIdentity(c.Request.Context(), "u1", "ws1", "admin")
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	})
	v1 := r.Group("/v1")
	v1.POST("/sync", h.StartSync)
	v1.GET("/sync/status", h.GetSyncStatus)
	v1.POST("/sync/cancel", h.CancelSync)
	v1.POST("/sync/quick", h.QuickSync)
	v1.GET("/conversations", h.ListConversations)
	v1.GET("/contacts/:number/history", h.ContactHistory)
	v1.POST("/subscriptions", h.CreateSubscription)
	v1.GET("/subscriptions", h.ListSubscriptions)
	v1.DELETE("/subscriptions/:id", h.DeleteSubscription)
	v1.POST("/subscriptions/:id/reactivate", h.ReactivateSubscription)
	v1.POST("/messages", h.SendMessage)

	return &apiHarness{router: r, convRepo: convRepo, subRepo: subRepo, adapter: adapter}
}

func (h *apiHarness) do(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	return w
}

func TestStartSyncAcceptedThenConflict(t *testing.T) {
	h := newAPIHarness(t)
	block := make(chan struct{})
	h.adapter.blockFetch = block
	defer close(block)

	w := h.do(http.MethodPost, "/v1/sync", `{"provider":"stub"}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("first start = %d: %s", w.Code, w.Body.String())
	}
	w = h.do(http.MethodPost, "/v1/sync", `{"provider":"stub"}`)
	if w.Code != http.StatusConflict {
		t.Fatalf("second start = %d, want 409", w.Code)
	}

	w = h.do(http.MethodGet, "/v1/sync/status", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var p syncjob.Progress
	if err := json.Unmarshal(w.Body.Bytes(), &p); err != nil {
		t.Fatalf("decode progress: %v", err)
	}
	if p.Status != syncjob.StatusRunning {
		t.Fatalf("progress status = %q, want running", p.Status)
	}

	w = h.do(http.MethodPost, "/v1/sync/cancel", "")
	if w.Code != http.StatusOK {
		t.Fatalf("cancel = %d", w.Code)
	}
}

func TestStartSyncValidation(t *testing.T) {
	h := newAPIHarness(t)

	if w := h.do(http.MethodPost, "/v1/sync", `{}`); w.Code != http.StatusBadRequest {
		t.Fatalf("missing provider = %d, want 400", w.Code)
	}
	if w := h.do(http.MethodPost, "/v1/sync", `{"provider":"nope"}`); w.Code != http.StatusNotFound {
		t.Fatalf("unknown provider without integration = %d, want 404", w.Code)
	}
}

func TestCancelWithoutRunningSync(t *testing.T) {
	h := newAPIHarness(t)
	if w := h.do(http.MethodPost, "/v1/sync/cancel", ""); w.Code != http.StatusConflict {
		t.Fatalf("cancel = %d, want 409", w.Code)
	}
}

func TestListConversationsEmpty(t *testing.T) {
	h := newAPIHarness(t)
	w := h.do(http.MethodGet, "/v1/conversations", "")
	if w.Code != http.StatusOK {
		t.Fatalf("list = %d", w.Code)
	}
	var out struct {
		Conversations []conversations.Conversation `json:"conversations"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Conversations == nil || len(out.Conversations) != 0 {
		t.Fatalf("expected empty array, got %v", out.Conversations)
	}
}

func TestSubscriptionLifecycle(t *testing.T) {
	h := newAPIHarness(t)

	w := h.do(http.MethodPost, "/v1/subscriptions", `{"url":"https://example.com/hook","secret":"s","events":["message.received"]}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("create = %d: %s", w.Code, w.Body.String())
	}
	var sub outbound.Subscription
	if err := json.Unmarshal(w.Body.Bytes(), &sub); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if sub.Status != outbound.StatusActive {
		t.Fatalf("new subscription status = %q", sub.Status)
	}

	w = h.do(http.MethodGet, "/v1/subscriptions", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), sub.ID) {
		t.Fatalf("list = %d: %s", w.Code, w.Body.String())
	}

	w = h.do(http.MethodPost, "/v1/subscriptions/"+sub.ID+"/reactivate", "")
	if w.Code != http.StatusOK {
		t.Fatalf("reactivate = %d", w.Code)
	}

	w = h.do(http.MethodDelete, "/v1/subscriptions/"+sub.ID, "")
	if w.Code != http.StatusOK {
		t.Fatalf("delete = %d", w.Code)
	}
	w = h.do(http.MethodDelete, "/v1/subscriptions/"+sub.ID, "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("double delete = %d, want 404", w.Code)
	}
}

func TestSendMessagePersistsOutbound(t *testing.T) {
	h := newAPIHarness(t)

	w := h.do(http.MethodPost, "/v1/messages", `{"provider":"stub","from":"+15550001111","to":"+15552223333","body":"hi"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("send = %d: %s", w.Code, w.Body.String())
	}
	if len(h.adapter.sent) != 1 {
		t.Fatalf("adapter not called")
	}

	msgs := h.convRepo.Messages()
	if len(msgs) != 1 {
		t.Fatalf("expected 1 outbound message recorded, got %d", len(msgs))
	}
	if msgs[0].Direction != conversations.DirectionOut || msgs[0].ProviderMessageID != "PM1" {
		t.Fatalf("unexpected message: %+v", msgs[0])
	}

	// The history surface sees the send immediately.
	w = h.do(http.MethodGet, "/v1/contacts/+15552223333/history", "")
	if w.Code != http.StatusOK {
		t.Fatalf("history = %d", w.Code)
	}
	var hist conversations.History
	if err := json.Unmarshal(w.Body.Bytes(), &hist); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if len(hist.Messages) != 1 {
		t.Fatalf("history messages = %d, want 1", len(hist.Messages))
	}
}

func TestSendMessageProviderFailure(t *testing.T) {
	h := newAPIHarness(t)
	h.adapter.sendErr = &provider.Error{Provider: "stub", Op: "SendMessage", StatusCode: 500, Message: "down"}

	w := h.do(http.MethodPost, "/v1/messages", `{"provider":"stub","from":"+15550001111","to":"+15552223333","body":"hi"}`)
	if w.Code != http.StatusBadGateway {
		t.Fatalf("send = %d, want 502", w.Code)
	}
	if len(h.convRepo.Messages()) != 0 {
		t.Fatalf("failed send must not record a message")
	}
}
