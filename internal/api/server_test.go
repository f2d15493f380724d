package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/xleven/ask-sspai/internal/chat"
	"github.com/xleven/ask-sspai/internal/history"
	"github.com/xleven/ask-sspai/internal/ratelimit"
	"github.com/xleven/ask-sspai/internal/testutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var testSecret = []byte("0123456789abcdef0123456789abcdef")

// fakeResponder scripts the pipeline: it relays tokens, then either fires the
// completion callback or fails.
type fakeResponder struct {
	calls  int
	tokens []string
	err    error
	gotReq chat.Request
}

func (f *fakeResponder) Respond(_ context.Context, req chat.Request, relay chat.TokenRelay) error {
	f.calls++
	f.gotReq = req

	var full strings.Builder
	for _, tok := range f.tokens {
		if err := relay(tok); err != nil {
			return err
		}
		full.WriteString(tok)
	}
	if f.err != nil {
		return f.err
	}
	if req.OnCompletion != nil {
		req.OnCompletion(full.String())
	}
	return nil
}

// fakeHistory records saves and serves canned conversations.
type fakeHistory struct {
	saves   []*chat.Conversation
	saveErr error

	items   []history.Summary
	conv    *chat.Conversation
	getErr  error
	delErr  error
	deletes []string
}

func (f *fakeHistory) Save(_ context.Context, conv *chat.Conversation) error {
	f.saves = append(f.saves, conv)
	return f.saveErr
}

func (f *fakeHistory) List(_ context.Context, _ string, _ int) ([]history.Summary, error) {
	return f.items, nil
}

func (f *fakeHistory) Get(_ context.Context, _, _ string) (*chat.Conversation, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	return f.conv, nil
}

func (f *fakeHistory) Delete(_ context.Context, id, _ string) error {
	f.deletes = append(f.deletes, id)
	return f.delErr
}

// fakeLimiter records checked keys and returns a scripted decision.
type fakeLimiter struct {
	allowed bool
	reset   time.Time
	keys    []string
}

func (f *fakeLimiter) Check(key string) ratelimit.Decision {
	f.keys = append(f.keys, key)
	return ratelimit.Decision{Allowed: f.allowed, Reset: f.reset}
}

type serverFixture struct {
	responder  *fakeResponder
	history    *fakeHistory
	registered *fakeLimiter
	anonymous  *fakeLimiter
	handler    http.Handler
}

func newTestServer(t *testing.T) *serverFixture {
	t.Helper()

	f := &serverFixture{
		responder:  &fakeResponder{tokens: []string{"Hello", ", ", "world."}},
		history:    &fakeHistory{},
		registered: &fakeLimiter{allowed: true},
		anonymous:  &fakeLimiter{allowed: true},
	}

	srv, err := NewServer(ServerConfig{
		Logger:     testutil.Logger(t),
		Responder:  f.responder,
		History:    f.history,
		Registered: f.registered,
		Anonymous:  f.anonymous,
		ResolveCredential: func(previewToken string) (string, error) {
			if previewToken != "" {
				return previewToken, nil
			}
			return "server-key", nil
		},
		HMACSecret:  testSecret,
		SaveTimeout: time.Second,
	})
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}
	f.handler = srv.Handler()
	return f
}

func chatPayload(t *testing.T, req chatRequest) *bytes.Reader {
	t.Helper()
	body, err := json.Marshal(req)
	if err != nil {
		t.Fatal(err)
	}
	return bytes.NewReader(body)
}

func registeredCookie(uid string) *http.Cookie {
	return &http.Cookie{Name: userCookieName, Value: signUID(uid, testSecret)}
}

func userMessages(content string) []chat.Message {
	return []chat.Message{{Role: chat.RoleUser, Content: content}}
}

func TestNewServer_Validation(t *testing.T) {
	resolve := func(string) (string, error) { return "k", nil }
	base := func() ServerConfig {
		return ServerConfig{
			Responder:         &fakeResponder{},
			History:           &fakeHistory{},
			Registered:        &fakeLimiter{allowed: true},
			Anonymous:         &fakeLimiter{allowed: true},
			ResolveCredential: resolve,
			HMACSecret:        testSecret,
		}
	}

	tests := []struct {
		name   string
		mutate func(*ServerConfig)
	}{
		{"missing responder", func(c *ServerConfig) { c.Responder = nil }},
		{"missing history", func(c *ServerConfig) { c.History = nil }},
		{"missing registered limiter", func(c *ServerConfig) { c.Registered = nil }},
		{"missing anonymous limiter", func(c *ServerConfig) { c.Anonymous = nil }},
		{"missing credential resolver", func(c *ServerConfig) { c.ResolveCredential = nil }},
		{"short hmac secret", func(c *ServerConfig) { c.HMACSecret = []byte("short") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(&cfg)
			if _, err := NewServer(cfg); err == nil {
				t.Error("NewServer() expected error")
			}
		})
	}
}

func TestChat_Unauthorized_ShortCircuits(t *testing.T) {
	f := newTestServer(t)

	r := httptest.NewRequest(http.MethodPost, "/api/chat",
		chatPayload(t, chatRequest{Messages: userMessages("hi")}))
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, r)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
	if f.responder.calls != 0 {
		t.Error("responder must not run for unauthenticated requests")
	}
	if len(f.registered.keys)+len(f.anonymous.keys) != 0 {
		t.Error("limiters must not run for unauthenticated requests")
	}

	var payload errorPayload
	if err := json.Unmarshal(w.Body.Bytes(), &payload); err != nil {
		t.Fatalf("body is not JSON: %v", err)
	}
	if payload.Status != http.StatusUnauthorized {
		t.Errorf("payload status = %d, want 401", payload.Status)
	}
}

func TestChat_ForgedCookieIsAnonymousWithoutToken(t *testing.T) {
	f := newTestServer(t)

	r := httptest.NewRequest(http.MethodPost, "/api/chat",
		chatPayload(t, chatRequest{Messages: userMessages("hi")}))
	r.AddCookie(&http.Cookie{Name: userCookieName, Value: "mallory.Zm9yZ2Vk"})
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, r)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401 for forged cookie", w.Code)
	}
}

func TestChat_EmptyMessages_RejectedBeforeAdmission(t *testing.T) {
	f := newTestServer(t)

	r := httptest.NewRequest(http.MethodPost, "/api/chat",
		chatPayload(t, chatRequest{Messages: nil, PreviewToken: "tok"}))
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, r)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	if len(f.anonymous.keys) != 0 {
		t.Error("empty messages must be rejected before consuming quota")
	}
	if f.responder.calls != 0 {
		t.Error("responder must not run for empty messages")
	}
}

func TestChat_RegisteredMeteredByIdentity(t *testing.T) {
	f := newTestServer(t)

	r := httptest.NewRequest(http.MethodPost, "/api/chat",
		chatPayload(t, chatRequest{Messages: userMessages("hi")}))
	r.AddCookie(registeredCookie("user-7"))
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if len(f.registered.keys) != 1 || f.registered.keys[0] != "user-7" {
		t.Errorf("registered limiter keys = %v, want [user-7]", f.registered.keys)
	}
	if len(f.anonymous.keys) != 0 {
		t.Errorf("anonymous limiter must not run for registered users: %v", f.anonymous.keys)
	}
}

func TestChat_PreviewTokenMeteredByIP(t *testing.T) {
	f := newTestServer(t)

	r := httptest.NewRequest(http.MethodPost, "/api/chat",
		chatPayload(t, chatRequest{Messages: userMessages("hi"), PreviewToken: "tok-1"}))
	r.RemoteAddr = "203.0.113.9:51724"
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if len(f.anonymous.keys) != 1 || f.anonymous.keys[0] != "203.0.113.9" {
		t.Errorf("anonymous limiter keys = %v, want [203.0.113.9]", f.anonymous.keys)
	}
	if len(f.registered.keys) != 0 {
		t.Error("registered limiter must not run for anonymous users")
	}
	if f.responder.gotReq.Credential != "tok-1" {
		t.Errorf("credential = %q, want the preview token", f.responder.gotReq.Credential)
	}
}

func TestChat_RegisteredWithTokenMeteredByIP(t *testing.T) {
	f := newTestServer(t)

	r := httptest.NewRequest(http.MethodPost, "/api/chat",
		chatPayload(t, chatRequest{Messages: userMessages("hi"), PreviewToken: "tok-1"}))
	r.AddCookie(registeredCookie("user-7"))
	r.RemoteAddr = "203.0.113.9:51724"
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	// The token selects the anonymous class even though a uid is present.
	if len(f.anonymous.keys) != 1 || f.anonymous.keys[0] != "203.0.113.9" {
		t.Errorf("anonymous limiter keys = %v, want [203.0.113.9]", f.anonymous.keys)
	}
	if len(f.registered.keys) != 0 {
		t.Errorf("registered limiter must not run when a preview token is supplied: %v", f.registered.keys)
	}

	// The token also overrides the generation credential, but persistence
	// still follows the registered identity.
	if f.responder.gotReq.Credential != "tok-1" {
		t.Errorf("credential = %q, want the preview token", f.responder.gotReq.Credential)
	}
	if len(f.history.saves) != 1 || f.history.saves[0].OwnerID != "user-7" {
		t.Errorf("saves = %+v, want one conversation owned by user-7", f.history.saves)
	}
}

func TestChat_BlankQuestionPassesThrough(t *testing.T) {
	f := newTestServer(t)

	r := httptest.NewRequest(http.MethodPost, "/api/chat",
		chatPayload(t, chatRequest{Messages: userMessages("   "), PreviewToken: "tok"}))
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; message content is not validated", w.Code)
	}
	if f.responder.calls != 1 {
		t.Errorf("responder calls = %d, want 1", f.responder.calls)
	}
	if f.responder.gotReq.Question != "   " {
		t.Errorf("question = %q, want the content passed through verbatim", f.responder.gotReq.Question)
	}
}

func TestChat_QuotaDenied(t *testing.T) {
	f := newTestServer(t)
	f.registered.allowed = false
	f.registered.reset = time.Now().Add(90 * time.Second)

	r := httptest.NewRequest(http.MethodPost, "/api/chat",
		chatPayload(t, chatRequest{Messages: userMessages("hi")}))
	r.AddCookie(registeredCookie("user-7"))
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, r)

	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", w.Code)
	}
	if f.responder.calls != 0 {
		t.Error("responder must not run when quota is exhausted")
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("429 must carry Retry-After")
	}
}

func TestChat_StreamsPlainText(t *testing.T) {
	f := newTestServer(t)

	r := httptest.NewRequest(http.MethodPost, "/api/chat",
		chatPayload(t, chatRequest{Messages: userMessages("hi"), PreviewToken: "tok"}))
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("Content-Type = %q, want text/plain", ct)
	}
	if got := w.Body.String(); got != "Hello, world." {
		t.Errorf("body = %q, want the full concatenation", got)
	}
	if !w.Flushed {
		t.Error("tokens must be flushed incrementally")
	}
}

func TestChat_CompletedRegistered_SavesOnce(t *testing.T) {
	f := newTestServer(t)

	msgs := userMessages("what should I write about this week")
	r := httptest.NewRequest(http.MethodPost, "/api/chat",
		chatPayload(t, chatRequest{Messages: msgs, ID: "conv-42"}))
	r.AddCookie(registeredCookie("user-7"))
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if len(f.history.saves) != 1 {
		t.Fatalf("saves = %d, want exactly 1", len(f.history.saves))
	}

	conv := f.history.saves[0]
	if conv.ID != "conv-42" || conv.OwnerID != "user-7" {
		t.Errorf("saved key = (%s, %s), want (conv-42, user-7)", conv.ID, conv.OwnerID)
	}
	if conv.Path != "/chat/conv-42" {
		t.Errorf("path = %q", conv.Path)
	}
	if conv.Title != "what should I write about this week" {
		t.Errorf("title = %q", conv.Title)
	}
	last := conv.Messages[len(conv.Messages)-1]
	if last.Role != chat.RoleAssistant || last.Content != "Hello, world." {
		t.Errorf("assistant message not appended: %+v", last)
	}
}

func TestChat_GeneratedIDWhenAbsent(t *testing.T) {
	f := newTestServer(t)

	r := httptest.NewRequest(http.MethodPost, "/api/chat",
		chatPayload(t, chatRequest{Messages: userMessages("hi")}))
	r.AddCookie(registeredCookie("user-7"))
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, r)

	if len(f.history.saves) != 1 {
		t.Fatalf("saves = %d, want 1", len(f.history.saves))
	}
	if f.history.saves[0].ID == "" {
		t.Error("a conversation ID must be generated when the client omits one")
	}
}

func TestChat_AnonymousNeverSaves(t *testing.T) {
	f := newTestServer(t)

	r := httptest.NewRequest(http.MethodPost, "/api/chat",
		chatPayload(t, chatRequest{Messages: userMessages("hi"), PreviewToken: "tok"}))
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if len(f.history.saves) != 0 {
		t.Errorf("anonymous conversations must not be persisted, got %d saves", len(f.history.saves))
	}
	if f.responder.gotReq.OnCompletion != nil {
		t.Error("no completion callback should be wired for anonymous users")
	}
}

func TestChat_SaveFailureDoesNotAffectResponse(t *testing.T) {
	f := newTestServer(t)
	f.history.saveErr = context.DeadlineExceeded

	r := httptest.NewRequest(http.MethodPost, "/api/chat",
		chatPayload(t, chatRequest{Messages: userMessages("hi")}))
	r.AddCookie(registeredCookie("user-7"))
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 despite save failure", w.Code)
	}
	if got := w.Body.String(); got != "Hello, world." {
		t.Errorf("body = %q, response must be unaffected", got)
	}
}

func TestChat_PipelineFailure_BeforeFirstToken(t *testing.T) {
	f := newTestServer(t)
	f.responder.tokens = nil
	f.responder.err = chat.ErrTemplateUnavailable

	r := httptest.NewRequest(http.MethodPost, "/api/chat",
		chatPayload(t, chatRequest{Messages: userMessages("hi"), PreviewToken: "tok"}))
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, r)

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", w.Code)
	}

	var payload errorPayload
	if err := json.Unmarshal(w.Body.Bytes(), &payload); err != nil {
		t.Fatalf("body is not JSON: %v", err)
	}
	if payload.Status != http.StatusInternalServerError || payload.Error == "" {
		t.Errorf("unexpected payload: %+v", payload)
	}
	if len(f.history.saves) != 0 {
		t.Error("failed runs must not be saved")
	}
}

func TestChat_PipelineFailure_MidStream(t *testing.T) {
	f := newTestServer(t)
	f.responder.tokens = []string{"partial "}
	f.responder.err = chat.ErrGeneration

	r := httptest.NewRequest(http.MethodPost, "/api/chat",
		chatPayload(t, chatRequest{Messages: userMessages("hi")}))
	r.AddCookie(registeredCookie("user-7"))
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, r)

	// Headers were already sent as 200; the error rides in the body.
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, headers were already committed", w.Code)
	}
	body := w.Body.String()
	if !strings.HasPrefix(body, "partial ") {
		t.Errorf("delivered tokens must be preserved: %q", body)
	}

	var payload errorPayload
	if err := json.Unmarshal([]byte(strings.TrimPrefix(body, "partial ")), &payload); err != nil {
		t.Fatalf("stream tail is not the JSON error payload: %v", err)
	}
	if payload.Status != http.StatusInternalServerError {
		t.Errorf("payload status = %d, want 500", payload.Status)
	}
	if len(f.history.saves) != 0 {
		t.Error("failed runs must not be saved")
	}
}

func TestChat_InvalidBody(t *testing.T) {
	f := newTestServer(t)

	r := httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader("{not json"))
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, r)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestHealth(t *testing.T) {
	f := newTestServer(t)

	r := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
}
