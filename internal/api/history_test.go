package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/xleven/ask-sspai/internal/chat"
	"github.com/xleven/ask-sspai/internal/history"
)

func TestHistory_RequiresIdentity(t *testing.T) {
	f := newTestServer(t)

	for _, tt := range []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/api/chats"},
		{http.MethodGet, "/api/chats/conv-1"},
		{http.MethodDelete, "/api/chats/conv-1"},
	} {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			r := httptest.NewRequest(tt.method, tt.path, nil)
			w := httptest.NewRecorder()
			f.handler.ServeHTTP(w, r)

			if w.Code != http.StatusUnauthorized {
				t.Errorf("status = %d, want 401", w.Code)
			}
		})
	}
}

func TestHistory_List(t *testing.T) {
	f := newTestServer(t)
	f.history.items = []history.Summary{
		{ID: "c2", Title: "newer", Path: "/chat/c2", CreatedAt: time.Now()},
		{ID: "c1", Title: "older", Path: "/chat/c1", CreatedAt: time.Now().Add(-time.Hour)},
	}

	r := httptest.NewRequest(http.MethodGet, "/api/chats", nil)
	r.AddCookie(registeredCookie("user-7"))
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	var resp struct {
		Chats []history.Summary `json:"chats"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if len(resp.Chats) != 2 || resp.Chats[0].ID != "c2" {
		t.Errorf("unexpected chats: %+v", resp.Chats)
	}
}

func TestHistory_List_Empty(t *testing.T) {
	f := newTestServer(t)

	r := httptest.NewRequest(http.MethodGet, "/api/chats", nil)
	r.AddCookie(registeredCookie("user-7"))
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	// Empty history serializes as [], not null.
	var resp map[string]json.RawMessage
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if string(resp["chats"]) != "[]" {
		t.Errorf("chats = %s, want []", resp["chats"])
	}
}

func TestHistory_Get(t *testing.T) {
	f := newTestServer(t)
	f.history.conv = &chat.Conversation{
		ID:      "conv-1",
		OwnerID: "user-7",
		Title:   "a chat",
		Path:    "/chat/conv-1",
		Messages: []chat.Message{
			{Role: chat.RoleUser, Content: "hi"},
			{Role: chat.RoleAssistant, Content: "hello"},
		},
	}

	r := httptest.NewRequest(http.MethodGet, "/api/chats/conv-1", nil)
	r.AddCookie(registeredCookie("user-7"))
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	var conv chat.Conversation
	if err := json.Unmarshal(w.Body.Bytes(), &conv); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if conv.ID != "conv-1" || len(conv.Messages) != 2 {
		t.Errorf("unexpected conversation: %+v", conv)
	}
}

func TestHistory_Get_NotFound(t *testing.T) {
	f := newTestServer(t)
	f.history.getErr = history.ErrNotFound

	r := httptest.NewRequest(http.MethodGet, "/api/chats/missing", nil)
	r.AddCookie(registeredCookie("user-7"))
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, r)

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestHistory_Delete(t *testing.T) {
	f := newTestServer(t)

	r := httptest.NewRequest(http.MethodDelete, "/api/chats/conv-1", nil)
	r.AddCookie(registeredCookie("user-7"))
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, r)

	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", w.Code)
	}
	if len(f.history.deletes) != 1 || f.history.deletes[0] != "conv-1" {
		t.Errorf("deletes = %v", f.history.deletes)
	}
}

func TestHistory_Delete_NotFound(t *testing.T) {
	f := newTestServer(t)
	f.history.delErr = history.ErrNotFound

	r := httptest.NewRequest(http.MethodDelete, "/api/chats/missing", nil)
	r.AddCookie(registeredCookie("user-7"))
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, r)

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}
