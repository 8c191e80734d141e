package rest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Chat/internal/core"
	"github.com/dkeye/Chat/internal/domain"
)

func TestLoginStoresToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/auth/login", r.URL.Path)
		var creds map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&creds))
		assert.Equal(t, "alice", creds["username"])

		_ = json.NewEncoder(w).Encode(map[string]any{
			"user":  domain.User{ID: "u1", Username: "alice"},
			"token": "tok-123",
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	user, token, err := c.Login(context.Background(), "alice", "secret")
	require.NoError(t, err)
	assert.Equal(t, domain.UserID("u1"), user.ID)
	assert.Equal(t, "tok-123", token)
	assert.Equal(t, "tok-123", c.bearer())
}

func TestCreateCallMapsConflict(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/calls", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusConflict)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	c.SetToken("tok")
	_, err := c.Create(context.Background(), "conv-1", domain.CallAudio)
	assert.ErrorIs(t, err, core.ErrOngoingCall)
}

func TestCreateCallDecodesRecord(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "conv-1", body["conversationId"])
		assert.Equal(t, "audio", body["type"])

		_ = json.NewEncoder(w).Encode(domain.Call{
			ID: "call-1", ConversationID: "conv-1", Type: domain.CallAudio, Status: domain.CallPending,
		})
	}))
	defer srv.Close()

	call, err := NewClient(srv.URL).Create(context.Background(), "conv-1", domain.CallAudio)
	require.NoError(t, err)
	assert.Equal(t, domain.CallID("call-1"), call.ID)
	assert.Equal(t, domain.CallPending, call.Status)
}

func TestConflictOutsideCallCreationIsNotOngoing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)

	err := c.UpdateStatus(context.Background(), "call-1", domain.CallOngoing)
	assert.NotErrorIs(t, err, core.ErrOngoingCall)
	assert.ErrorIs(t, err, ErrUnexpectedStatus)

	_, err = c.GetOrCreateDirect(context.Background(), "bob")
	assert.NotErrorIs(t, err, core.ErrOngoingCall)
	assert.ErrorIs(t, err, ErrUnexpectedStatus)

	err = c.Send(context.Background(), &domain.Message{ConversationID: "c1"})
	assert.NotErrorIs(t, err, core.ErrOngoingCall)
}

func TestUnexpectedStatusSurfaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	err := c.End(context.Background(), "call-1")
	assert.ErrorIs(t, err, ErrUnexpectedStatus)
}

func TestSendMessagePostsToConversation(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	msg := &domain.Message{ConversationID: "conv-7", SenderID: "u1", Content: "hi"}
	require.NoError(t, NewClient(srv.URL).Send(context.Background(), msg))
	assert.Equal(t, "/api/v1/conversations/conv-7/messages", gotPath)
}
