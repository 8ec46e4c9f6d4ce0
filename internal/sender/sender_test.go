package sender

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/badat/notiq/internal/domain"
)

func TestRegistryLookup(t *testing.T) {
	webhook := NewWebhook(time.Second, zap.NewNop())
	sms := NewSMS("https://sms.example.com/send", "key", "notiq", zap.NewNop())
	r := NewRegistry(webhook, sms)

	got, ok := r.Get(domain.ChannelWebhook)
	require.True(t, ok)
	assert.Same(t, webhook, got)

	_, ok = r.Get(domain.ChannelEmail)
	assert.False(t, ok)
}

func TestRegistryHealth(t *testing.T) {
	r := NewRegistry(
		NewWebhook(time.Second, zap.NewNop()),
		NewSMS("", "", "", zap.NewNop()),
	)
	health := r.Health(context.Background())
	assert.True(t, health[domain.ChannelWebhook])
	assert.False(t, health[domain.ChannelSMS])
}

func TestWebhookSend(t *testing.T) {
	var received map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	w := NewWebhook(time.Second, zap.NewNop())
	err := w.Send(context.Background(), srv.URL, "deploy finished", "all green", map[string]any{"env": "prod"})
	require.NoError(t, err)
	assert.Equal(t, "deploy finished", received["title"])
	assert.Equal(t, "all green", received["body"])
}

func TestWebhookSendNon2xxIsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	w := NewWebhook(time.Second, zap.NewNop())
	err := w.Send(context.Background(), srv.URL, "t", "b", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestSMSSendCarriesAuthAndSender(t *testing.T) {
	var received map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer sekret", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewSMS(srv.URL, "sekret", "notiq", zap.NewNop())
	require.NoError(t, s.Send(context.Background(), "+15550100", "code", "123456", nil))
	assert.Equal(t, "notiq", received["from"])
	assert.Equal(t, "+15550100", received["to"])
}

func TestPushSendShape(t *testing.T) {
	var received map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := NewPush(srv.URL, "key", zap.NewNop())
	require.NoError(t, p.Send(context.Background(), "device-token", "ping", "pong", map[string]any{"badge": 1}))
	assert.Equal(t, "device-token", received["token"])
	notification, ok := received["notification"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "ping", notification["title"])
}

type fakeInbox struct {
	userIDs []string
}

func (f *fakeInbox) InsertInbox(_ context.Context, userID, _, _ string, _ map[string]any) error {
	f.userIDs = append(f.userIDs, userID)
	return nil
}

func TestInAppWritesInbox(t *testing.T) {
	inbox := &fakeInbox{}
	a := NewInApp(inbox, zap.NewNop())

	require.NoError(t, a.Send(context.Background(), "user-42", "hello", "world", nil))
	assert.Equal(t, []string{"user-42"}, inbox.userIDs)
	assert.True(t, a.Healthy(context.Background()))
}

func TestAddressListNormalization(t *testing.T) {
	assert.Nil(t, addressList(nil))
	assert.Nil(t, addressList(""))
	assert.Equal(t, []string{"a@b.c"}, addressList("a@b.c"))
	assert.Equal(t, []string{"a@b.c", "d@e.f"}, addressList([]string{"a@b.c", "d@e.f"}))
	assert.Equal(t, []string{"a@b.c"}, addressList([]any{"a@b.c", 7}))
}

func TestEmailHealthRequiresConfig(t *testing.T) {
	unconfigured := NewEmail(EmailConfig{}, zap.NewNop())
	assert.False(t, unconfigured.Healthy(context.Background()))

	configured := NewEmail(EmailConfig{Host: "smtp.example.com", From: "noreply@example.com"}, zap.NewNop())
	assert.True(t, configured.Healthy(context.Background()))
}
