package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nuralogix/dfx-api-client-go/internal/auth"
	"github.com/nuralogix/dfx-api-client-go/internal/credentials"
	"github.com/nuralogix/dfx-api-client-go/internal/fakeapi"
	"github.com/nuralogix/dfx-api-client-go/internal/metrics"
	"github.com/nuralogix/dfx-api-client-go/internal/session"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newFakeClient(t *testing.T, fcfg fakeapi.Config) (*Client, *fakeapi.Server) {
	t.Helper()
	fake := fakeapi.New(fcfg, testLogger())
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	client, err := NewClient(Config{BaseURL: srv.URL, RetryBackoff: time.Millisecond}, metrics.NewMetrics(prometheus.NewRegistry()), testLogger())
	require.NoError(t, err)
	return client, fake
}

func TestLookup(t *testing.T) {
	tests := []struct {
		server  string
		rest    string
		ws      string
		wantErr bool
	}{
		{"prod", "https://api.deepaffex.ai:9443", "wss://api.deepaffex.ai:9080", false},
		{"QA", "https://qa.api.deepaffex.ai:9443", "wss://qa.api.deepaffex.ai:9080", false},
		{"demo-cn", "https://demo.api.deepaffex.cn:9443", "wss://demo.api.deepaffex.cn:9080", false},
		{"prod-cn", "https://api.deepaffex.cn:9443", "wss://api.deepaffex.cn:9080", false},
		{"staging", "", "", true},
	}

	for _, tt := range tests {
		ep, err := Lookup(tt.server)
		if tt.wantErr {
			assert.Error(t, err, tt.server)
			continue
		}
		require.NoError(t, err, tt.server)
		assert.Equal(t, tt.rest, ep.REST)
		assert.Equal(t, tt.ws, ep.WebSocket)
	}

	assert.Len(t, Servers(), 6)
}

func TestNewClientValidation(t *testing.T) {
	_, err := NewClient(Config{}, nil, testLogger())
	assert.Error(t, err)
}

func TestClientAuthCalls(t *testing.T) {
	client, fake := newFakeClient(t, fakeapi.Config{LicenseKey: "lic"})
	ctx := context.Background()

	_, err := client.RegisterDevice(ctx, "wrong", "bench")
	assert.Error(t, err)

	device, err := client.RegisterDevice(ctx, "lic", "bench")
	require.NoError(t, err)
	assert.NotEmpty(t, device)

	_, err = client.Login(ctx, "a@example.com", "pw", device)
	assert.ErrorIs(t, err, auth.ErrInvalidUser)

	id, err := client.CreateUser(ctx, auth.Profile{Email: "a@example.com", Password: "pw", FirstName: "A"}, device)
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Equal(t, []string{"a@example.com"}, fake.Users())

	_, err = client.Login(ctx, "a@example.com", "nope", device)
	assert.ErrorIs(t, err, auth.ErrInvalidPassword)

	token, err := client.Login(ctx, "a@example.com", "pw", device)
	require.NoError(t, err)
	assert.NotEmpty(t, token)

	_, err = client.Login(ctx, "a@example.com", "pw", "bogus")
	assert.ErrorIs(t, err, auth.ErrUnauthorized)
}

func TestClientMeasurementCalls(t *testing.T) {
	client, fake := newFakeClient(t, fakeapi.Config{})
	client.SetToken(fake.IssueToken())
	ctx := context.Background()

	id, err := client.CreateSession(ctx, "study-1", session.ModeDiscrete)
	require.NoError(t, err)

	info, ok := fake.Measurement(id)
	require.True(t, ok)
	assert.Equal(t, session.ModeDiscrete, info.Mode)

	raw, err := client.RetrieveResults(ctx, id)
	require.NoError(t, err)

	var doc struct {
		ID         string
		ResultData []json.RawMessage
	}
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.Equal(t, id, doc.ID)
	assert.Empty(t, doc.ResultData)

	_, err = client.RetrieveResults(ctx, "missing")
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusNotFound, statusErr.Status)

	stats := client.GetStats()
	assert.Equal(t, uint64(3), stats.TotalRequests)
	assert.Equal(t, uint64(1), stats.FailedRequests)
	assert.Zero(t, stats.ActiveRequests)
}

func TestCreateSessionRefreshesToken(t *testing.T) {
	client, fake := newFakeClient(t, fakeapi.Config{})
	client.SetToken("expired")

	refreshed := 0
	client.OnUnauthorized(func(ctx context.Context) (string, error) {
		refreshed++
		return fake.IssueToken(), nil
	})

	id, err := client.CreateSession(context.Background(), "study-1", session.ModeBatch)
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Equal(t, 1, refreshed)
	assert.NotEqual(t, "expired", client.Token())
}

func TestCreateSessionUnauthorizedWithoutRefresh(t *testing.T) {
	client, _ := newFakeClient(t, fakeapi.Config{})
	client.SetToken("expired")

	_, err := client.CreateSession(context.Background(), "study-1", session.ModeBatch)
	assert.ErrorIs(t, err, auth.ErrUnauthorized)
}

func TestClientRetries(t *testing.T) {
	tests := []struct {
		name         string
		failures     int32
		failStatus   int
		maxRetries   int
		wantErr      bool
		wantAttempts int32
	}{
		{"recovers from server errors", 2, http.StatusServiceUnavailable, 3, false, 3},
		{"recovers from rate limiting", 1, http.StatusTooManyRequests, 3, false, 2},
		{"gives up after max retries", 10, http.StatusBadGateway, 2, true, 3},
		{"client errors are not retried", 10, http.StatusBadRequest, 3, true, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var attempts atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if attempts.Add(1) <= tt.failures {
					w.WriteHeader(tt.failStatus)
					_, _ = w.Write([]byte(`{"Code":"BUSY"}`))
					return
				}
				_, _ = w.Write([]byte(`{"ID":"m-1"}`))
			}))
			defer srv.Close()

			client, err := NewClient(Config{
				BaseURL:      srv.URL,
				Token:        "tok",
				MaxRetries:   tt.maxRetries,
				RetryBackoff: time.Millisecond,
			}, nil, testLogger())
			require.NoError(t, err)

			id, err := client.CreateSession(context.Background(), "study", session.ModeDiscrete)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				require.NoError(t, err)
				assert.Equal(t, "m-1", id)
			}
			assert.Equal(t, tt.wantAttempts, attempts.Load())
			assert.Equal(t, uint64(tt.wantAttempts-1), client.GetStats().TotalRetries)
		})
	}
}

func TestClientCancelledDuringBackoff(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client, err := NewClient(Config{BaseURL: srv.URL, MaxRetries: 5, RetryBackoff: time.Hour}, nil, testLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = client.RetrieveResults(ctx, "m-1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBootstrapAgainstFakeAPI(t *testing.T) {
	client, fake := newFakeClient(t, fakeapi.Config{LicenseKey: "lic"})
	store := credentials.NewMemoryStore()
	identity := auth.Identity{
		Server:     "qa",
		LicenseKey: "lic",
		DeviceName: "bench",
		Profile:    auth.Profile{Email: "new@example.com", Password: "pw"},
	}

	tokens, err := auth.Bootstrap(context.Background(), store, client, identity, testLogger())
	require.NoError(t, err)
	assert.NotEmpty(t, tokens.UserToken)
	assert.Equal(t, []string{"new@example.com"}, fake.Users())

	client.SetToken(tokens.UserToken)
	_, err = client.CreateSession(context.Background(), "study", session.ModeDiscrete)
	assert.NoError(t, err)

	wrong := identity
	wrong.Profile.Password = "other"
	_, err = auth.Refresh(context.Background(), store, client, wrong, testLogger())
	assert.ErrorIs(t, err, auth.ErrInvalidPassword)
}

func TestClientClose(t *testing.T) {
	client, _ := newFakeClient(t, fakeapi.Config{})
	assert.NoError(t, client.Close(context.Background()))
}
