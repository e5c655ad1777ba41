package transport

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nuralogix/dfx-api-client-go/internal/protocol"
)

func TestParseMethod(t *testing.T) {
	tests := []struct {
		in      string
		want    Method
		wantErr bool
	}{
		{"rest", MethodREST, false},
		{"", MethodREST, false},
		{"WebSocket", MethodWebSocket, false},
		{"ws", MethodWebSocket, false},
		{"grpc", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseMethod(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNewValidation(t *testing.T) {
	_, err := New(Config{Method: MethodREST, RESTURL: "http://x"}, testLogger())
	assert.Error(t, err, "websocket url is required for results")

	_, err = New(Config{Method: MethodREST, WSURL: "ws://x"}, testLogger())
	assert.Error(t, err)

	_, err = New(Config{Method: "carrier-pigeon", WSURL: "ws://x"}, testLogger())
	assert.Error(t, err)

	a, err := New(Config{Method: MethodWebSocket, WSURL: "ws://x"}, testLogger())
	require.NoError(t, err)
	assert.Equal(t, MethodWebSocket, a.Method())
	require.NoError(t, a.Close())
	require.NoError(t, a.Close())
}

func TestRESTSendChunk(t *testing.T) {
	type request struct {
		path string
		auth string
		body protocol.RESTDataBody
	}
	requests := make(chan request, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := request{path: r.URL.Path, auth: r.Header.Get("Authorization")}
		data, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(data, &req.body)
		requests <- req
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ID":"m-1"}`))
	}))
	defer srv.Close()

	rest := NewREST(srv.URL+"/", "tok", time.Second, testLogger())
	res, err := rest.SendChunk(context.Background(), "m-1", &protocol.DataRequest{
		ChunkOrder: 0,
		Action:     protocol.ActionFirstChunk,
		StartTime:  0,
		EndTime:    15,
		Duration:   15,
		Meta:       []byte(`{"Order":0}`),
		Payload:    []byte{0x00, 0xff},
	})
	require.NoError(t, err)
	assert.True(t, res.OK())
	assert.Empty(t, res.Code)

	got := <-requests
	assert.Equal(t, "/measurements/m-1/data", got.path)
	assert.Equal(t, "Bearer tok", got.auth)
	assert.Equal(t, protocol.ActionFirstChunk, got.body.Action)
	assert.Equal(t, `{"Order":0}`, got.body.Meta)
	assert.Equal(t, []byte{0x00, 0xff}, got.body.Payload)
	assert.Equal(t, 15.0, got.body.Duration)
}

func TestRESTSendChunkRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"Code":"MEASUREMENT_CLOSED","Message":"closed"}`))
	}))
	defer srv.Close()

	rest := NewREST(srv.URL, "tok", time.Second, testLogger())
	res, err := rest.SendChunk(context.Background(), "m-1", &protocol.DataRequest{})
	require.NoError(t, err)
	assert.False(t, res.OK())
	assert.Equal(t, http.StatusBadRequest, res.Status)
	assert.Equal(t, protocol.CodeMeasurementClosed, res.Code)
}

func TestAdapterRoutesChunksAndResults(t *testing.T) {
	var restCalls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		restCalls.Add(1)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	h := &wsHandler{respond: func(action, requestID string, body []byte) [][]byte {
		return [][]byte{mustResponse(t, requestID, 200, nil)}
	}}
	wsURL := startWS(t, h)

	a, err := New(Config{
		Method:      MethodREST,
		RESTURL:     srv.URL,
		WSURL:       wsURL,
		RecvTimeout: time.Second,
	}, testLogger())
	require.NoError(t, err)
	defer a.Close()

	ctx := context.Background()
	res, err := a.SendChunk(ctx, "m-1", &protocol.DataRequest{})
	require.NoError(t, err)
	assert.True(t, res.OK())
	assert.Equal(t, int32(1), restCalls.Load())

	require.NoError(t, a.SendSubscribe(ctx, "m-1"))
	frame, err := a.ReceiveNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, frame)
	assert.Equal(t, protocol.KindSubscribeStatus, frame.Kind)
	assert.Equal(t, []string{protocol.ActionSubscribeResults}, h.actions())
}
