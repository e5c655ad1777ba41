package fakeapi

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nuralogix/dfx-api-client-go/internal/protocol"
	"github.com/nuralogix/dfx-api-client-go/internal/session"
)

func newTestServer(t *testing.T, cfg Config) (*Server, *httptest.Server) {
	t.Helper()
	fake := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)
	return fake, srv
}

func postJSON(t *testing.T, url, token string, body any) (int, protocol.RESTResponse) {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(data))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out protocol.RESTResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func TestAuthFlow(t *testing.T) {
	_, srv := newTestServer(t, Config{LicenseKey: "lic"})

	status, resp := postJSON(t, srv.URL+"/organizations/licenses", "", map[string]string{"Key": "wrong"})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, CodeInvalidLicense, resp.Code)

	status, resp = postJSON(t, srv.URL+"/organizations/licenses", "", map[string]string{"Key": "lic", "Name": "dev"})
	require.Equal(t, http.StatusOK, status)
	device := resp.Token
	require.NotEmpty(t, device)

	status, resp = postJSON(t, srv.URL+"/users/auth", device, map[string]string{"Email": "a@b.c", "Password": "pw"})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, CodeInvalidUser, resp.Code)

	status, resp = postJSON(t, srv.URL+"/users", device, map[string]string{"Email": "a@b.c", "Password": "pw"})
	require.Equal(t, http.StatusOK, status)
	assert.NotEmpty(t, resp.ID)

	status, resp = postJSON(t, srv.URL+"/users", device, map[string]string{"Email": "a@b.c", "Password": "pw"})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, CodeUserExists, resp.Code)

	status, resp = postJSON(t, srv.URL+"/users/auth", device, map[string]string{"Email": "a@b.c", "Password": "nope"})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, CodeInvalidPassword, resp.Code)

	status, resp = postJSON(t, srv.URL+"/users/auth", device, map[string]string{"Email": "a@b.c", "Password": "pw"})
	require.Equal(t, http.StatusOK, status)
	userToken := resp.Token

	// measurements need a user token
	status, _ = postJSON(t, srv.URL+"/measurements", device, map[string]any{"StudyID": "s", "Mode": "DISCRETE"})
	assert.Equal(t, http.StatusUnauthorized, status)

	status, resp = postJSON(t, srv.URL+"/measurements", userToken, map[string]any{"StudyID": "s", "Mode": "DISCRETE", "Resolution": 100})
	require.Equal(t, http.StatusOK, status)
	assert.NotEmpty(t, resp.ID)
}

func TestRESTAddDataClosesAtMaxDuration(t *testing.T) {
	fake, srv := newTestServer(t, Config{})
	token := fake.IssueToken()
	id := fake.CreateMeasurement("study", session.ModeDiscrete)

	url := srv.URL + "/measurements/" + id + "/data"
	for i := 0; i < 8; i++ {
		status, _ := postJSON(t, url, token, protocol.RESTDataBody{ChunkOrder: i, Duration: 15})
		require.Equal(t, http.StatusOK, status, "chunk %d", i)
	}

	status, resp := postJSON(t, url, token, protocol.RESTDataBody{ChunkOrder: 8, Duration: 15})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, protocol.CodeMeasurementClosed, resp.Code)

	info, ok := fake.Measurement(id)
	require.True(t, ok)
	assert.Equal(t, "CLOSED", info.Status)
	assert.Equal(t, 8, info.Chunks)
	assert.Equal(t, 120.0, info.DurationSeconds)

	calls := fake.DataCalls()
	require.Len(t, calls, 9)
	assert.Equal(t, http.StatusBadRequest, calls[8].Status)
}

func TestCloseEarlyAfter(t *testing.T) {
	fake := New(Config{CloseEarlyAfter: 2}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	id := fake.CreateMeasurement("study", session.ModeBatch)

	for i := 0; i < 2; i++ {
		status, _ := fake.addData(id, &protocol.DataRequest{ChunkOrder: i, Duration: 10})
		require.Equal(t, http.StatusOK, status)
	}
	status, code := fake.addData(id, &protocol.DataRequest{ChunkOrder: 2, Duration: 10})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, protocol.CodeMeasurementClosed, code)

	status, code = fake.addData("missing", &protocol.DataRequest{})
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, CodeNotFound, code)
}

func TestWebSocketSubscribeAndAddData(t *testing.T) {
	fake, srv := newTestServer(t, Config{})
	token := fake.IssueToken()
	id := fake.CreateMeasurement("study", session.ModeDiscrete)

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", header)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	read := func() *protocol.Frame {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		frame, err := protocol.DefaultLayout.ParseResponse(data)
		require.NoError(t, err)
		return frame
	}

	sub := protocol.SubscribeResultsRequest{MeasurementID: id, RequestID: "aaaaaaaaaa"}
	frame, err := protocol.Encode(protocol.ActionSubscribeResults, sub.RequestID, sub.MarshalProto())
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, frame))

	status := read()
	assert.Equal(t, "aaaaaaaaaa", status.RequestID)
	assert.Equal(t, http.StatusOK, status.Status)
	assert.Equal(t, protocol.KindSubscribeStatus, status.Kind)

	req := protocol.DataRequest{MeasurementID: id, ChunkOrder: 0, Action: protocol.ActionFirstChunk, Duration: 15}
	frame, err = protocol.Encode(protocol.ActionAddData, "bbbbbbbbbb", req.MarshalProto())
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, frame))

	result := read()
	assert.Equal(t, "aaaaaaaaaa", result.RequestID)
	assert.Equal(t, protocol.KindPayload, result.Kind)
	assert.Contains(t, string(result.Body), id)

	ack := read()
	assert.Equal(t, "bbbbbbbbbb", ack.RequestID)
	assert.Equal(t, http.StatusOK, ack.Status)

	doc, ok := fake.results(id)
	require.True(t, ok)
	var parsed struct {
		Chunks     int
		ResultData []json.RawMessage
	}
	require.NoError(t, json.Unmarshal(doc, &parsed))
	assert.Equal(t, 1, parsed.Chunks)
	assert.Len(t, parsed.ResultData, 1)
}

func TestWebSocketRequiresToken(t *testing.T) {
	_, srv := newTestServer(t, Config{})
	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
