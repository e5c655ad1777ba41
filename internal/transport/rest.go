package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nuralogix/dfx-api-client-go/internal/protocol"
)

// REST uploads chunks with synchronous HTTP requests
type REST struct {
	baseURL    string
	token      string
	source     func() string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewREST creates a REST chunk sender
func NewREST(baseURL, token string, timeout time.Duration, logger *slog.Logger) *REST {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &REST{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 2,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		logger: logger,
	}
}

// WithTokenSource reads the bearer token from fn on every request
func (r *REST) WithTokenSource(fn func() string) *REST {
	r.source = fn
	return r
}

// SendChunk posts one chunk to /measurements/:ID/data
func (r *REST) SendChunk(ctx context.Context, sessionID string, req *protocol.DataRequest) (*Result, error) {
	body, err := req.RESTBody()
	if err != nil {
		return nil, err
	}

	uri := r.baseURL + "/measurements/" + url.PathEscape(sessionID) + "/data"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, uri, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	token := r.token
	if r.source != nil {
		token = r.source()
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)

	resp, err := r.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	r.logger.Debug("Chunk posted",
		slog.String("measurement_id", sessionID),
		slog.Int("chunk_order", req.ChunkOrder),
		slog.Int("status", resp.StatusCode),
	)

	return &Result{
		Status: resp.StatusCode,
		Code:   protocol.ErrorCode(respBody),
		Body:   respBody,
	}, nil
}
