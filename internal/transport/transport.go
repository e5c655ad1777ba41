package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nuralogix/dfx-api-client-go/internal/protocol"
)

var (
	// ErrClosed is returned by operations on a closed transport
	ErrClosed = errors.New("transport is closed")

	// ErrConnectionLost is returned when the WebSocket dropped while a
	// request or subscription depended on it. Subscriptions do not survive
	// a reconnect.
	ErrConnectionLost = errors.New("websocket connection lost")
)

// Method selects how chunks are uploaded
type Method string

const (
	MethodREST      Method = "rest"
	MethodWebSocket Method = "websocket"
)

// ParseMethod parses a transport method name; "ws" is accepted for websocket
func ParseMethod(s string) (Method, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "rest", "":
		return MethodREST, nil
	case "websocket", "ws":
		return MethodWebSocket, nil
	default:
		return "", fmt.Errorf("invalid transport method %q", s)
	}
}

// Result is the server's answer to one add-data request
type Result struct {
	Status    int
	Code      string
	Body      []byte
	RequestID string
}

// OK reports whether the chunk was accepted
func (r *Result) OK() bool {
	return r.Status == 200
}

// ChunkSender uploads a single chunk to a measurement
type ChunkSender interface {
	SendChunk(ctx context.Context, sessionID string, req *protocol.DataRequest) (*Result, error)
}

// Transport is the uniform contract used by the uploader and the subscriber
type Transport interface {
	ChunkSender

	// SendSubscribe opens a standing result subscription for a measurement
	SendSubscribe(ctx context.Context, sessionID string) error

	// ReceiveNext returns the next result-side frame, or nil if nothing
	// arrived within the receive timeout
	ReceiveNext(ctx context.Context) (*protocol.Frame, error)

	Close() error
}

// Config contains transport configuration
type Config struct {
	Method      Method
	RESTURL     string
	WSURL       string
	Token       string
	TokenSource func() string
	Layout      protocol.Layout
	RecvTimeout time.Duration
	HTTPTimeout time.Duration
}

// Adapter sends chunks over the configured method and always receives
// results over the shared WebSocket connection.
type Adapter struct {
	method Method
	sender ChunkSender
	ws     *WSConn
	logger *slog.Logger
}

// New creates an adapter; the chunk sender is chosen once here
func New(cfg Config, logger *slog.Logger) (*Adapter, error) {
	if cfg.WSURL == "" {
		return nil, fmt.Errorf("websocket url cannot be empty")
	}

	ws := NewWSConn(WSConfig{
		URL:         cfg.WSURL,
		Token:       cfg.Token,
		TokenSource: cfg.TokenSource,
		Layout:      cfg.Layout,
		RecvTimeout: cfg.RecvTimeout,
	}, logger)

	var sender ChunkSender
	switch cfg.Method {
	case MethodWebSocket:
		sender = ws
	case MethodREST:
		if cfg.RESTURL == "" {
			return nil, fmt.Errorf("rest url cannot be empty")
		}
		sender = NewREST(cfg.RESTURL, cfg.Token, cfg.HTTPTimeout, logger).WithTokenSource(cfg.TokenSource)
	default:
		return nil, fmt.Errorf("invalid transport method %q", cfg.Method)
	}

	return NewAdapter(cfg.Method, sender, ws, logger), nil
}

// NewAdapter assembles an adapter from its parts
func NewAdapter(method Method, sender ChunkSender, ws *WSConn, logger *slog.Logger) *Adapter {
	return &Adapter{
		method: method,
		sender: sender,
		ws:     ws,
		logger: logger,
	}
}

// Method returns the chunk upload method
func (a *Adapter) Method() Method {
	return a.method
}

// SendChunk implements ChunkSender
func (a *Adapter) SendChunk(ctx context.Context, sessionID string, req *protocol.DataRequest) (*Result, error) {
	return a.sender.SendChunk(ctx, sessionID, req)
}

// SendSubscribe implements Transport
func (a *Adapter) SendSubscribe(ctx context.Context, sessionID string) error {
	return a.ws.SendSubscribe(ctx, sessionID)
}

// ReceiveNext implements Transport
func (a *Adapter) ReceiveNext(ctx context.Context) (*protocol.Frame, error) {
	return a.ws.ReceiveNext(ctx)
}

// Close closes the shared connection
func (a *Adapter) Close() error {
	return a.ws.Close()
}
