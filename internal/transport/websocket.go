package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nuralogix/dfx-api-client-go/internal/protocol"
)

// Default connection constants
const (
	DefaultRecvTimeout    = 5 * time.Second
	DefaultDialTimeout    = 10 * time.Second
	DefaultWriteWait      = 10 * time.Second
	DefaultMaxMessageSize = 16 * 1024 * 1024
	DefaultQueueSize      = 64
	closeGracePeriod      = 2 * time.Second
)

// WSConfig configures the persistent binary connection
type WSConfig struct {
	URL            string
	Token          string
	TokenSource    func() string
	Layout         protocol.Layout
	RecvTimeout    time.Duration
	DialTimeout    time.Duration
	WriteWait      time.Duration
	MaxMessageSize int64
	QueueSize      int
}

func (c *WSConfig) defaults() {
	if c.RecvTimeout <= 0 {
		c.RecvTimeout = DefaultRecvTimeout
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.WriteWait <= 0 {
		c.WriteWait = DefaultWriteWait
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = DefaultMaxMessageSize
	}
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.Layout.AckMaxLength <= 0 {
		c.Layout.AckMaxLength = protocol.DefaultAckMaxLength
	}
}

// token prefers the source so a refreshed token is used on the next dial
func (c *WSConfig) token() string {
	if c.TokenSource != nil {
		return c.TokenSource()
	}
	return c.Token
}

// WSConn is the WebSocket connection shared by chunk upload and result
// subscription. It is dialled on first use. A single reader goroutine sorts
// inbound frames into an acknowledgement queue and a result queue.
type WSConn struct {
	cfg    WSConfig
	logger *slog.Logger

	conn          *websocket.Conn
	connDone      chan struct{} // closed when conn's reader exits
	closed        bool
	closeCh       chan struct{}
	subscriptions map[string]string // request id -> measurement id
	pending       string            // request id of the add-data in flight
	lost          bool              // a subscribed connection dropped
	mu            sync.Mutex
	writeMu       sync.Mutex // gorilla allows one concurrent writer

	acks    chan *protocol.Frame
	results chan *protocol.Frame
}

// NewWSConn creates an unconnected WebSocket transport
func NewWSConn(cfg WSConfig, logger *slog.Logger) *WSConn {
	cfg.defaults()
	return &WSConn{
		cfg:           cfg,
		logger:        logger,
		closeCh:       make(chan struct{}),
		subscriptions: make(map[string]string),
		acks:          make(chan *protocol.Frame, cfg.QueueSize),
		results:       make(chan *protocol.Frame, cfg.QueueSize),
	}
}

// Connect dials the server unless a live connection already exists
func (c *WSConn) Connect(ctx context.Context) error {
	_, _, err := c.ensureConnected(ctx)
	return err
}

// ensureConnected returns the live connection and a channel closed when its
// reader stops
func (c *WSConn) ensureConnected(ctx context.Context) (*websocket.Conn, <-chan struct{}, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, nil, ErrClosed
	}
	if c.conn != nil {
		return c.conn, c.connDone, nil
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: c.cfg.DialTimeout,
		TLSClientConfig:  &tls.Config{MinVersion: tls.VersionTLS12},
	}
	headers := http.Header{}
	if token := c.cfg.token(); token != "" {
		headers.Set("Authorization", "Bearer "+token)
	}

	conn, resp, err := dialer.DialContext(ctx, c.cfg.URL, headers)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to %s: %w", c.cfg.URL, err)
	}
	conn.SetReadLimit(c.cfg.MaxMessageSize)

	done := make(chan struct{})
	c.conn = conn
	c.connDone = done
	go c.readLoop(conn, done)

	c.logger.Info("WebSocket connected", slog.String("url", c.cfg.URL))
	return conn, done, nil
}

// readLoop owns all reads on conn
func (c *WSConn) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer close(done)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			closed := c.closed
			if c.conn == conn {
				c.conn = nil
				c.connDone = nil
			}
			// the server forgets subscriptions with the socket
			if !closed && len(c.subscriptions) > 0 {
				c.lost = true
				clear(c.subscriptions)
			}
			c.mu.Unlock()

			if !closed && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warn("WebSocket read failed", slog.String("error", err.Error()))
			}
			return
		}

		frame, err := c.cfg.Layout.ParseResponse(data)
		if err != nil {
			frame = c.malformed(data, err)
		}

		// short frames are routed by correlation id since an empty add-data
		// ack has the same shape as a subscription status
		queue := c.results
		switch {
		case frame.Err == nil && frame.Kind == protocol.KindPayload:
		case c.isSubscription(frame.RequestID):
			frame.Kind = protocol.KindSubscribeStatus
		case frame.RequestID == "" && !c.hasPending():
		default:
			frame.Kind = protocol.KindAck
			queue = c.acks
		}

		c.logger.Debug("Frame received",
			slog.String("kind", frame.Kind.String()),
			slog.String("request_id", frame.RequestID),
			slog.Int("status", frame.Status),
			slog.Int("length", len(data)),
		)

		select {
		case queue <- frame:
		case <-c.closeCh:
			return
		}
	}
}

// malformed wraps an undecodable response so the error reaches whoever
// waits on its request id. Frames too short to carry an id go to the
// add-data request in flight, or to the subscriber when there is none.
func (c *WSConn) malformed(data []byte, err error) *protocol.Frame {
	c.logger.Warn("Malformed frame received",
		slog.Int("length", len(data)),
		slog.String("error", err.Error()),
	)

	frame := &protocol.Frame{Raw: data, Err: err}
	if id, idErr := c.cfg.Layout.DecodeCorrelation(data); idErr == nil {
		frame.RequestID = id
	}
	return frame
}

func (c *WSConn) hasPending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending != ""
}

func (c *WSConn) setPending(requestID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = requestID
}

func (c *WSConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// takeLost reports and clears a connection loss seen by the reader
func (c *WSConn) takeLost() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	lost := c.lost
	c.lost = false
	return lost
}

func (c *WSConn) isSubscription(requestID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.subscriptions[requestID]
	return ok
}

func (c *WSConn) write(ctx context.Context, data []byte) (<-chan struct{}, error) {
	conn, done, err := c.ensureConnected(ctx)
	if err != nil {
		return nil, err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait)); err != nil {
		return nil, fmt.Errorf("failed to set write deadline: %w", err)
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return nil, fmt.Errorf("failed to write message: %w", err)
	}
	return done, nil
}

// SendChunk frames an add-data request and waits for its acknowledgement.
// Receive timeouts only mean nothing has arrived yet; the wait ends when the
// acknowledgement arrives, ctx is cancelled or the connection goes away. A
// response that cannot be decoded fails with protocol.ErrMalformedFrame.
func (c *WSConn) SendChunk(ctx context.Context, sessionID string, req *protocol.DataRequest) (*Result, error) {
	body := *req
	body.MeasurementID = sessionID

	requestID := protocol.NewRequestID()
	frame, err := protocol.Encode(protocol.ActionAddData, requestID, body.MarshalProto())
	if err != nil {
		return nil, err
	}

	c.setPending(requestID)
	defer c.setPending("")

	done, err := c.write(ctx, frame)
	if err != nil {
		return nil, err
	}

	timer := time.NewTimer(c.cfg.RecvTimeout)
	defer timer.Stop()

	for {
		select {
		case ack := <-c.acks:
			if res, ok, err := c.matchAck(ack, requestID, req.ChunkOrder); ok {
				return res, err
			}
		case <-timer.C:
			c.logger.Debug("Still waiting for acknowledgement",
				slog.String("measurement_id", sessionID),
				slog.Int("chunk_order", req.ChunkOrder),
			)
			timer.Reset(c.cfg.RecvTimeout)
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.closeCh:
			return nil, ErrClosed
		case <-done:
			// the reader may have queued the ack just before the drop
			for {
				select {
				case ack := <-c.acks:
					if res, ok, err := c.matchAck(ack, requestID, req.ChunkOrder); ok {
						return res, err
					}
				default:
					if c.isClosed() {
						return nil, ErrClosed
					}
					return nil, fmt.Errorf("chunk %d: %w", req.ChunkOrder, ErrConnectionLost)
				}
			}
		}
	}
}

// matchAck turns the acknowledgement of requestID into a result. ok is
// false for acknowledgements of other requests, which are dropped.
func (c *WSConn) matchAck(ack *protocol.Frame, requestID string, order int) (res *Result, ok bool, err error) {
	if ack.RequestID != requestID && !(ack.Err != nil && ack.RequestID == "") {
		c.logger.Warn("Dropping unmatched acknowledgement",
			slog.String("expected", requestID),
			slog.String("got", ack.RequestID),
		)
		return nil, false, nil
	}
	if ack.Err != nil {
		return nil, true, fmt.Errorf("add-data response for chunk %d: %w", order, ack.Err)
	}
	return &Result{
		Status:    ack.Status,
		Code:      protocol.ErrorCode(ack.Body),
		Body:      ack.Body,
		RequestID: requestID,
	}, true, nil
}

// SendSubscribe subscribes this connection to the results of a measurement
func (c *WSConn) SendSubscribe(ctx context.Context, sessionID string) error {
	requestID := protocol.NewRequestID()
	req := protocol.SubscribeResultsRequest{MeasurementID: sessionID, RequestID: requestID}

	frame, err := protocol.Encode(protocol.ActionSubscribeResults, requestID, req.MarshalProto())
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.subscriptions[requestID] = sessionID
	c.mu.Unlock()

	if _, err := c.write(ctx, frame); err != nil {
		return err
	}

	c.logger.Info("Subscribed to results",
		slog.String("measurement_id", sessionID),
		slog.String("request_id", requestID),
	)
	return nil
}

// ReceiveNext returns the next subscription status or result payload.
// It returns nil, nil when nothing arrived within the receive timeout. Once
// a subscribed connection has dropped it returns ErrConnectionLost, after
// the frames received before the drop.
func (c *WSConn) ReceiveNext(ctx context.Context) (*protocol.Frame, error) {
	select {
	case frame := <-c.results:
		return deliver(frame)
	default:
	}
	if c.takeLost() {
		return nil, ErrConnectionLost
	}

	_, done, err := c.ensureConnected(ctx)
	if err != nil {
		return nil, err
	}

	timer := time.NewTimer(c.cfg.RecvTimeout)
	defer timer.Stop()

	select {
	case frame := <-c.results:
		return deliver(frame)
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closeCh:
		return nil, ErrClosed
	case <-done:
		select {
		case frame := <-c.results:
			return deliver(frame)
		default:
		}
		if c.isClosed() {
			return nil, ErrClosed
		}
		if c.takeLost() {
			return nil, ErrConnectionLost
		}
		return nil, nil
	}
}

func deliver(frame *protocol.Frame) (*protocol.Frame, error) {
	if frame.Err != nil {
		return nil, fmt.Errorf("result frame: %w", frame.Err)
	}
	return frame, nil
}

// IsConnected reports whether a live connection exists
func (c *WSConn) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil && !c.closed
}

// Close sends a close frame and tears the connection down. It is safe to call
// more than once.
func (c *WSConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	close(c.closeCh)

	if c.conn == nil {
		return nil
	}

	c.writeMu.Lock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.conn.SetWriteDeadline(time.Now().Add(closeGracePeriod))
	_ = c.conn.WriteMessage(websocket.CloseMessage, msg)
	c.writeMu.Unlock()

	err := c.conn.Close()
	c.conn = nil
	c.connDone = nil
	c.logger.Info("WebSocket closed", slog.String("url", c.cfg.URL))
	return err
}
