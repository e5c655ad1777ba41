package protocol

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Action codes of the WebSocket endpoints
const (
	ActionAddData          = "0506"
	ActionSubscribeResults = "0510"
)

// Default frame geometry
const (
	ActionSize    = 4  // action id, requests only
	RequestIDSize = 10 // hex correlation id
	StatusSize    = 3  // decimal status code, responses only

	// DefaultAckMaxLength is the longest response still treated as an add-data
	// acknowledgement; anything longer carries a result payload.
	DefaultAckMaxLength = 60
)

// ErrMalformedFrame is returned when a frame is too short for its layout or
// carries fields of the wrong width.
var ErrMalformedFrame = errors.New("malformed frame")

// Kind classifies an inbound frame
type Kind int

const (
	KindAck Kind = iota + 1
	KindSubscribeStatus
	KindPayload
)

// String returns a human-readable kind name
func (k Kind) String() string {
	switch k {
	case KindAck:
		return "ack"
	case KindSubscribeStatus:
		return "subscribe_status"
	case KindPayload:
		return "payload"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// Layout describes where the fields of a response frame live.
// Requests are always [action:4][request_id:10][body]. Responses are
// [request_id:10][status:3][body] unless ResponseHasAction is set, in which
// case the full 14-byte request prefix is echoed before the status.
type Layout struct {
	ResponseHasAction bool
	AckMaxLength      int
}

// DefaultLayout matches the current API version: status at offset 10, body at 13
var DefaultLayout = Layout{AckMaxLength: DefaultAckMaxLength}

// Frame is a decoded response frame
type Frame struct {
	Kind      Kind
	RequestID string
	Status    int
	Body      []byte
	Raw       []byte

	// Err is set when the response could not be decoded; only RequestID
	// and Raw are meaningful then
	Err error
}

// Encode builds a request frame: actionID(4) ++ requestID(10) ++ body
func Encode(actionID, requestID string, body []byte) ([]byte, error) {
	if len(actionID) != ActionSize {
		return nil, fmt.Errorf("%w: action id %q must be %d characters", ErrMalformedFrame, actionID, ActionSize)
	}
	if len(requestID) != RequestIDSize {
		return nil, fmt.Errorf("%w: request id %q must be %d characters", ErrMalformedFrame, requestID, RequestIDSize)
	}

	out := make([]byte, 0, ActionSize+RequestIDSize+len(body))
	out = append(out, actionID...)
	out = append(out, requestID...)
	out = append(out, body...)
	return out, nil
}

// DecodeRequest splits a request frame into its action id, request id and body
func DecodeRequest(data []byte) (actionID, requestID string, body []byte, err error) {
	if len(data) < ActionSize+RequestIDSize {
		return "", "", nil, fmt.Errorf("%w: request too short: expected at least %d bytes, got %d",
			ErrMalformedFrame, ActionSize+RequestIDSize, len(data))
	}
	return string(data[:ActionSize]),
		string(data[ActionSize : ActionSize+RequestIDSize]),
		data[ActionSize+RequestIDSize:], nil
}

func (l Layout) correlationOffset() int {
	if l.ResponseHasAction {
		return ActionSize
	}
	return 0
}

// StatusOffset returns the offset of the status code in a response
func (l Layout) StatusOffset() int {
	return l.correlationOffset() + RequestIDSize
}

// BodyOffset returns the offset of the body in a response
func (l Layout) BodyOffset() int {
	return l.StatusOffset() + StatusSize
}

// DecodeCorrelation reads the request id echoed in a response
func (l Layout) DecodeCorrelation(data []byte) (string, error) {
	off := l.correlationOffset()
	if len(data) < off+RequestIDSize {
		return "", fmt.Errorf("%w: response too short for correlation id: %d bytes", ErrMalformedFrame, len(data))
	}
	return string(data[off : off+RequestIDSize]), nil
}

// DecodeStatus reads the 3-digit status code of a response
func (l Layout) DecodeStatus(data []byte) (int, error) {
	off := l.StatusOffset()
	if len(data) < off+StatusSize {
		return 0, fmt.Errorf("%w: response too short for status: %d bytes", ErrMalformedFrame, len(data))
	}
	status, err := strconv.Atoi(string(data[off : off+StatusSize]))
	if err != nil {
		return 0, fmt.Errorf("%w: status %q is not numeric", ErrMalformedFrame, data[off:off+StatusSize])
	}
	return status, nil
}

// DecodeBody returns everything after the status code
func (l Layout) DecodeBody(data []byte) ([]byte, error) {
	off := l.BodyOffset()
	if len(data) < off {
		return nil, fmt.Errorf("%w: response too short for body: %d bytes", ErrMalformedFrame, len(data))
	}
	return data[off:], nil
}

// Classify sorts a response by shape. A bare prefix is a subscription
// status, short messages are add-data acknowledgements and everything else
// is a result payload.
func (l Layout) Classify(data []byte) Kind {
	ackMax := l.AckMaxLength
	if ackMax <= 0 {
		ackMax = DefaultAckMaxLength
	}
	switch {
	case len(data) == l.BodyOffset():
		return KindSubscribeStatus
	case len(data) <= ackMax:
		return KindAck
	default:
		return KindPayload
	}
}

// ParseResponse decodes and classifies a complete response frame
func (l Layout) ParseResponse(data []byte) (*Frame, error) {
	requestID, err := l.DecodeCorrelation(data)
	if err != nil {
		return nil, err
	}
	status, err := l.DecodeStatus(data)
	if err != nil {
		return nil, err
	}
	body, err := l.DecodeBody(data)
	if err != nil {
		return nil, err
	}

	return &Frame{
		Kind:      l.Classify(data),
		RequestID: requestID,
		Status:    status,
		Body:      body,
		Raw:       data,
	}, nil
}

// EncodeResponse builds a response frame in this layout. Used by servers and tests.
func (l Layout) EncodeResponse(actionID, requestID string, status int, body []byte) ([]byte, error) {
	if len(requestID) != RequestIDSize {
		return nil, fmt.Errorf("%w: request id %q must be %d characters", ErrMalformedFrame, requestID, RequestIDSize)
	}
	if status < 0 || status > 999 {
		return nil, fmt.Errorf("%w: status %d does not fit in %d digits", ErrMalformedFrame, status, StatusSize)
	}

	out := make([]byte, 0, l.BodyOffset()+len(body))
	if l.ResponseHasAction {
		if len(actionID) != ActionSize {
			return nil, fmt.Errorf("%w: action id %q must be %d characters", ErrMalformedFrame, actionID, ActionSize)
		}
		out = append(out, actionID...)
	}
	out = append(out, requestID...)
	out = append(out, fmt.Sprintf("%03d", status)...)
	out = append(out, body...)
	return out, nil
}

// NewRequestID returns a random 10-character hex correlation id
func NewRequestID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:RequestIDSize]
}

// String returns a human-readable representation of the frame
func (f *Frame) String() string {
	return fmt.Sprintf("Frame{Kind:%s, RequestID:%s, Status:%d, BodyLen:%d}",
		f.Kind, f.RequestID, f.Status, len(f.Body))
}
