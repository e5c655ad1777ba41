package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// Chunk actions
const (
	ActionFirstChunk = "FIRST::PROCESS"
	ActionLastChunk  = "LAST::PROCESS"
	ActionChunk      = "CHUNK::PROCESS"
)

// CodeMeasurementClosed is the error code the server returns once a
// measurement stops accepting data.
const CodeMeasurementClosed = "MEASUREMENT_CLOSED"

// Field numbers of the binary request bodies
const (
	fieldParams     protowire.Number = 1
	fieldParamsID   protowire.Number = 1
	fieldChunkOrder protowire.Number = 2
	fieldAction     protowire.Number = 3
	fieldStartTime  protowire.Number = 4
	fieldEndTime    protowire.Number = 5
	fieldDuration   protowire.Number = 6
	fieldMeta       protowire.Number = 7
	fieldPayload    protowire.Number = 8

	fieldSubscribeRequestID protowire.Number = 2
)

// DataRequest is one add-data call for a measurement
type DataRequest struct {
	MeasurementID string
	ChunkOrder    int
	Action        string
	StartTime     float64
	EndTime       float64
	Duration      float64
	Meta          []byte // JSON object
	Payload       []byte
}

// RESTDataBody is the JSON body of POST /measurements/:ID/data
type RESTDataBody struct {
	ChunkOrder int     `json:"ChunkOrder"`
	Action     string  `json:"Action"`
	StartTime  float64 `json:"StartTime"`
	EndTime    float64 `json:"EndTime"`
	Duration   float64 `json:"Duration"`
	Meta       string  `json:"Meta"`
	Payload    []byte  `json:"Payload"` // base64 on the wire
}

// RESTResponse covers the fields the API returns on success and on error
type RESTResponse struct {
	ID       string `json:"ID,omitempty"`
	ParentID string `json:"ParentID,omitempty"`
	Token    string `json:"Token,omitempty"`
	Code     string `json:"Code,omitempty"`
	Message  string `json:"Message,omitempty"`
}

// SubscribeResultsRequest subscribes a connection to the results of a measurement
type SubscribeResultsRequest struct {
	MeasurementID string
	RequestID     string
}

// BuildMeta merges the chunk timing fields into the caller's metadata and
// returns the JSON encoding sent alongside the payload.
func BuildMeta(meta map[string]any, order int, start, end, duration float64) ([]byte, error) {
	merged := make(map[string]any, len(meta)+4)
	for k, v := range meta {
		merged[k] = v
	}
	merged["Order"] = order
	merged["StartTime"] = start
	merged["EndTime"] = end
	merged["Duration"] = duration

	data, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("failed to encode chunk metadata: %w", err)
	}
	return data, nil
}

// RESTBody converts the request into its JSON form
func (r *DataRequest) RESTBody() ([]byte, error) {
	body := RESTDataBody{
		ChunkOrder: r.ChunkOrder,
		Action:     r.Action,
		StartTime:  r.StartTime,
		EndTime:    r.EndTime,
		Duration:   r.Duration,
		Meta:       string(r.Meta),
		Payload:    r.Payload,
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode data request: %w", err)
	}
	return data, nil
}

// MarshalProto encodes the request as the binary body of an add-data frame
func (r *DataRequest) MarshalProto() []byte {
	var params []byte
	params = protowire.AppendTag(params, fieldParamsID, protowire.BytesType)
	params = protowire.AppendString(params, r.MeasurementID)

	var b []byte
	b = protowire.AppendTag(b, fieldParams, protowire.BytesType)
	b = protowire.AppendBytes(b, params)
	b = protowire.AppendTag(b, fieldChunkOrder, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.ChunkOrder))
	b = protowire.AppendTag(b, fieldAction, protowire.BytesType)
	b = protowire.AppendString(b, r.Action)
	b = appendDouble(b, fieldStartTime, r.StartTime)
	b = appendDouble(b, fieldEndTime, r.EndTime)
	b = appendDouble(b, fieldDuration, r.Duration)
	b = protowire.AppendTag(b, fieldMeta, protowire.BytesType)
	b = protowire.AppendBytes(b, r.Meta)
	b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
	b = protowire.AppendBytes(b, r.Payload)
	return b
}

// UnmarshalProto decodes a binary add-data body. Unknown fields are skipped.
func (r *DataRequest) UnmarshalProto(b []byte) error {
	*r = DataRequest{}
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == fieldParams && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			id, err := decodeParamsID(v)
			if err != nil {
				return 0, err
			}
			r.MeasurementID = id
			return n, nil
		case num == fieldChunkOrder && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			r.ChunkOrder = int(v)
			return n, nil
		case num == fieldAction && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			r.Action = v
			return n, nil
		case num == fieldStartTime && typ == protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(b)
			r.StartTime = math.Float64frombits(v)
			return n, nil
		case num == fieldEndTime && typ == protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(b)
			r.EndTime = math.Float64frombits(v)
			return n, nil
		case num == fieldDuration && typ == protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(b)
			r.Duration = math.Float64frombits(v)
			return n, nil
		case num == fieldMeta && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			r.Meta = append([]byte(nil), v...)
			return n, nil
		case num == fieldPayload && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			r.Payload = append([]byte(nil), v...)
			return n, nil
		default:
			return protowire.ConsumeFieldValue(num, typ, b), nil
		}
	})
}

// MarshalProto encodes the subscription request body
func (r *SubscribeResultsRequest) MarshalProto() []byte {
	var params []byte
	params = protowire.AppendTag(params, fieldParamsID, protowire.BytesType)
	params = protowire.AppendString(params, r.MeasurementID)

	var b []byte
	b = protowire.AppendTag(b, fieldParams, protowire.BytesType)
	b = protowire.AppendBytes(b, params)
	b = protowire.AppendTag(b, fieldSubscribeRequestID, protowire.BytesType)
	b = protowire.AppendString(b, r.RequestID)
	return b
}

// UnmarshalProto decodes a subscription request body
func (r *SubscribeResultsRequest) UnmarshalProto(b []byte) error {
	*r = SubscribeResultsRequest{}
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == fieldParams && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			id, err := decodeParamsID(v)
			if err != nil {
				return 0, err
			}
			r.MeasurementID = id
			return n, nil
		case num == fieldSubscribeRequestID && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			r.RequestID = v
			return n, nil
		default:
			return protowire.ConsumeFieldValue(num, typ, b), nil
		}
	})
}

// ErrorCode extracts the API error code from a response body. JSON bodies
// carry it in "Code"; binary acknowledgements are matched by substring.
func ErrorCode(body []byte) string {
	var resp RESTResponse
	if err := json.Unmarshal(body, &resp); err == nil && resp.Code != "" {
		return resp.Code
	}
	if bytes.Contains(body, []byte(CodeMeasurementClosed)) {
		return CodeMeasurementClosed
	}
	return ""
}

func appendDouble(b []byte, num protowire.Number, v float64) []byte {
	b = protowire.AppendTag(b, num, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, math.Float64bits(v))
}

func decodeParamsID(b []byte) (string, error) {
	var id string
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == fieldParamsID && typ == protowire.BytesType {
			v, n := protowire.ConsumeString(b)
			id = v
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	return id, err
}

// consumeFields walks a protobuf message, handing each field value to fn.
// fn returns the number of bytes it consumed or a negative protowire code.
func consumeFields(b []byte, fn func(protowire.Number, protowire.Type, []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformedFrame, protowire.ParseError(n))
		}
		b = b[n:]

		m, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if m < 0 {
			return fmt.Errorf("%w: field %d: %v", ErrMalformedFrame, num, protowire.ParseError(m))
		}
		b = b[m:]
	}
	return nil
}
