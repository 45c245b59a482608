package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Operation codes carried in the "op" field of every frame.
const (
	OpIdentify    = 0
	OpHTTPRequest = 1
	OpMessage     = 2
)

// Response types reported in Response.Meta.
const (
	ResponseComplete = "complete"
	ResponsePartial  = "partial"
)

// DefaultShard is used for workers that never identify themselves.
const DefaultShard = "main"

// OutgoingRequest is the envelope sent to a worker for every HTTP request.
type OutgoingRequest struct {
	Op        int               `json:"op"`
	RequestID uint64            `json:"request_id"`
	Method    string            `json:"method"`
	Remote    string            `json:"remote"`
	Path      string            `json:"path"`
	Headers   map[string]string `json:"headers"`
	Version   string            `json:"version"`
	Body      string            `json:"body"`
	Query     string            `json:"query"`
}

// ResponseMeta describes how a Response should be treated.
type ResponseMeta struct {
	ResponseType string `json:"meta_response_type"`
}

// Response is what a worker sends back for a request id. Headers are
// ordered [name, value] pairs so duplicates survive.
type Response struct {
	Op        int          `json:"op"`
	Meta      ResponseMeta `json:"meta_data"`
	RequestID uint64       `json:"request_id"`
	Type      string       `json:"type"`
	Status    int          `json:"status"`
	Headers   [][]string   `json:"headers"`
	Body      string       `json:"body"`
	MoreBody  bool         `json:"more_body"`
}

// ShardIdentify is the optional first frame a worker sends.
type ShardIdentify struct {
	Op      int     `json:"op"`
	ShardID ShardID `json:"shard_id"`
}

// ShardID accepts either a JSON string or a JSON number.
type ShardID string

func (s *ShardID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		*s = ShardID(str)
		return nil
	}

	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("shard_id must be a string or number: %w", err)
	}
	if _, err := strconv.ParseInt(n.String(), 10, 64); err != nil {
		return fmt.Errorf("shard_id must be an integer: %w", err)
	}
	*s = ShardID(n.String())
	return nil
}

// Frame is a decoded worker frame. Exactly one of Identify/Response is set
// for ops 0 and 1; op 2 carries the raw payload.
type Frame struct {
	Op       int
	Identify *ShardIdentify
	Response *Response
	Raw      json.RawMessage
}

// DecodeFrame parses one worker frame and dispatches on its op code.
func DecodeFrame(data []byte) (*Frame, error) {
	var head struct {
		Op *int `json:"op"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if head.Op == nil {
		return nil, fmt.Errorf("%w: missing op", ErrMalformedFrame)
	}

	f := &Frame{Op: *head.Op}
	switch f.Op {
	case OpIdentify:
		var id ShardIdentify
		if err := json.Unmarshal(data, &id); err != nil {
			return nil, fmt.Errorf("%w: identify: %v", ErrMalformedFrame, err)
		}
		if id.ShardID == "" {
			return nil, fmt.Errorf("%w: identify without shard_id", ErrMalformedFrame)
		}
		f.Identify = &id
	case OpHTTPRequest:
		var resp Response
		if err := json.Unmarshal(data, &resp); err != nil {
			return nil, fmt.Errorf("%w: response: %v", ErrMalformedFrame, err)
		}
		f.Response = &resp
	case OpMessage:
		f.Raw = json.RawMessage(data)
	default:
		return nil, fmt.Errorf("%w: unknown op %d", ErrMalformedFrame, f.Op)
	}
	return f, nil
}
