package server

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutgoingRequestRoundTrip(t *testing.T) {
	in := OutgoingRequest{
		Op:        OpHTTPRequest,
		RequestID: 7,
		Method:    "GET",
		Remote:    "127.0.0.1:5000",
		Path:      "/foo",
		Headers:   map[string]string{"X-Test": "1"},
		Version:   "HTTP/1.1",
		Body:      "",
		Query:     "a=1",
	}

	data, err := json.Marshal(in)
	require.NoError(t, err)

	var out OutgoingRequest
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, in, out)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	for _, key := range []string{"op", "request_id", "method", "remote", "path", "headers", "version", "body", "query"} {
		assert.Contains(t, raw, key)
	}
}

func TestDecodeFrameIdentify(t *testing.T) {
	f, err := DecodeFrame([]byte(`{"op":0,"shard_id":"alpha"}`))
	require.NoError(t, err)
	require.NotNil(t, f.Identify)
	assert.Equal(t, ShardID("alpha"), f.Identify.ShardID)

	f, err = DecodeFrame([]byte(`{"op":0,"shard_id":3}`))
	require.NoError(t, err)
	assert.Equal(t, ShardID("3"), f.Identify.ShardID)
}

func TestDecodeFrameResponse(t *testing.T) {
	data := `{"op":1,"meta_data":{"meta_response_type":"complete"},"request_id":42,
		"type":"response.start","status":201,"headers":[["Set-Cookie","a=1"],["Set-Cookie","b=2"]],
		"body":"ok","more_body":false}`

	f, err := DecodeFrame([]byte(data))
	require.NoError(t, err)
	require.NotNil(t, f.Response)

	resp := f.Response
	assert.Equal(t, uint64(42), resp.RequestID)
	assert.Equal(t, 201, resp.Status)
	assert.Equal(t, ResponseComplete, resp.Meta.ResponseType)
	assert.Equal(t, [][]string{{"Set-Cookie", "a=1"}, {"Set-Cookie", "b=2"}}, resp.Headers)
	assert.False(t, resp.MoreBody)
}

func TestDecodeFrameMessage(t *testing.T) {
	f, err := DecodeFrame([]byte(`{"op":2,"text":"hello"}`))
	require.NoError(t, err)
	assert.Nil(t, f.Response)
	assert.Nil(t, f.Identify)
	assert.JSONEq(t, `{"op":2,"text":"hello"}`, string(f.Raw))
}

func TestDecodeFrameRejectsGarbage(t *testing.T) {
	cases := map[string]string{
		"not json":         `hello`,
		"missing op":       `{"request_id":1}`,
		"unknown op":       `{"op":9}`,
		"bad response":     `{"op":1,"request_id":"x"}`,
		"empty shard":      `{"op":0}`,
		"fractional shard": `{"op":0,"shard_id":1.5}`,
	}

	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeFrame([]byte(data))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrMalformedFrame))
		})
	}
}
