package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalRequestRecord(t *testing.T) {
	req := &Request{
		ID:      "req-1",
		Method:  "POST",
		Path:    "/api/chat",
		Headers: map[string]string{"Content-Type": "application/json"},
		Body:    json.RawMessage(`{"model":"llama3.2","stream":false}`),
	}

	raw, err := Marshal(req)
	require.NoError(t, err)

	var env map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &env))
	assert.JSONEq(t, `"request"`, string(env["type"]))

	parsed, err := ParseMessage(raw)
	require.NoError(t, err)
	require.Equal(t, MessageTypeRequest, parsed.Type())

	got := parsed.(*Request)
	assert.Equal(t, "req-1", got.ID)
	assert.Equal(t, "POST", got.Method)
	assert.Equal(t, "/api/chat", got.Path)
}

func TestParseMessageVariants(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
	}{
		{"response", &Response{ID: "r1", Status: 200, Provider: "ollama-local", Fallback: true}},
		{"ping", &Ping{ID: "p1"}},
		{"pong", &Pong{ID: "p1"}},
		{"error", NewErrorMessage("r2", "providerUnavailable", "no live provider")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := Marshal(tt.msg)
			require.NoError(t, err)

			parsed, err := ParseMessage(raw)
			require.NoError(t, err)
			assert.Equal(t, tt.msg.Type(), parsed.Type())
			assert.Equal(t, tt.msg.CorrelationID(), parsed.CorrelationID())
		})
	}
}

func TestParseMessageRejectsMalformed(t *testing.T) {
	_, err := ParseMessage([]byte(`{not json`))
	assert.Error(t, err)

	_, err = ParseMessage([]byte(`{"type":"teleport","data":{}}`))
	assert.Error(t, err)

	// A record without an id cannot be correlated and must be rejected.
	_, err = ParseMessage([]byte(`{"type":"request","data":{"method":"GET","path":"/api/tags"}}`))
	assert.Error(t, err)
}

func TestMessageSniffers(t *testing.T) {
	reqRaw, err := Marshal(&Request{ID: "a", Method: "GET", Path: "/api/tags"})
	require.NoError(t, err)
	respRaw, err := Marshal(&Response{ID: "a", Status: 200})
	require.NoError(t, err)

	assert.True(t, IsRequest(reqRaw))
	assert.False(t, IsRequest(respRaw))
	assert.True(t, IsResponse(respRaw))
	assert.False(t, IsResponse(reqRaw))
}

func TestIsTerminal(t *testing.T) {
	assert.True(t, IsTerminal(&Response{ID: "x"}))
	assert.True(t, IsTerminal(&ErrorMessage{ID: "x", Message: "boom"}))
	assert.False(t, IsTerminal(&Ping{ID: "x"}))
	assert.False(t, IsTerminal(&Request{ID: "x"}))
}

func TestRegisterResultDecoding(t *testing.T) {
	raw := []byte(`{
		"success": true,
		"bridgeId": "bridge-7f3a",
		"config": {
			"pollingInterval": 2000,
			"heartbeatInterval": 30000,
			"requestTimeout": 30000,
			"llmChatTimeout": 60000,
			"llmModelTimeout": 10000,
			"llmStreamingTimeout": 300000
		}
	}`)

	var result RegisterResult
	require.NoError(t, json.Unmarshal(raw, &result))
	assert.True(t, result.Success)
	assert.Equal(t, "bridge-7f3a", result.BridgeID)
	assert.Equal(t, 2000, result.Config.PollingInterval)
	assert.Equal(t, 2*1000*1000*1000, int(result.Config.PollingIntervalDuration()))
}
