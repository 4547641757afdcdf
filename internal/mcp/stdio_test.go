package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// frames decodes the newline-delimited output and indexes responses by id,
// skipping server notifications.
func frames(t *testing.T, out []byte) map[string]map[string]any {
	t.Helper()
	byID := make(map[string]map[string]any)
	for _, line := range bytes.Split(bytes.TrimSpace(out), []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		var frame map[string]any
		require.NoError(t, json.Unmarshal(line, &frame))
		id, ok := frame["id"]
		if !ok {
			continue
		}
		byID[string(mustMarshal(t, id))] = frame
	}
	return byID
}

func mustMarshal(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func TestStdioServe(t *testing.T) {
	core := newCore(t)
	srv := NewStdioServer(core, "", zap.NewNop())

	script := strings.Join([]string{
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-03-26","clientInfo":{"name":"cli","version":"1.0"},"namespace":"team-a"}}`,
		`{"jsonrpc":"2.0","id":2,"method":"ping"}`,
		`this is not json`,
		`{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"manage_work_item","arguments":{"action":"create","type":"task","title":"From stdio"}}}`,
	}, "\n") + "\n"

	var out bytes.Buffer
	require.NoError(t, srv.Serve(context.Background(), strings.NewReader(script), &out))

	byID := frames(t, out.Bytes())

	init, ok := byID["1"]
	require.True(t, ok)
	require.NotContains(t, init, "error")
	result := init["result"].(map[string]any)
	assert.Equal(t, ProtocolVersion, result["protocolVersion"])
	assert.Equal(t, "team-a", result["namespace"])

	pong, ok := byID["2"]
	require.True(t, ok)
	assert.NotContains(t, pong, "error")

	parseErr, ok := byID["null"]
	require.True(t, ok)
	rpcErr := parseErr["error"].(map[string]any)
	assert.Equal(t, float64(CodeParseError), rpcErr["code"])

	call, ok := byID["3"]
	require.True(t, ok)
	require.NotContains(t, call, "error")
	content := call["result"].(map[string]any)["content"].([]any)
	require.Len(t, content, 1)
	assert.Contains(t, content[0].(map[string]any)["text"], "From stdio")
}

func TestStdioRequiresInitializeFirst(t *testing.T) {
	core := newCore(t)
	srv := NewStdioServer(core, "", zap.NewNop())

	var out bytes.Buffer
	err := srv.Serve(context.Background(),
		strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"ping"}`+"\n"), &out)
	require.NoError(t, err)

	byID := frames(t, out.Bytes())
	resp, ok := byID["1"]
	require.True(t, ok)
	rpcErr := resp["error"].(map[string]any)
	assert.Equal(t, float64(CodeInvalidRequest), rpcErr["code"])
	assert.Contains(t, rpcErr["message"], "initialize must be the first request")
}

func TestStdioEnvNamespaceFallback(t *testing.T) {
	core := newCore(t)
	srv := NewStdioServer(core, "from-env", zap.NewNop())

	var out bytes.Buffer
	script := `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"clientInfo":{"name":"cli"}}}` + "\n"
	require.NoError(t, srv.Serve(context.Background(), strings.NewReader(script), &out))

	byID := frames(t, out.Bytes())
	result := byID["1"]["result"].(map[string]any)
	assert.Equal(t, "from-env", result["namespace"])
}
