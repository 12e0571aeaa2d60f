package cmd

import (
	"context"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/agentic-research/cityhall/internal/keystore"
	"github.com/agentic-research/cityhall/internal/store"
)

func localConn(t *testing.T) *conn {
	t.Helper()
	ctx := context.Background()
	st := store.New(store.NewMemoryBackend())
	require.NoError(t, st.Bootstrap(ctx))
	reg := prometheus.NewRegistry()
	client, err := keystore.NewInstrumented(store.NewLocalClient(st), reg)
	require.NoError(t, err)
	s, err := client.Login(ctx, store.AdminUser, "")
	require.NoError(t, err)
	c := &conn{client: client, session: s, env: s.Environment, closer: st.Close}
	t.Cleanup(func() { _ = c.Close(context.Background()) })
	return c
}

func newTestRegistry(t *testing.T) *prometheus.Registry {
	t.Helper()
	reg := prometheus.NewRegistry()
	st := store.New(store.NewMemoryBackend())
	require.NoError(t, st.Bootstrap(context.Background()))
	client, err := keystore.NewInstrumented(store.NewLocalClient(st), reg)
	require.NoError(t, err)
	_, err = client.Login(context.Background(), store.AdminUser, "")
	require.NoError(t, err)
	return reg
}

func toolRequest(args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	req.Params.Arguments = args
	return req
}

func resultText(res *mcp.CallToolResult) string {
	if res == nil || len(res.Content) == 0 {
		return ""
	}
	if tc, ok := res.Content[0].(mcp.TextContent); ok {
		return tc.Text
	}
	return ""
}
