package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang/glog"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/agentic-research/cityhall/internal/keystore"
	"github.com/agentic-research/cityhall/internal/snapshot"
	"github.com/agentic-research/cityhall/internal/tree"
)

var metricsAddr string

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the key tree as MCP tools over stdio",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		reg := prometheus.NewRegistry()
		c, err := dial(cmd, func(next keystore.Client) (keystore.Client, error) {
			return keystore.NewInstrumented(next, reg)
		})
		if err != nil {
			return err
		}
		defer func() {
			if err := c.Close(context.Background()); err != nil {
				glog.Warningf("close session: %v", err)
			}
		}()

		if metricsAddr != "" {
			srv := &http.Server{
				Addr:              metricsAddr,
				Handler:           metricsMux(reg),
				ReadHeaderTimeout: 5 * time.Second,
			}
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					glog.Errorf("metrics server: %v", err)
				}
			}()
			defer func() { _ = srv.Close() }()
			glog.Infof("serving metrics on %s/metrics", metricsAddr)
		}

		return server.ServeStdio(newMCPServer(c))
	},
}

func init() {
	mcpCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	rootCmd.AddCommand(mcpCmd)
}

func metricsMux(reg *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return mux
}

// mcpTools binds the MCP tool handlers to one session. All tools share one
// tree model, so repeated listings are served from the loaded tree.
type mcpTools struct {
	c *conn
	m *tree.Model
}

func (t *mcpTools) env(req mcp.CallToolRequest) string {
	return req.GetString("environment", t.c.env)
}

func newMCPServer(c *conn) *server.MCPServer {
	t := &mcpTools{c: c, m: c.model()}
	s := server.NewMCPServer("cityhall", "0.1.0", server.WithToolCapabilities(false))

	envOpt := mcp.WithString("environment", mcp.Description("Environment (default: the session's)"))
	pathOpt := mcp.WithString("path", mcp.Required(), mcp.Description("Key path, e.g. /app/port"))
	overrideOpt := mcp.WithString("override", mcp.Description("Override (user) variant; empty for the default"))

	s.AddTool(mcp.NewTool("list_children",
		mcp.WithDescription("List the children of a key with their values"),
		pathOpt, envOpt,
	), t.listChildren)
	s.AddTool(mcp.NewTool("get_value",
		mcp.WithDescription("Read a key; without override the session user's variant wins over the default"),
		pathOpt, overrideOpt, envOpt,
	), t.getValue)
	s.AddTool(mcp.NewTool("set_value",
		mcp.WithDescription("Write a key, creating it when missing"),
		pathOpt, overrideOpt, envOpt,
		mcp.WithString("value", mcp.Description("New value; omit to leave unchanged")),
		mcp.WithBoolean("protect", mcp.Description("New protect flag; omit to leave unchanged")),
	), t.setValue)
	s.AddTool(mcp.NewTool("delete_key",
		mcp.WithDescription("Delete a key; deleting the default deletes all its overrides"),
		pathOpt, overrideOpt, envOpt,
	), t.deleteKey)
	s.AddTool(mcp.NewTool("move_key",
		mcp.WithDescription("Copy a key to the same path in another environment; with override only that variant"),
		pathOpt, overrideOpt, envOpt,
		mcp.WithString("target", mcp.Required(), mcp.Description("Target environment")),
		mcp.WithBoolean("recursive", mcp.Description("Also copy children")),
	), t.moveKey)
	s.AddTool(mcp.NewTool("history",
		mcp.WithDescription("Show the change history of a key and its children"),
		pathOpt, overrideOpt, envOpt,
	), t.history)
	s.AddTool(mcp.NewTool("query",
		mcp.WithDescription("Evaluate a JSONPath expression over the subtree at path"),
		pathOpt, envOpt,
		mcp.WithString("expr", mcp.Required(), mcp.Description("JSONPath expression")),
	), t.query)
	return s
}

func toolError(err error) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultError(err.Error()), nil
}

func (t *mcpTools) listChildren(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	p, err := req.RequireString("path")
	if err != nil {
		return toolError(err)
	}
	nodes, err := listChildren(ctx, t.m, t.env(req), p)
	if err != nil {
		return toolError(err)
	}
	var b strings.Builder
	if err := writeChildren(&b, nodes); err != nil {
		return toolError(err)
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (t *mcpTools) getValue(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	p, err := req.RequireString("path")
	if err != nil {
		return toolError(err)
	}
	var ovr *string
	if args := req.GetArguments(); args != nil {
		if _, ok := args["override"]; ok {
			o := req.GetString("override", "")
			ovr = &o
		}
	}
	v, err := t.c.client.ReadValue(ctx, t.c.session, t.env(req), p, ovr)
	if err != nil {
		return toolError(err)
	}
	return mcp.NewToolResultText(v.Value), nil
}

func (t *mcpTools) setValue(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	p, err := req.RequireString("path")
	if err != nil {
		return toolError(err)
	}
	args := req.GetArguments()
	var value *string
	if _, ok := args["value"]; ok {
		v := req.GetString("value", "")
		value = &v
	}
	var protect *bool
	if _, ok := args["protect"]; ok {
		pr := req.GetBool("protect", false)
		protect = &pr
	}
	if value == nil && protect == nil {
		return mcp.NewToolResultError("nothing to set: give value or protect"), nil
	}
	if err := setValue(ctx, t.m, t.env(req), p, req.GetString("override", ""), value, protect); err != nil {
		return toolError(err)
	}
	return mcp.NewToolResultText("ok"), nil
}

func (t *mcpTools) deleteKey(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	p, err := req.RequireString("path")
	if err != nil {
		return toolError(err)
	}
	if err := deleteKey(ctx, t.m, t.env(req), p, req.GetString("override", "")); err != nil {
		return toolError(err)
	}
	return mcp.NewToolResultText("ok"), nil
}

func (t *mcpTools) moveKey(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	p, err := req.RequireString("path")
	if err != nil {
		return toolError(err)
	}
	target, err := req.RequireString("target")
	if err != nil {
		return toolError(err)
	}
	if err := moveKey(ctx, t.m, t.env(req), p, req.GetString("override", ""), target, req.GetBool("recursive", false)); err != nil {
		return toolError(err)
	}
	return mcp.NewToolResultText("ok"), nil
}

func (t *mcpTools) history(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	p, err := req.RequireString("path")
	if err != nil {
		return toolError(err)
	}
	events, err := keyHistory(ctx, t.m, t.env(req), p, req.GetString("override", ""))
	if err != nil {
		return toolError(err)
	}
	var b strings.Builder
	if err := writeHistory(&b, events); err != nil {
		return toolError(err)
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (t *mcpTools) query(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	p, err := req.RequireString("path")
	if err != nil {
		return toolError(err)
	}
	expr, err := req.RequireString("expr")
	if err != nil {
		return toolError(err)
	}
	doc, err := buildDocument(ctx, t.m, t.env(req), p)
	if err != nil {
		return toolError(err)
	}
	results, err := snapshot.Query(doc, expr)
	if err != nil {
		return toolError(err)
	}
	b, err := json.Marshal(results)
	if err != nil {
		return toolError(err)
	}
	return mcp.NewToolResultText(string(b)), nil
}
