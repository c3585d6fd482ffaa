// Command osdc-mcp exposes read-only introspection over a running
// client as MCP tools, in the same shape as the teacher's cmd/mcp: a
// YAML config loaded (or defaulted) on first run, a handful of tools
// registered against a shared registry, served over stdio.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/congxueyang/osdc/client"
	"github.com/congxueyang/osdc/internal/telemetry"
)

// Registry holds the client instance the MCP tools introspect.
type Registry struct {
	Client *client.Client
}

func addTools(s *server.MCPServer, reg *Registry) {
	listDaemons := mcp.NewTool("list_daemons",
		mcp.WithDescription("List storage daemon ordinals known to the current map snapshot"),
	)
	s.AddTool(listDaemons, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		ords := reg.Client.DaemonOrdinals()
		result := fmt.Sprintf("map epoch %d, %d daemons:\n", reg.Client.MapEpoch(), len(ords))
		for _, o := range ords {
			result += fmt.Sprintf("- osd.%d\n", o)
		}
		return mcp.NewToolResultText(result), nil
	})

	listInflight := mcp.NewTool("list_inflight",
		mcp.WithDescription("Report the number of requests currently in flight"),
	)
	s.AddTool(listInflight, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return mcp.NewToolResultText(fmt.Sprintf("%d requests in flight", reg.Client.InFlightCount())), nil
	})

	clientStats := mcp.NewTool("client_stats",
		mcp.WithDescription("Report overall client session stats"),
	)
	s.AddTool(clientStats, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		result := fmt.Sprintf("session %s\nmap epoch %d\nin flight %d\n",
			reg.Client.SessionID, reg.Client.MapEpoch(), reg.Client.InFlightCount())
		return mcp.NewToolResultText(result), nil
	})
}

func main() {
	configPath := "osdc-mcp.yaml"
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	log := telemetry.NewNop()
	cfg, err := loadMCPConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "osdc-mcp: %v\n", err)
		os.Exit(1)
	}

	c, err := client.Init(context.Background(), client.Config{
		OSDTimeout:  cfg.osdTimeout(),
		PoolSize:    cfg.PoolSize,
		MonitorEtcd: cfg.MonitorEndpoints,
		MonitorKey:  cfg.MonitorKey,
	}, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "osdc-mcp: failed to init client: %v\n", err)
		os.Exit(1)
	}
	defer c.Stop()

	reg := &Registry{Client: c}

	s := server.NewMCPServer(
		"osdc introspection",
		"1.0.0",
		server.WithToolCapabilities(false),
	)
	addTools(s, reg)

	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "osdc-mcp: server error: %v\n", err)
	}
}
