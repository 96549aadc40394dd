// Command bridgectl drives the bridge's MCP surface over line-delimited
// stdio, one JSON-RPC message per line in, one JSON-RPC message per line
// out. It builds the same dependency graph as cmd/bridged and reuses
// pkg/mcpproxy.Handler's dispatcher rather than re-implementing JSON-RPC.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/wisbric/tavilybridge/internal/app"
	"github.com/wisbric/tavilybridge/internal/config"
)

const helpText = `bridgectl: stdio MCP bridge for Tavily/Brave search tools

Usage:
  bridgectl [flags]

Flags:
  --token <client_token>   client token (or env TAVILY_BRIDGE_MCP_TOKEN)
  --search-source-mode     tavily_only|brave_only|combined|brave_prefer_tavily_fallback
                            (default brave_prefer_tavily_fallback)
  -h, --help                show this help and exit
`

func main() {
	os.Exit(run())
}

func run() int {
	token := flag.String("token", "", "client token (overrides TAVILY_BRIDGE_MCP_TOKEN)")
	mode := flag.String("search-source-mode", "", "search routing mode override")
	help := flag.Bool("help", false, "show help")
	flag.BoolVar(help, "h", false, "show help")
	flag.Usage = func() { fmt.Fprint(os.Stderr, helpText) }
	flag.Parse()

	if *help {
		fmt.Fprint(os.Stderr, helpText)
		return 2
	}

	if *token == "" {
		*token = os.Getenv("TAVILY_BRIDGE_MCP_TOKEN")
	}
	if *token == "" {
		fmt.Fprintln(os.Stderr, "error: missing client token (--token or TAVILY_BRIDGE_MCP_TOKEN)")
		return 1
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: loading config: %v\n", err)
		return 1
	}
	if *mode != "" {
		cfg.SearchSourceMode = *mode
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	built, err := app.Build(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: building dependency graph: %v\n", err)
		return 1
	}
	defer built.Close()

	authHeader := "Bearer " + *token
	var sessionID string

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return 0
		default:
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(line)).WithContext(ctx)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", authHeader)
		if sessionID != "" {
			req.Header.Set("mcp-session-id", sessionID)
		}

		rec := httptest.NewRecorder()
		built.Handler.ServeHTTP(rec, req)

		if sid := rec.Header().Get("mcp-session-id"); sid != "" {
			sessionID = sid
		}

		fmt.Println(strings.TrimRight(rec.Body.String(), "\n"))
	}
	if err := scanner.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "error: reading stdin: %v\n", err)
		return 1
	}

	return 0
}
