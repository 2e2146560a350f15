// Package mcpserver implements an MCP (Model Context Protocol) server that
// exposes the prompt registry's list, get, and load operations as typed
// tools over streamable HTTP, so a trusted operator agent can inspect and
// push a new triage prompt while the guard is running, in the same process
// and against the same database connection — load must call back into the
// live guard's reload path, which only works if registry and guard share a
// process. Stdio is not used for this transport: the serving process
// already owns stdin/stdout for the NDJSON mail-event stream.
package mcpserver

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/server"

	"github.com/knarr-net/thrallguard/internal/guard/admin"
)

// version is reported to MCP clients during initialization.
const version = "0.1.0"

// Server holds the MCP server state.
type Server struct {
	registry *admin.Registry
}

// NewServer creates an MCP server backed by the given prompt registry.
func NewServer(registry *admin.Registry) *Server {
	return &Server{registry: registry}
}

func (s *Server) build() *server.MCPServer {
	mcpServer := server.NewMCPServer(
		"thrallguard",
		version,
		server.WithToolCapabilities(true),
	)

	mcpServer.AddTools(
		server.ServerTool{Tool: listPromptsTool(), Handler: s.handleListPrompts},
		server.ServerTool{Tool: getPromptTool(), Handler: s.handleGetPrompt},
		server.ServerTool{Tool: loadPromptTool(), Handler: s.handleLoadPrompt},
	)

	return mcpServer
}

// Serve runs the admin MCP server on addr over streamable HTTP until ctx is
// cancelled, then shuts it down gracefully. It is meant to run alongside
// the guard's own NDJSON stdin loop in the same process, as a goroutine.
func Serve(ctx context.Context, addr string, registry *admin.Registry) error {
	s := NewServer(registry)
	httpServer := server.NewStreamableHTTPServer(s.build())

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:           httpServer,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	logger := log.New(os.Stderr, "[admin-mcp] ", log.LstdFlags)
	logger.Printf("listening on %s", addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
