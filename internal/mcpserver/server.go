package mcpserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/mark3labs/mcp-go/server"
	"github.com/mark3labs/swarmwatch/internal/logger"
	"github.com/mark3labs/swarmwatch/internal/reducer"
)

// Session is the part of the session controller exposed over MCP.
type Session interface {
	SessionID() string
	Snapshot() reducer.Snapshot
	SetPaused(paused bool)
	Stopping() bool
	Stop(ctx context.Context) error
	EmergencyStop()
}

// Server is an embedded MCP HTTP server that lets external tools read the
// live conversation and drive session control.
type Server struct {
	sess       Session
	mcpServer  *server.MCPServer
	httpServer *server.StreamableHTTPServer
	stdServer  *http.Server
	port       int
	mu         sync.Mutex
}

// New creates a server for sess. It is not listening until Start.
func New(sess Session) *Server {
	s := &Server{sess: sess}
	s.mcpServer = server.NewMCPServer(
		"swarmwatch",
		"1.0.0",
		server.WithToolCapabilities(true),
	)
	s.registerTools()
	return s
}

// Start listens on 127.0.0.1:port, or a random port when port is zero, and
// returns the bound port.
func (s *Server) Start(ctx context.Context, port int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stdServer != nil {
		return 0, errors.New("server already started")
	}

	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return 0, fmt.Errorf("failed to listen: %w", err)
	}
	s.port = listener.Addr().(*net.TCPAddr).Port

	// The listener is passed straight to Serve to avoid a TOCTOU race on
	// the port.
	mux := http.NewServeMux()
	s.httpServer = server.NewStreamableHTTPServer(s.mcpServer, server.WithStateLess(true))
	mux.Handle("/mcp", s.httpServer)
	s.stdServer = &http.Server{Handler: mux}

	stdServer := s.stdServer
	go func() {
		if err := stdServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("MCP server error: %v", err)
		}
	}()

	logger.Debug("MCP server ready on port %d", s.port)
	return s.port, nil
}

// Stop shuts the HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stdServer == nil {
		return nil
	}
	logger.Debug("Stopping MCP server")
	if err := s.stdServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to stop server: %w", err)
	}
	s.httpServer = nil
	s.stdServer = nil
	return nil
}

// URL returns the HTTP URL for the MCP server endpoint.
func (s *Server) URL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fmt.Sprintf("http://localhost:%d/mcp", s.port)
}
