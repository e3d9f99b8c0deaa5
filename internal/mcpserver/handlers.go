package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/swarmwatch/internal/reducer"
)

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcp.NewTool("get-conversation",
			mcp.WithDescription("Return finalized conversation messages as JSON"),
			mcp.WithNumber("since", mcp.Description("Skip the first N messages (default 0)")),
			mcp.WithString("agent", mcp.Description("Only return messages from this agent")),
		),
		s.handleGetConversation,
	)
	s.mcpServer.AddTool(
		mcp.NewTool("get-agents",
			mcp.WithDescription("Return live agent activity, the last handoff target, the run status and whether a graceful stop is pending"),
		),
		s.handleGetAgents,
	)
	s.mcpServer.AddTool(
		mcp.NewTool("pause",
			mcp.WithDescription("Withhold streaming text from display until resumed"),
		),
		s.handlePause,
	)
	s.mcpServer.AddTool(
		mcp.NewTool("resume",
			mcp.WithDescription("Release withheld streaming text"),
		),
		s.handleResume,
	)
	s.mcpServer.AddTool(
		mcp.NewTool("stop",
			mcp.WithDescription("Gracefully stop the running execution"),
		),
		s.handleStop,
	)
	s.mcpServer.AddTool(
		mcp.NewTool("emergency-stop",
			mcp.WithDescription("Immediately abort the running execution"),
		),
		s.handleEmergencyStop,
	)
}

type conversationResult struct {
	SessionID string            `json:"session_id,omitempty"`
	Total     int               `json:"total"`
	Messages  []reducer.Message `json:"messages"`
}

func (s *Server) handleGetConversation(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	since := request.GetInt("since", 0)
	if since < 0 {
		return mcp.NewToolResultError("'since' must not be negative"), nil
	}
	agent := request.GetString("agent", "")

	snap := s.sess.Snapshot()
	res := conversationResult{SessionID: snap.SessionID, Total: len(snap.Messages), Messages: []reducer.Message{}}
	for i, m := range snap.Messages {
		if i < since {
			continue
		}
		if agent != "" && m.Agent != agent {
			continue
		}
		res.Messages = append(res.Messages, m)
	}
	return jsonResult(res)
}

type agentsResult struct {
	SessionID         string                  `json:"session_id,omitempty"`
	Paused            bool                    `json:"paused"`
	Stopping          bool                    `json:"stopping"`
	Status            string                  `json:"status"`
	LastHandoffTarget string                  `json:"last_handoff_target,omitempty"`
	Agents            []reducer.AgentActivity `json:"agents"`
	PendingApprovals  []reducer.Approval      `json:"pending_approvals,omitempty"`
}

func (s *Server) handleGetAgents(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	snap := s.sess.Snapshot()
	agents := snap.Agents
	if agents == nil {
		agents = []reducer.AgentActivity{}
	}
	return jsonResult(agentsResult{
		SessionID:         snap.SessionID,
		Paused:            snap.Paused,
		Stopping:          s.sess.Stopping(),
		Status:            snap.Terminal.String(),
		LastHandoffTarget: snap.LastHandoffTarget,
		Agents:            agents,
		PendingApprovals:  snap.PendingApprovals,
	})
}

func (s *Server) handlePause(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	s.sess.SetPaused(true)
	return mcp.NewToolResultText("paused"), nil
}

func (s *Server) handleResume(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	s.sess.SetPaused(false)
	return mcp.NewToolResultText("resumed"), nil
}

func (s *Server) handleStop(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if err := s.sess.Stop(ctx); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("stop failed: %v", err)), nil
	}
	return mcp.NewToolResultText("stopped"), nil
}

func (s *Server) handleEmergencyStop(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	s.sess.EmergencyStop()
	return mcp.NewToolResultText("emergency stop requested"), nil
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("encoding result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
