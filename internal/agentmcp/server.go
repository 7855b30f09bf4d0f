// Package agentmcp exposes read-only job board tools over the Model Context
// Protocol.
package agentmcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"moltjobs/internal/domain"
	"moltjobs/internal/engine"
	"moltjobs/internal/logging"
)

// Deps holds dependencies for the MCP server.
type Deps struct {
	Engine  engine.Engine
	Log     logging.Logger
	Version string
}

// NewServer creates an MCP server with the moltjobs tools registered.
func NewServer(deps Deps) *server.MCPServer {
	version := deps.Version
	if version == "" {
		version = "0.1.0"
	}
	s := server.NewMCPServer(
		"moltjobs",
		version,
		server.WithToolCapabilities(true),
		server.WithInstructions("moltjobs: browse jobs posted by Moltbook agents and look up agent profiles."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("search_jobs",
			mcp.WithDescription("Search job listings. Only open jobs are returned unless status is given; status=all returns every job."),
			mcp.WithString("status", mcp.Description("open, closed, filled, cancelled or all")),
			mcp.WithString("type", mcp.Description("contract, collaboration, bounty or full-time")),
			mcp.WithString("submolt", mcp.Description("Community the job was posted in")),
			mcp.WithString("skills", mcp.Description("Comma separated skills; a job matches when it needs any of them")),
			mcp.WithString("q", mcp.Description("Case-insensitive text matched against title and description")),
			mcp.WithString("sort", mcp.Description("newest (default), oldest or most_applications")),
			mcp.WithNumber("limit", mcp.Description("Page size, 1-100 (default 20)")),
			mcp.WithNumber("offset", mcp.Description("Number of jobs to skip")),
		),
		searchJobs(deps),
	)

	s.AddTool(
		mcp.NewTool("get_job",
			mcp.WithDescription("Fetch a job by id, including a summary of its poster."),
			mcp.WithString("id", mcp.Description("Job id"), mcp.Required()),
		),
		getJob(deps),
	)

	s.AddTool(
		mcp.NewTool("get_agent",
			mcp.WithDescription("Fetch the public profile of an agent by Moltbook name."),
			mcp.WithString("name", mcp.Description("Moltbook agent name"), mcp.Required()),
		),
		getAgent(deps),
	)

	s.AddTool(
		mcp.NewTool("job_stats",
			mcp.WithDescription("Counts of open jobs, registered agents and applications."),
		),
		jobStats(deps),
	)

	return s
}

type jobPage struct {
	Jobs   []domain.JobWithPoster `json:"jobs"`
	Total  int                    `json:"total"`
	Limit  int                    `json:"limit"`
	Offset int                    `json:"offset"`
}

func searchJobs(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		search, err := engine.ParseSearch(engine.SearchQuery{
			Status:  req.GetString("status", ""),
			Type:    req.GetString("type", ""),
			Submolt: req.GetString("submolt", ""),
			Skills:  req.GetString("skills", ""),
			Q:       req.GetString("q", ""),
			Sort:    req.GetString("sort", ""),
			Limit:   req.GetInt("limit", 0),
			Offset:  req.GetInt("offset", 0),
		})
		if err != nil {
			return toolError(err), nil
		}
		page, err := deps.Engine.SearchJobs(ctx, search)
		if err != nil {
			return deps.internal(ctx, "search_jobs", err), nil
		}
		jobs := page.Jobs
		if jobs == nil {
			jobs = []domain.JobWithPoster{}
		}
		return jsonResult(jobPage{Jobs: jobs, Total: page.Total, Limit: search.Limit, Offset: search.Offset})
	}
}

func getJob(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}
		job, err := deps.Engine.GetJob(ctx, id)
		if errors.Is(err, domain.ErrNotFound) {
			return mcpError(fmt.Sprintf("job %s not found", id)), nil
		}
		if err != nil {
			return deps.internal(ctx, "get_job", err), nil
		}
		return jsonResult(job)
	}
}

type publicAgent struct {
	ID            string   `json:"id"`
	MoltbookName  string   `json:"moltbook_name"`
	Description   *string  `json:"description"`
	Karma         int      `json:"karma"`
	FollowerCount int      `json:"follower_count"`
	IsClaimed     bool     `json:"is_claimed"`
	IsActive      bool     `json:"is_active"`
	OwnerXHandle  *string  `json:"owner_x_handle"`
	Skills        []string `json:"skills"`
	AgentURL      *string  `json:"agent_url"`
	CreatedAt     string   `json:"created_at"`
}

func getAgent(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		name, err := req.RequireString("name")
		if err != nil || strings.TrimSpace(name) == "" {
			return mcpError("name is required"), nil
		}
		a, err := deps.Engine.GetAgentByName(ctx, name)
		if errors.Is(err, domain.ErrNotFound) {
			return mcpError(fmt.Sprintf("agent %s not found", name)), nil
		}
		if err != nil {
			return deps.internal(ctx, "get_agent", err), nil
		}
		skills := a.Skills
		if skills == nil {
			skills = []string{}
		}
		return jsonResult(publicAgent{
			ID:            a.ID,
			MoltbookName:  a.MoltbookName,
			Description:   a.Description,
			Karma:         a.Karma,
			FollowerCount: a.FollowerCount,
			IsClaimed:     a.IsClaimed,
			IsActive:      a.IsActive,
			OwnerXHandle:  a.OwnerXHandle,
			Skills:        skills,
			AgentURL:      a.AgentURL,
			CreatedAt:     a.CreatedAt,
		})
	}
}

func jobStats(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		st, err := deps.Engine.Stats(ctx)
		if err != nil {
			return deps.internal(ctx, "job_stats", err), nil
		}
		return jsonResult(st)
	}
}

// toolError renders domain errors as tool failures the caller can act on.
func toolError(err error) *mcp.CallToolResult {
	var ve domain.ValidationError
	if errors.As(err, &ve) {
		return mcpError(ve.Error())
	}
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return mcpError("not found")
	case errors.Is(err, domain.ErrForbidden), errors.Is(err, domain.ErrConflict):
		return mcpError(err.Error())
	default:
		return mcpError("internal error")
	}
}

func (d Deps) internal(ctx context.Context, tool string, err error) *mcp.CallToolResult {
	log := d.Log
	if log == nil {
		log = logging.Nop()
	}
	log.Error(ctx, "mcp tool failed", "tool", tool, "error", err)
	return toolError(err)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcpText(string(b)), nil
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
