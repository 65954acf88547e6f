// Package mcpserver exposes the memory engine over the Model Context
// Protocol on stdio. Logging stays on stderr; stdout carries only the
// protocol stream.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/sandevgo/memd/internal/core"
	"github.com/sandevgo/memd/internal/service/learner"
	"github.com/sandevgo/memd/internal/service/recall"
	"github.com/sandevgo/memd/pkg/log"
)

// Recaller is the recall surface the server needs.
type Recaller interface {
	Recall(ctx context.Context, q string, maxResults int, strategy recall.Strategy) (recall.Result, error)
	Enhance(ctx context.Context, q string, maxResults int, format string) string
	RecentLatency() time.Duration
}

// Queue is the async ingestion surface.
type Queue interface {
	Enqueue(ctx context.Context, text, sourceID string, meta map[string]string) (*learner.Task, error)
	Status(id string) (*learner.Task, error)
	Wait(ctx context.Context, id string) (*learner.Task, error)
	Depth() int
}

// Stats collects the health snapshot pieces owned by the store.
type Stats interface {
	Count(ctx context.Context) (int, error)
	StatsByKind(ctx context.Context) ([]core.KindCount, error)
	StatsBySource(ctx context.Context) ([]core.SourceCount, error)
	DBSize() int64
}

type Server struct {
	mcp      *server.MCPServer
	recaller Recaller
	queue    Queue
	stats    Stats
}

func New(recaller Recaller, queue Queue, stats Stats) *Server {
	s := &Server{
		mcp: server.NewMCPServer(core.Name, core.Version,
			server.WithToolCapabilities(false),
			server.WithRecovery(),
		),
		recaller: recaller,
		queue:    queue,
		stats:    stats,
	}
	s.registerTools()
	return s
}

// Start serves the protocol on stdio until the context is cancelled or
// the client closes the stream.
func (s *Server) Start(ctx context.Context) error {
	log.FromCtx(ctx).Info().Msg("mcp server listening on stdio")

	stdio := server.NewStdioServer(s.mcp)
	err := stdio.Listen(ctx, os.Stdin, os.Stdout)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	log.FromCtx(ctx).Info().Msg("mcp server stopped")
	return nil
}

func (s *Server) registerTools() {
	s.mcp.AddTool(mcp.NewTool("memory_enhance",
		mcp.WithDescription("Enrich a prompt with relevant stored memory. Returns the prompt unchanged when nothing relevant is found."),
		mcp.WithString("query", mcp.Required(), mcp.Description("The prompt or question to enrich")),
		mcp.WithNumber("max_results", mcp.Description("Maximum memory records to attach")),
		mcp.WithString("format", mcp.Description("Output format: text (default) or json")),
	), s.handleEnhance)

	s.mcp.AddTool(mcp.NewTool("memory_learn",
		mcp.WithDescription("Extract memory records from text and store them in the background. Returns the queued task."),
		mcp.WithString("text", mcp.Required(), mcp.Description("Raw text to learn from")),
		mcp.WithString("source", mcp.Description("Identifier of where the text came from")),
		mcp.WithObject("metadata", mcp.Description("String key/value pairs attached to every stored record; a natural_key makes re-ingestion of the same source item idempotent")),
		mcp.WithBoolean("wait", mcp.Description("Block until the task finishes instead of returning immediately")),
	), s.handleLearn)

	s.mcp.AddTool(mcp.NewTool("memory_task_status",
		mcp.WithDescription("Report the state of a previously queued learn task."),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("Id returned by memory_learn")),
	), s.handleTaskStatus)

	s.mcp.AddTool(mcp.NewTool("memory_recall",
		mcp.WithDescription("Search stored memory and return ranked records."),
		mcp.WithString("query", mcp.Required(), mcp.Description("Free-text search query")),
		mcp.WithNumber("max_results", mcp.Description("Maximum records to return")),
		mcp.WithString("strategy", mcp.Description("Ranking strategy: keyword, entity, temporal, pattern or hybrid (default)")),
	), s.handleRecall)

	s.mcp.AddTool(mcp.NewTool("memory_stats",
		mcp.WithDescription("Report memory store health: record counts, queue depth, recall latency and database size."),
	), s.handleStats)
}

func (s *Server) handleEnhance(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query, err := req.RequireString("query")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	maxResults := req.GetInt("max_results", 0)
	format := req.GetString("format", "text")

	return mcp.NewToolResultText(s.recaller.Enhance(ctx, query, maxResults, format)), nil
}

func (s *Server) handleLearn(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	text, err := req.RequireString("text")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	source := req.GetString("source", "mcp")

	var meta map[string]string
	if raw, ok := req.GetArguments()["metadata"].(map[string]any); ok {
		meta = make(map[string]string, len(raw))
		for k, v := range raw {
			if str, ok := v.(string); ok {
				meta[k] = str
			}
		}
	}

	task, err := s.queue.Enqueue(ctx, text, source, meta)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	if req.GetBool("wait", false) {
		task, err = s.queue.Wait(ctx, task.ID)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
	}

	return jsonResult(task)
}

func (s *Server) handleTaskStatus(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("task_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	task, err := s.queue.Status(id)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(task)
}

func (s *Server) handleRecall(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query, err := req.RequireString("query")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	strategy, err := recall.ParseStrategy(req.GetString("strategy", ""))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	res, err := s.recaller.Recall(ctx, query, req.GetInt("max_results", 0), strategy)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(res)
}

func (s *Server) handleStats(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	snapshot, err := s.Snapshot(ctx)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(snapshot)
}

// Snapshot assembles the health surface from its owners.
func (s *Server) Snapshot(ctx context.Context) (core.StatsSnapshot, error) {
	total, err := s.stats.Count(ctx)
	if err != nil {
		return core.StatsSnapshot{}, err
	}
	byKind, err := s.stats.StatsByKind(ctx)
	if err != nil {
		return core.StatsSnapshot{}, err
	}
	bySource, err := s.stats.StatsBySource(ctx)
	if err != nil {
		return core.StatsSnapshot{}, err
	}

	return core.StatsSnapshot{
		TotalRecords:  total,
		ByKind:        byKind,
		BySource:      bySource,
		QueueDepth:    s.queue.Depth(),
		RecentLatency: s.recaller.RecentLatency(),
		DBSizeBytes:   s.stats.DBSize(),
	}, nil
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(b)), nil
}
