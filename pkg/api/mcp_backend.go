package api

import (
	"context"
	"sort"

	"github.com/denizumutdereli/kairos/pkg/core"
	mcpapi "github.com/denizumutdereli/kairos/pkg/mcp"
)

// mcpBackend adapts the worker to the MCP tool contract.
type mcpBackend struct {
	server *Server
}

func newMCPBackend(s *Server) *mcpBackend {
	return &mcpBackend{server: s}
}

func (b *mcpBackend) Turn(ctx context.Context, req mcpapi.TurnRequest) (any, error) {
	turn := TurnRequest{Text: req.Text, Session: req.Session, History: req.History}.toTurnContext()
	if err := core.ValidateTurnText(turn.Text); err != nil {
		return nil, err
	}
	return b.server.worker.ProcessTurn(ctx, turn)
}

func (b *mcpBackend) Stats(ctx context.Context) (any, error) {
	return b.server.worker.Stats(ctx)
}

func (b *mcpBackend) Families(ctx context.Context, limit int) (any, error) {
	fams, err := b.server.worker.Families(ctx)
	if err != nil {
		return nil, err
	}
	limit = clampPositive(limit, defaultFamilyLimit, maxFamilyLimit)
	total := len(fams)
	sort.SliceStable(fams, func(i, j int) bool { return fams[i].Members > fams[j].Members })
	if len(fams) > limit {
		fams = fams[:limit]
	}

	// Centroids and histories are noise for a tool caller.
	out := make([]map[string]any, 0, len(fams))
	for _, f := range fams {
		out = append(out, map[string]any{
			"id":               f.ID,
			"ordinal":          f.Ordinal,
			"members":          f.Members,
			"assignments":      f.Assignments,
			"meanSatisfaction": f.MeanSatisfaction,
			"v0Target":         f.V0Target,
			"hasTarget":        f.HasTarget,
			"updatedAt":        f.UpdatedAt,
		})
	}
	return map[string]any{"families": out, "count": len(out), "total": total}, nil
}
