package mcp

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"math"
	"net"
	"net/http"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	mcpproto "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"golang.org/x/time/rate"
)

const (
	toolTurn     = "kairos_turn"
	toolStats    = "kairos_stats"
	toolFamilies = "kairos_families"

	promptSession = "kairos_session"

	// Bound on tracked client limiters.
	maxRateClients = 4096
)

// Config controls MCP route behavior.
type Config struct {
	APIKey         string
	Stateless      bool
	RateLimitRPS   float64
	RateLimitBurst int
	EnablePrompts  bool
	AllowedTools   []string
}

// TurnRequest is the kairos_turn payload.
type TurnRequest struct {
	Text    string
	Session string
	History []string
}

// Backend is the capability contract exposed to MCP tools.
type Backend interface {
	Turn(ctx context.Context, req TurnRequest) (any, error)
	Stats(ctx context.Context) (any, error)
	Families(ctx context.Context, limit int) (any, error)
}

// NewHandler builds an MCP streamable HTTP handler with optional API-key auth
// and endpoint-local rate limiting.
func NewHandler(cfg Config, backend Backend) (http.Handler, error) {
	if backend == nil {
		return nil, fmt.Errorf("mcp backend is required")
	}

	s := mcpserver.NewMCPServer(
		"kairos-mcp",
		"1.0.0",
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithPromptCapabilities(cfg.EnablePrompts),
		mcpserver.WithRecovery(),
	)

	registerTools(s, backend, cfg.AllowedTools)
	if cfg.EnablePrompts {
		registerPrompts(s)
	}

	streamable := mcpserver.NewStreamableHTTPServer(s, mcpserver.WithStateLess(cfg.Stateless))
	var h http.Handler = http.HandlerFunc(streamable.ServeHTTP)

	if strings.TrimSpace(cfg.APIKey) != "" {
		h = apiKeyMiddleware(strings.TrimSpace(cfg.APIKey), h)
	}
	if cfg.RateLimitRPS > 0 && cfg.RateLimitBurst > 0 {
		rl, err := newRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		if err != nil {
			return nil, err
		}
		h = rateLimitMiddleware(rl, h)
	}

	return h, nil
}

func registerTools(s *mcpserver.MCPServer, backend Backend, allowed []string) {
	allowedSet := make(map[string]struct{}, len(allowed))
	for _, name := range allowed {
		name = strings.TrimSpace(name)
		if name != "" {
			allowedSet[name] = struct{}{}
		}
	}
	isAllowed := func(name string) bool {
		if len(allowedSet) == 0 {
			return true
		}
		_, ok := allowedSet[name]
		return ok
	}

	if isAllowed(toolTurn) {
		s.AddTool(mcpproto.NewTool(toolTurn,
			mcpproto.WithDescription("Send one conversational turn to Kairos and get the emitted response with its convergence diagnostics."),
			mcpproto.WithString("text", mcpproto.Required(), mcpproto.Description("The user's message for this turn.")),
			mcpproto.WithString("session", mcpproto.Description("Optional session label recorded in the journal.")),
			mcpproto.WithArray("history", mcpproto.Description("Optional prior turns, oldest first."), mcpproto.WithStringItems()),
		), func(ctx context.Context, req mcpproto.CallToolRequest) (*mcpproto.CallToolResult, error) {
			args := req.GetArguments()
			text := getString(args, "text", "")
			if strings.TrimSpace(text) == "" {
				return errResult("text is required"), nil
			}
			result, err := backend.Turn(ctx, TurnRequest{
				Text:    text,
				Session: getString(args, "session", ""),
				History: getStrings(args, "history"),
			})
			if err != nil {
				return errResult(err.Error()), nil
			}
			return structuredResult("turn processed", result)
		})
	}

	if isAllowed(toolStats) {
		s.AddTool(mcpproto.NewTool(toolStats,
			mcpproto.WithDescription("Report saturation, diversity, regime, threshold, weaning weight and family count."),
		), func(ctx context.Context, _ mcpproto.CallToolRequest) (*mcpproto.CallToolResult, error) {
			result, err := backend.Stats(ctx)
			if err != nil {
				return errResult(err.Error()), nil
			}
			return structuredResult("stats collected", result)
		})
	}

	if isAllowed(toolFamilies) {
		s.AddTool(mcpproto.NewTool(toolFamilies,
			mcpproto.WithDescription("List the learned signature families, largest first."),
			mcpproto.WithNumber("limit", mcpproto.Description("Max families to return (optional, default 20).")),
		), func(ctx context.Context, req mcpproto.CallToolRequest) (*mcpproto.CallToolResult, error) {
			limit := getInt(req.GetArguments(), "limit", 20)
			result, err := backend.Families(ctx, limit)
			if err != nil {
				return errResult(err.Error()), nil
			}
			return structuredResult("families listed", result)
		})
	}
}

func registerPrompts(s *mcpserver.MCPServer) {
	s.AddPrompt(mcpproto.NewPrompt(promptSession,
		mcpproto.WithPromptDescription("Relay a user's message through Kairos and reply with its emission."),
		mcpproto.WithArgument("text", mcpproto.RequiredArgument(), mcpproto.ArgumentDescription("The user's message.")),
	), func(_ context.Context, req mcpproto.GetPromptRequest) (*mcpproto.GetPromptResult, error) {
		text := req.Params.Arguments["text"]
		return &mcpproto.GetPromptResult{
			Description: "Kairos conversational relay",
			Messages: []mcpproto.PromptMessage{
				{
					Role: mcpproto.RoleUser,
					Content: mcpproto.TextContent{
						Type: "text",
						Text: fmt.Sprintf("Call %s with text %q. Reply with its emittedText; if strategy is fallback, say so and ask a clarifying question.", toolTurn, text),
					},
				},
			},
		}, nil
	})
}

func errResult(msg string) *mcpproto.CallToolResult {
	return &mcpproto.CallToolResult{
		Content: []mcpproto.Content{
			mcpproto.TextContent{Type: "text", Text: "Error: " + msg},
		},
		IsError: true,
	}
}

func structuredResult(summary string, data any) (*mcpproto.CallToolResult, error) {
	blob, err := json.Marshal(data)
	if err != nil {
		return errResult(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return &mcpproto.CallToolResult{
		Content: []mcpproto.Content{
			mcpproto.TextContent{Type: "text", Text: summary},
			mcpproto.TextContent{Type: "text", Text: string(blob)},
		},
	}, nil
}

func getString(args map[string]any, key string, def string) string {
	if args == nil {
		return def
	}
	if v, ok := args[key].(string); ok {
		return v
	}
	return def
}

func getInt(args map[string]any, key string, def int) int {
	if args == nil {
		return def
	}
	v, ok := args[key].(float64)
	if !ok {
		return def
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return def
	}
	return int(v)
}

// getStrings accepts a JSON array of strings; non-string items are dropped.
func getStrings(args map[string]any, key string) []string {
	raw, ok := args[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func apiKeyMiddleware(expected string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		provided := strings.TrimSpace(r.Header.Get("X-API-Key"))
		if provided == "" {
			auth := strings.TrimSpace(r.Header.Get("Authorization"))
			if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
				provided = strings.TrimSpace(auth[7:])
			}
		}

		if provided == "" || subtle.ConstantTimeCompare([]byte(provided), []byte(expected)) != 1 {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte("unauthorized"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// rateLimiter keeps one token bucket per client, evicting the least
// recently seen clients beyond maxRateClients.
type rateLimiter struct {
	limit rate.Limit
	burst int

	clients *lru.Cache[string, *rate.Limiter]
}

func newRateLimiter(rps float64, burst int) (*rateLimiter, error) {
	clients, err := lru.New[string, *rate.Limiter](maxRateClients)
	if err != nil {
		return nil, err
	}
	return &rateLimiter{limit: rate.Limit(rps), burst: burst, clients: clients}, nil
}

func (rl *rateLimiter) allow(key string) bool {
	lim, ok := rl.clients.Get(key)
	if !ok {
		lim = rate.NewLimiter(rl.limit, rl.burst)
		if prev, found, _ := rl.clients.PeekOrAdd(key, lim); found {
			lim = prev
		}
	}
	return lim.Allow()
}

func rateLimitMiddleware(rl *rateLimiter, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := clientAddr(r)
		if !rl.allow(key) {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte("rate limit exceeded"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientAddr(r *http.Request) string {
	if fwd := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); fwd != "" {
		parts := strings.Split(fwd, ",")
		if len(parts) > 0 {
			return strings.TrimSpace(parts[0])
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil && host != "" {
		return host
	}
	if strings.TrimSpace(r.RemoteAddr) != "" {
		return strings.TrimSpace(r.RemoteAddr)
	}
	return "unknown"
}
