package e2e

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/denizumutdereli/kairos/pkg/api"
	"github.com/denizumutdereli/kairos/pkg/concurrency"
	"github.com/denizumutdereli/kairos/pkg/core"
	"github.com/denizumutdereli/kairos/pkg/organism"
)

// fakeLLM is an OpenAI-compatible chat-completions endpoint.
type fakeLLM struct {
	calls  atomic.Int32
	fail   atomic.Bool
	auth   atomic.Value
	server *httptest.Server
}

func newFakeLLM(t *testing.T) *fakeLLM {
	t.Helper()
	f := &fakeLLM{}
	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.calls.Add(1)
		f.auth.Store(r.Header.Get("Authorization"))
		if r.URL.Path != "/v1/chat/completions" {
			http.NotFound(w, r)
			return
		}
		if f.fail.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte(`{"error":{"message":"model overloaded"}}`))
			return
		}
		var req struct {
			Model    string `json:"model"`
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Messages) == 0 {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		last := req.Messages[len(req.Messages)-1].Content
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{
				"message":       map[string]string{"role": "assistant", "content": "That sounds hard, tell me more about: " + last},
				"finish_reason": "stop",
			}},
		})
	}))
	t.Cleanup(f.server.Close)
	return f
}

func newStack(t *testing.T, llm *fakeLLM) *httptest.Server {
	t.Helper()
	cfg := testConfig(t)
	cfg.LLM.Enabled = true
	cfg.LLM.BaseURL = llm.server.URL + "/v1"
	cfg.LLM.Model = "test-model"
	cfg.LLM.APIKey = "sk-test"
	cfg.LLM.RateLimitRPS = 0

	org := openOrganism(t, cfg, organism.WithEnsemble(steadyEnsemble(t)))
	w := concurrency.NewWorker(org, 64)
	t.Cleanup(w.Stop)

	srv := httptest.NewServer(api.NewServer(cfg.Server.HTTPAddr, w, cfg).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func postTurn(t *testing.T, url, text string) core.TurnResult {
	t.Helper()
	body, _ := json.Marshal(map[string]any{"text": text, "session": "e2e"})
	resp, err := http.Post(url+"/v1/turn", "application/json", strings.NewReader(string(body)))
	if err != nil {
		t.Fatalf("POST /v1/turn: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("POST /v1/turn status %d", resp.StatusCode)
	}
	var res core.TurnResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		t.Fatalf("decode turn result: %v", err)
	}
	return res
}

func TestHTTPTurnScaffoldedByLLM(t *testing.T) {
	llm := newFakeLLM(t)
	srv := newStack(t, llm)

	res := postTurn(t, srv.URL, "my boss yelled at me again")
	if res.Strategy != core.StrategyLLMScaffold {
		t.Fatalf("strategy = %s, want %s", res.Strategy, core.StrategyLLMScaffold)
	}
	if !strings.Contains(res.EmittedText, "my boss yelled at me again") {
		t.Fatalf("emitted text = %q", res.EmittedText)
	}
	if llm.calls.Load() != 1 {
		t.Fatalf("llm calls = %d", llm.calls.Load())
	}
	if got, _ := llm.auth.Load().(string); got != "Bearer sk-test" {
		t.Fatalf("authorization header = %q", got)
	}
}

func TestHTTPTurnDegradesWhenLLMFails(t *testing.T) {
	llm := newFakeLLM(t)
	llm.fail.Store(true)
	srv := newStack(t, llm)

	res := postTurn(t, srv.URL, "nobody listens to me")
	if res.Strategy == core.StrategyLLMScaffold || res.Strategy == core.StrategyFusion {
		t.Fatalf("strategy = %s after LLM failure", res.Strategy)
	}
	if strings.TrimSpace(res.EmittedText) == "" {
		t.Fatal("degraded turn emitted nothing")
	}
	if llm.calls.Load() == 0 {
		t.Fatal("LLM was never attempted")
	}

	resp, err := http.Get(srv.URL + "/v1/stats")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var body struct {
		Organism organism.Stats `json:"organism"`
		Worker   map[string]any `json:"worker"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Organism.Turns != 1 || !body.Organism.LLMEnabled {
		t.Fatalf("stats = %+v", body.Organism)
	}
	if body.Worker["ops_failed"].(float64) != 0 {
		t.Fatalf("worker = %v", body.Worker)
	}
}
