package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"CrewResearch/internal/config"
	"CrewResearch/internal/task"
)

// reportExecutor renders a report containing every required section header.
type reportExecutor struct {
	calls int64
	fail  bool
}

func (e *reportExecutor) Execute(_ context.Context, t *task.Task) (*task.ExecutionResult, error) {
	atomic.AddInt64(&e.calls, 1)
	if e.fail {
		return nil, fmt.Errorf("research pipeline exploded")
	}
	var sb strings.Builder
	for _, section := range task.ReportSections() {
		sb.WriteString("# " + section + "\n\ncontent about " + t.Topic + "\n\n")
	}
	return &task.ExecutionResult{
		Report:       sb.String(),
		ReportFile:   t.OutputFile,
		Observations: "exa_answer invoked",
	}, nil
}

type testEnv struct {
	server   *httptest.Server
	executor *reportExecutor
	cancel   context.CancelFunc
}

func (env *testEnv) close() {
	env.cancel()
	env.server.Close()
}

func newTestEnv(t *testing.T, executor *reportExecutor, mutate func(*config.Config)) *testEnv {
	t.Helper()

	cfg := &config.Config{
		LLM: config.LLMConfig{
			TimeoutSeconds: 30,
			OpenAI:         config.CredentialConfig{APIKeyEnv: "TEST_API_OPENAI_KEY"},
			Groq:           config.CredentialConfig{APIKeyEnv: "TEST_API_GROQ_KEY"},
			Ollama:         config.OllamaConfig{BaseURL: "http://127.0.0.1:1"},
		},
		Exa: config.ExaConfig{APIKeyEnv: "TEST_API_EXA_KEY", TimeoutSeconds: 5},
	}
	if mutate != nil {
		mutate(cfg)
	}

	store := task.NewMemoryStore()
	queue := task.NewMemoryQueue(16)
	service := task.NewService(store, queue, 3)

	ctx, cancel := context.WithCancel(context.Background())
	if executor != nil {
		processor := task.NewProcessor(executor, store, queue, queue)
		go func() { _ = processor.Start(ctx) }()
	}

	server := NewServer(cfg, service)
	return &testEnv{
		server:   httptest.NewServer(server.Handler()),
		executor: executor,
		cancel:   cancel,
	}
}

func postResearch(t *testing.T, env *testEnv, body string) (*http.Response, taskResponse, errorResponse) {
	t.Helper()
	resp, err := http.Post(env.server.URL+"/api/v1/research", "application/json", bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("submit request failed: %v", err)
	}
	defer resp.Body.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		t.Fatalf("read body failed: %v", err)
	}
	var taskResp taskResponse
	var errResp errorResponse
	_ = json.Unmarshal(buf.Bytes(), &taskResp)
	_ = json.Unmarshal(buf.Bytes(), &errResp)
	return resp, taskResp, errResp
}

func TestSubmitMissingGroqKeyFailsWithoutExecution(t *testing.T) {
	executor := &reportExecutor{}
	env := newTestEnv(t, executor, nil)
	defer env.close()

	resp, _, errResp := postResearch(t, env, `{"topic":"quantum networking","provider":"GROQ"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	if errResp.Error != MsgGroqKeyRequired {
		t.Fatalf("unexpected message: %q", errResp.Error)
	}
	if atomic.LoadInt64(&executor.calls) != 0 {
		t.Fatal("executor must not run when credentials are missing")
	}
}

func TestSubmitMissingOpenAIKey(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	defer env.close()

	resp, _, errResp := postResearch(t, env, `{"topic":"topic","provider":"OpenAI"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	if errResp.Error != MsgOpenAIKeyRequired {
		t.Fatalf("unexpected message: %q", errResp.Error)
	}
}

func TestSubmitMissingExaKey(t *testing.T) {
	t.Setenv("TEST_API_OPENAI_KEY", "sk-test")
	env := newTestEnv(t, nil, nil)
	defer env.close()

	resp, _, errResp := postResearch(t, env, `{"topic":"topic","provider":"OpenAI"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	if errResp.Error != MsgExaKeyRequired {
		t.Fatalf("unexpected message: %q", errResp.Error)
	}
}

func TestSubmitOllamaUnreachable(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	defer env.close()

	resp, _, errResp := postResearch(t, env, `{"topic":"topic","provider":"Ollama","model":"llama3"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	if errResp.Error != MsgOllamaNotRunning {
		t.Fatalf("unexpected message: %q", errResp.Error)
	}
}

func TestSubmitOllamaWithoutExaKeyAccepted(t *testing.T) {
	ollama := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"models": []map[string]string{{"name": "llama3:latest"}},
		})
	}))
	defer ollama.Close()

	env := newTestEnv(t, &reportExecutor{}, func(cfg *config.Config) {
		cfg.LLM.Ollama.BaseURL = ollama.URL
	})
	defer env.close()

	resp, taskResp, _ := postResearch(t, env, `{"topic":"local model research","provider":"Ollama","model":"llama3"}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	if taskResp.State != StateRunning {
		t.Fatalf("unexpected state: %q", taskResp.State)
	}
}

func TestSubmitEmptyTopicRejected(t *testing.T) {
	t.Setenv("TEST_API_OPENAI_KEY", "sk-test")
	t.Setenv("TEST_API_EXA_KEY", "exa-test")
	env := newTestEnv(t, nil, nil)
	defer env.close()

	resp, _, _ := postResearch(t, env, `{"topic":"  ","provider":"OpenAI"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestSubmitAsyncReturnsAccepted(t *testing.T) {
	t.Setenv("TEST_API_OPENAI_KEY", "sk-test")
	t.Setenv("TEST_API_EXA_KEY", "exa-test")
	env := newTestEnv(t, &reportExecutor{}, nil)
	defer env.close()

	resp, taskResp, _ := postResearch(t, env, `{"topic":"edge computing","provider":"OpenAI","model":"GPT-4"}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	if taskResp.State != StateRunning {
		t.Fatalf("unexpected state: %q", taskResp.State)
	}
	if taskResp.Task == nil || taskResp.Task.ID == "" {
		t.Fatal("expected a task with an assigned id")
	}
}

func TestSubmitWaitReturnsCompletedReport(t *testing.T) {
	t.Setenv("TEST_API_OPENAI_KEY", "sk-test")
	t.Setenv("TEST_API_EXA_KEY", "exa-test")
	env := newTestEnv(t, &reportExecutor{}, nil)
	defer env.close()

	resp, taskResp, _ := postResearch(t, env,
		`{"topic":"ai in healthcare","provider":"OpenAI","model":"GPT-4","wait":true}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if taskResp.State != StateSuccess || taskResp.Message != MsgResearchCompleted {
		t.Fatalf("unexpected state %q message %q", taskResp.State, taskResp.Message)
	}
	if taskResp.Task.Result == nil {
		t.Fatal("expected execution result")
	}
	for _, section := range task.ReportSections() {
		if !strings.Contains(taskResp.Task.Result.Report, "# "+section) {
			t.Fatalf("report missing section %q", section)
		}
	}
}

func TestSubmitWaitSurfacesExecutionError(t *testing.T) {
	t.Setenv("TEST_API_OPENAI_KEY", "sk-test")
	t.Setenv("TEST_API_EXA_KEY", "exa-test")
	env := newTestEnv(t, &reportExecutor{fail: true}, nil)
	defer env.close()

	resp, taskResp, _ := postResearch(t, env,
		`{"topic":"ai in healthcare","provider":"OpenAI","wait":true}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if taskResp.State != StateError {
		t.Fatalf("unexpected state: %q", taskResp.State)
	}
	if !strings.HasPrefix(taskResp.Message, MsgErrorPrefix) {
		t.Fatalf("unexpected message: %q", taskResp.Message)
	}
}

func TestGetUnknownTaskReturnsNotFound(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	defer env.close()

	resp, err := http.Get(env.server.URL + "/api/v1/research/no-such-task")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestReportDownload(t *testing.T) {
	t.Setenv("TEST_API_OPENAI_KEY", "sk-test")
	t.Setenv("TEST_API_EXA_KEY", "exa-test")
	env := newTestEnv(t, &reportExecutor{}, nil)
	defer env.close()

	_, taskResp, _ := postResearch(t, env,
		`{"topic":"fusion power","provider":"OpenAI","wait":true}`)
	if taskResp.Task == nil {
		t.Fatal("expected task in response")
	}

	resp, err := http.Get(env.server.URL + "/api/v1/research/" + taskResp.Task.ID + "/report")
	if err != nil {
		t.Fatalf("download failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if disposition := resp.Header.Get("Content-Disposition"); !strings.Contains(disposition, "attachment") {
		t.Fatalf("unexpected disposition: %q", disposition)
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		t.Fatalf("read body failed: %v", err)
	}
	if !strings.Contains(buf.String(), "# Executive Summary") {
		t.Fatal("downloaded report missing content")
	}
}

func TestListAndStatsAfterCompletion(t *testing.T) {
	t.Setenv("TEST_API_OPENAI_KEY", "sk-test")
	t.Setenv("TEST_API_EXA_KEY", "exa-test")
	env := newTestEnv(t, &reportExecutor{}, nil)
	defer env.close()

	_, taskResp, _ := postResearch(t, env,
		`{"topic":"green hydrogen","provider":"OpenAI","wait":true}`)
	if taskResp.State != StateSuccess {
		t.Fatalf("setup task did not succeed: %+v", taskResp)
	}

	resp, err := http.Get(env.server.URL + "/api/v1/research?status=succeeded&limit=10")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	defer resp.Body.Close()
	var listResp struct {
		Tasks []*task.Task `json:"tasks"`
		Count int          `json:"count"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&listResp); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if listResp.Count != 1 || len(listResp.Tasks) != 1 {
		t.Fatalf("unexpected list response: %+v", listResp)
	}

	statsResp, err := http.Get(env.server.URL + "/api/v1/research/stats")
	if err != nil {
		t.Fatalf("stats failed: %v", err)
	}
	defer statsResp.Body.Close()
	var stats task.TaskStats
	if err := json.NewDecoder(statsResp.Body).Decode(&stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.Succeeded != 1 || stats.Total != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestListRejectsInvalidStatus(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	defer env.close()

	resp, err := http.Get(env.server.URL + "/api/v1/research?status=bogus")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestHealthAndMetricsEndpoints(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	defer env.close()

	resp, err := http.Get(env.server.URL + "/healthz")
	if err != nil {
		t.Fatalf("health failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	metricsResp, err := http.Get(env.server.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics failed: %v", err)
	}
	defer metricsResp.Body.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(metricsResp.Body); err != nil {
		t.Fatalf("read metrics: %v", err)
	}
	if !strings.Contains(buf.String(), "researchd_http_requests_total") {
		t.Fatal("metrics output missing request counter")
	}
}

func TestAuthTokenGuardsAPI(t *testing.T) {
	env := newTestEnv(t, nil, func(cfg *config.Config) {
		cfg.Server.AuthToken = "secret-token"
	})
	defer env.close()

	resp, err := http.Get(env.server.URL + "/api/v1/research")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, env.server.URL+"/api/v1/research", nil)
	req.Header.Set("Authorization", "Bearer secret-token")
	authed, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	authed.Body.Close()
	if authed.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", authed.StatusCode)
	}
}
