package api

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"CrewResearch/internal/auth"
	"CrewResearch/internal/config"
	xerrors "CrewResearch/internal/errors"
	"CrewResearch/internal/llm"
	"CrewResearch/internal/observability/metrics"
	"CrewResearch/internal/task"
)

// 对外暴露的提示语，客户端依赖其精确内容做展示。
const (
	MsgOpenAIKeyRequired = "⚠️ OpenAI API key is required"
	MsgGroqKeyRequired   = "⚠️ GROQ API key is required"
	MsgExaKeyRequired    = "⚠️ EXA API key is required for using search tools"
	MsgOllamaNotRunning  = "⚠️ No Ollama models found. Please make sure Ollama is running"
	MsgResearchCompleted = "✅ Research completed!"
	MsgErrorPrefix       = "❌ Error occurred: "
)

// 任务在对外接口上的执行状态。
const (
	StateRunning = "running"
	StateSuccess = "success"
	StateError   = "error"
)

const defaultWaitTimeout = 10 * time.Minute

// Server 暴露研究任务的 REST 接口，是系统唯一的错误边界：
// 所有配置与执行错误在这里转换为面向用户的提示语。
type Server struct {
	addr      string
	service   *task.Service
	llmCfg    config.LLMConfig
	exaCfg    config.ExaConfig
	authToken string
}

// NewServer 构造 API 服务实例。
func NewServer(cfg *config.Config, service *task.Service) *Server {
	return &Server{
		addr:      cfg.Server.Address,
		service:   service,
		llmCfg:    cfg.LLM,
		exaCfg:    cfg.Exa,
		authToken: cfg.Server.ResolveToken(),
	}
}

// Handler 组装全部路由与中间件。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("POST /api/v1/research", s.instrument("research_submit", s.handleSubmit))
	mux.Handle("GET /api/v1/research", s.instrument("research_list", s.handleList))
	mux.Handle("GET /api/v1/research/stats", s.instrument("research_stats", s.handleStats))
	mux.Handle("GET /api/v1/research/{id}", s.instrument("research_get", s.handleGet))
	mux.Handle("GET /api/v1/research/{id}/report", s.instrument("research_report", s.handleReport))
	mux.Handle("GET /api/v1/providers", s.instrument("providers", s.handleProviders))
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", metrics.Handler())

	return auth.Middleware(s.authToken)(mux)
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !stdErrors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// submitRequest 是提交研究任务的请求体。wait 为 true 时同步等待执行结束。
type submitRequest struct {
	Topic    string         `json:"topic"`
	Provider string         `json:"provider"`
	Model    string         `json:"model"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Wait     bool           `json:"wait,omitempty"`
}

// taskResponse 是任务查询与提交的统一响应形态。
type taskResponse struct {
	Task    *task.Task `json:"task"`
	State   string     `json:"state"`
	Message string     `json:"message,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "请求体解析失败"})
		return
	}
	if r.URL.Query().Get("wait") == "true" {
		req.Wait = true
	}

	// 凭证在入队前校验，缺失时不发起任何大模型或检索调用。
	if msg := s.validateCredentials(r.Context(), llm.Provider(req.Provider)); msg != "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: msg, Code: string(xerrors.CodeConfiguration)})
		return
	}

	created, err := s.service.Submit(r.Context(), task.SubmitRequest{
		Topic:    req.Topic,
		Provider: req.Provider,
		Model:    req.Model,
		Metadata: req.Metadata,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	if !req.Wait {
		writeJSON(w, http.StatusAccepted, taskResponse{Task: created, State: StateRunning})
		return
	}

	waitCtx, cancel := context.WithTimeout(r.Context(), defaultWaitTimeout)
	defer cancel()
	finished, err := s.service.WaitUntilCompleted(waitCtx, created.ID, 0)
	if err != nil {
		writeError(w, err)
		return
	}
	state, message := presentTask(finished)
	writeJSON(w, http.StatusOK, taskResponse{Task: finished, State: state, Message: message})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	found, err := s.service.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	state, message := presentTask(found)
	writeJSON(w, http.StatusOK, taskResponse{Task: found, State: state, Message: message})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	opts, err := listOptionsFromQuery(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	tasks, err := s.service.List(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks, "count": len(tasks)})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	opts, err := listOptionsFromQuery(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	stats, err := s.service.Stats(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleReport 以附件形式下载任务生成的研究报告。
func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	found, err := s.service.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if found.Result == nil || strings.TrimSpace(found.Result.Report) == "" {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "报告尚未生成"})
		return
	}

	filename := filepath.Base(found.Result.ReportFile)
	if filename == "" || filename == "." {
		filename = fmt.Sprintf("report-%s.md", found.ID)
	}
	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	_, _ = w.Write([]byte(found.Result.Report))
}

// providerInfo 描述一个可用的大模型 provider。
type providerInfo struct {
	Name         string   `json:"name"`
	DefaultModel string   `json:"default_model"`
	Models       []string `json:"models,omitempty"`
}

func (s *Server) handleProviders(w http.ResponseWriter, r *http.Request) {
	openAIModel, _ := llm.ResolveOpenAIModel("")
	providers := []providerInfo{
		{Name: string(llm.ProviderOpenAI), DefaultModel: openAIModel,
			Models: []string{"GPT-3.5", "GPT-4", "o1", "o1-mini", "o1-preview"}},
		{Name: string(llm.ProviderGROQ), DefaultModel: "llama2-70b-4096"},
	}
	// 本地 Ollama 不可达时仍然返回其余 provider。
	if models, err := llm.ListOllamaModels(r.Context(), s.llmCfg.Ollama.BaseURL); err == nil {
		providers = append(providers, providerInfo{Name: string(llm.ProviderOllama), Models: models})
	}
	writeJSON(w, http.StatusOK, map[string]any{"providers": providers})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// validateCredentials 检查所选 provider 与检索工具的凭证是否就绪。
// 返回空字符串表示通过，否则返回面向用户的提示语。
func (s *Server) validateCredentials(ctx context.Context, provider llm.Provider) string {
	switch provider {
	case llm.ProviderOpenAI:
		if s.llmCfg.OpenAI.Resolve() == "" {
			return MsgOpenAIKeyRequired
		}
	case llm.ProviderGROQ:
		if s.llmCfg.Groq.Resolve() == "" {
			return MsgGroqKeyRequired
		}
	case llm.ProviderOllama:
		if _, err := llm.ListOllamaModels(ctx, s.llmCfg.Ollama.BaseURL); err != nil {
			return MsgOllamaNotRunning
		}
		// 本地模型的函数调用能力有限，检索工具按可选处理，不强制 EXA 密钥。
		return ""
	default:
		// 未知 provider 交给任务服务校验并返回结构化错误。
		return ""
	}
	if s.exaCfg.ResolveKey() == "" {
		return MsgExaKeyRequired
	}
	return ""
}

// presentTask 将任务状态映射为对外的执行状态与提示语。
func presentTask(t *task.Task) (state, message string) {
	switch t.Status {
	case task.StatusSucceeded:
		return StateSuccess, MsgResearchCompleted
	case task.StatusFailed:
		return StateError, MsgErrorPrefix + t.LastError
	default:
		return StateRunning, ""
	}
}

// listOptionsFromQuery 解析列表与统计接口共用的查询参数。
func listOptionsFromQuery(r *http.Request) ([]task.ListOption, error) {
	query := r.URL.Query()
	var opts []task.ListOption

	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("limit 参数无效: %q", raw)
		}
		opts = append(opts, task.WithLimit(limit))
	}
	if raw := query.Get("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("offset 参数无效: %q", raw)
		}
		opts = append(opts, task.WithOffset(offset))
	}
	if raw := query.Get("status"); raw != "" {
		var statuses []task.Status
		for _, part := range strings.Split(raw, ",") {
			status := task.Status(strings.TrimSpace(part))
			if !task.IsValidStatus(status) {
				return nil, fmt.Errorf("status 参数无效: %q", part)
			}
			statuses = append(statuses, status)
		}
		opts = append(opts, task.WithStatuses(statuses...))
	}
	if raw := query.Get("since"); raw != "" {
		ts, err := parseTimestamp(raw)
		if err != nil {
			return nil, fmt.Errorf("since 参数无效: %q", raw)
		}
		opts = append(opts, task.WithUpdatedSince(ts))
	}
	if raw := query.Get("until"); raw != "" {
		ts, err := parseTimestamp(raw)
		if err != nil {
			return nil, fmt.Errorf("until 参数无效: %q", raw)
		}
		opts = append(opts, task.WithUpdatedUntil(ts))
	}
	if raw := query.Get("has_result"); raw != "" {
		hasResult, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, fmt.Errorf("has_result 参数无效: %q", raw)
		}
		opts = append(opts, task.WithResultPresence(hasResult))
	}
	if raw := query.Get("order"); raw == "asc" {
		opts = append(opts, task.WithSortOrder(task.SortByUpdatedAsc))
	}
	if raw := query.Get("q"); raw != "" {
		opts = append(opts, task.WithQuery(raw))
	}
	return opts, nil
}

// parseTimestamp 接受 Unix 秒或 RFC3339 两种时间表示。
func parseTimestamp(raw string) (time.Time, error) {
	if unix, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Unix(unix, 0), nil
	}
	return time.Parse(time.RFC3339, raw)
}

// instrument 为处理器补充请求指标采集。
func (s *Server) instrument(name string, handler http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		handler(recorder, r)
		metrics.ObserveHTTPRequest(name, r.Method, recorder.status, time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// writeError 将结构化错误映射为 HTTP 状态码与 JSON 响应。
func writeError(w http.ResponseWriter, err error) {
	code := xerrors.CodeOf(err)
	status := http.StatusInternalServerError
	switch {
	case stdErrors.Is(err, task.ErrTaskNotFound):
		status = http.StatusNotFound
	case stdErrors.Is(err, task.ErrTaskConflict):
		status = http.StatusConflict
	case stdErrors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	case code == task.CodeTaskValidation || code == xerrors.CodeInvalidArgument:
		status = http.StatusBadRequest
	case code == xerrors.CodeConfiguration:
		status = http.StatusBadRequest
	case code == xerrors.CodeTimeout:
		status = http.StatusGatewayTimeout
	}
	writeJSON(w, status, errorResponse{Error: err.Error(), Code: string(code)})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
