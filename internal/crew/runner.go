package crew

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"CrewResearch/internal/agent"
	"CrewResearch/internal/config"
	xerrors "CrewResearch/internal/errors"
	"CrewResearch/internal/knowledge"
	"CrewResearch/internal/llm"
	"CrewResearch/internal/storage/mysql"
	"CrewResearch/internal/task"
	"CrewResearch/internal/tools"
	"CrewResearch/internal/tools/exa"
	"CrewResearch/pkg/logger"
)

// Runner 为每个研究任务装配句柄、工具与智能体并执行。
// 每个任务独立构建一次，互不共享凭证或模型选择。
type Runner struct {
	llmCfg     config.LLMConfig
	exaCfg     config.ExaConfig
	agentCfg   config.AgentConfig
	profile    agent.Profile
	knowledge  knowledge.Provider
	reportRepo mysql.ReportRepository
	dataDir    string
}

// RunnerOption 定义可选的 Runner 配置。
type RunnerOption func(*Runner)

// WithKnowledge 配置知识库。
func WithKnowledge(provider knowledge.Provider) RunnerOption {
	return func(r *Runner) {
		r.knowledge = provider
	}
}

// WithReportRepository 配置报告归档仓库。
func WithReportRepository(repo mysql.ReportRepository) RunnerOption {
	return func(r *Runner) {
		r.reportRepo = repo
	}
}

// NewRunner 构造 Runner。
func NewRunner(cfg *config.Config, profile agent.Profile, opts ...RunnerOption) *Runner {
	runner := &Runner{
		llmCfg:   cfg.LLM,
		exaCfg:   cfg.Exa,
		agentCfg: cfg.Agent,
		profile:  profile,
		dataDir:  cfg.Runtime.DataDir,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(runner)
		}
	}
	return runner
}

// Execute 实现 task.Executor：装配智能体、顺序执行、落盘报告。
func (r *Runner) Execute(ctx context.Context, t *task.Task) (*task.ExecutionResult, error) {
	if t == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "task 不能为空")
	}

	handle, err := llm.NewHandle(llm.Selection{Provider: llm.Provider(t.Provider), Model: t.Model}, r.llmCfg)
	if err != nil {
		return nil, err
	}

	dispatcher := tools.NewDispatcher()
	exaKey := r.exaCfg.ResolveKey()
	// Ollama 未配置 EXA 密钥时跳过检索工具，研究退化为纯模型生成。
	if exaKey != "" || llm.Provider(t.Provider) != llm.ProviderOllama {
		exaClient, err := exa.NewClient(exaKey,
			exa.WithEndpoint(r.exaCfg.BaseURL),
			exa.WithTimeout(r.exaCfg.Timeout()),
		)
		if err != nil {
			return nil, err
		}
		if err := dispatcher.Register(exaClient.Endpoint()); err != nil {
			return nil, err
		}
	}

	researcher := agent.New(handle, dispatcher, r.profile,
		agent.WithMemoryDepth(r.agentCfg.MemoryDepth),
		agent.WithMaxToolRounds(r.agentCfg.MaxToolRounds),
		agent.WithLLMTimeout(r.llmCfg.Timeout()),
		agent.WithKnowledgeProvider(r.knowledge),
		agent.WithReportRepository(r.reportRepo),
	)

	team := New(Assignment{
		Researcher: researcher,
		Request: agent.ResearchRequest{
			ID:             t.ID,
			Topic:          t.Topic,
			ExpectedOutput: t.ExpectedOutput,
			OutputFile:     t.OutputFile,
			Metadata:       t.Metadata,
		},
	})

	results, err := team.Kickoff(ctx)
	if err != nil {
		return nil, err
	}
	result := results[0]

	reportFile := t.OutputFile
	if err := r.writeReportFile(reportFile, result.Report); err != nil {
		// 报告已生成且已归档，文件落盘失败只记录不中断。
		logger.L().Warn("写入报告文件失败",
			slog.Any("error", err),
			slog.String("task_id", t.ID),
			slog.String("file", reportFile),
		)
		reportFile = ""
	}

	return &task.ExecutionResult{
		Report:       result.Report,
		ReportFile:   reportFile,
		Observations: result.Observations,
	}, nil
}

func (r *Runner) writeReportFile(relPath, report string) error {
	if strings.TrimSpace(relPath) == "" {
		return nil
	}
	path := relPath
	if !filepath.IsAbs(path) {
		path = filepath.Join(r.dataDir, relPath)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(report), 0o644)
}

var _ task.Executor = (*Runner)(nil)
