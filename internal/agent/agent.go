package agent

import (
	"context"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	xerrors "CrewResearch/internal/errors"
	"CrewResearch/internal/knowledge"
	"CrewResearch/internal/llm"
	"CrewResearch/internal/storage/mysql"
	"CrewResearch/internal/tools"
)

// ResearchRequest 描述了一次研究请求。
type ResearchRequest struct {
	ID             string         `json:"id,omitempty"`
	Topic          string         `json:"topic"`
	ExpectedOutput string         `json:"expected_output"`
	OutputFile     string         `json:"output_file,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// ResearchResult 汇总大模型推理与工具调用得到的结果。
type ResearchResult struct {
	Topic        string `json:"topic"`
	Report       string `json:"report"`
	ReportFile   string `json:"report_file,omitempty"`
	Observations string `json:"observations"`
	CreatedAt    int64  `json:"created_at"`
}

// Researcher 协调大模型与检索工具，是系统的业务核心。
type Researcher struct {
	handle        *llm.Handle
	dispatcher    *tools.Dispatcher
	profile       Profile
	reportRepo    mysql.ReportRepository
	knowledge     knowledge.Provider
	memoryDepth   int
	llmTimeout    time.Duration
	maxToolRounds int
}

// Option 定义可选的 Researcher 配置。
type Option func(*Researcher)

const (
	// defaultMemoryDepth 是推理时可参考的历史报告数量的默认值。
	defaultMemoryDepth = 5
	// defaultMaxToolRounds 限制单次执行内的工具调用轮数，防止模型陷入循环。
	defaultMaxToolRounds = 8
)

// WithMemoryDepth 设置推理时可参考的历史报告数量。
func WithMemoryDepth(depth int) Option {
	return func(r *Researcher) {
		r.memoryDepth = depth
	}
}

// WithKnowledgeProvider 配置知识库，用于在推理前补充上下文。
func WithKnowledgeProvider(provider knowledge.Provider) Option {
	return func(r *Researcher) {
		r.knowledge = provider
	}
}

// WithLLMTimeout 设置调用大模型的超时时间。
func WithLLMTimeout(timeout time.Duration) Option {
	return func(r *Researcher) {
		if timeout <= 0 {
			r.llmTimeout = 0
			return
		}
		r.llmTimeout = timeout
	}
}

// WithMaxToolRounds 设置单次执行允许的最大工具调用轮数。
func WithMaxToolRounds(rounds int) Option {
	return func(r *Researcher) {
		r.maxToolRounds = rounds
	}
}

// WithReportRepository 配置报告归档仓库。
func WithReportRepository(repo mysql.ReportRepository) Option {
	return func(r *Researcher) {
		r.reportRepo = repo
	}
}

// New 创建一个 Researcher。智能体独立完成任务，不向其他智能体转交。
func New(handle *llm.Handle, dispatcher *tools.Dispatcher, profile Profile, opts ...Option) *Researcher {
	researcher := &Researcher{
		handle:        handle,
		dispatcher:    dispatcher,
		profile:       profile,
		memoryDepth:   defaultMemoryDepth,
		maxToolRounds: defaultMaxToolRounds,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(researcher)
		}
	}
	if researcher.memoryDepth <= 0 {
		researcher.memoryDepth = defaultMemoryDepth
	}
	if researcher.maxToolRounds <= 0 {
		researcher.maxToolRounds = defaultMaxToolRounds
	}
	return researcher
}

// Execute 围绕研究主题调用大模型，按需触发检索工具，产出结构化报告。
func (r *Researcher) Execute(ctx context.Context, req ResearchRequest) (*ResearchResult, error) {
	if r.handle == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置大模型句柄")
	}
	if strings.TrimSpace(req.Topic) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "研究主题不能为空")
	}

	historyObservation := r.loadHistoryObservation(ctx)
	knowledgeCards, knowledgeObservation := r.collectKnowledge(req.Topic)

	messages := []openai.ChatCompletionMessage{
		{
			Role:    openai.ChatMessageRoleSystem,
			Content: r.buildSystemPrompt(knowledgeCards),
		},
		{
			Role:    openai.ChatMessageRoleUser,
			Content: buildTaskPrompt(req),
		},
	}

	llmCtx := ctx
	if r.llmTimeout > 0 {
		var cancel context.CancelFunc
		llmCtx, cancel = context.WithTimeout(ctx, r.llmTimeout)
		defer cancel()
	}

	report, toolObservation, err := r.runCompletionLoop(llmCtx, messages)
	if err != nil {
		if stdErrors.Is(err, context.DeadlineExceeded) {
			return nil, xerrors.Wrap(xerrors.CodeTimeout, err, "大模型推理超时")
		}
		if xerrors.CodeOf(err) != xerrors.CodeUnknown {
			return nil, err
		}
		return nil, xerrors.Wrap(xerrors.CodeOrchestration, err, "大模型推理失败")
	}

	observations := appendObservation(historyObservation, knowledgeObservation)
	observations = appendObservation(observations, toolObservation)
	if strings.TrimSpace(observations) == "" {
		observations = "未触发任何检索工具"
	}

	now := time.Now().Unix()
	result := &ResearchResult{
		Topic:        req.Topic,
		Report:       report,
		ReportFile:   req.OutputFile,
		Observations: observations,
		CreatedAt:    now,
	}

	if r.reportRepo != nil {
		record := mysql.ReportRecord{
			Topic:        req.Topic,
			Provider:     string(r.handle.Provider),
			Model:        r.handle.Model,
			Report:       report,
			ReportFile:   req.OutputFile,
			Observations: observations,
			CreatedAt:    now,
		}
		if err := r.reportRepo.Save(ctx, record); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "归档研究报告失败")
		}
	}

	return result, nil
}

// runCompletionLoop 驱动补全与工具调用的交替循环，直到模型给出最终答复。
func (r *Researcher) runCompletionLoop(ctx context.Context, messages []openai.ChatCompletionMessage) (report, observation string, err error) {
	var toolNotes []string
	var availableTools []openai.Tool
	if r.dispatcher != nil {
		availableTools = r.dispatcher.Tools()
	}

	for round := 0; round <= r.maxToolRounds; round++ {
		resp, err := r.handle.Chat(ctx, openai.ChatCompletionRequest{
			Messages: messages,
			Tools:    availableTools,
		})
		if err != nil {
			return "", "", err
		}
		if len(resp.Choices) == 0 {
			return "", "", xerrors.New(xerrors.CodeOrchestration, "大模型未返回任何候选答复")
		}

		choice := resp.Choices[0]
		if len(choice.Message.ToolCalls) == 0 {
			content := strings.TrimSpace(choice.Message.Content)
			if content == "" {
				return "", "", xerrors.New(xerrors.CodeOrchestration, "大模型返回了空答复")
			}
			return content, strings.Join(toolNotes, "\n"), nil
		}

		messages = append(messages, choice.Message)
		for _, call := range choice.Message.ToolCalls {
			toolMsg, toolErr := r.dispatcher.Run(ctx, call)
			if toolErr != nil {
				toolNotes = append(toolNotes, fmt.Sprintf("工具 %s 调用失败: %v", call.Function.Name, toolErr))
			} else {
				toolNotes = append(toolNotes, fmt.Sprintf("工具 %s 调用成功", call.Function.Name))
			}
			messages = append(messages, toolMsg)
		}
	}

	return "", "", xerrors.New(xerrors.CodeOrchestration,
		fmt.Sprintf("工具调用轮数超出上限 %d", r.maxToolRounds))
}

// buildSystemPrompt 根据角色设定与知识库内容构建系统提示词。
func (r *Researcher) buildSystemPrompt(cards []knowledge.Snippet) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("You are %s.\n", r.profile.Role))
	sb.WriteString(fmt.Sprintf("Your goal: %s\n", r.profile.Goal))
	sb.WriteString(fmt.Sprintf("Backstory: %s\n", r.profile.Backstory))
	if r.dispatcher != nil && len(r.dispatcher.Tools()) > 0 {
		sb.WriteString("Use the available tools to gather current, factual information before writing the report.\n")
	}
	if len(cards) > 0 {
		sb.WriteString("\nBackground knowledge:\n")
		for _, card := range cards {
			sb.WriteString(fmt.Sprintf("- %s: %s\n", card.Title, card.Content))
		}
	}
	return sb.String()
}

// buildTaskPrompt 将研究主题与期望产出拼装为用户消息。
func buildTaskPrompt(req ResearchRequest) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Research Topic: %s\n", req.Topic))
	if strings.TrimSpace(req.ExpectedOutput) != "" {
		sb.WriteString("\nExpected output:\n")
		sb.WriteString(req.ExpectedOutput)
	}
	return sb.String()
}

// ListHistory 获取最近归档的研究报告。
func (r *Researcher) ListHistory(ctx context.Context, limit int) ([]ResearchResult, error) {
	if r.reportRepo == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置报告仓库")
	}

	records, err := r.reportRepo.ListLatest(ctx, limit)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询报告记录失败")
	}

	results := make([]ResearchResult, 0, len(records))
	for _, record := range records {
		results = append(results, ResearchResult{
			Topic:        record.Topic,
			Report:       record.Report,
			Observations: record.Observations,
			CreatedAt:    record.CreatedAt,
		})
	}
	return results, nil
}

// appendObservation 将新的观察结果追加到现有的观察字符串中。
func appendObservation(existing, next string) string {
	next = strings.TrimSpace(next)
	if next == "" {
		return existing
	}
	if strings.TrimSpace(existing) == "" {
		return next
	}
	return existing + "\n" + next
}

// loadHistoryObservation 汇总最近研究过的主题，作为推理时的背景观察。
func (r *Researcher) loadHistoryObservation(ctx context.Context) string {
	if r.reportRepo == nil || r.memoryDepth <= 0 {
		return ""
	}

	records, err := r.reportRepo.ListLatest(ctx, r.memoryDepth)
	if err != nil {
		return fmt.Sprintf("加载历史报告失败: %v", err)
	}
	if len(records) == 0 {
		return ""
	}

	topics := make([]string, 0, len(records))
	for _, record := range records {
		if strings.TrimSpace(record.Topic) != "" {
			topics = append(topics, record.Topic)
		}
	}
	if len(topics) == 0 {
		return ""
	}
	return fmt.Sprintf("近期研究过的主题: %s", strings.Join(topics, "；"))
}

// collectKnowledge 从知识库中检索相关内容以供大模型参考。
func (r *Researcher) collectKnowledge(topic string) ([]knowledge.Snippet, string) {
	if r.knowledge == nil {
		return nil, ""
	}

	snippets := r.knowledge.Query(topic)
	if len(snippets) == 0 {
		return nil, ""
	}

	cards := make([]knowledge.Snippet, 0, len(snippets))
	titles := make([]string, 0, len(snippets))
	for _, snippet := range snippets {
		if strings.TrimSpace(snippet.Title) == "" && strings.TrimSpace(snippet.Content) == "" {
			continue
		}
		cards = append(cards, snippet)
		if snippet.Title != "" {
			titles = append(titles, snippet.Title)
		}
	}

	observation := ""
	if len(titles) > 0 {
		observation = fmt.Sprintf("知识库提示: %s", strings.Join(titles, "；"))
	}
	return cards, observation
}
