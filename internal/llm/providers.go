package llm

import (
	"log/slog"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"CrewResearch/internal/config"
	xerrors "CrewResearch/internal/errors"
	"CrewResearch/pkg/logger"
)

const (
	defaultOpenAIBaseURL = "https://api.openai.com/v1"
	defaultGroqBaseURL   = "https://api.groq.com/openai/v1"
	defaultOllamaBaseURL = "http://localhost:11434"

	defaultOpenAIModel = "gpt-3.5-turbo"
	defaultGroqModel   = "llama2-70b-4096"
)

// openAIModelAliases 将界面上的友好名称映射为具体模型标识。
var openAIModelAliases = map[string]string{
	"GPT-3.5":    "gpt-3.5-turbo",
	"GPT-4":      "gpt-4",
	"o1":         "o1",
	"o1-mini":    "o1-mini",
	"o1-preview": "o1-preview",
}

// ResolveOpenAIModel 将友好名称解析为具体模型标识。
// 返回的 exact 为 false 表示名称未命中映射表、已回退到默认模型。
// 空名称回退到默认模型且不视为异常。
func ResolveOpenAIModel(name string) (model string, exact bool) {
	name = strings.TrimSpace(name)
	if name == "" {
		return defaultOpenAIModel, true
	}
	if mapped, ok := openAIModelAliases[name]; ok {
		return mapped, true
	}
	// 形如 gpt-*、o1* 的名称已经是具体标识，原样透传。
	if strings.HasPrefix(name, "gpt-") || strings.HasPrefix(name, "o1") {
		return name, true
	}
	return defaultOpenAIModel, false
}

// NewHandle 根据 Selection 分派到对应 provider 的构造函数。
func NewHandle(sel Selection, cfg config.LLMConfig) (*Handle, error) {
	switch sel.Provider {
	case ProviderOpenAI:
		return NewOpenAIHandle(cfg.OpenAI.Resolve(), cfg.OpenAI.BaseURL, sel.Model)
	case ProviderGROQ:
		return NewGroqHandle(cfg.Groq.Resolve(), cfg.Groq.BaseURL, sel.Model)
	case ProviderOllama:
		return NewOllamaHandle(cfg.Ollama.BaseURL, sel.Model)
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未知的大模型 provider: "+string(sel.Provider))
	}
}

// NewOpenAIHandle 构造 OpenAI 句柄。凭证缺失时直接失败，不发起任何网络调用。
func NewOpenAIHandle(apiKey, baseURL, model string) (*Handle, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, xerrors.New(xerrors.CodeConfiguration, "未提供 OpenAI API Key")
	}

	resolved, exact := ResolveOpenAIModel(model)
	if !exact {
		// 未命中映射表时回退到默认模型，但留下可见的告警而非静默替换。
		logger.L().Warn("OpenAI 模型名称未识别，已回退到默认模型",
			slog.String("requested", model),
			slog.String("resolved", resolved),
		)
	}

	clientCfg := openai.DefaultConfig(apiKey)
	clientCfg.BaseURL = normalizeBaseURL(baseURL, defaultOpenAIBaseURL)

	return &Handle{
		Provider: ProviderOpenAI,
		Model:    resolved,
		Client:   openai.NewClientWithConfig(clientCfg),
	}, nil
}

// NewGroqHandle 构造 GROQ 句柄。GROQ 暴露 OpenAI 兼容接口，仅 BaseURL 不同。
func NewGroqHandle(apiKey, baseURL, model string) (*Handle, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, xerrors.New(xerrors.CodeConfiguration, "未提供 GROQ API Key")
	}

	model = strings.TrimSpace(model)
	if model == "" {
		model = defaultGroqModel
	}

	clientCfg := openai.DefaultConfig(apiKey)
	clientCfg.BaseURL = normalizeBaseURL(baseURL, defaultGroqBaseURL)

	return &Handle{
		Provider: ProviderGROQ,
		Model:    model,
		Client:   openai.NewClientWithConfig(clientCfg),
	}, nil
}

// NewOllamaHandle 构造本地 Ollama 句柄。Ollama 无需凭证，但必须显式指定模型。
func NewOllamaHandle(baseURL, model string) (*Handle, error) {
	model = strings.TrimSpace(model)
	if model == "" {
		return nil, xerrors.New(xerrors.CodeConfiguration, "未指定 Ollama 模型")
	}

	base := normalizeBaseURL(baseURL, defaultOllamaBaseURL)
	if !strings.HasSuffix(base, "/v1") {
		base += "/v1"
	}
	clientCfg := openai.DefaultConfig("ollama")
	clientCfg.BaseURL = base

	return &Handle{
		Provider: ProviderOllama,
		Model:    model,
		Client:   openai.NewClientWithConfig(clientCfg),
	}, nil
}

func normalizeBaseURL(url, fallback string) string {
	url = strings.TrimSpace(url)
	if url == "" {
		return fallback
	}
	return strings.TrimRight(url, "/")
}
