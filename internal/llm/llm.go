package llm

import (
	"context"

	openai "github.com/sashabaranov/go-openai"
)

// Provider 是大模型提供方的枚举。
type Provider string

const (
	ProviderOpenAI Provider = "OpenAI"
	ProviderGROQ   Provider = "GROQ"
	ProviderOllama Provider = "Ollama"
)

// IsValidProvider 检查给定的 provider 是否为支持的枚举值。
func IsValidProvider(p Provider) bool {
	switch p {
	case ProviderOpenAI, ProviderGROQ, ProviderOllama:
		return true
	default:
		return false
	}
}

// Selection 描述一次研究请求选择的 provider 与模型。
// 每个请求构造一个 Selection，不做跨请求共享。
type Selection struct {
	Provider Provider `json:"provider"`
	Model    string   `json:"model"`
}

// ChatCompleter 抽象了 Chat Completions 调用，便于在测试中替换真实客户端。
// *openai.Client 天然满足该接口。
type ChatCompleter interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Handle 是统一的大模型句柄：一个已配置好 BaseURL 与凭证的客户端，
// 外加解析后的具体模型标识。三类 provider 返回相同形态的句柄。
type Handle struct {
	Provider Provider
	Model    string
	Client   ChatCompleter
}

// Chat 发起一次补全调用。请求未指定模型时使用句柄上解析好的模型。
func (h *Handle) Chat(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	if req.Model == "" {
		req.Model = h.Model
	}
	return h.Client.CreateChatCompletion(ctx, req)
}
