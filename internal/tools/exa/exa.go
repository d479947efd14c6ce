// Package exa 封装 Exa 问答服务：输入查询语句，返回带引用来源的直接回答。
package exa

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/sashabaranov/go-openai/jsonschema"

	xerrors "CrewResearch/internal/errors"
	"CrewResearch/internal/tools"
)

const (
	// DefaultEndpoint 是 Exa answer 接口的默认地址。
	DefaultEndpoint = "https://api.exa.ai/answer"

	defaultTimeout = 60 * time.Second

	// ToolName 是注册到分发器、暴露给大模型的工具名称。
	ToolName = "exa_answer"
)

// Client 是 Exa answer 接口的 HTTP 客户端。
type Client struct {
	apiKey     string
	endpoint   string
	httpClient *http.Client
}

// Option 定义 Client 的可选配置。
type Option func(*Client)

// WithEndpoint 覆盖默认的接口地址。
func WithEndpoint(endpoint string) Option {
	return func(c *Client) {
		if endpoint = strings.TrimSpace(endpoint); endpoint != "" {
			c.endpoint = endpoint
		}
	}
}

// WithTimeout 覆盖默认的请求超时时间。
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.httpClient.Timeout = timeout
		}
	}
}

// WithHTTPClient 替换底层 HTTP 客户端，主要用于测试。
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.httpClient = httpClient
		}
	}
}

// NewClient 构造 Exa 客户端。凭证缺失时直接失败，不发起任何网络调用。
func NewClient(apiKey string, opts ...Option) (*Client, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, xerrors.New(xerrors.CodeConfiguration, "未提供 EXA API Key")
	}

	client := &Client{
		apiKey:     apiKey,
		endpoint:   DefaultEndpoint,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(client)
	}
	return client, nil
}

// Citation 是回答的单条引用来源。
type Citation struct {
	Title string `json:"title"`
	URL   string `json:"url"`
}

// AnswerResult 是 answer 接口的解析结果。
type AnswerResult struct {
	Answer    string     `json:"answer"`
	Citations []Citation `json:"citations"`
}

// Format 将结果渲染为交还给大模型的文本，有引用来源时逐条列出。
func (r *AnswerResult) Format() string {
	var sb strings.Builder
	sb.WriteString("Answer: ")
	sb.WriteString(r.Answer)
	if len(r.Citations) > 0 {
		sb.WriteString("\n\nCitations:\n")
		for _, citation := range r.Citations {
			sb.WriteString(fmt.Sprintf("- %s (%s)\n", citation.Title, citation.URL))
		}
	}
	return sb.String()
}

type answerRequest struct {
	Query string `json:"query"`
	Text  bool   `json:"text"`
}

// Answer 调用 answer 接口回答单个查询。
// 非 2xx 响应视为外部服务失败，状态码与响应体片段记入错误元数据。
func (c *Client) Answer(ctx context.Context, query string) (*AnswerResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "查询语句不能为空")
	}

	payload, err := json.Marshal(answerRequest{Query: query, Text: true})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeExternalService, err, "序列化 Exa 请求失败")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeExternalService, err, "构建 Exa 请求失败")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeExternalService, err, "调用 Exa 服务失败")
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, xerrors.New(xerrors.CodeExternalService,
			fmt.Sprintf("Exa 服务返回错误状态 %d", resp.StatusCode),
			xerrors.WithMetadata("status", fmt.Sprintf("%d", resp.StatusCode)),
			xerrors.WithMetadata("body", strings.TrimSpace(string(body))),
		)
	}

	var result AnswerResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeExternalService, err, "解析 Exa 响应失败")
	}
	return &result, nil
}

// Endpoint 将客户端包装为可注册到分发器的工具端点。
func (c *Client) Endpoint() tools.Endpoint {
	return tools.Endpoint{
		Name: ToolName,
		Def: openai.FunctionDefinition{
			Name:        ToolName,
			Description: "Search the web and return a direct answer with citations. Use this for factual questions and current events.",
			Parameters: &jsonschema.Definition{
				Type: jsonschema.Object,
				Properties: map[string]jsonschema.Definition{
					"query": {
						Type:        jsonschema.String,
						Description: "The question to answer",
					},
				},
				Required: []string{"query"},
			},
		},
		Handler: func(ctx context.Context, args string) (string, error) {
			var parsed struct {
				Query string `json:"query"`
			}
			if err := json.Unmarshal([]byte(args), &parsed); err != nil {
				return "", xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析工具参数失败")
			}
			result, err := c.Answer(ctx, parsed.Query)
			if err != nil {
				return "", err
			}
			return result.Format(), nil
		},
	}
}
