// Package tools defines the callable capabilities an agent may invoke during
// task execution, and the dispatcher that routes LLM tool calls to them.
package tools

import (
	"context"
	"fmt"
	"log/slog"

	openai "github.com/sashabaranov/go-openai"

	xerrors "CrewResearch/internal/errors"
	"CrewResearch/pkg/logger"
)

// Endpoint 描述一个可供大模型调用的工具。
type Endpoint struct {
	Name    string
	Def     openai.FunctionDefinition
	Handler func(ctx context.Context, args string) (string, error)
}

// Dispatcher 按名称分发大模型发起的工具调用。
type Dispatcher struct {
	endpoints map[string]Endpoint
}

// NewDispatcher 创建空的分发器。
func NewDispatcher() *Dispatcher {
	return &Dispatcher{endpoints: make(map[string]Endpoint)}
}

// Register 注册一个或多个工具，名称冲突时返回错误。
func (d *Dispatcher) Register(endpoints ...Endpoint) error {
	for _, endpoint := range endpoints {
		if endpoint.Name == "" {
			return xerrors.New(xerrors.CodeInvalidArgument, "工具名称不能为空")
		}
		if _, exists := d.endpoints[endpoint.Name]; exists {
			return xerrors.New(xerrors.CodeConflict, fmt.Sprintf("工具 %s 已注册", endpoint.Name))
		}
		d.endpoints[endpoint.Name] = endpoint
	}
	return nil
}

// Tools 返回传给 Chat Completions 的工具定义列表。
func (d *Dispatcher) Tools() []openai.Tool {
	tools := make([]openai.Tool, 0, len(d.endpoints))
	for _, endpoint := range d.endpoints {
		def := endpoint.Def
		tools = append(tools, openai.Tool{
			Type:     openai.ToolTypeFunction,
			Function: &def,
		})
	}
	return tools
}

// Run 执行单个工具调用，返回回填给大模型的 tool 消息。
// 工具失败不会中断执行：失败信息作为工具输出交还给大模型，由其决定后续动作。
func (d *Dispatcher) Run(ctx context.Context, call openai.ToolCall) (openai.ChatCompletionMessage, error) {
	msg := openai.ChatCompletionMessage{
		Role:       openai.ChatMessageRoleTool,
		ToolCallID: call.ID,
	}

	endpoint, exists := d.endpoints[call.Function.Name]
	if !exists {
		err := xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("未注册的工具: %s", call.Function.Name))
		msg.Content = err.Error()
		return msg, err
	}

	content, err := endpoint.Handler(ctx, call.Function.Arguments)
	if err != nil {
		logger.L().Warn("工具调用失败",
			slog.String("tool", call.Function.Name),
			slog.Any("error", err),
		)
		msg.Content = fmt.Sprintf("tool call failed: %v", err)
		return msg, err
	}
	msg.Content = content
	return msg, nil
}
