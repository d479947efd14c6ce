package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	xerrors "CrewResearch/internal/errors"
)

const ollamaListTimeout = 5 * time.Second

// ListOllamaModels 查询本地 Ollama 服务已安装的模型列表。
// 服务不可达或列表为空时返回 CONFIGURATION_FAILURE，提示用户先启动 Ollama。
func ListOllamaModels(ctx context.Context, baseURL string) ([]string, error) {
	base := strings.TrimSuffix(normalizeBaseURL(baseURL, defaultOllamaBaseURL), "/v1")

	reqCtx, cancel := context.WithTimeout(ctx, ollamaListTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, base+"/api/tags", nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfiguration, err, "构建 Ollama 请求失败")
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfiguration, err, "无法连接本地 Ollama 服务")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, xerrors.New(xerrors.CodeConfiguration,
			fmt.Sprintf("Ollama 返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}

	var decoded struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfiguration, err, "解析 Ollama 模型列表失败")
	}

	models := make([]string, 0, len(decoded.Models))
	for _, model := range decoded.Models {
		if name := strings.TrimSpace(model.Name); name != "" {
			models = append(models, name)
		}
	}
	if len(models) == 0 {
		return nil, xerrors.New(xerrors.CodeConfiguration, "本地 Ollama 未安装任何模型")
	}
	return models, nil
}
