package task

import (
	"fmt"
	"strings"
	"time"
)

// reportTemplate 规定了研究报告的固定结构，六个小节缺一不可。
const reportTemplate = `A comprehensive research report in markdown format containing the following sections:

# Executive Summary
A concise overview of the research topic and the most important takeaways.

# Key Findings
The most significant facts and discoveries, each backed by gathered evidence.

# Analysis
A deeper examination of the findings, trends, and their relationships.

# Future Implications
What the findings suggest about how the topic will evolve.

# Recommendations
Actionable suggestions derived from the analysis.

# Citations
All sources used during the research, with titles and URLs.`

// ReportTemplate 返回研究报告的期望产出模板。
func ReportTemplate() string {
	return reportTemplate
}

// ReportSections 按顺序列出报告必须包含的小节标题。
func ReportSections() []string {
	return []string{
		"Executive Summary",
		"Key Findings",
		"Analysis",
		"Future Implications",
		"Recommendations",
		"Citations",
	}
}

// NewResearchTask 根据主题构造一个待执行的研究任务。
// 主题原样写入任务描述，不做改写。每个任务分配独立的报告文件名，避免并发覆盖。
func NewResearchTask(id, topic, provider, model string) *Task {
	return &Task{
		ID:             id,
		Topic:          topic,
		Provider:       provider,
		Model:          model,
		ExpectedOutput: reportTemplate,
		OutputFile:     reportFileName(id),
		Status:         StatusPending,
	}
}

func reportFileName(id string) string {
	id = strings.TrimSpace(id)
	if id == "" {
		id = fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return fmt.Sprintf("output/report-%s.md", id)
}
