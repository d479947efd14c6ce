// Package crew 将研究智能体与任务编排为顺序执行的工作组。
package crew

import (
	"context"

	xerrors "CrewResearch/internal/errors"

	"CrewResearch/internal/agent"
)

// Assignment 将一个智能体与其要完成的研究请求绑定。
type Assignment struct {
	Researcher *agent.Researcher
	Request    agent.ResearchRequest
}

// Crew 按提交顺序依次执行任务，任何一步失败即中止并返回错误。
type Crew struct {
	assignments []Assignment
}

// New 创建顺序执行的 Crew。
func New(assignments ...Assignment) *Crew {
	return &Crew{assignments: assignments}
}

// Kickoff 依次执行全部任务，返回每个任务的结果。
func (c *Crew) Kickoff(ctx context.Context) ([]*agent.ResearchResult, error) {
	if len(c.assignments) == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "没有待执行的任务")
	}

	results := make([]*agent.ResearchResult, 0, len(c.assignments))
	for _, assignment := range c.assignments {
		if assignment.Researcher == nil {
			return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务缺少执行智能体")
		}
		result, err := assignment.Researcher.Execute(ctx, assignment.Request)
		if err != nil {
			return nil, err
		}
		results = append(results, result)
	}
	return results, nil
}
