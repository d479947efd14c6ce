package agent

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Profile 描述研究智能体的角色设定，对应 configs/researcher.yaml。
type Profile struct {
	Role      string `yaml:"role"`
	Goal      string `yaml:"goal"`
	Backstory string `yaml:"backstory"`
}

// DefaultProfile 返回内置的研究分析师角色设定。
func DefaultProfile() Profile {
	return Profile{
		Role: "Research Analyst",
		Goal: "Conduct thorough research on given topics and provide comprehensive, well-structured reports",
		Backstory: "You are an experienced research analyst with expertise in gathering, analyzing, " +
			"and synthesizing information from various sources. You excel at identifying key insights " +
			"and presenting them in a clear, structured format.",
	}
}

// LoadProfile 解析 YAML 角色配置。路径为空时返回内置设定。
// 文件中缺失的字段同样回退到内置设定。
func LoadProfile(path string) (Profile, error) {
	profile := DefaultProfile()
	if strings.TrimSpace(path) == "" {
		return profile, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return Profile{}, fmt.Errorf("读取角色配置失败: %w", err)
	}

	var loaded Profile
	if err := yaml.Unmarshal(content, &loaded); err != nil {
		return Profile{}, fmt.Errorf("解析角色配置失败: %w", err)
	}

	if strings.TrimSpace(loaded.Role) != "" {
		profile.Role = loaded.Role
	}
	if strings.TrimSpace(loaded.Goal) != "" {
		profile.Goal = loaded.Goal
	}
	if strings.TrimSpace(loaded.Backstory) != "" {
		profile.Backstory = loaded.Backstory
	}
	return profile, nil
}
