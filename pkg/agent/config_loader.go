// Copyright 2026 Teradata
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package agent

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/teradata-labs/weft/pkg/permission"
)

// AgentConfigYAML is the on-disk agent configuration. All fields are
// optional; zero values keep the construction defaults.
type AgentConfigYAML struct {
	Agent struct {
		Name         string `yaml:"name"`
		Model        string `yaml:"model"`
		SystemPrompt string `yaml:"system_prompt"`

		Behavior struct {
			MaxIterations  int      `yaml:"max_iterations"`
			MaxTokens      int      `yaml:"max_tokens"`
			Temperature    *float64 `yaml:"temperature"`
			ToolTimeoutSec int      `yaml:"tool_timeout_seconds"`
			MaxConcurrency int      `yaml:"max_tool_concurrency"`
		} `yaml:"behavior"`

		Thinking struct {
			Enabled bool `yaml:"enabled"`
			Budget  int  `yaml:"budget"`
		} `yaml:"thinking"`

		Context struct {
			MaxTokens        int `yaml:"max_tokens"`
			CompressToTokens int `yaml:"compress_to_tokens"`
		} `yaml:"context"`

		Permissions struct {
			Mode            string   `yaml:"mode"`
			AllowList       []string `yaml:"allow_list"`
			DenyList        []string `yaml:"deny_list"`
			RequireApproval []string `yaml:"require_approval"`
		} `yaml:"permissions"`
	} `yaml:"agent"`
}

// LoadConfig reads and validates an agent configuration file.
func LoadConfig(path string) (*AgentConfigYAML, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return ParseConfig(data)
}

// ParseConfig parses YAML agent configuration bytes.
func ParseConfig(data []byte) (*AgentConfigYAML, error) {
	var cfg AgentConfigYAML
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *AgentConfigYAML) validate() error {
	switch mode := c.Agent.Permissions.Mode; mode {
	case "", string(permission.ModeAuto), string(permission.ModeApproval),
		string(permission.ModeReadonly), string(permission.ModeCustom):
	default:
		return fmt.Errorf("invalid permission mode %q", mode)
	}
	if c.Agent.Behavior.MaxIterations < 0 {
		return fmt.Errorf("max_iterations must not be negative")
	}
	if c.Agent.Context.CompressToTokens > 0 && c.Agent.Context.MaxTokens > 0 &&
		c.Agent.Context.CompressToTokens >= c.Agent.Context.MaxTokens {
		return fmt.Errorf("context compress_to_tokens (%d) must be below max_tokens (%d)",
			c.Agent.Context.CompressToTokens, c.Agent.Context.MaxTokens)
	}
	return nil
}

// Options converts the file configuration into constructor options.
func (c *AgentConfigYAML) Options() []Option {
	var opts []Option
	if c.Agent.Model != "" {
		opts = append(opts, WithModel(c.Agent.Model))
	}
	if c.Agent.SystemPrompt != "" {
		opts = append(opts, WithSystemPrompt(c.Agent.SystemPrompt))
	}
	b := c.Agent.Behavior
	if b.MaxIterations > 0 {
		opts = append(opts, WithMaxIterations(b.MaxIterations))
	}
	if b.MaxTokens > 0 {
		opts = append(opts, WithMaxTokens(b.MaxTokens))
	}
	if b.Temperature != nil {
		opts = append(opts, WithTemperature(*b.Temperature))
	}
	if b.ToolTimeoutSec > 0 {
		opts = append(opts, WithToolTimeout(time.Duration(b.ToolTimeoutSec)*time.Second))
	}
	if b.MaxConcurrency > 0 {
		opts = append(opts, WithMaxToolConcurrency(b.MaxConcurrency))
	}
	if c.Agent.Thinking.Enabled {
		opts = append(opts, WithThinking(c.Agent.Thinking.Budget))
	}
	if c.Agent.Context.MaxTokens > 0 {
		opts = append(opts, WithContextLimits(c.Agent.Context.MaxTokens, c.Agent.Context.CompressToTokens))
	}
	if p := c.Agent.Permissions; p.Mode != "" || len(p.AllowList) > 0 || len(p.DenyList) > 0 || len(p.RequireApproval) > 0 {
		opts = append(opts, WithPermissionConfig(permission.Config{
			Mode:            permission.Mode(p.Mode),
			AllowList:       p.AllowList,
			DenyList:        p.DenyList,
			RequireApproval: p.RequireApproval,
		}))
	}
	return opts
}
