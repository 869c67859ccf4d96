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
// Package anthropic adapts the Anthropic Messages API to the llm.Provider
// contract.
package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.uber.org/zap"

	"github.com/teradata-labs/weft/pkg/llm"
	"github.com/teradata-labs/weft/pkg/types"
)

const (
	defaultModel          = "claude-sonnet-4-5"
	defaultMaxTokens      = 4096
	defaultThinkingBudget = 10000
)

// Provider is the Anthropic implementation of llm.Provider.
type Provider struct {
	client sdk.Client
	model  string
	logger *zap.Logger
}

var _ llm.Provider = (*Provider)(nil)

// Config holds adapter configuration.
type Config struct {
	// APIKey authenticates with the Anthropic API. Required.
	APIKey string
	// BaseURL overrides the API endpoint (e.g. a proxy).
	BaseURL string
	// Model is used when the request leaves Model empty.
	Model string
}

// Option configures a Provider.
type Option func(*Provider)

// WithLogger sets the provider logger.
func WithLogger(l *zap.Logger) Option {
	return func(p *Provider) { p.logger = l }
}

// New creates an Anthropic provider.
func New(config Config, opts ...Option) (*Provider, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("anthropic: API key is required")
	}
	options := []option.RequestOption{option.WithAPIKey(config.APIKey)}
	if config.BaseURL != "" {
		options = append(options, option.WithBaseURL(config.BaseURL))
	}
	model := config.Model
	if model == "" {
		model = defaultModel
	}
	p := &Provider{
		client: sdk.NewClient(options...),
		model:  model,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

func (p *Provider) params(req llm.Request) (sdk.MessageNewParams, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	messages, err := convertMessages(req.Messages)
	if err != nil {
		return sdk.MessageNewParams{}, err
	}

	params := sdk.MessageNewParams{
		Model:     sdk.Model(model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}
	if req.SystemPrompt != "" {
		params.System = []sdk.TextBlockParam{{Type: "text", Text: req.SystemPrompt}}
	}
	if req.Temperature != nil {
		params.Temperature = sdk.Float(*req.Temperature)
	}
	if len(req.StopSequences) > 0 {
		params.StopSequences = req.StopSequences
	}
	if len(req.Tools) > 0 {
		tools, err := convertTools(req.Tools)
		if err != nil {
			return sdk.MessageNewParams{}, err
		}
		params.Tools = tools
	}
	if req.EnableThinking {
		budget := int64(req.ThinkingBudget)
		if budget < 1024 {
			budget = defaultThinkingBudget
		}
		params.Thinking = sdk.ThinkingConfigParamOfEnabled(budget)
	}
	return params, nil
}

// convertMessages maps runtime messages to the Anthropic wire shape.
// System messages are carried separately and skipped here.
func convertMessages(msgs []types.Message) ([]sdk.MessageParam, error) {
	var out []sdk.MessageParam
	for _, msg := range msgs {
		if msg.Role == types.RoleSystem {
			continue
		}
		var content []sdk.ContentBlockParamUnion
		for _, b := range msg.Blocks {
			switch b.Type {
			case types.BlockText:
				if b.Text != "" {
					content = append(content, sdk.NewTextBlock(b.Text))
				}
			case types.BlockThinking:
				// Thinking blocks are not replayed to the API.
			case types.BlockToolUse:
				input := b.Input
				if input == nil {
					input = map[string]interface{}{}
				}
				content = append(content, sdk.NewToolUseBlock(b.ID, input, b.Name))
			case types.BlockToolResult:
				content = append(content, sdk.NewToolResultBlock(b.ToolUseID, b.Content, b.IsError))
			default:
				return nil, fmt.Errorf("anthropic: unsupported block type %q", b.Type)
			}
		}
		if len(content) == 0 {
			continue
		}
		if msg.Role == types.RoleAssistant {
			out = append(out, sdk.NewAssistantMessage(content...))
		} else {
			out = append(out, sdk.NewUserMessage(content...))
		}
	}
	return out, nil
}

func convertTools(tools []llm.ToolDef) ([]sdk.ToolUnionParam, error) {
	var out []sdk.ToolUnionParam
	for _, tool := range tools {
		var schema sdk.ToolInputSchemaParam
		if err := json.Unmarshal(tool.InputSchema, &schema); err != nil {
			return nil, fmt.Errorf("anthropic: invalid schema for tool %s: %w", tool.Name, err)
		}
		param := sdk.ToolUnionParamOfTool(schema, tool.Name)
		if param.OfTool == nil {
			return nil, fmt.Errorf("anthropic: invalid tool definition for %s", tool.Name)
		}
		param.OfTool.Description = sdk.String(tool.Description)
		out = append(out, param)
	}
	return out, nil
}

func mapStopReason(reason string) llm.StopReason {
	switch reason {
	case "end_turn":
		return llm.StopEndTurn
	case "max_tokens":
		return llm.StopMaxTokens
	case "stop_sequence":
		return llm.StopStopSequence
	case "tool_use":
		return llm.StopToolUse
	default:
		return llm.StopEndTurn
	}
}

// Complete performs a non-streaming request.
func (p *Provider) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	params, err := p.params(req)
	if err != nil {
		return nil, err
	}
	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic: completion failed: %w", err)
	}

	var blocks []types.ContentBlock
	for _, b := range msg.Content {
		switch b.Type {
		case "text":
			blocks = append(blocks, types.NewTextBlock(b.Text))
		case "thinking":
			blocks = append(blocks, types.NewThinkingBlock(b.Thinking))
		case "tool_use":
			tu := b.AsToolUse()
			input := map[string]interface{}{}
			if len(tu.Input) > 0 {
				if err := json.Unmarshal(tu.Input, &input); err != nil {
					return nil, fmt.Errorf("anthropic: decode tool input: %w", err)
				}
			}
			blocks = append(blocks, types.NewToolUseBlock(tu.ID, tu.Name, input))
		}
	}
	usage := types.Usage{
		InputTokens:  int(msg.Usage.InputTokens),
		OutputTokens: int(msg.Usage.OutputTokens),
	}
	usage.TotalTokens = usage.InputTokens + usage.OutputTokens
	return &llm.Response{
		Blocks:     blocks,
		StopReason: mapStopReason(string(msg.StopReason)),
		Usage:      usage,
		Model:      string(msg.Model),
	}, nil
}

// Stream performs a streaming request, translating SSE events into
// llm.Chunk values. Tool input JSON is accumulated by the shared
// accumulator; this adapter only relays deltas.
func (p *Provider) Stream(ctx context.Context, req llm.Request, onChunk llm.ChunkFunc) (*llm.Response, error) {
	params, err := p.params(req)
	if err != nil {
		return nil, err
	}
	model := req.Model
	if model == "" {
		model = p.model
	}

	stream := p.client.Messages.NewStreaming(ctx, params)
	defer stream.Close()

	acc := llm.NewAccumulator()
	emit := func(c llm.Chunk) error {
		acc.Feed(c)
		return onChunk(c)
	}

	// Tool block index -> id, for matching deltas to their block.
	toolByIndex := map[int64]string{}
	toolName := map[string]string{}
	var inputTokens, outputTokens int
	stopReason := ""

	for stream.Next() {
		ev := stream.Current()
		switch ev.Type {
		case "message_start":
			ms := ev.AsMessageStart()
			inputTokens = int(ms.Message.Usage.InputTokens)
		case "content_block_start":
			cbs := ev.AsContentBlockStart()
			if cbs.ContentBlock.Type == "tool_use" {
				tu := cbs.ContentBlock.AsToolUse()
				toolByIndex[cbs.Index] = tu.ID
				toolName[tu.ID] = tu.Name
				if err := emit(llm.Chunk{Kind: llm.ChunkToolUseStart, ToolUse: &llm.ToolUseChunk{ID: tu.ID, Name: tu.Name}}); err != nil {
					return nil, err
				}
			}
		case "content_block_delta":
			cbd := ev.AsContentBlockDelta()
			switch cbd.Delta.Type {
			case "text_delta":
				if cbd.Delta.Text != "" {
					if err := emit(llm.Chunk{Kind: llm.ChunkTextDelta, TextDelta: cbd.Delta.Text}); err != nil {
						return nil, err
					}
				}
			case "thinking_delta":
				if cbd.Delta.Thinking != "" {
					if err := emit(llm.Chunk{Kind: llm.ChunkThinkingDelta, ThinkingDelta: cbd.Delta.Thinking}); err != nil {
						return nil, err
					}
				}
			case "input_json_delta":
				if id, ok := toolByIndex[cbd.Index]; ok && cbd.Delta.PartialJSON != "" {
					if err := emit(llm.Chunk{Kind: llm.ChunkToolUseInputDelta, ToolUse: &llm.ToolUseChunk{ID: id, InputDelta: cbd.Delta.PartialJSON}}); err != nil {
						return nil, err
					}
				}
			}
		case "content_block_stop":
			cbst := ev.AsContentBlockStop()
			if id, ok := toolByIndex[cbst.Index]; ok {
				delete(toolByIndex, cbst.Index)
				if err := emit(llm.Chunk{Kind: llm.ChunkToolUseComplete, ToolUse: &llm.ToolUseChunk{ID: id, Name: toolName[id]}}); err != nil {
					return nil, err
				}
			}
		case "message_delta":
			md := ev.AsMessageDelta()
			if md.Usage.OutputTokens > 0 {
				outputTokens = int(md.Usage.OutputTokens)
			}
			if md.Delta.StopReason != "" {
				stopReason = string(md.Delta.StopReason)
			}
		case "message_stop":
			usage := types.Usage{
				InputTokens:  inputTokens,
				OutputTokens: outputTokens,
				TotalTokens:  inputTokens + outputTokens,
			}
			if err := emit(llm.Chunk{Kind: llm.ChunkMessageStop, StopReason: mapStopReason(stopReason), Usage: &usage}); err != nil {
				return nil, err
			}
		}
	}
	if err := stream.Err(); err != nil && !isEOF(err) {
		return nil, fmt.Errorf("anthropic: stream failed: %w", err)
	}
	return acc.Response(model), nil
}

func isEOF(err error) bool {
	return err != nil && strings.Contains(err.Error(), "EOF")
}
