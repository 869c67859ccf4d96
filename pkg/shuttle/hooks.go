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
package shuttle

import "context"

// Hooks intercept tool execution. Pre hooks form an ordered pipeline
// evaluated before permissions; the first non-nil decision wins. Post
// hooks may rewrite the outcome before it becomes a tool_result.

// PreAction is what a pre-tool hook decided.
type PreAction int

const (
	// PreAllow lets the call proceed, bypassing later hooks only.
	PreAllow PreAction = iota
	// PreDeny fails the call with the hook's reason.
	PreDeny
	// PreSkip completes the call with the hook's mock result, without
	// executing the tool.
	PreSkip
	// PreRequireApproval forces the approval rendezvous.
	PreRequireApproval
)

// PreDecision is the optional outcome of a pre-tool hook. Nil means
// "no opinion, continue the pipeline".
type PreDecision struct {
	Action PreAction
	Reason string
	// Mock is the substitute result for PreSkip.
	Mock *Result
}

// PreToolHook inspects a call before execution.
type PreToolHook func(ctx context.Context, tc ToolContext, toolName string, params map[string]interface{}) *PreDecision

// PostAction is what a post-tool hook decided.
type PostAction int

const (
	// PostPass keeps the outcome unchanged.
	PostPass PostAction = iota
	// PostReplace substitutes a whole new result.
	PostReplace
	// PostUpdate rewrites the result data, keeping success state.
	PostUpdate
)

// PostDecision is the optional outcome of a post-tool hook. Nil means
// pass.
type PostDecision struct {
	Action PostAction
	// Result replaces the outcome for PostReplace.
	Result *Result
	// Data replaces the result data for PostUpdate.
	Data interface{}
}

// PostToolHook inspects a call outcome after execution.
type PostToolHook func(ctx context.Context, tc ToolContext, toolName string, result *Result) *PostDecision

// runPreHooks folds the pre pipeline: first non-nil decision wins.
func runPreHooks(ctx context.Context, hooks []PreToolHook, tc ToolContext, toolName string, params map[string]interface{}) *PreDecision {
	for _, hook := range hooks {
		if d := hook(ctx, tc, toolName, params); d != nil {
			return d
		}
	}
	return nil
}

// runPostHooks applies every post hook in order, threading the possibly
// rewritten result through.
func runPostHooks(ctx context.Context, hooks []PostToolHook, tc ToolContext, toolName string, result *Result) *Result {
	for _, hook := range hooks {
		d := hook(ctx, tc, toolName, result)
		if d == nil {
			continue
		}
		switch d.Action {
		case PostReplace:
			if d.Result != nil {
				result = d.Result
			}
		case PostUpdate:
			updated := *result
			updated.Data = d.Data
			result = &updated
		}
	}
	return result
}
