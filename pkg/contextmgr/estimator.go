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
package contextmgr

import (
	"encoding/json"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/teradata-labs/weft/pkg/types"
)

// TokenEstimator estimates the token footprint of messages.
type TokenEstimator interface {
	EstimateText(text string) int
	EstimateMessages(msgs []types.Message) int
}

// blockText serializes a content block for estimation: text blocks pass
// through, everything else goes through JSON.
func blockText(b types.ContentBlock) string {
	switch b.Type {
	case types.BlockText, types.BlockThinking:
		return b.Text
	default:
		data, err := json.Marshal(b)
		if err != nil {
			return b.Type
		}
		return string(data)
	}
}

// CharEstimator is the default heuristic: characters divided by four,
// rounded up per block.
type CharEstimator struct{}

func (CharEstimator) EstimateText(text string) int {
	return (len(text) + 3) / 4
}

func (e CharEstimator) EstimateMessages(msgs []types.Message) int {
	total := 0
	for _, m := range msgs {
		for _, b := range m.Blocks {
			total += e.EstimateText(blockText(b))
		}
	}
	return total
}

// TiktokenEstimator counts with a real BPE encoding. Falls back to the
// char heuristic when the encoding cannot be loaded.
type TiktokenEstimator struct {
	mu      sync.Mutex
	encoder *tiktoken.Tiktoken
}

// NewTiktokenEstimator loads the cl100k_base encoding, a reasonable
// approximation across model families.
func NewTiktokenEstimator() *TiktokenEstimator {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return &TiktokenEstimator{}
	}
	return &TiktokenEstimator{encoder: enc}
}

func (e *TiktokenEstimator) EstimateText(text string) int {
	if e.encoder == nil {
		return CharEstimator{}.EstimateText(text)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.encoder.Encode(text, nil, nil))
}

func (e *TiktokenEstimator) EstimateMessages(msgs []types.Message) int {
	total := 0
	for _, m := range msgs {
		for _, b := range m.Blocks {
			total += e.EstimateText(blockText(b))
		}
	}
	return total
}
