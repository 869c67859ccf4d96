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
package event

import (
	"encoding/json"
	"fmt"
	"sync"
)

// PayloadDecoder turns raw payload bytes into a typed payload value.
type PayloadDecoder func(raw json.RawMessage) (Payload, error)

// payloadDecoders maps frozen type names to decoders. The codec
// dispatches on the type string; unregistered types decode into Unknown
// so old readers survive new event kinds.
var (
	decoderMu       sync.RWMutex
	payloadDecoders = map[string]PayloadDecoder{}
)

// RegisterPayload registers a decoder for a type name. Built-in types
// register at init; callers may add their own payload kinds.
func RegisterPayload(eventType string, dec PayloadDecoder) {
	decoderMu.Lock()
	defer decoderMu.Unlock()
	payloadDecoders[eventType] = dec
}

// DecoderFor builds a decoder producing a value of the concrete payload
// type T.
func DecoderFor[T Payload]() PayloadDecoder {
	return func(raw json.RawMessage) (Payload, error) {
		var p T
		if len(raw) > 0 && string(raw) != "null" {
			if err := json.Unmarshal(raw, &p); err != nil {
				return nil, err
			}
		}
		return p, nil
	}
}

func register[T Payload]() {
	var zero T
	RegisterPayload(zero.EventType(), DecoderFor[T]())
}

func init() {
	register[TextChunkStart]()
	register[TextChunk]()
	register[TextChunkEnd]()
	register[ThinkChunkStart]()
	register[ThinkChunk]()
	register[ThinkChunkEnd]()
	register[ToolStart]()
	register[ToolEnd]()
	register[ToolError]()
	register[Done]()
	register[PermissionRequired]()
	register[PermissionDecided]()
	register[StateChanged]()
	register[BreakpointChanged]()
	register[TokenUsage]()
	register[TodoChanged]()
	register[TodoReminder]()
	register[FileChanged]()
	register[ToolExecuted]()
	register[ToolManualUpdated]()
	register[ContextRepair]()
	register[ContextCompression]()
	register[AgentResumed]()
	register[AgentRecovered]()
	register[StorageFailure]()
	register[StepComplete]()
	register[ErrorEvent]()
}

// Unknown preserves the raw payload of an event type this build does not
// know about. Re-serializing an Unknown emits the original bytes.
type Unknown struct {
	Type string
	Raw  json.RawMessage
}

func (u Unknown) EventType() string { return u.Type }

func (u Unknown) MarshalJSON() ([]byte, error) {
	if len(u.Raw) == 0 {
		return []byte("null"), nil
	}
	return u.Raw, nil
}

type eventWire struct {
	Channel Channel         `json:"channel"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// UnmarshalJSON decodes an event, dispatching the payload by type name.
func (e *Event) UnmarshalJSON(data []byte) error {
	var wire eventWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return fmt.Errorf("decode event: %w", err)
	}
	e.Channel = wire.Channel
	e.Type = wire.Type

	decoderMu.RLock()
	dec, ok := payloadDecoders[wire.Type]
	decoderMu.RUnlock()
	if !ok {
		e.Payload = Unknown{Type: wire.Type, Raw: wire.Payload}
		return nil
	}
	p, err := dec(wire.Payload)
	if err != nil {
		return fmt.Errorf("decode %s payload: %w", wire.Type, err)
	}
	e.Payload = p
	return nil
}

// NewEvent stamps a payload with its channel and type name.
func NewEvent(channel Channel, payload Payload) Event {
	return Event{Channel: channel, Type: payload.EventType(), Payload: payload}
}
