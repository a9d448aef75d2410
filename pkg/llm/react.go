// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package llm

import (
	"encoding/json"
	"fmt"
	"strings"
)

// BuildTextModePrompt renders the tool-calling instructions for models
// without native function calling. The model is told to reason, then
// either answer directly or emit exactly one fenced json object naming
// a tool.
func BuildTextModePrompt(basePrompt string, tools []Tool) string {
	var b strings.Builder
	if basePrompt != "" {
		b.WriteString(basePrompt)
		b.WriteString("\n\n")
	}

	b.WriteString("You have access to the following tools:\n\n")
	for _, t := range tools {
		b.WriteString("- ")
		b.WriteString(t.Name)
		if t.Description != "" {
			b.WriteString(": ")
			b.WriteString(t.Description)
		}
		b.WriteString("\n")
		if len(t.InputSchema) > 0 {
			if schema, err := json.Marshal(t.InputSchema); err == nil {
				fmt.Fprintf(&b, "  Parameters: %s\n", schema)
			}
		}
	}

	b.WriteString(`
To use a tool, respond with your reasoning followed by exactly one fenced code block tagged json:

` + "```json" + `
{"tool": "<tool name>", "arguments": {<parameters>}}
` + "```" + `

Call at most one tool per response. If no tool is needed, answer the user directly without any json code block.`)

	return b.String()
}

// fence parser states
const (
	fenceText       = iota // forwarding visible text
	fenceTicks             // inside a run of backticks
	fenceTag               // after three backticks, reading the language tag
	fenceSuppressed        // inside a json fence, nothing visible from here on
)

// FenceParser is a streaming state machine that forwards visible text
// until a ```json fence opens, then suppresses everything after it so
// a raw tool-call blob never leaks into the chat. Fences with other
// language tags pass through untouched. The full raw text is retained
// for tool-call extraction once the stream ends.
type FenceParser struct {
	state int
	ticks int
	tag   strings.Builder
	raw   strings.Builder
}

// NewFenceParser returns a parser in the forwarding state.
func NewFenceParser() *FenceParser {
	return &FenceParser{}
}

// Feed consumes a stream chunk and returns the portion that should be
// shown to the user. Backtick runs at chunk boundaries are held back
// until disambiguated.
func (p *FenceParser) Feed(chunk string) string {
	p.raw.WriteString(chunk)
	if p.state == fenceSuppressed {
		return ""
	}

	var out strings.Builder
	for _, r := range chunk {
		switch p.state {
		case fenceText:
			if r == '`' {
				p.state = fenceTicks
				p.ticks = 1
			} else {
				out.WriteRune(r)
			}

		case fenceTicks:
			if r == '`' {
				p.ticks++
				if p.ticks == 3 {
					p.state = fenceTag
					p.tag.Reset()
				}
			} else {
				out.WriteString(strings.Repeat("`", p.ticks))
				out.WriteRune(r)
				p.state = fenceText
			}

		case fenceTag:
			if r == '\n' || r == ' ' || r == '\t' {
				if p.tag.String() == "json" {
					p.state = fenceSuppressed
					return out.String()
				}
				out.WriteString("```")
				out.WriteString(p.tag.String())
				out.WriteRune(r)
				p.state = fenceText
				continue
			}
			p.tag.WriteRune(r)
			if !strings.HasPrefix("json", p.tag.String()) {
				out.WriteString("```")
				out.WriteString(p.tag.String())
				p.state = fenceText
			}

		case fenceSuppressed:
			return out.String()
		}
	}
	return out.String()
}

// Flush returns any text held back at the end of the stream, such as a
// trailing backtick run that never became a fence.
func (p *FenceParser) Flush() string {
	switch p.state {
	case fenceTicks:
		s := strings.Repeat("`", p.ticks)
		p.state = fenceText
		p.ticks = 0
		return s
	case fenceTag:
		s := "```" + p.tag.String()
		p.state = fenceText
		return s
	default:
		return ""
	}
}

// Suppressing reports whether a json fence has opened.
func (p *FenceParser) Suppressing() bool {
	return p.state == fenceSuppressed
}

// Raw returns everything fed so far, fenced content included.
func (p *FenceParser) Raw() string {
	return p.raw.String()
}

// textToolCall is the wire shape of a text-mode tool call.
type textToolCall struct {
	Tool      string          `json:"tool"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ParseToolCall extracts the first tool call from a complete text-mode
// response. Fenced json blocks that do not parse as a tool call are
// skipped, so ordinary code samples never dispatch. The returned call
// has no ID; the caller assigns one.
func ParseToolCall(text string) (*ToolCall, bool) {
	rest := text
	for {
		idx := strings.Index(rest, "```json")
		if idx < 0 {
			return nil, false
		}
		body := rest[idx+len("```json"):]
		if end := strings.Index(body, "```"); end >= 0 {
			rest = body[end+3:]
			body = body[:end]
		} else {
			rest = ""
		}

		var call textToolCall
		if err := json.Unmarshal([]byte(strings.TrimSpace(body)), &call); err == nil {
			name := call.Tool
			if name == "" {
				name = call.Name
			}
			if name != "" {
				args := "{}"
				if len(call.Arguments) > 0 {
					args = string(call.Arguments)
				}
				return &ToolCall{Name: name, Arguments: args}, true
			}
		}
		if rest == "" {
			return nil, false
		}
	}
}
