package backend

import (
	"encoding/json"
	"strings"
)

// claudeProvider drives the Claude Code CLI in stream-json mode.
type claudeProvider struct{}

// claudeMessage covers the fields of the stream-json events we read.
// Example: {"type":"assistant","message":{"content":[{"type":"text","text":"hi"}]}}
type claudeMessage struct {
	Type      string `json:"type"`
	Subtype   string `json:"subtype"`
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
	ToolName  string `json:"tool_name"`
	Message   *struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
			Name string `json:"name"`
		} `json:"content"`
	} `json:"message"`
	TotalCostUSD *float64 `json:"total_cost_usd"`
	Usage        *struct {
		InputTokens  int64 `json:"input_tokens"`
		OutputTokens int64 `json:"output_tokens"`
	} `json:"usage"`
	// result is a string in current CLI versions and an object in older ones.
	Result json.RawMessage `json:"result"`
}

func (claudeProvider) Kind() ProviderKind    { return ProviderClaude }
func (claudeProvider) DefaultBinary() string { return "claude" }

func (claudeProvider) Capabilities() Capabilities {
	return Capabilities{
		AssistantText:    true,
		ToolUse:          true,
		UsageTotals:      true,
		PermissionPrompt: true,
		FollowUpInput:    true,
		ExitsAfterRun:    false,
	}
}

// BuildArgs constructs the claude command line.
// --verbose is required for stream-json output in print mode.
func (claudeProvider) BuildArgs(opts StartOptions) []string {
	args := []string{"-p", opts.Prompt, "--output-format", "stream-json", "--verbose"}

	if opts.SkipPermissions {
		args = append(args, "--dangerously-skip-permissions")
	}
	if opts.Resume != "" {
		args = append(args, "--resume", opts.Resume)
	}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	return args
}

func (claudeProvider) Normalize(msg StreamMessage) Normalized {
	var out Normalized

	var cm claudeMessage
	if err := json.Unmarshal(msg.Raw, &cm); err != nil {
		return out
	}
	out.SessionID = cm.SessionID

	switch cm.Type {
	case "assistant":
		if cm.Message != nil {
			for _, block := range cm.Message.Content {
				switch block.Type {
				case "text":
					if block.Text != "" {
						out.Entries = append(out.Entries, Entry{Role: RoleAssistant, Content: block.Text})
					}
				case "tool_use":
					out.Entries = append(out.Entries, Entry{Role: RoleTool, Content: "Using tool: " + orUnknown(block.Name)})
				}
			}
		}

		// Older CLI versions flattened blocks into subtypes.
		switch cm.Subtype {
		case "text":
			if cm.Text != "" {
				out.Entries = append(out.Entries, Entry{Role: RoleAssistant, Content: cm.Text})
			}
		case "tool_use":
			out.Entries = append(out.Entries, Entry{Role: RoleTool, Content: "Using tool: " + orUnknown(cm.ToolName)})
		}

	case "result":
		out.Done = true
		if cm.TotalCostUSD != nil && *cm.TotalCostUSD != 0 {
			out.CostUSD = cm.TotalCostUSD
		} else if cost := legacyResultCost(cm.Result); cost != nil {
			out.CostUSD = cost
		}
		if cm.Usage != nil {
			out.Usage = &Usage{Input: cm.Usage.InputTokens, Output: cm.Usage.OutputTokens}
		}
	}

	if isClaudePermissionPrompt(cm) {
		out.PermissionPrompt = true
		out.PromptText = cm.Text
		if out.PromptText == "" {
			out.PromptText = string(msg.Raw)
		}
	}

	return out
}

func legacyResultCost(raw json.RawMessage) *float64 {
	if len(raw) == 0 || raw[0] != '{' {
		return nil
	}
	var r struct {
		CostUSD *float64 `json:"cost_usd"`
	}
	if err := json.Unmarshal(raw, &r); err != nil || r.CostUSD == nil || *r.CostUSD == 0 {
		return nil
	}
	return r.CostUSD
}

// isClaudePermissionPrompt is a heuristic: the stream has no dedicated
// permission event in print mode.
func isClaudePermissionPrompt(cm claudeMessage) bool {
	if cm.Type == "assistant" && cm.Subtype == "permission" {
		return true
	}
	text := strings.ToLower(cm.Text)
	return strings.Contains(text, "permission") && strings.Contains(text, "allow")
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
