package backend

import "encoding/json"

// codexProvider drives `codex exec --json`, which emits one JSON event per
// line and exits once the turn completes.
type codexProvider struct{}

// codexEvent covers thread.started, item.completed and turn.completed.
type codexEvent struct {
	Type     string `json:"type"`
	ThreadID string `json:"thread_id"`
	Item     *struct {
		Type    string `json:"type"`
		Text    string `json:"text"`
		Command string `json:"command"`
	} `json:"item"`
	Usage *struct {
		InputTokens  int64 `json:"input_tokens"`
		OutputTokens int64 `json:"output_tokens"`
	} `json:"usage"`
}

func (codexProvider) Kind() ProviderKind    { return ProviderCodex }
func (codexProvider) DefaultBinary() string { return "codex" }

func (codexProvider) Capabilities() Capabilities {
	return Capabilities{
		AssistantText: true,
		ToolUse:       true,
		UsageTotals:   true,
		ExitsAfterRun: true,
	}
}

// BuildArgs constructs the codex command line.
// New run:  exec --json [flags] <prompt>
// Resume:   exec --json [flags] resume <thread> <prompt>
func (codexProvider) BuildArgs(opts StartOptions) []string {
	args := []string{"exec", "--json"}

	if opts.FullAuto {
		args = append(args, "--full-auto")
	}
	if opts.SkipPermissions {
		args = append(args, "--dangerously-bypass-approvals-and-sandbox")
	}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if opts.Resume != "" {
		args = append(args, "resume", opts.Resume)
	}
	return append(args, opts.Prompt)
}

func (codexProvider) Normalize(msg StreamMessage) Normalized {
	var out Normalized

	var ev codexEvent
	if err := json.Unmarshal(msg.Raw, &ev); err != nil {
		return out
	}

	switch ev.Type {
	case "thread.started":
		out.SessionID = ev.ThreadID

	case "item.completed":
		if ev.Item == nil {
			break
		}
		switch ev.Item.Type {
		case "agent_message":
			out.Entries = append(out.Entries, Entry{Role: RoleAssistant, Content: ev.Item.Text})
		case "tool_call", "function_call", "command_execution":
			out.Entries = append(out.Entries, Entry{Role: RoleTool, Content: "Tool: " + codexToolLabel(msg.Raw, ev.Item.Text, ev.Item.Command)})
		case "reasoning":
			out.Entries = append(out.Entries, Entry{Role: RoleSystem, Content: ev.Item.Text})
		}

	case "turn.completed":
		out.Done = true
		if ev.Usage != nil {
			out.Usage = &Usage{Input: ev.Usage.InputTokens, Output: ev.Usage.OutputTokens}
		}
	}

	return out
}

// codexToolLabel prefers the item's text, then its command, then the raw item.
func codexToolLabel(raw json.RawMessage, text, command string) string {
	if text != "" {
		return text
	}
	if command != "" {
		return command
	}
	var wrapper struct {
		Item json.RawMessage `json:"item"`
	}
	if err := json.Unmarshal(raw, &wrapper); err == nil && len(wrapper.Item) > 0 {
		return string(wrapper.Item)
	}
	return "unknown"
}
