package backend

import (
	"reflect"
	"testing"
)

func TestClaudeNormalize(t *testing.T) {
	tests := []struct {
		name        string
		line        string
		wantEntries []Entry
		wantDone    bool
		wantCost    float64
		wantSession string
		wantPrompt  bool
		wantUsage   *Usage
	}{
		{
			name:        "init carries session",
			line:        `{"type":"system","subtype":"init","session_id":"abc"}`,
			wantSession: "abc",
		},
		{
			name: "assistant content blocks",
			line: `{"type":"assistant","message":{"content":[{"type":"text","text":"Looking"},{"type":"tool_use","name":"Bash","input":{}}]}}`,
			wantEntries: []Entry{
				{Role: RoleAssistant, Content: "Looking"},
				{Role: RoleTool, Content: "Using tool: Bash"},
			},
		},
		{
			name:        "empty text block ignored",
			line:        `{"type":"assistant","message":{"content":[{"type":"text","text":""}]}}`,
			wantEntries: nil,
		},
		{
			name:        "tool_use without name",
			line:        `{"type":"assistant","message":{"content":[{"type":"tool_use"}]}}`,
			wantEntries: []Entry{{Role: RoleTool, Content: "Using tool: unknown"}},
		},
		{
			name:        "legacy text subtype",
			line:        `{"type":"assistant","subtype":"text","text":"hi"}`,
			wantEntries: []Entry{{Role: RoleAssistant, Content: "hi"}},
		},
		{
			name:        "legacy tool_use subtype",
			line:        `{"type":"assistant","subtype":"tool_use","tool_name":"Edit"}`,
			wantEntries: []Entry{{Role: RoleTool, Content: "Using tool: Edit"}},
		},
		{
			name:     "result with total cost",
			line:     `{"type":"result","subtype":"success","total_cost_usd":0.42,"result":"done"}`,
			wantDone: true,
			wantCost: 0.42,
		},
		{
			name:     "result with legacy cost",
			line:     `{"type":"result","result":{"cost_usd":0.1}}`,
			wantDone: true,
			wantCost: 0.1,
		},
		{
			name:      "result with usage",
			line:      `{"type":"result","subtype":"success","total_cost_usd":0.05,"usage":{"input_tokens":1200,"output_tokens":340,"cache_read_input_tokens":9}}`,
			wantDone:  true,
			wantCost:  0.05,
			wantUsage: &Usage{Input: 1200, Output: 340},
		},
		{
			name:     "result without cost",
			line:     `{"type":"result"}`,
			wantDone: true,
		},
		{
			name:       "permission subtype",
			line:       `{"type":"assistant","subtype":"permission","text":"May I?"}`,
			wantPrompt: true,
		},
		{
			name:       "permission heuristic",
			line:       `{"type":"system","text":"Please ALLOW this Permission request"}`,
			wantPrompt: true,
		},
		{
			name: "permission word alone is not a prompt",
			line: `{"type":"system","text":"permission denied"}`,
		},
	}

	p := claudeProvider{}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := p.Normalize(decodeOne(t, tt.line))

			if !reflect.DeepEqual(got.Entries, tt.wantEntries) {
				t.Errorf("Entries mismatch\n got: %+v\nwant: %+v", got.Entries, tt.wantEntries)
			}
			if got.Done != tt.wantDone {
				t.Errorf("Expected Done=%v, got %v", tt.wantDone, got.Done)
			}
			if tt.wantCost == 0 && got.CostUSD != nil {
				t.Errorf("Expected no cost, got %v", *got.CostUSD)
			}
			if tt.wantCost != 0 && (got.CostUSD == nil || *got.CostUSD != tt.wantCost) {
				t.Errorf("Expected cost %v, got %v", tt.wantCost, got.CostUSD)
			}
			if got.SessionID != tt.wantSession {
				t.Errorf("Expected session %q, got %q", tt.wantSession, got.SessionID)
			}
			if got.PermissionPrompt != tt.wantPrompt {
				t.Errorf("Expected PermissionPrompt=%v, got %v", tt.wantPrompt, got.PermissionPrompt)
			}
			if !reflect.DeepEqual(got.Usage, tt.wantUsage) {
				t.Errorf("Expected usage %+v, got %+v", tt.wantUsage, got.Usage)
			}
		})
	}
}

func TestClaudeNormalize_PromptTextFallsBackToRaw(t *testing.T) {
	line := `{"type":"assistant","subtype":"permission"}`
	got := claudeProvider{}.Normalize(decodeOne(t, line))
	if got.PromptText != line {
		t.Errorf("Expected raw line as prompt text, got %q", got.PromptText)
	}
}
