package taxonomy

import (
	"testing"
)

func TestOWASPMCPTop10(t *testing.T) {
	std, err := OWASPMCPTop10()
	if err != nil {
		t.Fatalf("OWASPMCPTop10 failed: %v", err)
	}
	if len(std.Items) != 10 {
		t.Fatalf("expected 10 items, got %d", len(std.Items))
	}
	if std.Items[0].ID != "MCP01" || std.Items[9].ID != "MCP10" {
		t.Errorf("items not sorted by id: first=%s last=%s", std.Items[0].ID, std.Items[9].ID)
	}

	item, ok := std.ByCheck("tool_poisoning")
	if !ok || item.ID != "MCP03" {
		t.Errorf("tool_poisoning should map to MCP03, got %+v", item)
	}
	if _, ok := std.Item("MCP01"); !ok {
		t.Error("MCP01 not found")
	}
	if _, ok := std.Item("MCP99"); ok {
		t.Error("MCP99 should not exist")
	}
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"not yaml", "items: [unterminated"},
		{"missing id", "name: x\nitems: []"},
		{"item without id", "id: s\nitems:\n  - name: x"},
		{"duplicate item", "id: s\nitems:\n  - id: A\n  - id: A"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse([]byte(tt.doc)); err == nil {
				t.Error("expected error")
			}
		})
	}
}
