package unicode

import (
	"testing"
)

func TestScan_CleanText(t *testing.T) {
	result := Scan("Reads a file from the workspace.")
	if !result.Clean() {
		t.Errorf("expected clean result, got threats: %v", result.Threats)
	}
	if result.Visible != "Reads a file from the workspace." {
		t.Errorf("expected visible = original, got %q", result.Visible)
	}
}

func TestScan_HiddenCharacters(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		category string
		visible  string
	}{
		{"zero-width space", "read\u200B file", CategoryZeroWidth, "read file"},
		{"zero-width joiner", "a\u200Db", CategoryZeroWidth, "ab"},
		{"bom", "\uFEFFhello", CategoryZeroWidth, "hello"},
		{"rtl override", "abc\u202Edef", CategoryBidiOverride, "abcdef"},
		{"isolate", "x\u2066y", CategoryBidiOverride, "xy"},
		{"control", "bell\x07", CategoryControlChar, "bell"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := Scan(tt.input)
			if len(result.Threats) != 1 {
				t.Fatalf("expected 1 threat, got %d: %v", len(result.Threats), result.Threats)
			}
			if result.Threats[0].Category != tt.category {
				t.Errorf("expected %q, got %q", tt.category, result.Threats[0].Category)
			}
			if !result.HasHidden() {
				t.Error("expected hidden threat")
			}
			if result.Visible != tt.visible {
				t.Errorf("expected visible %q, got %q", tt.visible, result.Visible)
			}
		})
	}
}

func TestScan_AllowsWhitespaceControls(t *testing.T) {
	if result := Scan("line one\n\tline two\r\n"); !result.Clean() {
		t.Errorf("tab/newline/CR should be allowed, got %v", result.Threats)
	}
}

func TestScan_TagCharactersDecodeSmuggledText(t *testing.T) {
	// "hi" encoded as tag characters
	input := "safe tool" + string(rune(0xE0068)) + string(rune(0xE0069))
	result := Scan(input)

	if len(result.Threats) != 2 {
		t.Fatalf("expected 2 threats, got %d", len(result.Threats))
	}
	if result.Threats[0].Category != CategoryTagChar {
		t.Errorf("expected tag-char, got %q", result.Threats[0].Category)
	}
	if result.Smuggled != "hi" {
		t.Errorf("expected smuggled text 'hi', got %q", result.Smuggled)
	}
	if result.Visible != "safe tool" {
		t.Errorf("expected visible 'safe tool', got %q", result.Visible)
	}
}

func TestScan_HomoglyphInLatinWord(t *testing.T) {
	// Cyrillic 'а' inside "pаypal"
	result := Scan("login to pаypal")
	if len(result.Threats) != 1 {
		t.Fatalf("expected 1 threat, got %d", len(result.Threats))
	}
	if result.Threats[0].Category != CategoryHomoglyph {
		t.Errorf("expected homoglyph, got %q", result.Threats[0].Category)
	}
	if result.HasHidden() {
		t.Error("homoglyphs are visible")
	}
}

func TestScan_PureCyrillicIsNotFlagged(t *testing.T) {
	if result := Scan("Привет мир"); !result.Clean() {
		t.Errorf("pure Cyrillic text should be clean, got %v", result.Threats)
	}
}

func TestScan_InvalidUTF8(t *testing.T) {
	result := Scan("ok\xffok")
	if len(result.Threats) != 1 || result.Threats[0].Category != CategoryInvalidUTF8 {
		t.Fatalf("expected invalid-utf8 threat, got %v", result.Threats)
	}
	if result.Threats[0].Offset != 2 {
		t.Errorf("expected offset 2, got %d", result.Threats[0].Offset)
	}
}
