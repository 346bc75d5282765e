// Package unicode finds characters that make text read differently to a
// model than to the person reviewing it: invisible characters, direction
// overrides, tag-character smuggling and Latin look-alikes.
package unicode

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Threat categories.
const (
	CategoryInvalidUTF8  = "invalid-utf8"
	CategoryZeroWidth    = "zero-width"
	CategoryBidiOverride = "bidi-override"
	CategoryTagChar      = "tag-char"
	CategoryControlChar  = "control-char"
	CategoryHomoglyph    = "homoglyph"
)

// Threat is one suspicious character.
type Threat struct {
	Category    string
	Description string
	Offset      int    // byte offset in the input
	Codepoint   string // e.g. "U+200B"
	// Hidden is true for characters that do not render at all.
	Hidden bool
}

// ScanResult is the outcome of a scan.
type ScanResult struct {
	Threats []Threat
	// Visible is the input with hidden characters removed.
	Visible string
	// Smuggled is the ASCII text encoded in Unicode tag characters, if any.
	Smuggled string
}

// Clean reports whether no threats were found.
func (r ScanResult) Clean() bool { return len(r.Threats) == 0 }

// HasHidden reports whether any threat is an invisible character.
func (r ScanResult) HasHidden() bool {
	for _, t := range r.Threats {
		if t.Hidden {
			return true
		}
	}
	return false
}

// Scan inspects text for Unicode smuggling.
func Scan(input string) ScanResult {
	var result ScanResult
	var visible, smuggled strings.Builder
	mixed := mixedScriptWords(input)

	for i := 0; i < len(input); {
		r, size := utf8.DecodeRuneInString(input[i:])

		if r == utf8.RuneError && size == 1 {
			result.Threats = append(result.Threats, Threat{
				Category:    CategoryInvalidUTF8,
				Description: "Invalid UTF-8 byte sequence",
				Offset:      i,
				Codepoint:   fmt.Sprintf("0x%02X", input[i]),
				Hidden:      true,
			})
			i++
			continue
		}

		if isTagCharacter(r) {
			if r >= 0xE0020 && r <= 0xE007E {
				smuggled.WriteRune(r - 0xE0000)
			}
		}

		if t, ok := classifyRune(r, i, mixed); ok {
			result.Threats = append(result.Threats, t)
			if t.Hidden {
				i += size
				continue
			}
		}
		visible.WriteRune(r)
		i += size
	}

	result.Visible = visible.String()
	result.Smuggled = smuggled.String()
	return result
}

func classifyRune(r rune, offset int, mixed map[int]bool) (Threat, bool) {
	cp := fmt.Sprintf("U+%04X", r)
	t := Threat{Offset: offset, Codepoint: cp, Hidden: true}

	switch {
	case isZeroWidth(r):
		t.Category = CategoryZeroWidth
		t.Description = fmt.Sprintf("Zero-width character %s hides content from display", cp)
	case isBidiOverride(r):
		t.Category = CategoryBidiOverride
		t.Description = fmt.Sprintf("Bidirectional control %s reorders displayed text", cp)
	case isTagCharacter(r):
		t.Category = CategoryTagChar
		t.Description = fmt.Sprintf("Unicode tag character %s can smuggle hidden instructions", cp)
	case isUnsafeControl(r):
		t.Category = CategoryControlChar
		t.Description = fmt.Sprintf("Control character %s in display text", cp)
	default:
		latin, ok := confusable(r)
		if !ok || !mixed[offset] {
			return Threat{}, false
		}
		t.Category = CategoryHomoglyph
		t.Description = fmt.Sprintf("%s looks like Latin '%c' inside a Latin word", cp, latin)
		t.Hidden = false
	}
	return t, true
}

// mixedScriptWords returns the byte offsets of confusable runes that sit in
// a word which also contains Latin letters. Text written entirely in
// Cyrillic or Greek is not flagged.
func mixedScriptWords(input string) map[int]bool {
	out := make(map[int]bool)
	var word []int
	hasLatin := false

	flush := func() {
		if hasLatin {
			for _, off := range word {
				out[off] = true
			}
		}
		word = word[:0]
		hasLatin = false
	}

	for i, r := range input {
		if !unicode.IsLetter(r) {
			flush()
			continue
		}
		if unicode.Is(unicode.Latin, r) {
			hasLatin = true
		}
		if _, ok := confusable(r); ok {
			word = append(word, i)
		}
	}
	flush()
	return out
}

func isZeroWidth(r rune) bool {
	switch r {
	case '\u200B', '\u200C', '\u200D', '\uFEFF', '\u2060', '\u180E', '\u200E', '\u200F', '\u00AD':
		return true
	}
	return false
}

func isBidiOverride(r rune) bool {
	return (r >= '\u202A' && r <= '\u202E') || (r >= '\u2066' && r <= '\u2069')
}

func isTagCharacter(r rune) bool {
	return r >= 0xE0001 && r <= 0xE007F
}

// Tab, newline and carriage return are allowed.
func isUnsafeControl(r rune) bool {
	if r == '\t' || r == '\n' || r == '\r' {
		return false
	}
	return r <= 0x1F || r == 0x7F || (r >= 0x80 && r <= 0x9F)
}

func confusable(r rune) (rune, bool) {
	if l, ok := cyrillicHomoglyphs[r]; ok {
		return l, true
	}
	l, ok := greekHomoglyphs[r]
	return l, ok
}

var cyrillicHomoglyphs = map[rune]rune{
	'а': 'a', 'А': 'A', 'В': 'B', 'с': 'c', 'С': 'C', 'е': 'e', 'Е': 'E',
	'Н': 'H', 'і': 'i', 'І': 'I', 'К': 'K', 'М': 'M', 'о': 'o', 'О': 'O',
	'р': 'p', 'Р': 'P', 'Т': 'T', 'х': 'x', 'Х': 'X', 'у': 'y', 'У': 'Y',
}

var greekHomoglyphs = map[rune]rune{
	'Α': 'A', 'Β': 'B', 'Ε': 'E', 'Η': 'H', 'Ι': 'I', 'Κ': 'K', 'Μ': 'M',
	'Ν': 'N', 'Ο': 'O', 'ο': 'o', 'Ρ': 'P', 'Τ': 'T', 'Χ': 'X', 'Υ': 'Y', 'Ζ': 'Z',
}
