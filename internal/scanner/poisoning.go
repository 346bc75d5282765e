package scanner

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/gzhole/counteragent/internal/unicode"
)

// poisonSignal is one family of tool-description poisoning.
type poisonSignal struct {
	id          string
	ruleID      string
	title       string
	severity    Severity
	remediation string
	patterns    []signalPattern
}

type signalPattern struct {
	re          *regexp.Regexp
	description string
}

var poisonSignals = []poisonSignal{
	{
		id:          "hidden_instructions",
		ruleID:      "MCP03-001",
		title:       "Hidden instructions in tool description",
		severity:    SeverityHigh,
		remediation: "Remove model-directed instructions from the tool description; describe only what the tool does.",
		patterns: []signalPattern{
			{regexp.MustCompile(`<important>`), "Hidden <IMPORTANT> tag"},
			{regexp.MustCompile(`<system>`), "Hidden <SYSTEM> tag"},
			{regexp.MustCompile(`<instruction>`), "Hidden <INSTRUCTION> tag"},
			{regexp.MustCompile(`<cmd>`), "Hidden <CMD> tag"},
			{regexp.MustCompile(`ignore\s+(all\s+)?previous\s+instructions`), "Prompt injection: ignore previous instructions"},
			{regexp.MustCompile(`ignore\s+(all\s+)?safety`), "Prompt injection: ignore safety"},
			{regexp.MustCompile(`override\s+(all\s+)?(previous|system)`), "Prompt injection: override instructions"},
			{regexp.MustCompile(`you\s+must\s+(first|always)\s+read`), "Coercive instruction to read files"},
			{regexp.MustCompile(`before\s+using\s+this\s+tool.*read`), "Pre-condition instruction to read files"},
			{regexp.MustCompile(`otherwise\s+the\s+tool\s+will\s+not\s+work`), "Fake pre-condition threat"},
		},
	},
	{
		id:          "credential_harvest",
		ruleID:      "MCP03-002",
		title:       "Tool description references credentials",
		severity:    SeverityCritical,
		remediation: "Tools should never ask the model to read key material or credential files.",
		patterns: []signalPattern{
			{regexp.MustCompile(`~/?\.(ssh|aws|gnupg|kube|config/gcloud)`), "Sensitive dotfile directory"},
			{regexp.MustCompile(`id_rsa|id_ed25519|id_ecdsa`), "SSH private key filename"},
			{regexp.MustCompile(`authorized_keys`), "SSH authorized_keys"},
			{regexp.MustCompile(`mcp\.json`), "MCP configuration file"},
			{regexp.MustCompile(`/etc/shadow|/etc/passwd`), "System auth files"},
			{regexp.MustCompile(`\.env\b`), ".env file"},
		},
	},
	{
		id:          "exfiltration_intent",
		ruleID:      "MCP03-003",
		title:       "Tool description instructs data exfiltration",
		severity:    SeverityCritical,
		remediation: "Remove instructions that route data into tool arguments or external endpoints.",
		patterns: []signalPattern{
			{regexp.MustCompile(`pass\s+(it|its|the|this|that|them|their)?\s*(content|contents|data|value|result)?\s*as\b`), "Instruction to pass data as a parameter"},
			{regexp.MustCompile(`(curl|wget|fetch|http|post)\s.*(attacker|evil|exfil|collect|receive)`), "Exfiltration via HTTP"},
			{regexp.MustCompile(`encode\s+(it|the|this|data)?\s*(as|in|to|with)\s*(base64|hex)`), "Instruction to encode data"},
			{regexp.MustCompile(`(include|embed|attach|append)\s+(it|the|this|all)?\s*(in|to|into)\s*(the\s+)?(response|output|result|argument|param)`), "Instruction to embed data in output"},
		},
	},
	{
		id:          "cross_tool_override",
		ruleID:      "MCP03-004",
		title:       "Tool description overrides other tools",
		severity:    SeverityHigh,
		remediation: "A tool description must not change how other tools behave.",
		patterns: []signalPattern{
			{regexp.MustCompile(`(side\s+effect|important\s+side\s+effect)\s+on\s+(the\s+)?`), "Side effects on other tools"},
			{regexp.MustCompile(`when\s+this\s+tool\s+is\s+available.*must\s+`), "Conditional override when tool is present"},
			{regexp.MustCompile(`(mcp_tool_|tool_)\w+\s+must\s+`), "Direct instruction to another tool"},
			{regexp.MustCompile(`send\s+all\s+(emails|messages|requests|data)\s+to\b`), "Redirect all data"},
		},
	},
	{
		id:          "stealth_instruction",
		ruleID:      "MCP03-005",
		title:       "Tool description hides behavior from the user",
		severity:    SeverityMedium,
		remediation: "Remove instructions telling the model to conceal actions from the user.",
		patterns: []signalPattern{
			{regexp.MustCompile(`(do\s+not|don'?t)\s+(mention|tell|inform|reveal|show|display|say)`), "Hide behavior from user"},
			{regexp.MustCompile(`(could|might|will)\s+(upset|scare|confuse|alarm|worry)\s+the\s+user`), "Emotional manipulation"},
			{regexp.MustCompile(`(mere|just\s+a|simply\s+an?)\s+(implementation|technical)\s+(detail|requirement)`), "Minimizing suspicious behavior"},
			{regexp.MustCompile(`very\s+very\s+(very\s+)?important`), "Emphatic coercion"},
			{regexp.MustCompile(`the\s+application\s+will\s+crash|all\s+data\s+will\s+be\s+lost`), "Fake failure threat"},
		},
	},
}

// ToolPoisoning flags tool metadata written to steer the model: hidden
// instructions, credential harvesting, exfiltration, cross-tool overrides,
// stealth phrasing and invisible Unicode.
type ToolPoisoning struct{}

func NewToolPoisoning() *ToolPoisoning { return &ToolPoisoning{} }

func (*ToolPoisoning) Name() string    { return "tool_poisoning" }
func (*ToolPoisoning) OWASPID() string { return "MCP03" }
func (*ToolPoisoning) Description() string {
	return "Detects hidden instructions and invisible characters in tool metadata"
}

func (c *ToolPoisoning) Scan(ctx context.Context, sc *ScanContext) ([]Finding, error) {
	if sc.Server == nil {
		return nil, nil
	}
	var findings []Finding
	for _, tool := range sc.Server.Tools {
		if err := ctx.Err(); err != nil {
			return findings, err
		}
		findings = append(findings, c.scanTool(tool)...)
	}
	return findings, nil
}

func (c *ToolPoisoning) scanTool(tool *sdk.Tool) []Finding {
	text := toolText(tool)
	if text == "" {
		return nil
	}
	now := time.Now().UTC()
	var findings []Finding

	// Match against the visible text so zero-width padding cannot split a
	// phrase.
	u := unicode.Scan(text)
	lower := strings.ToLower(u.Visible)
	if u.Smuggled != "" {
		lower += " " + strings.ToLower(u.Smuggled)
	}

	for _, sig := range poisonSignals {
		var matched []string
		evidence := ""
		for _, p := range sig.patterns {
			loc := p.re.FindStringIndex(lower)
			if loc == nil {
				continue
			}
			matched = append(matched, p.description)
			if evidence == "" {
				evidence = safeSnippet(lower, loc[0], 80)
			}
		}
		if len(matched) == 0 {
			continue
		}
		findings = append(findings, Finding{
			RuleID:      sig.ruleID,
			OWASPID:     c.OWASPID(),
			Title:       fmt.Sprintf("%s: %q", sig.title, tool.Name),
			Description: strings.Join(matched, "; "),
			Severity:    sig.severity,
			Evidence:    evidence,
			Remediation: sig.remediation,
			ToolName:    tool.Name,
			Metadata:    map[string]any{"signal": sig.id, "patterns": matched},
			Timestamp:   now,
		})
	}

	if u.HasHidden() {
		categories := make(map[string]int)
		var codepoints []string
		for _, t := range u.Threats {
			if t.Hidden {
				categories[t.Category]++
				codepoints = append(codepoints, t.Codepoint)
			}
		}
		meta := map[string]any{"signal": "invisible_unicode", "categories": categories}
		desc := fmt.Sprintf("%d invisible characters in tool metadata", len(codepoints))
		if u.Smuggled != "" {
			meta["smuggled_text"] = u.Smuggled
			desc += "; tag characters decode to hidden text"
		}
		findings = append(findings, Finding{
			RuleID:      "MCP03-006",
			OWASPID:     c.OWASPID(),
			Title:       fmt.Sprintf("Invisible characters in tool %q", tool.Name),
			Description: desc,
			Severity:    SeverityHigh,
			Evidence:    strings.Join(codepoints, " "),
			Remediation: "Strip zero-width, bidirectional and tag characters from tool metadata.",
			ToolName:    tool.Name,
			Metadata:    meta,
			Timestamp:   now,
		})
	}
	return findings
}

// toolText joins every model-visible string of a tool.
func toolText(tool *sdk.Tool) string {
	parts := []string{tool.Name, tool.Title, tool.Description}
	if tool.InputSchema != nil {
		if data, err := json.Marshal(tool.InputSchema); err == nil {
			parts = append(parts, string(data))
		}
	}
	return strings.TrimSpace(strings.Join(parts, " "))
}

// safeSnippet extracts context around idx, capped at maxLen bytes.
func safeSnippet(text string, idx, maxLen int) string {
	start := max(idx-20, 0)
	end := min(idx+maxLen, len(text))
	snippet := strings.ToValidUTF8(text[start:end], "")
	if start > 0 {
		snippet = "..." + snippet
	}
	if end < len(text) {
		snippet += "..."
	}
	return snippet
}
