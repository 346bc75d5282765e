// Package rules decides intercepted messages automatically from a YAML rule
// file, so that only the messages an operator cares about reach the prompt.
package rules

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/gzhole/counteragent/internal/mcp"
	"github.com/gzhole/counteragent/internal/session"
)

// Action is what a rule does with a matching message.
type Action string

const (
	Forward Action = "forward"
	Hold    Action = "hold"
	Drop    Action = "drop"
)

func (a Action) rank() int {
	switch a {
	case Drop:
		return 3
	case Hold:
		return 2
	case Forward:
		return 1
	default:
		return 0
	}
}

// RuleSet is a rule file.
type RuleSet struct {
	Default      Action   `yaml:"default"`
	BlockedTools []string `yaml:"blocked_tools,omitempty"`
	Rules        []Rule   `yaml:"rules,omitempty"`
}

// Rule is a single match/action pair.
type Rule struct {
	ID     string `yaml:"id"`
	Match  Match  `yaml:"match"`
	Action Action `yaml:"action"`
	Reason string `yaml:"reason"`
}

// Match lists the conditions of a rule. Every condition given must hold.
type Match struct {
	Direction session.Direction `yaml:"direction,omitempty"`
	// Method is a glob on the JSON-RPC method, e.g. "tools/*".
	Method        string   `yaml:"method,omitempty"`
	ToolName      string   `yaml:"tool_name,omitempty"`
	ToolNameRegex string   `yaml:"tool_name_regex,omitempty"`
	ToolNameAny   []string `yaml:"tool_name_any,omitempty"`
	// ArgumentPatterns maps a tools/call argument to a glob on its value.
	ArgumentPatterns map[string]string `yaml:"argument_patterns,omitempty"`
	// URI is a glob on the uri param of resources/read and friends.
	URI string `yaml:"uri,omitempty"`

	toolRe *regexp.Regexp
}

// Result is the outcome of evaluating one message.
type Result struct {
	Action  Action
	RuleIDs []string
	Reasons []string
}

// Load reads and validates a rule file.
func Load(path string) (*RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules %s: %w", path, err)
	}
	rs, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return rs, nil
}

// Parse decodes a rule document. A missing default is forward.
func Parse(data []byte) (*RuleSet, error) {
	var rs RuleSet
	if err := yaml.Unmarshal(data, &rs); err != nil {
		return nil, fmt.Errorf("parsing rules: %w", err)
	}
	if rs.Default == "" {
		rs.Default = Forward
	}
	if rs.Default.rank() == 0 {
		return nil, fmt.Errorf("invalid default action %q", rs.Default)
	}

	seen := make(map[string]bool, len(rs.Rules))
	for i := range rs.Rules {
		r := &rs.Rules[i]
		if r.ID == "" {
			return nil, fmt.Errorf("rule %d: missing id", i)
		}
		if seen[r.ID] {
			return nil, fmt.Errorf("duplicate rule id %q", r.ID)
		}
		seen[r.ID] = true
		if r.Action.rank() == 0 {
			return nil, fmt.Errorf("rule %s: invalid action %q", r.ID, r.Action)
		}
		if r.Match.Direction != "" && !r.Match.Direction.Valid() {
			return nil, fmt.Errorf("rule %s: invalid direction %q", r.ID, r.Match.Direction)
		}
		if r.Match.ToolNameRegex != "" {
			re, err := regexp.Compile(r.Match.ToolNameRegex)
			if err != nil {
				return nil, fmt.Errorf("rule %s: %w", r.ID, err)
			}
			r.Match.toolRe = re
		}
		if r.Match.empty() {
			return nil, fmt.Errorf("rule %s: match has no conditions", r.ID)
		}
	}
	return &rs, nil
}

func (m *Match) empty() bool {
	return m.Direction == "" && m.Method == "" && m.ToolName == "" && m.toolRe == nil &&
		len(m.ToolNameAny) == 0 && len(m.ArgumentPatterns) == 0 && m.URI == ""
}

// call is what the rules can see of a message.
type call struct {
	direction session.Direction
	method    string
	tool      string
	arguments map[string]any
	uri       string
}

func inspect(msg session.ProxyMessage) call {
	c := call{direction: msg.Direction, method: msg.Method}
	parsed, _, err := mcp.ParseMessage(msg.Raw)
	if err != nil || len(parsed.Params) == 0 {
		return c
	}
	var params struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
		URI       string         `json:"uri"`
	}
	if json.Unmarshal(parsed.Params, &params) != nil {
		return c
	}
	if msg.Method == "tools/call" {
		c.tool = params.Name
		c.arguments = params.Arguments
	}
	c.uri = params.URI
	return c
}

// Evaluate returns the most restrictive action of all matching rules, or
// the default when none match. Blocked tools are always dropped.
func (rs *RuleSet) Evaluate(msg session.ProxyMessage) Result {
	c := inspect(msg)

	if c.tool != "" {
		for _, blocked := range rs.BlockedTools {
			if matchName(c.tool, blocked) {
				return Result{
					Action:  Drop,
					RuleIDs: []string{"blocked-tool:" + blocked},
					Reasons: []string{fmt.Sprintf("Tool %q is in the blocked tools list", c.tool)},
				}
			}
		}
	}

	result := Result{Action: rs.Default}
	matched := false
	for _, r := range rs.Rules {
		if !r.Match.matches(c) {
			continue
		}
		switch {
		case !matched || r.Action.rank() > result.Action.rank():
			result = Result{Action: r.Action, RuleIDs: []string{r.ID}, Reasons: []string{r.Reason}}
		case r.Action == result.Action:
			result.RuleIDs = append(result.RuleIDs, r.ID)
			result.Reasons = append(result.Reasons, r.Reason)
		}
		matched = true
	}
	return result
}

func (m *Match) matches(c call) bool {
	if m.Direction != "" && m.Direction != c.direction {
		return false
	}
	if m.Method != "" && !matchName(c.method, m.Method) {
		return false
	}

	nameSpecified := m.ToolName != "" || m.toolRe != nil || len(m.ToolNameAny) > 0
	if nameSpecified {
		if c.tool == "" {
			return false
		}
		ok := (m.ToolName != "" && matchName(c.tool, m.ToolName)) ||
			(m.toolRe != nil && m.toolRe.MatchString(c.tool))
		for _, name := range m.ToolNameAny {
			ok = ok || matchName(c.tool, name)
		}
		if !ok {
			return false
		}
	}

	for arg, pattern := range m.ArgumentPatterns {
		v, ok := c.arguments[arg]
		if !ok {
			return false
		}
		if !matchGlob(fmt.Sprint(v), pattern) {
			return false
		}
	}

	if m.URI != "" && (c.uri == "" || !matchGlob(strings.TrimPrefix(c.uri, "file://"), m.URI)) {
		return false
	}
	return true
}
