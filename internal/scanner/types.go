// Package scanner audits an MCP server: it discovers the server's tools,
// resources and prompts, then runs registered checks mapped to the OWASP
// MCP Top 10.
package scanner

import (
	"context"
	"time"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/gzhole/counteragent/internal/session"
)

// Severity is a CVSS-aligned finding severity.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

// Rank orders severities; critical is highest.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	}
	return 0
}

// Finding is one security issue reported by a check.
type Finding struct {
	RuleID      string         `json:"rule_id"`
	OWASPID     string         `json:"owasp_id"`
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Severity    Severity       `json:"severity"`
	Evidence    string         `json:"evidence"`
	Remediation string         `json:"remediation"`
	ToolName    string         `json:"tool_name,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}

// ServerDescription is what discovery learned about a server.
type ServerDescription struct {
	Name            string
	Version         string
	ProtocolVersion string
	Instructions    string
	Tools           []*sdk.Tool
	Resources       []*sdk.Resource
	Prompts         []*sdk.Prompt
}

// ScanContext is handed to every check.
type ScanContext struct {
	Server    *ServerDescription
	Transport session.Transport
	URL       string
	// Config holds per-check overrides keyed by check name.
	Config map[string]map[string]any
}

// Checker is one audit check.
type Checker interface {
	Name() string
	OWASPID() string
	Description() string
	Scan(ctx context.Context, sc *ScanContext) ([]Finding, error)
}
