package scanner

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gzhole/counteragent/internal/redact"
)

// criticalSecrets are pattern ids whose exposure grants direct access.
var criticalSecrets = map[string]bool{
	"aws-access-key-id":         true,
	"aws-credential-assignment": true,
	"github-token":              true,
	"github-token-assignment":   true,
	"private-key":               true,
	"slack-token":               true,
	"stripe-live-key":           true,
}

// TokenExposure flags secrets published through server metadata: tool
// descriptions and schemas, resource URIs, prompt text and the server
// instructions.
type TokenExposure struct{}

func NewTokenExposure() *TokenExposure { return &TokenExposure{} }

func (*TokenExposure) Name() string    { return "token_exposure" }
func (*TokenExposure) OWASPID() string { return "MCP01" }
func (*TokenExposure) Description() string {
	return "Detects credentials and tokens exposed in server metadata"
}

// exposureSource is one piece of metadata to inspect.
type exposureSource struct {
	location string
	tool     string
	text     string
}

func (c *TokenExposure) Scan(ctx context.Context, sc *ScanContext) ([]Finding, error) {
	if sc.Server == nil {
		return nil, nil
	}
	var findings []Finding
	now := time.Now().UTC()
	for _, src := range metadataSources(sc) {
		if err := ctx.Err(); err != nil {
			return findings, err
		}
		for _, m := range redact.Find(src.text) {
			sev := SeverityHigh
			if criticalSecrets[m.PatternID] {
				sev = SeverityCritical
			}
			findings = append(findings, Finding{
				RuleID:      "MCP01-001",
				OWASPID:     c.OWASPID(),
				Title:       fmt.Sprintf("%s exposed in %s", m.Description, src.location),
				Description: fmt.Sprintf("Server metadata at %s contains a value matching %s.", src.location, m.PatternID),
				Severity:    sev,
				Evidence:    redact.Mask(m.Value),
				Remediation: "Remove the secret from server metadata and rotate it.",
				ToolName:    src.tool,
				Metadata:    map[string]any{"pattern": m.PatternID, "location": src.location},
				Timestamp:   now,
			})
		}
	}
	return findings, nil
}

func metadataSources(sc *ScanContext) []exposureSource {
	s := sc.Server
	var out []exposureSource
	if s.Instructions != "" {
		out = append(out, exposureSource{location: "server instructions", text: s.Instructions})
	}
	for _, t := range s.Tools {
		out = append(out, exposureSource{
			location: fmt.Sprintf("tool %q description", t.Name),
			tool:     t.Name,
			text:     t.Description,
		})
		if t.InputSchema != nil {
			if data, err := json.Marshal(t.InputSchema); err == nil {
				out = append(out, exposureSource{
					location: fmt.Sprintf("tool %q input schema", t.Name),
					tool:     t.Name,
					text:     string(data),
				})
			}
		}
	}
	for _, r := range s.Resources {
		out = append(out, exposureSource{
			location: fmt.Sprintf("resource %q", r.Name),
			text:     r.URI + " " + r.Description,
		})
	}
	for _, p := range s.Prompts {
		text := p.Description
		for _, arg := range p.Arguments {
			text += " " + arg.Description
		}
		out = append(out, exposureSource{location: fmt.Sprintf("prompt %q", p.Name), text: text})
	}
	return out
}
